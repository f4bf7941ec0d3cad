package identity

import "time"

// User is the identity anchor for an Instagram conversation. InstagramID is
// unique and immutable once assigned; profile fields are filled in as the
// conversation surfaces them.
type User struct {
	ID          string
	InstagramID string
	Name        string
	PhoneNumber string
	Location    string

	// A selected product+size waiting on phone capture before an M-PESA
	// checkout can start. Survives restarts, which is why it is persisted
	// rather than held in conversation state.
	PendingProductID string
	PendingSize      string

	CreatedAt time.Time
}
