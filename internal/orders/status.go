package orders

type Status string

const (
	StatusCreated    Status = "CREATED"
	StatusLinkIssued Status = "LINK_ISSUED"
	StatusPaid       Status = "PAID"
	StatusFailed     Status = "FAILED"
	StatusExpired    Status = "EXPIRED"
)

var validNext = map[Status]map[Status]bool{
	StatusCreated:    {StatusLinkIssued: true, StatusFailed: true, StatusExpired: true},
	StatusLinkIssued: {StatusPaid: true, StatusFailed: true, StatusExpired: true},
	StatusPaid:       {},
	StatusFailed:     {},
	StatusExpired:    {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Terminal states have no outgoing transition. Terminal orders are retained
// as an audit trail, never deleted.
func (s Status) Terminal() bool {
	return len(validNext[s]) == 0
}
