package chat

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ConversationEntry is an append-only audit record of one message. Routing
// decisions never read it; only the generative fallback uses it as context.
type ConversationEntry struct {
	UserID  string
	Message string
	Sender  string // "user" | "bot"
	TS      time.Time
}

type ConvLogRepo struct{ DB *pgxpool.Pool }

func (r *ConvLogRepo) Append(ctx context.Context, userID, sender, message string) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO conversation_logs(user_id, message, sender, ts)
		VALUES ($1, $2, $3, now())
	`, userID, message, sender)
	return err
}

// Recent returns the last n entries for a user, oldest first.
func (r *ConvLogRepo) Recent(ctx context.Context, userID string, n int) ([]ConversationEntry, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT user_id, message, sender, ts
		FROM (
			SELECT user_id, message, sender, ts
			FROM conversation_logs
			WHERE user_id=$1
			ORDER BY ts DESC
			LIMIT $2
		) recent
		ORDER BY ts ASC
	`, userID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ConversationEntry
	for rows.Next() {
		var e ConversationEntry
		if err := rows.Scan(&e.UserID, &e.Message, &e.Sender, &e.TS); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
