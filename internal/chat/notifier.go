package chat

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dumuapparels/igbot/internal/audit"
	"github.com/dumuapparels/igbot/internal/identity"
	"github.com/dumuapparels/igbot/internal/orders"
)

type UserLookup interface {
	ByID(ctx context.Context, id string) (identity.User, error)
}

// Notifier tells the customer how their payment settled. It is invoked by
// the reconciler after the order has already transitioned; a send failure
// never rolls the order back.
type Notifier struct {
	Users  UserLookup
	Send   Sender
	Convos ConvLog
	Audit  audit.Publisher
	Log    *slog.Logger
}

func (n *Notifier) PaymentResolved(ctx context.Context, o orders.Order, success bool) {
	user, err := n.Users.ByID(ctx, o.UserID)
	if err != nil {
		n.Log.Error("cannot notify: user lookup failed", "user_id", o.UserID, "order_id", o.ID, "err", err)
		return
	}

	var text string
	if success {
		text = fmt.Sprintf("Payment of %s received, asante! Your order is confirmed. "+
			"Reply \"deliver to <your address>\" so we can arrange delivery.", formatKES(o.AmountCents))
	} else {
		text = "Your payment did not go through. You can start the order again from the menu."
	}

	if err := n.Send.SendText(ctx, user.InstagramID, text); err != nil {
		n.Log.Error("payment notification send failed", "user_id", user.ID, "order_id", o.ID, "err", err)
		return
	}
	if err := n.Convos.Append(ctx, user.ID, "bot", text); err != nil {
		n.Log.Warn("conversation log append failed", "user_id", user.ID, "err", err)
	}
	n.Audit.Publish(audit.EventConversationMessage, user.ID, audit.ConversationMessagePayload{
		UserID: user.ID, Sender: "bot", Message: text,
	})
}
