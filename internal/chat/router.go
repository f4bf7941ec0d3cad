// Package chat routes inbound Instagram messages. Structured input (button
// payloads, phone numbers, known keywords) is handled deterministically;
// only unmatched free text reaches the generative fallback, and any fallback
// failure degrades to the main menu so the conversation never goes silent.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/dumuapparels/igbot/internal/audit"
	"github.com/dumuapparels/igbot/internal/catalog"
	"github.com/dumuapparels/igbot/internal/genai"
	"github.com/dumuapparels/igbot/internal/identity"
	"github.com/dumuapparels/igbot/internal/orders"
	"github.com/dumuapparels/igbot/internal/payments"
	"github.com/dumuapparels/igbot/internal/platform"
)

// Kenyan Safaricom/Airtel mobile numbers as customers type them.
var msisdnRe = regexp.MustCompile(`^(07|01)\d{8}$`)

const (
	carouselLimit  = 10 // platform cap on generic template elements
	buttonsPerCard = 3  // platform cap on button template buttons
	historyDepth   = 10
)

type UserStore interface {
	Resolve(ctx context.Context, instagramID string) (identity.User, error)
	SavePhone(ctx context.Context, userID, phone string) error
	SaveLocation(ctx context.Context, userID, location string) error
	SetPendingProduct(ctx context.Context, userID, productID, size string) error
	ClearPendingProduct(ctx context.Context, userID string) error
}

type ProductStore interface {
	Get(ctx context.Context, id string) (catalog.Product, error)
	ListByCategory(ctx context.Context, cat catalog.Category, limit int) ([]catalog.Product, error)
}

type Checkout interface {
	Start(ctx context.Context, user identity.User, product catalog.Product, size string) (orders.Order, error)
	IssueLink(ctx context.Context, o orders.Order, user identity.User, product catalog.Product, preferredProvider string) (orders.Order, payments.Link, error)
}

type Sender interface {
	SendText(ctx context.Context, recipientID, text string) error
	SendButtons(ctx context.Context, recipientID, text string, buttons []platform.Button) error
	SendCarousel(ctx context.Context, recipientID string, elements []platform.CarouselElement) error
}

type Completer interface {
	Complete(ctx context.Context, history []genai.Turn, text string) (string, error)
}

type ConvLog interface {
	Append(ctx context.Context, userID, sender, message string) error
	Recent(ctx context.Context, userID string, n int) ([]ConversationEntry, error)
}

type Router struct {
	Users   UserStore
	Catalog ProductStore
	Orders  Checkout
	Send    Sender
	Convos  ConvLog
	Audit   audit.Publisher
	Log     *slog.Logger

	// Fallback may be nil when no completion backend is configured; the
	// router then runs permanently degraded and unmatched text gets the
	// main menu.
	Fallback        Completer
	FallbackTimeout time.Duration
}

// HandleEvent processes one messaging event end to end. Errors are for the
// caller's logs only; the webhook has already been acked by the time this
// runs.
func (r *Router) HandleEvent(ctx context.Context, ev platform.MessagingEvent) error {
	if ev.StatusUpdate() {
		return nil
	}
	if ev.Message != nil && ev.Message.IsEcho {
		return nil
	}
	if ev.Sender.ID == "" {
		return nil
	}

	user, err := r.Users.Resolve(ctx, ev.Sender.ID)
	if err != nil {
		return fmt.Errorf("resolve user: %w", err)
	}

	switch {
	case ev.Postback != nil:
		r.logInbound(ctx, user, ev.Postback.Payload)
		return r.handleAction(ctx, user, ParseAction(ev.Postback.Payload), ev.Postback.Payload)
	case ev.Message != nil && ev.Message.Text != "":
		r.logInbound(ctx, user, ev.Message.Text)
		return r.handleText(ctx, user, ev.Message.Text)
	}
	return nil
}

func (r *Router) handleAction(ctx context.Context, user identity.User, a Action, raw string) error {
	switch a.Kind {
	case ActionMainMenu:
		return r.mainMenu(ctx, user)
	case ActionShowCatalog:
		return r.showroom(ctx, user, a.Category)
	case ActionBuy:
		return r.sizeSelector(ctx, user, a.ProductID)
	case ActionSelectSize:
		return r.paymentSelector(ctx, user, a.ProductID, a.Size)
	case ActionPayMpesa:
		if user.PhoneNumber == "" {
			if err := r.Users.SetPendingProduct(ctx, user.ID, a.ProductID, a.Size); err != nil {
				return err
			}
			return r.reply(ctx, user,
				"To pay with M-PESA I need your phone number. Reply with it here, e.g. 0712345678.")
		}
		return r.startCheckout(ctx, user, a.ProductID, a.Size, "kopokopo")
	case ActionPayCard:
		return r.startCheckout(ctx, user, a.ProductID, a.Size, "pesapal")
	case ActionRetryPay:
		return r.paymentSelector(ctx, user, a.ProductID, a.Size)
	default:
		r.Log.Warn("unrecognized postback payload", "user_id", user.ID, "payload", raw)
		r.Audit.Publish(audit.EventRoutingMiss, user.ID, audit.RoutingMissPayload{
			UserID: user.ID, Payload: raw,
		})
		return r.mainMenu(ctx, user)
	}
}

func (r *Router) handleText(ctx context.Context, user identity.User, text string) error {
	trimmed := strings.TrimSpace(text)

	if msisdnRe.MatchString(trimmed) {
		phone := "+254" + trimmed[1:]
		if err := r.Users.SavePhone(ctx, user.ID, phone); err != nil {
			return err
		}
		user.PhoneNumber = phone

		// Resume the checkout the phone was asked for.
		if user.PendingProductID != "" {
			productID, size := user.PendingProductID, user.PendingSize
			if err := r.Users.ClearPendingProduct(ctx, user.ID); err != nil {
				return err
			}
			return r.startCheckout(ctx, user, productID, size, "kopokopo")
		}
		return r.reply(ctx, user, "Thanks, your number is saved.")
	}

	// "deliver to <address>" is the structured way to set the delivery
	// location; the payment confirmation asks for it in this form.
	const deliverPrefix = "deliver to "
	if len(trimmed) > len(deliverPrefix) && strings.EqualFold(trimmed[:len(deliverPrefix)], deliverPrefix) {
		location := strings.TrimSpace(trimmed[len(deliverPrefix):])
		if err := r.Users.SaveLocation(ctx, user.ID, location); err != nil {
			return err
		}
		return r.reply(ctx, user, "Delivery location saved: "+location)
	}

	switch strings.ToLower(trimmed) {
	case "hi", "hello", "hey", "start", "menu", "habari", "niaje":
		return r.mainMenu(ctx, user)
	case "men", "men's", "mens":
		return r.showroom(ctx, user, catalog.CategoryMen)
	case "women", "women's", "womens", "ladies":
		return r.showroom(ctx, user, catalog.CategoryWomen)
	}

	return r.freeText(ctx, user, trimmed)
}

// freeText runs the generative fallback under a hard deadline. Timeout,
// transport failure or a missing backend all land on the main menu.
func (r *Router) freeText(ctx context.Context, user identity.User, text string) error {
	if r.Fallback == nil {
		return r.mainMenu(ctx, user)
	}

	history, err := r.Convos.Recent(ctx, user.ID, historyDepth)
	if err != nil {
		r.Log.Warn("conversation history unavailable", "user_id", user.ID, "err", err)
		history = nil
	}
	turns := make([]genai.Turn, 0, len(history))
	for _, e := range history {
		turns = append(turns, genai.Turn{Sender: e.Sender, Message: e.Message})
	}

	cctx, cancel := context.WithTimeout(ctx, r.FallbackTimeout)
	defer cancel()

	reply, err := r.Fallback.Complete(cctx, turns, text)
	if err != nil {
		r.Log.Warn("fallback completion failed, degrading to menu", "user_id", user.ID, "err", err)
		return r.mainMenu(ctx, user)
	}
	return r.reply(ctx, user, reply)
}

func (r *Router) mainMenu(ctx context.Context, user identity.User) error {
	buttons := []platform.Button{
		{Type: "postback", Title: "Men's wear", Payload: "SHOW_MEN"},
		{Type: "postback", Title: "Women's wear", Payload: "SHOW_WOMEN"},
	}
	text := "Karibu Dumu Apparels! What are you shopping for today?"
	if err := r.Send.SendButtons(ctx, user.InstagramID, text, buttons); err != nil {
		return err
	}
	r.logOutbound(ctx, user, text)
	return nil
}

func (r *Router) showroom(ctx context.Context, user identity.User, cat catalog.Category) error {
	products, err := r.Catalog.ListByCategory(ctx, cat, carouselLimit)
	if err != nil {
		return fmt.Errorf("list products: %w", err)
	}
	if len(products) == 0 {
		if err := r.reply(ctx, user, "We are restocking that collection right now. Check back soon!"); err != nil {
			return err
		}
		return r.mainMenu(ctx, user)
	}

	elements := make([]platform.CarouselElement, 0, len(products))
	for _, p := range products {
		elements = append(elements, platform.CarouselElement{
			Title:    p.Name,
			Subtitle: formatKES(p.PriceCents),
			ImageURL: p.ImageURL,
			Buttons: []platform.Button{
				{Type: "postback", Title: "Buy", Payload: "BUY_" + p.ID},
			},
		})
	}
	if err := r.Send.SendCarousel(ctx, user.InstagramID, elements); err != nil {
		return err
	}
	r.logOutbound(ctx, user, fmt.Sprintf("[showroom: %s, %d products]", cat, len(products)))
	return nil
}

func (r *Router) sizeSelector(ctx context.Context, user identity.User, productID string) error {
	p, err := r.Catalog.Get(ctx, productID)
	if err != nil || !p.Sellable() {
		if err != nil {
			r.Log.Warn("product lookup failed", "product_id", productID, "err", err)
		}
		if rerr := r.reply(ctx, user, "Sorry, that item is no longer available."); rerr != nil {
			return rerr
		}
		return r.mainMenu(ctx, user)
	}

	if len(p.Sizes) == 0 {
		return r.paymentSelector(ctx, user, p.ID, "standard")
	}

	text := fmt.Sprintf("%s, %s. Pick your size:", p.Name, formatKES(p.PriceCents))
	// Button templates carry at most three buttons, so long size runs go
	// out as several messages.
	for i := 0; i < len(p.Sizes); i += buttonsPerCard {
		end := min(i+buttonsPerCard, len(p.Sizes))
		buttons := make([]platform.Button, 0, end-i)
		for _, s := range p.Sizes[i:end] {
			buttons = append(buttons, platform.Button{
				Type: "postback", Title: s, Payload: fmt.Sprintf("SIZE_%s_%s", p.ID, s),
			})
		}
		if err := r.Send.SendButtons(ctx, user.InstagramID, text, buttons); err != nil {
			return err
		}
		text = "More sizes:"
	}
	r.logOutbound(ctx, user, fmt.Sprintf("[size selector: %s]", p.Name))
	return nil
}

func (r *Router) paymentSelector(ctx context.Context, user identity.User, productID, size string) error {
	p, err := r.Catalog.Get(ctx, productID)
	if err != nil || !p.Sellable() {
		if err != nil {
			r.Log.Warn("product lookup failed", "product_id", productID, "err", err)
		}
		if rerr := r.reply(ctx, user, "Sorry, that item is no longer available."); rerr != nil {
			return rerr
		}
		return r.mainMenu(ctx, user)
	}

	text := fmt.Sprintf("%s (size %s) is %s. How would you like to pay?",
		p.Name, size, formatKES(p.PriceCents))
	buttons := []platform.Button{
		{Type: "postback", Title: "M-PESA", Payload: fmt.Sprintf("PAY_MPESA_%s_%s", p.ID, size)},
		{Type: "postback", Title: "Card", Payload: fmt.Sprintf("PAY_CARD_%s_%s", p.ID, size)},
	}
	if err := r.Send.SendButtons(ctx, user.InstagramID, text, buttons); err != nil {
		return err
	}
	r.logOutbound(ctx, user, text)
	return nil
}

// startCheckout opens an order and issues a payment link. Any prior open
// order the user had is superseded inside Start. A failed issuance leaves
// the order FAILED and offers a manual retry button.
func (r *Router) startCheckout(ctx context.Context, user identity.User, productID, size, preferredProvider string) error {
	p, err := r.Catalog.Get(ctx, productID)
	if err != nil {
		r.Log.Warn("product lookup failed", "product_id", productID, "err", err)
		if rerr := r.reply(ctx, user, "Sorry, that item is no longer available."); rerr != nil {
			return rerr
		}
		return r.mainMenu(ctx, user)
	}

	o, err := r.Orders.Start(ctx, user, p, size)
	if err != nil {
		if errors.Is(err, orders.ErrProductUnavailable) {
			if rerr := r.reply(ctx, user, "Sorry, that item just sold out."); rerr != nil {
				return rerr
			}
			return r.mainMenu(ctx, user)
		}
		return fmt.Errorf("start checkout: %w", err)
	}

	o, link, err := r.Orders.IssueLink(ctx, o, user, p, preferredProvider)
	if err != nil {
		text := "We could not set up your payment just now. Please try again."
		buttons := []platform.Button{{
			Type: "postback", Title: "Try again",
			Payload: fmt.Sprintf("RETRY_%s_%s", p.ID, size),
		}}
		if serr := r.Send.SendButtons(ctx, user.InstagramID, text, buttons); serr != nil {
			return serr
		}
		r.logOutbound(ctx, user, text)
		return nil
	}

	if link.URL != "" {
		text := fmt.Sprintf("Your order for %s (size %s) is ready: %s to pay.",
			p.Name, size, formatKES(o.AmountCents))
		buttons := []platform.Button{{Type: "web_url", Title: "Pay now", URL: link.URL}}
		if err := r.Send.SendButtons(ctx, user.InstagramID, text, buttons); err != nil {
			return err
		}
		r.logOutbound(ctx, user, text)
		return nil
	}

	// STK push has no link; the prompt is already on the customer's phone.
	text := fmt.Sprintf("Check your phone! An M-PESA prompt for %s has been sent to %s. "+
		"Enter your PIN to complete the order.", formatKES(o.AmountCents), user.PhoneNumber)
	return r.reply(ctx, user, text)
}

func (r *Router) reply(ctx context.Context, user identity.User, text string) error {
	if err := r.Send.SendText(ctx, user.InstagramID, text); err != nil {
		return err
	}
	r.logOutbound(ctx, user, text)
	return nil
}

func (r *Router) logInbound(ctx context.Context, user identity.User, message string) {
	if err := r.Convos.Append(ctx, user.ID, "user", message); err != nil {
		r.Log.Warn("conversation log append failed", "user_id", user.ID, "err", err)
	}
	r.Audit.Publish(audit.EventConversationMessage, user.ID, audit.ConversationMessagePayload{
		UserID: user.ID, Sender: "user", Message: message,
	})
}

func (r *Router) logOutbound(ctx context.Context, user identity.User, message string) {
	if err := r.Convos.Append(ctx, user.ID, "bot", message); err != nil {
		r.Log.Warn("conversation log append failed", "user_id", user.ID, "err", err)
	}
	r.Audit.Publish(audit.EventConversationMessage, user.ID, audit.ConversationMessagePayload{
		UserID: user.ID, Sender: "bot", Message: message,
	})
}

func formatKES(cents int64) string {
	if cents%100 == 0 {
		return fmt.Sprintf("KES %d", cents/100)
	}
	return fmt.Sprintf("KES %d.%02d", cents/100, cents%100)
}
