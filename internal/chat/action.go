package chat

import (
	"strings"

	"github.com/dumuapparels/igbot/internal/catalog"
)

// ActionKind is the closed set of structured actions a button payload can
// carry. Anything outside the set parses to ActionUnknown, which routes to
// the main menu; an unrecognized payload is a routing error, never silence.
type ActionKind int

const (
	ActionUnknown ActionKind = iota
	ActionMainMenu
	ActionShowCatalog
	ActionBuy
	ActionSelectSize
	ActionPayMpesa
	ActionPayCard
	ActionRetryPay
)

type Action struct {
	Kind      ActionKind
	Category  catalog.Category
	ProductID string
	Size      string
}

// Payload grammar:
//
//	MAIN_MENU
//	SHOW_MEN | SHOW_WOMEN
//	BUY_{product}
//	SIZE_{product}_{size}
//	PAY_MPESA_{product}_{size}
//	PAY_CARD_{product}_{size}
//	RETRY_{product}_{size}
//
// Product ids are UUIDs and never contain underscores, so the size is
// whatever follows the last underscore.
func ParseAction(payload string) Action {
	switch payload {
	case "MAIN_MENU":
		return Action{Kind: ActionMainMenu}
	case "SHOW_MEN":
		return Action{Kind: ActionShowCatalog, Category: catalog.CategoryMen}
	case "SHOW_WOMEN":
		return Action{Kind: ActionShowCatalog, Category: catalog.CategoryWomen}
	}

	if rest, ok := strings.CutPrefix(payload, "BUY_"); ok && rest != "" {
		return Action{Kind: ActionBuy, ProductID: rest}
	}
	if rest, ok := strings.CutPrefix(payload, "SIZE_"); ok {
		if id, size, ok := splitProductSize(rest); ok {
			return Action{Kind: ActionSelectSize, ProductID: id, Size: size}
		}
	}
	if rest, ok := strings.CutPrefix(payload, "PAY_MPESA_"); ok {
		if id, size, ok := splitProductSize(rest); ok {
			return Action{Kind: ActionPayMpesa, ProductID: id, Size: size}
		}
	}
	if rest, ok := strings.CutPrefix(payload, "PAY_CARD_"); ok {
		if id, size, ok := splitProductSize(rest); ok {
			return Action{Kind: ActionPayCard, ProductID: id, Size: size}
		}
	}
	if rest, ok := strings.CutPrefix(payload, "RETRY_"); ok {
		if id, size, ok := splitProductSize(rest); ok {
			return Action{Kind: ActionRetryPay, ProductID: id, Size: size}
		}
	}
	return Action{Kind: ActionUnknown}
}

func splitProductSize(rest string) (id, size string, ok bool) {
	i := strings.LastIndex(rest, "_")
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}
