package orders

import (
	"github.com/jmareth/tradewind/internal/domain"
)

// Order types with validation rules. Unknown types are forwarded to
// the gateway with a warning, never rejected.
const (
	TypeMarket     = "MKT"
	TypeLimit      = "LMT"
	TypeStop       = "STP"
	TypeStopLimit  = "STP LMT"
	TypeTrail      = "TRAIL"
	TypeTrailLimit = "TRAIL LIMIT"
	TypeRelative   = "REL"
	TypeMOC        = "MOC"
	TypeLOC        = "LOC"
)

var knownOrderTypes = map[string]bool{
	TypeMarket:     true,
	TypeLimit:      true,
	TypeStop:       true,
	TypeStopLimit:  true,
	TypeTrail:      true,
	TypeTrailLimit: true,
	TypeRelative:   true,
	TypeMOC:        true,
	TypeLOC:        true,
}

// KnownOrderType reports whether an order type has validation rules.
func KnownOrderType(orderType string) bool {
	return knownOrderTypes[orderType]
}

// ValidateOrder checks an order intent before any network I/O. Pure:
// no store or gateway access.
func ValidateOrder(o domain.Order) error {
	if o.Symbol == "" {
		return domain.NewValidationError("symbol", "symbol is required")
	}
	if o.Side != domain.SideBuy && o.Side != domain.SideSell {
		return domain.NewValidationError("side", "side must be BUY or SELL")
	}
	if o.Quantity <= 0 {
		return domain.NewValidationError("quantity", "quantity must be positive")
	}

	switch o.OrderType {
	case TypeLimit, TypeStopLimit, TypeTrailLimit:
		if o.LimitPrice == nil {
			return domain.NewValidationError("limitPrice", o.OrderType+" orders require a limit price")
		}
	}
	switch o.OrderType {
	case TypeStop, TypeStopLimit:
		if o.AuxPrice == nil {
			return domain.NewValidationError("auxPrice", o.OrderType+" orders require an aux (stop trigger) price")
		}
	}
	switch o.OrderType {
	case TypeTrail, TypeTrailLimit:
		hasAux := o.AuxPrice != nil
		hasPct := o.TrailingPercent != nil
		if hasAux == hasPct {
			return domain.NewValidationError("auxPrice",
				o.OrderType+" orders require exactly one of aux price (trailing amount) or trailing percent")
		}
	}

	if o.OCAType != 0 && (o.OCAType < 1 || o.OCAType > 3) {
		return domain.NewValidationError("ocaType", "oca type must be 1, 2, or 3")
	}
	if o.DiscretionaryAmt != nil && o.OrderType != TypeRelative {
		return domain.NewValidationError("discretionaryAmt", "discretionary amount is only valid for REL orders")
	}
	return nil
}
