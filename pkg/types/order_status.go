package types

// OrderStatus is the authoritative lifecycle state of an order, reconciled
// from REST, WebSocket, and fallback-poll sources (spec §3, §4.10.4).
type OrderStatus string

const (
	StatusCreating       OrderStatus = "CREATING"
	StatusCreated        OrderStatus = "CREATED"
	StatusCanceling      OrderStatus = "CANCELING"
	StatusCanceled       OrderStatus = "CANCELED"
	StatusCompleted      OrderStatus = "COMPLETED"
	StatusFailedToCreate OrderStatus = "FAILED_TO_CREATE"
	StatusFailedToCancel OrderStatus = "FAILED_TO_CANCEL"
)

// IsFinished reports whether this status is terminal.
func (s OrderStatus) IsFinished() bool {
	switch s {
	case StatusCompleted, StatusCanceled, StatusFailedToCreate:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving from s to next is a legal step of
// the state diagram in spec §4.10.4. It does not special-case idempotent
// double-delivery (callers handle that themselves — see order.Engine).
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	switch s {
	case StatusCreating:
		return next == StatusCreated || next == StatusFailedToCreate
	case StatusCreated:
		return next == StatusCanceling || next == StatusCanceled || next == StatusCompleted
	case StatusCanceling:
		return next == StatusCanceled || next == StatusCompleted || next == StatusFailedToCancel
	default:
		return false
	}
}

// OrderFillType distinguishes ordinary user trades from liquidation/close
// events that may arrive with no originating client order (spec §4.10.5).
type OrderFillType string

const (
	FillUserTrade     OrderFillType = "USER_TRADE"
	FillLiquidation   OrderFillType = "LIQUIDATION"
	FillClosePosition OrderFillType = "CLOSE_POSITION"
)

// OrderRole is maker or taker, used for commission side-effects.
type OrderRole string

const (
	RoleMaker OrderRole = "MAKER"
	RoleTaker OrderRole = "TAKER"
)
