package balance

import "errors"

// Sentinel errors returned by the reservation manager. Callers classify with
// errors.Is, matching the teacher's fmt.Errorf("%w") idiom.
var (
	ErrReservationNotFound = errors.New("balance: reservation not found")
	ErrInsufficientFunds   = errors.New("balance: insufficient available balance")
	ErrLeverageUnknown     = errors.New("balance: leverage not set for exchange/pair")
	ErrBalanceUnknown      = errors.New("balance: raw balance unknown")
	ErrPriceRequired       = errors.New("balance: price required for derivative conversion")
	ErrMissingClientOrder  = errors.New("balance: client order id required to disambiguate unreserve")
	ErrIllegalTransfer     = errors.New("balance: transfer requires same exchange/symbol/side and different bucket")
	ErrApprovedPartMissing = errors.New("balance: approved part not found")
	ErrMarketOrderPrice    = errors.New("balance: market orders have no fixed price to clone against")
)
