package risk

import "errors"

// Input errors. Rejected immediately, no state is mutated.
var (
	ErrInvalidLeverage      = errors.New("leverage outside valid range")
	ErrInvalidVolatility    = errors.New("volatility must be non-negative")
	ErrInvalidPositionCount = errors.New("concurrent position count must be at least 1")
	ErrInvalidPrice         = errors.New("price must be positive")
	ErrInvalidMargin        = errors.New("margin must be positive")
	ErrZeroLeverage         = errors.New("effective leverage is zero")
	ErrDivideByZero         = errors.New("division by zero")
	ErrOverflow             = errors.New("fixed-point arithmetic overflow")
	ErrMarketNotFound       = errors.New("market not found")
	ErrPositionNotFound     = errors.New("position not found")
	ErrNotOwner             = errors.New("position owned by another account")
)

// Policy rejections. Distinct outcomes keepers branch on; retried next tick.
var (
	ErrNotLiquidatable    = errors.New("position not liquidatable at current price")
	ErrAllowanceExhausted = errors.New("no remaining liquidation allowance this tick")
	ErrPositionResolved   = errors.New("position already resolved this tick")
	ErrHalted             = errors.New("trading halted")
	ErrCooldown           = errors.New("venue in cooldown")
	ErrShutdown           = errors.New("venue in emergency shutdown")
	ErrStaleTick          = errors.New("tick not current")
)

// Authority errors.
var (
	ErrAuthorityConsumed = errors.New("shutdown authority already used")
)
