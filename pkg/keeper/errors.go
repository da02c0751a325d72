package keeper

import "errors"

var (
	ErrKeeperNotFound    = errors.New("keeper not found")
	ErrAlreadyRegistered = errors.New("keeper already registered")
	ErrInsufficientStake = errors.New("stake below registry minimum")
	ErrKeeperInactive    = errors.New("keeper not active")
	ErrUnknownEvidence   = errors.New("unknown slashing evidence kind")
	ErrNoKeepers         = errors.New("no eligible keepers")
	ErrOverflow          = errors.New("arithmetic overflow")
)
