package arbitrage

import "errors"

var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidReserves    = errors.New("invalid reserves")
	// ErrInvalidFee is always reported together with ErrInvalidAmount.
	ErrInvalidFee         = errors.New("invalid fee")
	ErrPathIntegrity      = errors.New("path integrity violation")
	ErrStaleSnapshot      = errors.New("path built against a different topology")
	ErrUnsupportedVariant = errors.New("unsupported pool variant")
	ErrUnknownPool        = errors.New("unknown pool")
	ErrUnknownToken       = errors.New("unknown token")
	ErrDuplicatePool      = errors.New("pool already registered")

	// ErrSuperseded is returned by Session.Trigger when a newer trigger
	// started before the pass could deliver its results.
	ErrSuperseded = errors.New("pass superseded by a newer trigger")
)
