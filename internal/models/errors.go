package models

import "errors"

// Sentinel domain errors. Services wrap these with fmt.Errorf and %w;
// transports unwrap with errors.Is to pick a status code.
var (
	ErrValidation          = errors.New("invalid input")
	ErrNotFound            = errors.New("not found")
	ErrStateConflict       = errors.New("state does not allow this operation")
	ErrUnauthorizedActor   = errors.New("actor may not perform this operation")
	ErrActiveRequestExists = errors.New("an active request already exists")
	ErrNoProviderAvailable = errors.New("no provider available")
	ErrConcurrencyConflict = errors.New("conflicting concurrent update")
)
