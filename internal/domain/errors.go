package domain

import "errors"

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrRateLimited      = errors.New("rate limited")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrInvalidOrder     = errors.New("invalid order parameters")
	ErrWSDisconnect     = errors.New("websocket disconnected")
	ErrLockHeld         = errors.New("lock already held")
	ErrLockBusy         = errors.New("position lock busy")
	ErrStateConflict    = errors.New("position state conflict")
	ErrNoCredentials    = errors.New("no broker credentials")
	ErrDuplicateSignal  = errors.New("duplicate signal")
	ErrPositionExists   = errors.New("position already open for key")
	ErrStrategyInactive = errors.New("strategy inactive")
	ErrNoOrdersPlaced   = errors.New("no exit orders placed")
	ErrInvalidField     = errors.New("field not updatable")
)
