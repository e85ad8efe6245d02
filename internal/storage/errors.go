package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrNotClaimable is returned when an issue cannot be claimed for a spawn
// because its agent status is neither idle nor blocked.
var ErrNotClaimable = errors.New("storage: issue not claimable")

// ErrAlreadyTerminal is returned when a run terminal write finds the run
// already in a terminal state. Callers treat this as an idempotent no-op.
var ErrAlreadyTerminal = errors.New("storage: run already terminal")

// ErrNoActiveRun is returned when a cancel finds no pending or running run.
var ErrNoActiveRun = errors.New("storage: no active run")
