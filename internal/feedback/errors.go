package feedback

import "errors"

// Sentinel errors shared across the queue and store layers.
var (
	// ErrJobNotFound is returned when a job ID is unknown to the store.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobTerminal is returned by transitions against a job that already
	// reached a terminal status. Callers treating transitions as idempotent
	// may ignore it.
	ErrJobTerminal = errors.New("job already terminal")
)
