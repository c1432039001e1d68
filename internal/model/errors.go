package model

import "errors"

var (
	// ErrNotFound is returned when a queue entry, marker or record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when creating something that must be created once.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNotValid is returned when an entry or input is malformed.
	ErrNotValid = errors.New("not valid")
	// ErrConflict is returned on an illegal state change or contradicting markers.
	ErrConflict = errors.New("conflict")
	// ErrBlocked is returned when a task's dependencies are not satisfied.
	ErrBlocked = errors.New("blocked by dependencies")
)
