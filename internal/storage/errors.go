package storage

import "errors"

var (
	// ErrNotFound is returned when a requested session does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrAlreadyExists is returned when creating a session whose ID is taken.
	ErrAlreadyExists = errors.New("storage: already exists")
)
