package repository

import "errors"

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("repository: not found")
	// ErrDuplicate indicates a record with the same key already exists.
	ErrDuplicate = errors.New("repository: duplicate key")
	// ErrConflict indicates the stored revision no longer matches the caller's revision.
	ErrConflict = errors.New("repository: revision conflict")
)
