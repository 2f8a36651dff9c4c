package repository

import "errors"

// ErrNotFound indicates an entity was not located.
var ErrNotFound = errors.New("repository: not found")

// ErrInvalidArgument indicates caller supplied invalid data.
var ErrInvalidArgument = errors.New("repository: invalid argument")

// ErrConflict indicates an entity with the same identity already exists.
var ErrConflict = errors.New("repository: conflict")
