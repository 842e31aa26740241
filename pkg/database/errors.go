package database

import "errors"

// ErrNotFound is returned when a requested row does not exist, or when a
// guarded state transition matched no row (already terminal or deleted).
// Callers translate it at the API boundary; check with errors.Is.
var ErrNotFound = errors.New("resource not found")
