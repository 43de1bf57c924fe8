// Package repository holds the MySQL queries of the log sink service.
package repository

import "errors"

// ErrNotFound is returned when a lookup matches no row.  Handlers translate
// it into an HTTP 404 response.
var ErrNotFound = errors.New("not found")
