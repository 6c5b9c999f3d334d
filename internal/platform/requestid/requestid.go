// Package requestid mints correlation ids for requests that arrive
// without one.
package requestid

import "github.com/google/uuid"

// New returns a fresh id suitable for request correlation.
func New() string {
	return uuid.NewString()
}
