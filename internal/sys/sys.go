// Package sys holds the small process-level seams (ids and time) that
// services take as dependencies so tests can pin them.
package sys

import (
	"time"

	"github.com/google/uuid"
)

// IDGenerator generates unique IDs
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

// UUIDGenerator generates random (v4) UUIDs
type UUIDGenerator struct{}

func (UUIDGenerator) Generate() string {
	return uuid.NewString()
}

// Clock provides the current wall clock time in UTC
type Clock struct{}

func (Clock) Now() time.Time {
	return time.Now().UTC()
}
