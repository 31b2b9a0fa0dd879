// Package idgen provides pluggable ID generation for oddswatch.
//
// Constructors across the module accept a Generator, making the ID
// strategy a startup-time decision rather than a compile-time one.
package idgen

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator that produces RFC 9562 UUID v7 strings.
// Time-sortable, globally unique.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
// Useful for type-scoped identifiers (e.g. "cor_", "sess_", "evt_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the module default: UUIDv7.
var Default Generator = UUIDv7()

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Correlation produces an operation correlation id ("cor_<uuidv7>").
func Correlation() string {
	return "cor_" + Default()
}

// Session produces a proxy session id ("sess_<uuidv7>").
func Session() string {
	return "sess_" + Default()
}

// FailureSnapshot produces the canonical failure snapshot id for a
// selector name: "failure_<name>_<epoch-ms>_<suffix>". The suffix is
// the random tail of a UUIDv7, so repeated failures of the same
// selector never collide even within one clock tick.
func FailureSnapshot(selectorName string) string {
	u := uuid.Must(uuid.NewV7()).String()
	return fmt.Sprintf("failure_%s_%d_%s", selectorName, time.Now().UnixMilli(), u[24:])
}

// Parse validates a UUID string and returns it or an error.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("invalid UUID: %w", err)
	}
	return u.String(), nil
}
