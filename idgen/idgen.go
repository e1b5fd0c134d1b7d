// Package idgen provides pluggable ID generation for page visits.
//
// Constructors across the repository accept a Generator, making the ID
// strategy a startup-time decision rather than a compile-time one.
package idgen

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// PageID returns a Generator that produces 128-bit random identifiers
// encoded as 32 lowercase hex characters. This is the page-visit
// convention: opaque, unguessable, and cheap to compare.
func PageID() Generator {
	return func() string {
		var buf [16]byte
		if _, err := rand.Read(buf[:]); err != nil {
			panic("idgen: crypto/rand failed: " + err.Error())
		}
		return hex.EncodeToString(buf[:])
	}
}

// UUIDv4 returns a Generator that produces RFC 4122 random UUID strings.
// Use where an ID must be parseable by external tooling.
func UUIDv4() Generator {
	return func() string {
		return uuid.New().String()
	}
}

// Prefixed wraps a Generator and prepends a fixed prefix to every ID.
// Useful for type-scoped identifiers (e.g. "run_").
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the repository default: 128-bit random hex page IDs.
var Default Generator = PageID()
