// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

// Package feed defines the entities shared by every part of the collection
// core: candidates, records, sightings and runs.
package feed

import (
	"strings"

	"github.com/zeebo/errs"
)

// Error is the default feed errs class.
var Error = errs.Class("feed")

// MaxNaturalKeyLength bounds the length of a natural key after normalization.
const MaxNaturalKeyLength = 512

// NormalizeKey returns the canonical form of a natural key.
//
// The folding policy is deliberately ASCII-only: outer whitespace is trimmed
// and characters in the ASCII range are lowercased. Non-ASCII bytes pass
// through unchanged, so two keys differing only in Unicode case remain
// distinct.
func NormalizeKey(key string) string {
	key = strings.TrimSpace(key)
	return strings.Map(func(r rune) rune {
		if 'A' <= r && r <= 'Z' {
			return r + ('a' - 'A')
		}
		return r
	}, key)
}

// ValidateKey checks that a normalized natural key is within bounds.
func ValidateKey(key string) error {
	if len(key) == 0 {
		return Error.New("natural key is empty")
	}
	if len(key) > MaxNaturalKeyLength {
		return Error.New("natural key exceeds %d characters: %d", MaxNaturalKeyLength, len(key))
	}
	return nil
}
