// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package adapter

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/feedspine/feedspine/feed"
)

// KeyFunc synthesizes a natural key from a raw item. Adapters pick a strategy
// matching their source: explicit id fields, URL parsing, field composites or
// content hashing.
type KeyFunc func(item map[string]interface{}) (string, error)

// FieldKey uses the first present, non-empty of the named fields.
func FieldKey(fields ...string) KeyFunc {
	return func(item map[string]interface{}) (string, error) {
		for _, field := range fields {
			if value, ok := item[field]; ok {
				key := fmt.Sprint(value)
				if key != "" {
					return key, nil
				}
			}
		}
		return "", ErrConversion.New("no key field among %v", fields)
	}
}

// URLKey parses the named field as a URL and keys on the last path segment,
// or on the named query parameter when param is non-empty.
func URLKey(field, param string) KeyFunc {
	return func(item map[string]interface{}) (string, error) {
		raw, ok := item[field]
		if !ok {
			return "", ErrConversion.New("missing url field %q", field)
		}
		parsed, err := url.Parse(fmt.Sprint(raw))
		if err != nil {
			return "", ErrConversion.Wrap(err)
		}
		if param != "" {
			key := parsed.Query().Get(param)
			if key == "" {
				return "", ErrConversion.New("missing query param %q in %q", param, raw)
			}
			return key, nil
		}
		segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
		key := segments[len(segments)-1]
		if key == "" {
			return "", ErrConversion.New("empty path in %q", raw)
		}
		return key, nil
	}
}

// CompositeKey joins the named fields with separator. Every field must be
// present.
func CompositeKey(separator string, fields ...string) KeyFunc {
	return func(item map[string]interface{}) (string, error) {
		parts := make([]string, 0, len(fields))
		for _, field := range fields {
			value, ok := item[field]
			if !ok {
				return "", ErrConversion.New("missing composite field %q", field)
			}
			parts = append(parts, fmt.Sprint(value))
		}
		return strings.Join(parts, separator), nil
	}
}

// ContentHashKey hashes a normalized JSON projection of the named fields (or
// the whole item when none are named) with SHA-256.
func ContentHashKey(fields ...string) KeyFunc {
	return func(item map[string]interface{}) (string, error) {
		projection := item
		if len(fields) > 0 {
			projection = make(map[string]interface{}, len(fields))
			for _, field := range fields {
				if value, ok := item[field]; ok {
					projection[field] = value
				}
			}
		}

		// encode keys in sorted order so equal projections hash equal
		keys := make([]string, 0, len(projection))
		for key := range projection {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		hasher := sha256.New()
		for _, key := range keys {
			value, err := json.Marshal(projection[key])
			if err != nil {
				return "", ErrConversion.Wrap(err)
			}
			_, _ = fmt.Fprintf(hasher, "%s=%s;", key, value)
		}
		return hex.EncodeToString(hasher.Sum(nil)), nil
	}
}

// Normalized wraps a KeyFunc, returning the canonical key form.
func Normalized(fn KeyFunc) KeyFunc {
	return func(item map[string]interface{}) (string, error) {
		key, err := fn(item)
		if err != nil {
			return "", err
		}
		key = feed.NormalizeKey(key)
		if err := feed.ValidateKey(key); err != nil {
			return "", ErrConversion.Wrap(err)
		}
		return key, nil
	}
}
