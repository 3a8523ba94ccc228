// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/feedspine/feedspine/feed"
)

// Op is a filter comparison operator.
type Op int

// Filter operators. OpEq is the zero value so that a bare field name means
// equality.
const (
	OpEq Op = iota
	OpIn
	OpLike
	OpGt
	OpLt
	OpGte
	OpLte
	OpNull
	OpNotNull
)

var opSuffixes = map[string]Op{
	"in":       OpIn,
	"like":     OpLike,
	"gt":       OpGt,
	"lt":       OpLt,
	"gte":      OpGte,
	"lte":      OpLte,
	"null":     OpNull,
	"not_null": OpNotNull,
}

// Filter restricts a query to records whose field matches value under op.
// Fields prefixed with "content." address dotted paths inside the record
// content; all other fields are top-level record attributes.
type Filter struct {
	Field string
	Op    Op
	Value interface{}
}

// ParseFilter converts a "field__op" expression into a Filter. A key with no
// recognized suffix is an equality filter.
func ParseFilter(key string, value interface{}) Filter {
	if idx := strings.LastIndex(key, "__"); idx > 0 {
		if op, ok := opSuffixes[key[idx+2:]]; ok {
			return Filter{Field: key[:idx], Op: op, Value: value}
		}
	}
	return Filter{Field: key, Op: OpEq, Value: value}
}

// QueryOptions narrow and paginate a Query call.
type QueryOptions struct {
	Layer   *feed.Layer
	Filters []Filter
	OrderBy string
	Limit   int
	Offset  int
}

// Match reports whether a record satisfies the filter. This is the reference
// semantics used by in-memory stores; SQL stores compile filters instead.
func (filter Filter) Match(record *feed.Record) bool {
	value, present := fieldValue(record, filter.Field)

	switch filter.Op {
	case OpNull:
		return !present
	case OpNotNull:
		return present
	}
	if !present {
		return false
	}

	switch filter.Op {
	case OpEq:
		return compare(value, filter.Value) == 0
	case OpGt:
		return compare(value, filter.Value) > 0
	case OpLt:
		return compare(value, filter.Value) < 0
	case OpGte:
		return compare(value, filter.Value) >= 0
	case OpLte:
		return compare(value, filter.Value) <= 0
	case OpIn:
		for _, member := range asSlice(filter.Value) {
			if compare(value, member) == 0 {
				return true
			}
		}
		return false
	case OpLike:
		pattern, ok := filter.Value.(string)
		if !ok {
			return false
		}
		return likeMatch(pattern, stringify(value))
	}
	return false
}

// CompareField orders two records by a top-level attribute, for use by
// in-memory stores implementing OrderBy. Records missing the field sort
// first.
func CompareField(a, b *feed.Record, field string) int {
	av, aok := fieldValue(a, field)
	bv, bok := fieldValue(b, field)
	switch {
	case !aok && !bok:
		return 0
	case !aok:
		return -1
	case !bok:
		return 1
	}
	return compare(av, bv)
}

// fieldValue resolves a filter field against a record. The bool result
// reports presence; absent or null values are not present.
func fieldValue(record *feed.Record, field string) (interface{}, bool) {
	if path, ok := strings.CutPrefix(field, "content."); ok {
		data, err := json.Marshal(record.Content)
		if err != nil {
			return nil, false
		}
		result := gjson.GetBytes(data, path)
		if !result.Exists() || result.Type == gjson.Null {
			return nil, false
		}
		return result.Value(), true
	}

	switch field {
	case "id":
		return record.ID, true
	case "natural_key":
		return record.NaturalKey, true
	case "layer":
		return record.Layer.String(), true
	case "version":
		return record.Version, true
	case "seen_count":
		return record.SeenCount, true
	case "published_at":
		return record.PublishedAt, true
	case "captured_at":
		return record.CapturedAt, true
	case "updated_at":
		return record.UpdatedAt, true
	case "first_seen_at":
		return record.FirstSeenAt, true
	case "last_seen_at":
		return record.LastSeenAt, true
	case "source":
		return record.Metadata.Source, true
	case "source_type":
		if record.Metadata.SourceType == "" {
			return nil, false
		}
		return record.Metadata.SourceType, true
	}
	return nil, false
}

// compare orders two loosely-typed values: times as times, numbers as
// float64, everything else as strings.
func compare(a, b interface{}) int {
	if at, ok := asTime(a); ok {
		if bt, ok := asTime(b); ok {
			switch {
			case at.Before(bt):
				return -1
			case at.After(bt):
				return 1
			}
			return 0
		}
	}
	if af, ok := asFloat(a); ok {
		if bf, ok := asFloat(b); ok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			}
			return 0
		}
	}
	return strings.Compare(stringify(a), stringify(b))
}

func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func asSlice(v interface{}) []interface{} {
	switch s := v.(type) {
	case []interface{}:
		return s
	case []string:
		members := make([]interface{}, len(s))
		for i, m := range s {
			members[i] = m
		}
		return members
	case []int:
		members := make([]interface{}, len(s))
		for i, m := range s {
			members[i] = m
		}
		return members
	}
	return []interface{}{v}
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	}
	return fmt.Sprint(v)
}

// likeMatch implements SQL LIKE: % matches any run, _ matches one character.
func likeMatch(pattern, value string) bool {
	var match func(p, v string) bool
	match = func(p, v string) bool {
		for len(p) > 0 {
			switch p[0] {
			case '%':
				for i := 0; i <= len(v); i++ {
					if match(p[1:], v[i:]) {
						return true
					}
				}
				return false
			case '_':
				if len(v) == 0 {
					return false
				}
				p, v = p[1:], v[1:]
			default:
				if len(v) == 0 || p[0] != v[0] {
					return false
				}
				p, v = p[1:], v[1:]
			}
		}
		return len(v) == 0
	}
	return match(pattern, value)
}
