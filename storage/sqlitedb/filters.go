// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package sqlitedb

import (
	"strings"
	"time"

	"github.com/feedspine/feedspine/feed"
	"github.com/feedspine/feedspine/storage"
)

// recordFields maps filter and order fields to columns. Metadata fields are
// resolved through json_extract, as are dotted content paths.
var recordFields = map[string]string{
	"id":            "id",
	"natural_key":   "natural_key",
	"layer":         "layer",
	"version":       "version",
	"seen_count":    "seen_count",
	"published_at":  "published_at",
	"captured_at":   "captured_at",
	"updated_at":    "updated_at",
	"first_seen_at": "first_seen_at",
	"last_seen_at":  "last_seen_at",
	"source":        "json_extract(metadata, '$.source')",
	"source_type":   "json_extract(metadata, '$.source_type')",
}

func fieldExpr(field string) (string, error) {
	if path, ok := strings.CutPrefix(field, "content."); ok {
		if strings.ContainsAny(path, "'\"`;") {
			return "", Error.New("invalid content path %q", path)
		}
		return "json_extract(content, '$." + path + "')", nil
	}
	column, ok := recordFields[field]
	if !ok {
		return "", Error.New("unknown field %q", field)
	}
	return column, nil
}

func orderColumn(field string) (string, error) {
	return fieldExpr(field)
}

// compileFilters builds a WHERE clause from layer and filters.
func compileFilters(layer *feed.Layer, filters []storage.Filter) (where string, args []interface{}, err error) {
	var clauses []string
	if layer != nil {
		clauses = append(clauses, "layer = ?")
		args = append(args, layer.String())
	}
	for _, filter := range filters {
		expr, err := fieldExpr(filter.Field)
		if err != nil {
			return "", nil, err
		}
		switch filter.Op {
		case storage.OpEq:
			clauses = append(clauses, expr+" = ?")
			args = append(args, bindValue(filter.Value))
		case storage.OpGt:
			clauses = append(clauses, expr+" > ?")
			args = append(args, bindValue(filter.Value))
		case storage.OpLt:
			clauses = append(clauses, expr+" < ?")
			args = append(args, bindValue(filter.Value))
		case storage.OpGte:
			clauses = append(clauses, expr+" >= ?")
			args = append(args, bindValue(filter.Value))
		case storage.OpLte:
			clauses = append(clauses, expr+" <= ?")
			args = append(args, bindValue(filter.Value))
		case storage.OpLike:
			clauses = append(clauses, expr+" LIKE ?")
			args = append(args, bindValue(filter.Value))
		case storage.OpNull:
			clauses = append(clauses, expr+" IS NULL")
		case storage.OpNotNull:
			clauses = append(clauses, expr+" IS NOT NULL")
		case storage.OpIn:
			members := inMembers(filter.Value)
			if len(members) == 0 {
				clauses = append(clauses, "0 = 1")
				continue
			}
			placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(members)), ", ")
			clauses = append(clauses, expr+" IN ("+placeholders+")")
			for _, member := range members {
				args = append(args, bindValue(member))
			}
		default:
			return "", nil, Error.New("unknown filter op %d", int(filter.Op))
		}
	}
	if len(clauses) == 0 {
		return "", nil, nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args, nil
}

// bindValue converts filter values to their stored representation.
func bindValue(v interface{}) interface{} {
	switch t := v.(type) {
	case time.Time:
		return encodeTime(t)
	case feed.Layer:
		return t.String()
	}
	return v
}

func inMembers(v interface{}) []interface{} {
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
