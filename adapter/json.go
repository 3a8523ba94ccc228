// Copyright (C) 2024 FeedSpine Authors.
// See LICENSE for copying information.

package adapter

import (
	"context"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/feedspine/feedspine/feed"
	"github.com/feedspine/feedspine/fetch"
)

// JSONConfig describes a JSON API feed.
type JSONConfig struct {
	Name              string  `help:"unique adapter name" default:""`
	URL               string  `help:"endpoint returning a JSON document" default:""`
	RequestsPerSecond float64 `help:"inter-fetch rate limit" default:"1"`
	ItemsPath         string  `help:"gjson path of the item array; empty when the document is the array" default:""`
	PublishedField    string  `help:"item field holding the publication time" default:"published_at"`
	SourceType        string  `help:"source_type tag stamped on candidates" default:"json"`
}

// NewJSONAdapter builds a list adapter over a JSON API endpoint. Items are
// located with ItemsPath and keyed with key.
func NewJSONAdapter(log *zap.Logger, client *fetch.Client, config JSONConfig, key KeyFunc) *ListAdapter {
	fetchItems := func(ctx context.Context) ([]interface{}, error) {
		body, err := client.GetBytes(ctx, config.URL)
		if err != nil {
			return nil, err
		}
		doc := gjson.ParseBytes(body)
		if config.ItemsPath != "" {
			doc = doc.Get(config.ItemsPath)
		}
		if !doc.IsArray() {
			return nil, Error.New("%s: no item array at %q", config.Name, config.ItemsPath)
		}
		var raws []interface{}
		for _, item := range doc.Array() {
			raws = append(raws, item.Value())
		}
		return raws, nil
	}

	convert := func(raw interface{}) (*feed.Candidate, error) {
		item, ok := raw.(map[string]interface{})
		if !ok {
			return nil, ErrConversion.New("item is not an object")
		}
		naturalKey, err := key(item)
		if err != nil {
			return nil, err
		}
		publishedAt := parseItemTime(item[config.PublishedField])
		if publishedAt.IsZero() {
			publishedAt = time.Now().UTC()
		}
		return feed.NewCandidate(naturalKey, publishedAt, feed.Content(item), feed.Metadata{
			Source:     config.Name,
			SourceType: config.SourceType,
			CapturedAt: time.Now().UTC(),
		})
	}

	return NewListAdapter(log, config.Name, config.URL, config.RequestsPerSecond, fetchItems, convert)
}

func parseItemTime(value interface{}) time.Time {
	switch t := value.(type) {
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, time.RFC1123Z, time.RFC1123} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed.UTC()
			}
		}
	case float64:
		return time.Unix(int64(t), 0).UTC()
	}
	return time.Time{}
}
