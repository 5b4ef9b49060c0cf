package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/recast/internal/model"
)

// Timestamps are stored as unix milliseconds so range predicates compare
// integers rather than formatted strings.

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// marshalHashtags converts hashtags to JSON TEXT, preserving order and
// duplicates. A nil slice is stored as "[]".
func marshalHashtags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	data, err := json.Marshal(tags)
	if err != nil {
		return "", fmt.Errorf("marshal hashtags: %w", err)
	}
	return string(data), nil
}

func unmarshalHashtags(data string) ([]string, error) {
	if data == "" {
		return []string{}, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(data), &tags); err != nil {
		return nil, fmt.Errorf("unmarshal hashtags: %w", err)
	}
	if tags == nil {
		tags = []string{}
	}
	return tags, nil
}

// fpColumns is the nullable column triple a fingerprint is flattened into.
type fpColumns struct {
	Hash     sql.NullString
	Size     sql.NullInt64
	Duration sql.NullFloat64
}

func toFPColumns(fp *model.Fingerprint) fpColumns {
	if fp == nil || fp.IsZero() {
		return fpColumns{}
	}
	c := fpColumns{
		Hash: sql.NullString{String: fp.Hash, Valid: true},
		Size: sql.NullInt64{Int64: fp.Size, Valid: true},
	}
	if fp.Duration != nil {
		c.Duration = sql.NullFloat64{Float64: *fp.Duration, Valid: true}
	}
	return c
}

func (c fpColumns) fingerprint() *model.Fingerprint {
	if !c.Hash.Valid || c.Hash.String == "" {
		return nil
	}
	fp := &model.Fingerprint{Hash: c.Hash.String, Size: c.Size.Int64}
	if c.Duration.Valid {
		d := c.Duration.Float64
		fp.Duration = &d
	}
	return fp
}
