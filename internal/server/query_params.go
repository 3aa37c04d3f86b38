package server

import (
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	errInvalidSnowflakeID = errors.New("invalid_snowflake_id")
	errInvalidTime        = errors.New("invalid_time")
)

// parseOptionalSnowflakeID returns nil for an absent filter.
func parseOptionalSnowflakeID(raw string) (*snowflake.ID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id <= 0 {
		return nil, errInvalidSnowflakeID
	}
	return &id, nil
}

// parseOptionalTime reads RFC 3339 instants or YYYY-MM-DD dates in UTC. A
// date used as an upper bound covers the whole day, so offline sessions that
// began late in the evening stay in range.
func parseOptionalTime(raw string, upperBound bool) (*time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return &t, nil
	}
	day, err := time.ParseInLocation(time.DateOnly, raw, time.UTC)
	if err != nil {
		return nil, errInvalidTime
	}
	if upperBound {
		day = day.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}
	return &day, nil
}
