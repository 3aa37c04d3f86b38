package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOptionalTime(t *testing.T) {
	got, err := parseOptionalTime("", false)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = parseOptionalTime("2026-03-04T15:04:05-05:00", false)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2026, 3, 4, 20, 4, 5, 0, time.UTC)))

	got, err = parseOptionalTime("2026-03-04", false)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC), *got)

	got, err = parseOptionalTime("2026-03-04", true)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 4, 23, 59, 59, 999999999, time.UTC), *got)

	_, err = parseOptionalTime("04/03/2026", false)
	assert.ErrorIs(t, err, errInvalidTime)
}

func TestParseOptionalSnowflakeID(t *testing.T) {
	got, err := parseOptionalSnowflakeID(" ")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = parseOptionalSnowflakeID("1789456123456789504")
	require.NoError(t, err)
	assert.Equal(t, int64(1789456123456789504), got.Int64())

	for _, raw := range []string{"abc", "0", "-5"} {
		_, err = parseOptionalSnowflakeID(raw)
		assert.ErrorIs(t, err, errInvalidSnowflakeID, raw)
	}
}
