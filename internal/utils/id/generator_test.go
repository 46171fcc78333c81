package id

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRunIDIsValidUUID(t *testing.T) {
	raw := NewRunID()
	parsed, err := uuid.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), parsed.Version())
}

func TestEntityIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		v := NewStepID()
		require.False(t, seen[v], "duplicate id %s", v)
		seen[v] = true
	}
}

func TestUUIDv4Strategy(t *testing.T) {
	SetStrategy(StrategyUUIDv4)
	t.Cleanup(func() { SetStrategy(StrategyUUIDv7) })

	parsed, err := uuid.Parse(NewEventID())
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), parsed.Version())
}

func TestNewCorrelationIDPrefix(t *testing.T) {
	c := NewCorrelationID()
	assert.True(t, strings.HasPrefix(c, "corr-"), "got %s", c)
	assert.NotEqual(t, c, NewCorrelationID())
}
