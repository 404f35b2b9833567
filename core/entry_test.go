package core_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coherentops/agentmem/core"
)

func TestScopeValidate(t *testing.T) {
	require.NoError(t, core.NewScope("agent", "analyst").Validate())
	require.ErrorIs(t, core.Scope{}.Validate(), core.ErrInvalidScope)
	require.ErrorIs(t, core.Scope{OwnerType: "agent"}.Validate(), core.ErrInvalidScope)
	require.ErrorIs(t, core.Scope{OwnerID: "analyst"}.Validate(), core.ErrInvalidScope)
}

func TestScopeMatches(t *testing.T) {
	entry := core.NewScope("agent", "analyst")

	require.True(t, core.Scope{}.Matches(entry))
	require.True(t, core.Scope{OwnerType: "agent"}.Matches(entry))
	require.True(t, core.NewScope("agent", "analyst").Matches(entry))
	require.False(t, core.Scope{OwnerType: "team"}.Matches(entry))
	require.False(t, core.NewScope("agent", "reviewer").Matches(entry))
}

func TestErrExpiredMatchesErrNotFound(t *testing.T) {
	require.ErrorIs(t, core.ErrExpired, core.ErrNotFound)
	require.NotErrorIs(t, core.ErrNotFound, core.ErrExpired)
}

func TestEntryIsExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	e := &core.Entry{}
	require.False(t, e.IsExpired(now))

	later := now.Add(time.Minute)
	e.ExpiresAt = &later
	require.False(t, e.IsExpired(now))
	require.True(t, e.IsExpired(later))
	require.True(t, e.IsExpired(later.Add(time.Second)))
}

func TestEntryChecksum(t *testing.T) {
	value := json.RawMessage(`{"ok":true}`)
	e := &core.Entry{Value: value, Checksum: core.ValueChecksum(value)}
	require.True(t, e.VerifyChecksum())

	e.Value = json.RawMessage(`{"ok":false}`)
	require.False(t, e.VerifyChecksum())
}

func TestEntryCloneIsDeep(t *testing.T) {
	expires := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e := &core.Entry{
		ID:        "v1",
		Value:     json.RawMessage(`"x"`),
		Tags:      []string{"a"},
		Embedding: []float32{1, 0},
		ExpiresAt: &expires,
	}

	c := e.Clone()
	c.Value[0] = '!'
	c.Tags[0] = "b"
	c.Embedding[0] = 0
	*c.ExpiresAt = expires.Add(time.Hour)

	require.Equal(t, json.RawMessage(`"x"`), e.Value)
	require.Equal(t, []string{"a"}, e.Tags)
	require.Equal(t, []float32{1, 0}, e.Embedding)
	require.Equal(t, expires, *e.ExpiresAt)
}

func TestLifecycleStateString(t *testing.T) {
	require.Equal(t, "active", core.StateActive.String())
	require.Equal(t, "expired", core.StateExpired.String())
	require.Equal(t, "invalidated", core.StateInvalidated.String())
}
