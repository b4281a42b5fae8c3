package statestore

import (
	"testing"

	"github.com/kestrelsec/kestrel/event"
	"github.com/kestrelsec/kestrel/internal/kerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ek(v uint64) event.EntityKey { return event.EntityKeyFromUint64(v) }

func newMatch(ruleID string, entity uint64, state int, startedAt, lastMatch uint64) *PartialMatch {
	return &PartialMatch{
		RuleID:       ruleID,
		EntityKey:    ek(entity),
		CurrentState: state,
		StartedAtNS:  startedAt,
		LastMatchNS:  lastMatch,
	}
}

func TestInsertAndGetRoundTrip(t *testing.T) {
	s := New(DefaultConfig())
	require.NoError(t, s.Insert(newMatch("r1", 7, 0, 100, 100)))

	m, ok := s.Get("r1", ek(7), 0)
	require.True(t, ok)
	assert.Equal(t, ek(7), m.EntityKey)
}

func TestInsertRejectsDuplicateKey(t *testing.T) {
	s := New(DefaultConfig())
	require.NoError(t, s.Insert(newMatch("r1", 7, 0, 100, 100)))
	err := s.Insert(newMatch("r1", 7, 0, 100, 100))
	assert.Error(t, err)
}

func TestInsertEnforcesPerEntityQuota(t *testing.T) {
	s := New(Config{ShardCount: 4, MaxPerEntity: 2, MaxPerRule: 100})
	require.NoError(t, s.Insert(newMatch("r1", 1, 0, 0, 0)))
	require.NoError(t, s.Insert(newMatch("r1", 1, 1, 0, 0)))

	err := s.Insert(newMatch("r1", 1, 2, 0, 0))
	require.Error(t, err)
	kind, ok := kerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.QuotaExceeded, kind)
}

func TestInsertEnforcesPerRuleQuota(t *testing.T) {
	s := New(Config{ShardCount: 4, MaxPerEntity: 100, MaxPerRule: 2})
	require.NoError(t, s.Insert(newMatch("r1", 1, 0, 0, 0)))
	require.NoError(t, s.Insert(newMatch("r1", 2, 0, 0, 0)))

	err := s.Insert(newMatch("r1", 3, 0, 0, 0))
	require.Error(t, err)
	kind, _ := kerrors.KindOf(err)
	assert.Equal(t, kerrors.QuotaExceeded, kind)
}

func TestAdvanceMovesKeyAndUpdatesLastMatch(t *testing.T) {
	s := New(DefaultConfig())
	require.NoError(t, s.Insert(newMatch("r1", 7, 0, 100, 100)))

	require.NoError(t, s.Advance("r1", ek(7), 0, 1, 500))

	_, ok := s.Get("r1", ek(7), 0)
	assert.False(t, ok)

	m, ok := s.Get("r1", ek(7), 1)
	require.True(t, ok)
	assert.Equal(t, uint64(500), m.LastMatchNS)
}

func TestRemoveReturnsMatchOnceAndReleasesQuota(t *testing.T) {
	s := New(Config{ShardCount: 4, MaxPerEntity: 1, MaxPerRule: 100})
	require.NoError(t, s.Insert(newMatch("r1", 1, 0, 0, 0)))

	m, ok := s.Remove("r1", ek(1), 0)
	require.True(t, ok)
	require.NotNil(t, m)

	_, ok = s.Remove("r1", ek(1), 0)
	assert.False(t, ok)

	require.NoError(t, s.Insert(newMatch("r1", 1, 0, 0, 0)))
}

func TestCleanupExpiredRemovesOverMaxspanAndTerminated(t *testing.T) {
	s := New(DefaultConfig())
	require.NoError(t, s.Insert(newMatch("r1", 1, 0, 0, 0)))           // expires
	require.NoError(t, s.Insert(newMatch("r1", 2, 0, 900_000_000, 0))) // fresh
	terminated := newMatch("r2", 3, 0, 900_000_000, 0)
	terminated.Terminated = true
	require.NoError(t, s.Insert(terminated))

	maxspanMS := func(ruleID string) uint64 { return 1000 } // 1000ms = 1e9 ns

	evicted := s.CleanupExpired(1_500_000_000, maxspanMS)
	require.Len(t, evicted, 2)
	assert.Equal(t, "r1", evicted[0].Match.RuleID)
	assert.Equal(t, EvictExpired, evicted[0].Reason)
	assert.Equal(t, "r2", evicted[1].Match.RuleID)
	assert.Equal(t, EvictTerminated, evicted[1].Reason)

	_, ok := s.Get("r1", ek(2), 0)
	assert.True(t, ok, "fresh entry must survive cleanup")
}

func TestCleanupExpiredOutputIsSortedDeterministically(t *testing.T) {
	s := New(DefaultConfig())
	require.NoError(t, s.Insert(newMatch("rz", 1, 0, 0, 0)))
	require.NoError(t, s.Insert(newMatch("ra", 5, 0, 0, 0)))
	require.NoError(t, s.Insert(newMatch("ra", 1, 0, 0, 0)))

	evicted := s.CleanupExpired(1_000_000_000_000, func(string) uint64 { return 1 })
	require.Len(t, evicted, 3)
	assert.Equal(t, "ra", evicted[0].Match.RuleID)
	assert.Equal(t, ek(1), evicted[0].Match.EntityKey)
	assert.Equal(t, "ra", evicted[1].Match.RuleID)
	assert.Equal(t, ek(5), evicted[1].Match.EntityKey)
	assert.Equal(t, "rz", evicted[2].Match.RuleID)
}

func TestEvictLRUEvictsColdestFirst(t *testing.T) {
	s := New(Config{ShardCount: 1, MaxPerEntity: 100, MaxPerRule: 100})
	require.NoError(t, s.Insert(newMatch("r1", 1, 0, 0, 10)))
	require.NoError(t, s.Insert(newMatch("r1", 2, 0, 0, 20)))
	require.NoError(t, s.Insert(newMatch("r1", 3, 0, 0, 30)))

	evicted := s.EvictLRU(1)
	require.Len(t, evicted, 1)
	assert.Equal(t, ek(1), evicted[0].Match.EntityKey)
	assert.Equal(t, EvictLRU, evicted[0].Reason)

	assert.Equal(t, 2, s.TotalCount())
}

func TestAdvanceMarksEntryMostRecentlyUsed(t *testing.T) {
	s := New(Config{ShardCount: 1, MaxPerEntity: 100, MaxPerRule: 100})
	require.NoError(t, s.Insert(newMatch("r1", 1, 0, 0, 10)))
	require.NoError(t, s.Insert(newMatch("r1", 2, 0, 0, 20)))

	require.NoError(t, s.Advance("r1", ek(1), 0, 1, 999))

	evicted := s.EvictLRU(1)
	require.Len(t, evicted, 1)
	assert.Equal(t, ek(2), evicted[0].Match.EntityKey, "entity 1 was refreshed by Advance and should no longer be coldest")
}

func TestPoolRoundTripViaNewPartialMatchAndRelease(t *testing.T) {
	s := New(DefaultConfig())
	pm := s.NewPartialMatch()
	pm.RuleID = "r1"
	pm.EntityKey = ek(1)
	pm.Events = append(pm.Events, event.New(1, 1, 1, ek(1)))
	require.NoError(t, s.Insert(pm))

	removed, ok := s.Remove("r1", ek(1), 0)
	require.True(t, ok)
	s.Release(removed)

	again := s.NewPartialMatch()
	assert.Empty(t, again.RuleID)
	assert.Empty(t, again.Events)
}

func TestPerEntityAndPerRuleCounts(t *testing.T) {
	s := New(DefaultConfig())
	require.NoError(t, s.Insert(newMatch("r1", 1, 0, 0, 0)))
	require.NoError(t, s.Insert(newMatch("r1", 1, 1, 0, 0)))
	require.NoError(t, s.Insert(newMatch("r1", 2, 0, 0, 0)))

	assert.Equal(t, 2, s.PerEntityCount("r1", ek(1)))
	assert.Equal(t, 3, s.PerRuleCount("r1"))
	assert.Equal(t, 3, s.TotalCount())
}
