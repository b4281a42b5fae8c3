// Package statestore implements the sharded partial-match store from spec
// §4.5: partial sequence matches keyed by (rule_id, entity_key, state_id),
// held under TTL, LRU and quota policies.
//
// Sharding and the per-shard RWMutex discipline (shared reads, exclusive
// writes, never more than one shard lock held at a time) are grounded on
// coregx-coregex/dfa/lazy.Cache's locking style; Kestrel adds sharding
// because spec §5 requires independent per-shard locks keyed by
// entity_key mod N so workers sticky to different entities never
// contend.
package statestore

import (
	"container/list"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kestrelsec/kestrel/event"
	"github.com/kestrelsec/kestrel/internal/kerrors"
	"github.com/kestrelsec/kestrel/metrics"
)

// DefaultShardCount is N from spec §4.5.
const DefaultShardCount = 16

// PartialMatch is the state owned by the store while a sequence is in
// progress for a given (rule_id, entity_key), per spec §3.
type PartialMatch struct {
	RuleID       string
	EntityKey    event.EntityKey
	CurrentState int
	Events       []event.Event
	StartedAtNS  uint64
	LastMatchNS  uint64
	Terminated   bool

	removed bool // guards against double eviction-metric counting
}

// reset clears a PartialMatch for reuse from the pool, per the
// object-pooling supplement in SPEC_FULL.md §12 (grounded on
// kestrel-nfa's pooled partial-match allocations).
func (p *PartialMatch) reset() {
	p.RuleID = ""
	p.EntityKey = event.EntityKey{}
	p.CurrentState = 0
	p.Events = p.Events[:0]
	p.StartedAtNS = 0
	p.LastMatchNS = 0
	p.Terminated = false
	p.removed = false
}

type partialKey struct {
	ruleID    string
	entityKey event.EntityKey
	stateID   int
}

// EvictReason names why a partial match left the store, used for metric
// accounting per spec §4.4's tick() description.
type EvictReason uint8

const (
	EvictExpired EvictReason = iota
	EvictTerminated
	EvictLRU
	EvictComplete
)

func (r EvictReason) String() string {
	switch r {
	case EvictExpired:
		return "expired"
	case EvictTerminated:
		return "terminated"
	case EvictLRU:
		return "lru"
	case EvictComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Evicted pairs a removed match with why it left, for caller-side metrics.
type Evicted struct {
	Match  *PartialMatch
	Reason EvictReason
}

type lruEntry struct {
	key   partialKey
	match *PartialMatch
}

type shard struct {
	mu sync.RWMutex

	entries map[partialKey]*list.Element
	lru     *list.List // front = least-recently-used, back = most-recently-used

	perEntity map[entityRuleKey]int
	perRule   map[string]int
}

type entityRuleKey struct {
	ruleID    string
	entityKey event.EntityKey
}

func newShard() *shard {
	return &shard{
		entries:   make(map[partialKey]*list.Element),
		lru:       list.New(),
		perEntity: make(map[entityRuleKey]int),
		perRule:   make(map[string]int),
	}
}

// Store is the sharded partial-match store. Safe for concurrent use.
type Store struct {
	shards       []*shard
	maxPerEntity int
	maxPerRule   int
	pool         sync.Pool
	logger       zerolog.Logger
}

// SetLogger replaces the store's logger; hybrid.Engine.SetLogger passes
// the CLI's configured zerolog.Logger on to it, per SPEC_FULL.md §10's
// logging section. A store not given one logs nothing (zerolog.Nop()).
func (s *Store) SetLogger(l zerolog.Logger) { s.logger = l }

// Config bundles the quota tunables; zero values fall back to generous
// defaults so a zero-value Config is still usable in tests.
type Config struct {
	ShardCount   int
	MaxPerEntity int
	MaxPerRule   int
}

func DefaultConfig() Config {
	return Config{ShardCount: DefaultShardCount, MaxPerEntity: 64, MaxPerRule: 100_000}
}

func New(cfg Config) *Store {
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = DefaultShardCount
	}
	if cfg.MaxPerEntity <= 0 {
		cfg.MaxPerEntity = DefaultConfig().MaxPerEntity
	}
	if cfg.MaxPerRule <= 0 {
		cfg.MaxPerRule = DefaultConfig().MaxPerRule
	}
	s := &Store{
		shards:       make([]*shard, cfg.ShardCount),
		maxPerEntity: cfg.MaxPerEntity,
		maxPerRule:   cfg.MaxPerRule,
	}
	for i := range s.shards {
		s.shards[i] = newShard()
	}
	s.pool.New = func() any { return &PartialMatch{} }
	s.logger = zerolog.Nop()
	return s
}

// NewPartialMatch obtains a (possibly pooled) PartialMatch; callers must
// eventually see it returned to the pool via an eviction from the store
// (Remove/CleanupExpired/EvictLRU recycle automatically).
func (s *Store) NewPartialMatch() *PartialMatch {
	pm := s.pool.Get().(*PartialMatch)
	pm.reset()
	return pm
}

func (s *Store) shardFor(entityKey event.EntityKey) *shard {
	// Fold both halves together: Lo alone would concentrate every key that
	// only differs in its high half onto the same shard.
	return s.shards[(entityKey.Hi^entityKey.Lo)%uint64(len(s.shards))]
}

// Insert adds a new partial match, enforcing the quota policy from spec
// §4.5: "insert fails with QuotaExceeded if either per_entity_count ≥
// max_per_entity or per_rule_count ≥ max_per_rule." The per-entity check,
// map insert, LRU push and counter bump happen under one shard lock. The
// per-rule count spans every shard, so it is summed (one shard lock at a
// time) before that lock is taken; concurrent inserts for the same rule on
// different shards can each pass it.
func (s *Store) Insert(pm *PartialMatch) error {
	key := partialKey{ruleID: pm.RuleID, entityKey: pm.EntityKey, stateID: pm.CurrentState}
	sh := s.shardFor(pm.EntityKey)
	erk := entityRuleKey{ruleID: pm.RuleID, entityKey: pm.EntityKey}

	if s.PerRuleCount(pm.RuleID) >= s.maxPerRule {
		metrics.QuotaViolations.WithLabelValues("per_rule").Inc()
		return kerrors.New(kerrors.QuotaExceeded, "per-rule partial match quota exceeded for rule %q", pm.RuleID)
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sh.perEntity[erk] >= s.maxPerEntity {
		metrics.QuotaViolations.WithLabelValues("per_entity").Inc()
		return kerrors.New(kerrors.QuotaExceeded, "per-entity partial match quota exceeded for rule %q entity %s", pm.RuleID, pm.EntityKey)
	}
	if sh.perRule[pm.RuleID] >= s.maxPerRule {
		metrics.QuotaViolations.WithLabelValues("per_rule").Inc()
		return kerrors.New(kerrors.QuotaExceeded, "per-rule partial match quota exceeded for rule %q", pm.RuleID)
	}
	if _, exists := sh.entries[key]; exists {
		return kerrors.New(kerrors.AlreadyInProgress, "partial match already exists for %+v", key)
	}

	el := sh.lru.PushBack(&lruEntry{key: key, match: pm})
	sh.entries[key] = el
	sh.perEntity[erk]++
	sh.perRule[pm.RuleID]++
	metrics.PartialMatchesActive.WithLabelValues(pm.RuleID).Inc()
	return nil
}

// Get returns the partial match at (ruleID, entityKey, stateID), if any.
func (s *Store) Get(ruleID string, entityKey event.EntityKey, stateID int) (*PartialMatch, bool) {
	sh := s.shardFor(entityKey)
	key := partialKey{ruleID: ruleID, entityKey: entityKey, stateID: stateID}

	sh.mu.RLock()
	defer sh.mu.RUnlock()
	el, ok := sh.entries[key]
	if !ok {
		return nil, false
	}
	return el.Value.(*lruEntry).match, true
}

// Advance moves a partial match from (ruleID, entityKey, fromState) to
// (ruleID, entityKey, toState), marks it most-recently-used, and updates
// last_match_ns — the "move the partial match key from the prior state to
// the new state" step in spec §4.4.
func (s *Store) Advance(ruleID string, entityKey event.EntityKey, fromState, toState int, lastMatchNS uint64) error {
	sh := s.shardFor(entityKey)
	oldKey := partialKey{ruleID: ruleID, entityKey: entityKey, stateID: fromState}
	newKey := partialKey{ruleID: ruleID, entityKey: entityKey, stateID: toState}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	el, ok := sh.entries[oldKey]
	if !ok {
		return kerrors.New(kerrors.RuleNotFound, "no partial match at %+v", oldKey)
	}
	entry := el.Value.(*lruEntry)
	delete(sh.entries, oldKey)
	entry.key = newKey
	entry.match.CurrentState = toState
	entry.match.LastMatchNS = lastMatchNS
	sh.entries[newKey] = el
	sh.lru.MoveToBack(el)
	return nil
}

// Remove deletes the match at the given key, returning it (for pool
// recycling via Release) if present.
func (s *Store) Remove(ruleID string, entityKey event.EntityKey, stateID int) (*PartialMatch, bool) {
	sh := s.shardFor(entityKey)
	key := partialKey{ruleID: ruleID, entityKey: entityKey, stateID: stateID}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	return s.removeLocked(sh, key)
}

// RemoveRule removes every partial match belonging to ruleID across all
// shards, for UnloadSequence (spec §4.4).
func (s *Store) RemoveRule(ruleID string) []*PartialMatch {
	var out []*PartialMatch
	for _, sh := range s.shards {
		sh.mu.Lock()
		var keys []partialKey
		for key := range sh.entries {
			if key.ruleID == ruleID {
				keys = append(keys, key)
			}
		}
		for _, key := range keys {
			if m, ok := s.removeLocked(sh, key); ok {
				out = append(out, m)
			}
		}
		sh.mu.Unlock()
	}
	return out
}

func (s *Store) removeLocked(sh *shard, key partialKey) (*PartialMatch, bool) {
	el, ok := sh.entries[key]
	if !ok {
		return nil, false
	}
	entry := el.Value.(*lruEntry)
	delete(sh.entries, key)
	sh.lru.Remove(el)
	erk := entityRuleKey{ruleID: key.ruleID, entityKey: key.entityKey}
	sh.perEntity[erk]--
	if sh.perEntity[erk] <= 0 {
		delete(sh.perEntity, erk)
	}
	sh.perRule[key.ruleID]--
	if sh.perRule[key.ruleID] <= 0 {
		delete(sh.perRule, key.ruleID)
	}
	if entry.match.removed {
		return entry.match, false // already counted by a prior eviction path
	}
	entry.match.removed = true
	metrics.PartialMatchesActive.WithLabelValues(key.ruleID).Dec()
	return entry.match, true
}

// Release returns a removed PartialMatch to the pool. Callers must not use
// pm after calling Release.
func (s *Store) Release(pm *PartialMatch) {
	s.pool.Put(pm)
}

// CleanupExpired scans every shard and removes entries that are terminated
// or whose window has elapsed per spec §4.5: "now_ns − started_at >
// maxspan_ms * 10^6". maxspanMS resolves a rule id to its sequence's
// maxspan; a zero return means unbounded (never expires by time alone).
// Results are sorted by (rule_id, entity_key, state_id) for determinism.
func (s *Store) CleanupExpired(nowNS uint64, maxspanMS func(ruleID string) uint64) []Evicted {
	var out []Evicted
	for _, sh := range s.shards {
		sh.mu.Lock()
		var toRemove []partialKey
		for key, el := range sh.entries {
			m := el.Value.(*lruEntry).match
			if m.Terminated {
				toRemove = append(toRemove, key)
				continue
			}
			span := maxspanMS(key.ruleID)
			if span > 0 && nowNS-m.StartedAtNS > span*1_000_000 {
				toRemove = append(toRemove, key)
			}
		}
		for _, key := range toRemove {
			match, wasNew := s.removeLocked(sh, key)
			if match == nil {
				continue
			}
			reason := EvictExpired
			if match.Terminated {
				reason = EvictTerminated
			}
			if wasNew {
				metrics.EvictionsTotal.WithLabelValues(reason.String()).Inc()
				out = append(out, Evicted{Match: match, Reason: reason})
			}
		}
		sh.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Match, out[j].Match
		if a.RuleID != b.RuleID {
			return a.RuleID < b.RuleID
		}
		if a.EntityKey != b.EntityKey {
			return a.EntityKey.Less(b.EntityKey)
		}
		return a.CurrentState < b.CurrentState
	})
	if len(out) > 0 {
		s.logger.Debug().Int("count", len(out)).Uint64("now_ns", nowNS).Msg("cleaned up expired partial matches")
	}
	return out
}

// EvictLRU pops n/N entries (at least one) from the least-recently-used
// end of each of the N shards, per spec §4.5, so the total evicted can
// differ from n when n is not a multiple of N or a shard holds fewer.
func (s *Store) EvictLRU(n int) []Evicted {
	if n <= 0 {
		return nil
	}
	perShard := n / len(s.shards)
	if perShard == 0 {
		perShard = 1
	}

	var out []Evicted
	for _, sh := range s.shards {
		sh.mu.Lock()
		for i := 0; i < perShard && sh.lru.Len() > 0; i++ {
			front := sh.lru.Front()
			key := front.Value.(*lruEntry).key
			match, wasNew := s.removeLocked(sh, key)
			if wasNew {
				metrics.EvictionsTotal.WithLabelValues(EvictLRU.String()).Inc()
				out = append(out, Evicted{Match: match, Reason: EvictLRU})
			}
		}
		sh.mu.Unlock()
	}
	if len(out) > 0 {
		s.logger.Warn().Int("count", len(out)).Msg("evicted partial matches under quota pressure")
	}
	return out
}

// PerEntityCount returns the current occupancy of (ruleID, entityKey).
func (s *Store) PerEntityCount(ruleID string, entityKey event.EntityKey) int {
	sh := s.shardFor(entityKey)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	return sh.perEntity[entityRuleKey{ruleID: ruleID, entityKey: entityKey}]
}

// PerRuleCount returns the total occupancy of ruleID across every shard.
func (s *Store) PerRuleCount(ruleID string) int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += sh.perRule[ruleID]
		sh.mu.RUnlock()
	}
	return total
}

// TotalCount returns the number of partial matches held across all shards.
func (s *Store) TotalCount() int {
	total := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		total += len(sh.entries)
		sh.mu.RUnlock()
	}
	return total
}
