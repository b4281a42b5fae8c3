// Package nfa implements the sequence matching engine from spec §4.4: a
// backtracking-free NFA over compiled sequence rules, advancing one
// partial match per (rule, entity) pair per matched step and emitting a
// SequenceAlert when the final step completes.
//
// The engine itself has no coregx-coregex analogue (coregx-coregex's own
// nfa package simulates a byte-level Thompson NFA over a haystack);
// Kestrel keeps that package's general shape — a loaded-program
// registry plus a per-event stepping function — but the state being
// stepped is an event-sequence partial match, not a byte-offset set of
// NFA threads.
package nfa

import (
	"hash/fnv"
	"sync"

	"github.com/kestrelsec/kestrel/event"
	"github.com/kestrelsec/kestrel/evaluator"
	"github.com/kestrelsec/kestrel/internal/conv"
	"github.com/kestrelsec/kestrel/internal/kerrors"
	"github.com/kestrelsec/kestrel/internal/sparse"
	"github.com/kestrelsec/kestrel/ir"
	"github.com/kestrelsec/kestrel/metrics"
	"github.com/kestrelsec/kestrel/statestore"
)

// Action is the enforcement action spec §12 attaches to a completed
// sequence match, supplementing the distilled spec's alert-only model
// with the Allow/Alert/Block/Kill/Quarantine taxonomy from
// original_source/kestrel-core's response pipeline.
type Action uint8

const (
	ActionAllow Action = iota
	ActionAlert
	ActionBlock
	ActionKill
	ActionQuarantine
)

func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionAlert:
		return "alert"
	case ActionBlock:
		return "block"
	case ActionKill:
		return "kill"
	case ActionQuarantine:
		return "quarantine"
	default:
		return "unknown"
	}
}

// SequenceAlert is emitted when a rule's final step completes. Events is
// always populated for NFA-stepped matches; a DFA-backed match (hybrid's
// lazydfa consult) leaves it nil, since the whole point of a compiled
// DFA's per-entity state is a single integer instead of the matched
// event history.
type SequenceAlert struct {
	RuleID      string
	RuleName    string
	EntityKey   event.EntityKey
	Events      []event.Event
	Action      Action
	MatchedAtNS uint64
}

// SequenceStats accumulates per-rule counters consumed by lazydfa's
// hot-spot detector to decide whether a sequence is worth promoting to a
// compiled DFA, per spec §4.6. FirstSeenNS/LastSeenNS are the "hot-spot
// statistics" first-seen/last-seen timestamps spec §3's data model names;
// they let the detector derive a matches-per-minute rate instead of only
// a raw hit ratio.
type SequenceStats struct {
	EventsProcessed   uint64
	PartialMatches    uint64
	CompletedMatches  uint64
	ExpiredMatches    uint64
	TerminatedByUntil uint64
	FirstSeenNS       uint64
	LastSeenNS        uint64
}

type sequenceEntry struct {
	compiled    *ir.CompiledSequence
	activeSteps *sparse.SparseSet
	stats       SequenceStats
}

// Config bundles the engine's capacity limits. HighWaterMark and
// TargetFillLevel implement spec §4.4's tick() LRU fallback: "if the
// store is above its LRU threshold, evict enough least-recently-used
// entries to fall back to a configurable target fill level." A zero
// HighWaterMark disables the LRU reclaim (only TTL cleanup runs).
type Config struct {
	MaxSequences int

	HighWaterMark   int
	TargetFillLevel float64
}

func DefaultConfig() Config {
	return Config{MaxSequences: 10_000, HighWaterMark: 1_000_000, TargetFillLevel: 0.8}
}

// Engine runs every loaded sequence rule against incoming events.
type Engine struct {
	mu        sync.RWMutex
	sequences map[string]*sequenceEntry

	eval  evaluator.PredicateEvaluator
	store *statestore.Store
	cfg   Config
}

// New builds an Engine. eval must already have every loaded rule's
// predicates registered (the orchestrator owns that wiring — see the
// hybrid package) since PredicateEvaluator exposes no Register method.
func New(eval evaluator.PredicateEvaluator, store *statestore.Store, cfg Config) *Engine {
	if cfg.MaxSequences <= 0 {
		cfg.MaxSequences = DefaultConfig().MaxSequences
	}
	if cfg.HighWaterMark > 0 && (cfg.TargetFillLevel <= 0 || cfg.TargetFillLevel >= 1) {
		cfg.TargetFillLevel = DefaultConfig().TargetFillLevel
	}
	return &Engine{
		sequences: make(map[string]*sequenceEntry),
		eval:      eval,
		store:     store,
		cfg:       cfg,
	}
}

// LoadSequence registers a compiled sequence rule, failing with
// StateLimitExceeded once max_sequences is reached (spec §4.4).
func (e *Engine) LoadSequence(rule *ir.Rule) error {
	if rule.Kind != ir.RuleSequence {
		return kerrors.New(kerrors.EvaluationError, "rule %q is not a sequence rule", rule.RuleID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.sequences[rule.RuleID]; exists {
		return kerrors.New(kerrors.AlreadyInProgress, "sequence %q already loaded", rule.RuleID)
	}
	if len(e.sequences) >= e.cfg.MaxSequences {
		return kerrors.New(kerrors.StateLimitExceeded, "max_sequences (%d) reached", e.cfg.MaxSequences)
	}

	compiled := ir.Compile(rule)
	if compiled == nil {
		return kerrors.New(kerrors.EvaluationError, "rule %q compiled to nil sequence", rule.RuleID)
	}
	e.sequences[rule.RuleID] = &sequenceEntry{
		compiled:    compiled,
		activeSteps: sparse.NewSparseSet(conv.IntToUint32(compiled.StepCount() + 1)),
	}
	return nil
}

// UnloadSequence removes a rule and every partial match it owns.
func (e *Engine) UnloadSequence(ruleID string) {
	e.mu.Lock()
	se, ok := e.sequences[ruleID]
	if ok {
		delete(e.sequences, ruleID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	for _, rem := range e.store.RemoveRule(ruleID) {
		e.store.Release(rem)
	}
}

// Stats returns a snapshot of a loaded sequence's counters.
func (e *Engine) Stats(ruleID string) (SequenceStats, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	se, ok := e.sequences[ruleID]
	if !ok {
		return SequenceStats{}, false
	}
	return se.stats, true
}

// CompiledSequence returns the compiled form of a loaded rule, for
// callers (the hybrid orchestrator's hot-spot promotion) that need to
// hand it to the DFA converter.
func (e *Engine) CompiledSequence(ruleID string) (*ir.CompiledSequence, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	se, ok := e.sequences[ruleID]
	if !ok {
		return nil, false
	}
	return se.compiled, true
}

// LoadedRuleIDs returns every currently loaded sequence's rule id.
func (e *Engine) LoadedRuleIDs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.sequences))
	for id := range e.sequences {
		ids = append(ids, id)
	}
	return ids
}

// ProcessEvent runs ev through every loaded sequence, per spec §4.4's
// four-step per-event algorithm: bump counters, find relevant steps,
// apply until-termination, then evaluate and advance each relevant step.
func (e *Engine) ProcessEvent(ev event.Event) ([]SequenceAlert, error) {
	e.mu.Lock()
	entries := make([]*sequenceEntry, 0, len(e.sequences))
	ruleIDs := make([]string, 0, len(e.sequences))
	for ruleID, se := range e.sequences {
		entries = append(entries, se)
		ruleIDs = append(ruleIDs, ruleID)
	}
	e.mu.Unlock()

	metrics.EventsProcessed.WithLabelValues("nfa").Inc()

	var alerts []SequenceAlert
	for i, se := range entries {
		ruleID := ruleIDs[i]
		se.stats.EventsProcessed++
		if se.stats.FirstSeenNS == 0 {
			se.stats.FirstSeenNS = ev.TSMonoNS
		}
		se.stats.LastSeenNS = ev.TSMonoNS

		relevant := se.compiled.StepsForEventType(ev.EventTypeID)

		untilType, hasUntil := se.compiled.UntilEventType()
		untilRelevant := hasUntil && untilType == ev.EventTypeID

		if len(relevant) == 0 && !untilRelevant {
			continue
		}

		entityKey, ok := ValueToEntityKey(ev, se.compiled.Seq.ByFieldID)
		if !ok {
			continue
		}

		if untilRelevant {
			terminated, err := e.eval.Evaluate(evaluator.Key{RuleID: ruleID, PredicateID: ir.UntilPredicateID}, ev)
			if err == nil && terminated {
				e.terminateAll(ruleID, entityKey, se)
				continue
			}
		}

		for _, stepIdx := range relevant {
			step := se.compiled.Seq.Steps[stepIdx]
			matched, err := e.eval.Evaluate(evaluator.Key{RuleID: ruleID, PredicateID: step.Predicate}, ev)
			if err != nil {
				return alerts, err
			}
			if !matched {
				continue
			}

			if stepIdx == 0 {
				e.startMatch(ruleID, entityKey, ev, se)
				continue
			}

			completed, alert, err := e.advanceMatch(ruleID, entityKey, stepIdx, ev, se)
			if err != nil {
				continue // no partial match at the prior step, or it expired; not an error condition
			}
			se.activeSteps.Insert(conv.IntToUint32(stepIdx))
			if completed {
				alert.RuleName = se.compiled.RuleName
				alerts = append(alerts, alert)
				se.stats.CompletedMatches++
			}
		}
	}
	return alerts, nil
}

func (e *Engine) startMatch(ruleID string, entityKey event.EntityKey, ev event.Event, se *sequenceEntry) {
	pm := e.store.NewPartialMatch()
	pm.RuleID = ruleID
	pm.EntityKey = entityKey
	pm.CurrentState = 0
	pm.Events = append(pm.Events, ev)
	pm.StartedAtNS = ev.TSMonoNS
	pm.LastMatchNS = ev.TSMonoNS

	if err := e.store.Insert(pm); err != nil {
		e.store.Release(pm)
		return
	}
	se.activeSteps.Insert(0)
	se.stats.PartialMatches++
}

func (e *Engine) advanceMatch(ruleID string, entityKey event.EntityKey, stepIdx int, ev event.Event, se *sequenceEntry) (bool, SequenceAlert, error) {
	cs := se.compiled
	prior, ok := e.store.Get(ruleID, entityKey, stepIdx-1)
	if !ok {
		return false, SequenceAlert{}, kerrors.New(kerrors.RuleNotFound, "no partial match at prior step")
	}

	if span := cs.Seq.MaxspanMS; span > 0 && ev.TSMonoNS-prior.StartedAtNS > span*1_000_000 {
		if expired, ok := e.store.Remove(ruleID, entityKey, stepIdx-1); ok {
			e.store.Release(expired)
		}
		se.stats.ExpiredMatches++
		return false, SequenceAlert{}, kerrors.New(kerrors.WindowExpired, "sequence %q exceeded maxspan_ms for entity", ruleID)
	}

	prior.Events = append(prior.Events, ev)

	if err := e.store.Advance(ruleID, entityKey, stepIdx-1, stepIdx, ev.TSMonoNS); err != nil {
		return false, SequenceAlert{}, err
	}

	if stepIdx != cs.StepCount()-1 {
		return false, SequenceAlert{}, nil
	}

	done, ok := e.store.Remove(ruleID, entityKey, stepIdx)
	if !ok {
		return false, SequenceAlert{}, kerrors.New(kerrors.RuleNotFound, "completed match vanished before removal")
	}
	alert := SequenceAlert{
		RuleID:      ruleID,
		EntityKey:   entityKey,
		Events:      append([]event.Event(nil), done.Events...),
		Action:      ActionAlert,
		MatchedAtNS: ev.TSMonoNS,
	}
	e.store.Release(done)
	metrics.SequenceAlerts.WithLabelValues(ruleID, alert.Action.String()).Inc()
	return true, alert, nil
}

func (e *Engine) terminateAll(ruleID string, entityKey event.EntityKey, se *sequenceEntry) {
	for i := 0; i < se.compiled.StepCount(); i++ {
		if m, ok := e.store.Remove(ruleID, entityKey, i); ok {
			e.store.Release(m)
		}
	}
	se.stats.TerminatedByUntil++
}

// Tick runs TTL cleanup across every loaded sequence, per spec §4.4's
// tick(now_ns). Expired/terminated partial matches are released back to
// the store's pool.
func (e *Engine) Tick(nowNS uint64) {
	e.mu.RLock()
	maxspanOf := func(ruleID string) uint64 {
		se, ok := e.sequences[ruleID]
		if !ok || se.compiled.Seq == nil {
			return 0
		}
		return se.compiled.Seq.MaxspanMS
	}
	e.mu.RUnlock()

	evicted := e.store.CleanupExpired(nowNS, maxspanOf)
	e.mu.Lock()
	for _, ev := range evicted {
		if se, ok := e.sequences[ev.Match.RuleID]; ok {
			se.stats.ExpiredMatches++
		}
		e.store.Release(ev.Match)
	}
	e.mu.Unlock()

	// Spec §5/§4.4: above the configured high-water mark, reclaim LRU
	// entries down to the target fill level regardless of TTL. A zero
	// HighWaterMark leaves this reclaim disabled; TTL cleanup above is the
	// only bound in that case.
	if e.cfg.HighWaterMark > 0 {
		if total := e.store.TotalCount(); total > e.cfg.HighWaterMark {
			target := int(float64(e.cfg.HighWaterMark) * e.cfg.TargetFillLevel)
			if n := total - target; n > 0 {
				lruEvicted := e.store.EvictLRU(n)
				for _, ev := range lruEvicted {
					e.store.Release(ev.Match)
				}
			}
		}
	}
}

// ValueToEntityKey resolves the by-field's value on ev to an EntityKey,
// hashing strings with FNV-1a since the store shards and orders purely by
// this key's numeric value. Exported so the hybrid orchestrator's DFA
// integration path (spec §4.6) can resolve the same entity key a
// DFA-promoted sequence's by_field_id would hash to without duplicating
// the hashing rule.
func ValueToEntityKey(ev event.Event, fieldID event.FieldID) (event.EntityKey, bool) {
	v, ok := ev.Get(fieldID)
	if !ok {
		return event.EntityKey{}, false
	}
	switch v.Kind {
	case event.KindI64:
		return event.EntityKeyFromInt64(v.I64), true
	case event.KindU64:
		return event.EntityKeyFromUint64(v.U64), true
	case event.KindString:
		h := fnv.New64a()
		_, _ = h.Write([]byte(v.Str))
		return event.EntityKeyFromUint64(h.Sum64()), true
	default:
		return event.EntityKey{}, false
	}
}
