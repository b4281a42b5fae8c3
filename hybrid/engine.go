// Package hybrid implements the orchestrator from spec §4.7: it loads
// rules into the right backend based on strategy.Analyzer's
// recommendation, fans each event out to an Aho-Corasick literal
// prefilter and the sequence NFA engine, and promotes hot sequences to a
// compiled DFA in the background.
//
// There is no single teacher analogue for "own several matching
// backends behind one Load/ProcessEvent surface" — it is grounded on
// original_source/kestrel-hybrid-engine/src/engine.rs's orchestration
// role, built from the Kestrel packages (ac, evaluator, nfa, lazydfa,
// strategy, statestore) that already carry coregx-coregex's own idioms.
package hybrid

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/kestrelsec/kestrel/ac"
	"github.com/kestrelsec/kestrel/event"
	"github.com/kestrelsec/kestrel/evaluator"
	"github.com/kestrelsec/kestrel/internal/kerrors"
	"github.com/kestrelsec/kestrel/ir"
	"github.com/kestrelsec/kestrel/lazydfa"
	"github.com/kestrelsec/kestrel/metrics"
	"github.com/kestrelsec/kestrel/nfa"
	"github.com/kestrelsec/kestrel/statestore"
	"github.com/kestrelsec/kestrel/strategy"
)

// SingleEventAlert is emitted when a single-event rule's predicate
// matches an incoming event.
type SingleEventAlert struct {
	RuleID string
	Action nfa.Action
}

// Alerts bundles a ProcessEvent call's output, ordered AC-prefiltered
// single-event results first and sequence completions second. Sequence
// completions themselves are ordered DFA-backed rules before
// NFA-stepped ones, the fixed "alert merge AC → DFA → NFA" order spec
// §4.7 describes: every loaded rule's sequence runs through exactly one
// of the two backends, never both, so there's no double-count to
// dedupe — the ordering only governs which backend's alerts are
// reported first when several rules complete on the same event.
type Alerts struct {
	SingleEvent []SingleEventAlert
	Sequence    []nfa.SequenceAlert
}

// RuleStats snapshots one loaded rule's backend assignment and runtime counters.
type RuleStats struct {
	Strategy   strategy.Strategy
	Confidence float64
	Sequence   nfa.SequenceStats // zero value for single-event rules
	DFABacked  bool
}

type loadedRule struct {
	rule      *ir.Rule
	rec       strategy.Recommendation
	acCovered bool // true once at least one AND-conjunct literal was registered with the AC builder

	// seqCompiled is set iff rule.Kind == ir.RuleSequence, computed once
	// at Load time so the DFA path (which runs after the rule may have
	// been unloaded from nfaEngine) always has its own compiled sequence
	// to consult, independent of nfaEngine's internal bookkeeping.
	seqCompiled *ir.CompiledSequence

	// dfaState tracks, per entity (event.EntityKey), the DFA state a
	// LazyDfa-promoted sequence has reached. Only populated once the
	// rule has a cached CompiledDFA; absent until then.
	dfaState sync.Map

	// lastSeqStats preserves the nfa.SequenceStats snapshot captured at
	// the moment of DFA promotion, since UnloadSequence (called right
	// after a successful promotion, so the sequence is never stepped by
	// both backends at once) would otherwise make Stats() lose the
	// rule's history.
	lastSeqStats nfa.SequenceStats
	dfaBacked    bool
}

// Config bundles the sub-engine configuration needed to construct an Engine.
type Config struct {
	Weights           strategy.Weights
	NFA               nfa.Config
	DFACache          lazydfa.CacheConfig
	HotSpotThreshold  lazydfa.HotSpotThreshold
	StateStore        statestore.Config
	CaseInsensitiveAC bool
}

func DefaultConfig() Config {
	return Config{
		Weights:          strategy.DefaultWeights,
		NFA:              nfa.DefaultConfig(),
		DFACache:         lazydfa.DefaultCacheConfig(),
		HotSpotThreshold: lazydfa.DefaultHotSpotThreshold(),
		StateStore:       statestore.DefaultConfig(),
	}
}

// Engine is Kestrel's top-level matching engine.
type Engine struct {
	mu    sync.RWMutex
	rules map[string]*loadedRule

	nativeEval *evaluator.NativeEvaluator
	nfaEngine  *nfa.Engine
	dfaCache   *lazydfa.Cache
	converter  *lazydfa.Converter
	detector   *lazydfa.HotSpotDetector
	analyzer   *strategy.Analyzer
	store      *statestore.Store

	acBuilder *ac.Builder
	acMatcher *ac.Matcher // nil until BuildACMatcher succeeds at least once

	logger zerolog.Logger
}

// SetLogger replaces the engine's logger and its state store's logger,
// used by cmd/kestrel to inject the CLI's configured zerolog.Logger per
// SPEC_FULL.md §10's logging section. An engine not given one logs
// nothing (zerolog.Nop()).
func (e *Engine) SetLogger(l zerolog.Logger) {
	e.logger = l
	e.store.SetLogger(l)
}

func New(cfg Config) *Engine {
	store := statestore.New(cfg.StateStore)
	nativeEval := evaluator.NewNativeEvaluator()
	return &Engine{
		rules:      make(map[string]*loadedRule),
		nativeEval: nativeEval,
		nfaEngine:  nfa.New(nativeEval, store, cfg.NFA),
		dfaCache:   lazydfa.NewCache(cfg.DFACache),
		converter:  lazydfa.NewConverter(0),
		detector:   lazydfa.NewHotSpotDetector(cfg.HotSpotThreshold),
		analyzer:   strategy.NewAnalyzer(cfg.Weights),
		store:      store,
		acBuilder:  ac.NewBuilder(cfg.CaseInsensitiveAC),
		logger:     zerolog.Nop(),
	}
}

// Load registers a compiled rule: its predicates join the native
// evaluator, its strategy is recommended, single-event equality
// literals feed the AC prefilter builder (call BuildACMatcher once a
// batch of loads is done), and sequence rules join the NFA engine.
func (e *Engine) Load(rule *ir.Rule) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.rules[rule.RuleID]; exists {
		return kerrors.New(kerrors.AlreadyInProgress, "rule %q already loaded", rule.RuleID)
	}

	rec := e.analyzer.Recommend(rule)
	e.nativeEval.Register(rule.RuleID, rule.Predicates)

	lr := &loadedRule{rule: rule, rec: rec}

	if rule.Kind == ir.RuleSequence {
		if err := e.nfaEngine.LoadSequence(rule); err != nil {
			e.nativeEval.Unregister(rule.RuleID)
			return err
		}
		lr.seqCompiled = ir.Compile(rule)
	} else {
		lr.acCovered = e.addEqualityLiterals(rule)
	}

	e.rules[rule.RuleID] = lr
	e.logger.Info().Str("rule_id", rule.RuleID).Str("strategy", rec.Strategy.String()).Msg("loaded rule")
	return nil
}

// Unload retires a rule from every backend it was assigned to.
func (e *Engine) Unload(ruleID string) {
	e.mu.Lock()
	lr, ok := e.rules[ruleID]
	if ok {
		delete(e.rules, ruleID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	e.nativeEval.Unregister(ruleID)
	if lr.rule.Kind == ir.RuleSequence {
		e.nfaEngine.UnloadSequence(ruleID)
		e.dfaCache.Remove(ruleID)
	}
	e.logger.Info().Str("rule_id", ruleID).Msg("unloaded rule")
}

// BuildACMatcher (re)builds the Aho-Corasick automaton from every
// literal registered so far. Per the Open Question decision recorded in
// DESIGN.md, callers own rebuild timing: batch every Load() call, then
// build once, rather than rebuilding per rule.
func (e *Engine) BuildACMatcher() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.acBuilder.NumPending() == 0 {
		return nil
	}
	m, err := e.acBuilder.Build()
	if err != nil {
		return err
	}
	e.acMatcher = m
	return nil
}

// addEqualityLiterals walks a single-event rule's top-level AND chain
// for `field == "literal"` conjuncts and registers each with the AC
// builder. Restricting collection to AND-joined conjuncts (never
// descending into OR or NOT) keeps every registered literal a necessary
// condition for the whole predicate, so an AC miss can never produce a
// false negative: if the predicate is true, every AND-conjunct is true,
// so every literal this walk found is genuinely present in the event.
func (e *Engine) addEqualityLiterals(rule *ir.Rule) bool {
	pred, ok := rule.Predicates[ir.MainPredicateID]
	if !ok || pred.Root == nil {
		return false
	}
	added := false
	for _, lit := range collectAndLiterals(pred.Root) {
		if err := e.acBuilder.AddPattern(lit.text, lit.fieldID, ac.Equals, rule.RuleID); err == nil {
			added = true
		}
	}
	return added
}

type equalityLiteral struct {
	fieldID event.FieldID
	text    string
}

func collectAndLiterals(n *ir.Node) []equalityLiteral {
	if n == nil {
		return nil
	}
	if n.Kind == ir.NodeBinaryOp && n.BinaryOp == ir.OpAnd {
		return append(collectAndLiterals(n.Left), collectAndLiterals(n.Right)...)
	}
	if lit, ok := asEqualityLiteral(n); ok {
		return []equalityLiteral{lit}
	}
	return nil
}

func asEqualityLiteral(n *ir.Node) (equalityLiteral, bool) {
	if n.Kind != ir.NodeBinaryOp || n.BinaryOp != ir.OpEq {
		return equalityLiteral{}, false
	}
	if n.Left.Kind == ir.NodeLoadField && n.Right.Kind == ir.NodeLiteral && n.Right.Literal.Kind == event.KindString {
		return equalityLiteral{fieldID: n.Left.FieldID, text: n.Right.Literal.Str}, true
	}
	if n.Right.Kind == ir.NodeLoadField && n.Left.Kind == ir.NodeLiteral && n.Left.Literal.Kind == event.KindString {
		return equalityLiteral{fieldID: n.Right.FieldID, text: n.Left.Literal.Str}, true
	}
	return equalityLiteral{}, false
}

// dfaCandidate pairs a LazyDfa-promoted rule with its cached DFA, for the
// batch ProcessEvent assembles under its read lock before consulting any
// of them.
type dfaCandidate struct {
	ruleID string
	lr     *loadedRule
	dfa    *lazydfa.CompiledDFA
}

// ProcessEvent runs ev through the AC prefilter, then the DFA-backed
// sequences, then the NFA engine, merging alerts in that order (spec
// §4.7 steps 2-5).
func (e *Engine) ProcessEvent(ev event.Event) (Alerts, error) {
	e.mu.RLock()
	candidates := e.acCandidates(ev)
	if e.acMatcher != nil {
		metrics.EventsProcessed.WithLabelValues("ac").Inc()
	}
	var singleEventAlerts []SingleEventAlert
	var dfaCandidates []dfaCandidate
	for ruleID, lr := range e.rules {
		if lr.rule.Kind == ir.RuleSequence {
			if lr.dfaBacked {
				if dfa, ok := e.dfaCache.Get(ruleID); ok {
					dfaCandidates = append(dfaCandidates, dfaCandidate{ruleID: ruleID, lr: lr, dfa: dfa})
				}
			}
			continue
		}
		if lr.rule.EventType != ev.EventTypeID {
			continue
		}
		if lr.acCovered {
			if _, hit := candidates[ruleID]; !hit {
				continue
			}
		}
		matched, err := e.nativeEval.Evaluate(evaluator.Key{RuleID: ruleID, PredicateID: ir.MainPredicateID}, ev)
		if err != nil || !matched {
			continue
		}
		singleEventAlerts = append(singleEventAlerts, SingleEventAlert{RuleID: ruleID, Action: nfa.ActionAlert})
	}
	e.mu.RUnlock()

	sort.Slice(singleEventAlerts, func(i, j int) bool { return singleEventAlerts[i].RuleID < singleEventAlerts[j].RuleID })
	sort.Slice(dfaCandidates, func(i, j int) bool { return dfaCandidates[i].ruleID < dfaCandidates[j].ruleID })

	var dfaAlerts []nfa.SequenceAlert
	if len(dfaCandidates) > 0 {
		metrics.EventsProcessed.WithLabelValues("lazy_dfa").Inc()
	}
	for _, cand := range dfaCandidates {
		dfaAlerts = append(dfaAlerts, e.dfaStep(ev, cand.ruleID, cand.lr, cand.dfa)...)
	}

	seqAlerts, err := e.nfaEngine.ProcessEvent(ev)
	merged := append(dfaAlerts, seqAlerts...)
	if err != nil {
		return Alerts{SingleEvent: singleEventAlerts, Sequence: merged}, err
	}
	return Alerts{SingleEvent: singleEventAlerts, Sequence: merged}, nil
}

// dfaStep advances a LazyDfa-backed sequence's per-entity state machine
// for one event, evaluating the relevant step's predicate the same way
// nfa.Engine.ProcessEvent does before trusting the transition: dfa's
// CompiledDFA.NextState only encodes event-type structure, not the
// predicate that must hold for the transition to be semantically valid.
func (e *Engine) dfaStep(ev event.Event, ruleID string, lr *loadedRule, dfa *lazydfa.CompiledDFA) []nfa.SequenceAlert {
	cs := lr.seqCompiled
	if cs == nil {
		return nil
	}
	relevant := cs.StepsForEventType(ev.EventTypeID)
	if len(relevant) == 0 {
		return nil
	}
	entityKey, ok := nfa.ValueToEntityKey(ev, cs.Seq.ByFieldID)
	if !ok {
		return nil
	}

	var alerts []nfa.SequenceAlert
	for _, stepIdx := range relevant {
		step := cs.Seq.Steps[stepIdx]
		matched, err := e.nativeEval.Evaluate(evaluator.Key{RuleID: ruleID, PredicateID: step.Predicate}, ev)
		if err != nil || !matched {
			continue
		}

		if stepIdx == 0 {
			lr.dfaState.Store(entityKey, dfa.StartState)
			continue
		}

		rawPrev, ok := lr.dfaState.Load(entityKey)
		if !ok {
			continue // no partial match in flight at the prior step for this entity
		}
		nextID, ok := dfa.NextState(rawPrev.(uint32), ev.EventTypeID)
		if !ok {
			continue
		}

		if int(nextID) >= len(dfa.States) || !dfa.States[nextID].Accepting {
			lr.dfaState.Store(entityKey, nextID)
			continue
		}

		lr.dfaState.Delete(entityKey)
		alert := nfa.SequenceAlert{
			RuleID:      ruleID,
			RuleName:    cs.RuleName,
			EntityKey:   entityKey,
			Action:      nfa.ActionAlert,
			MatchedAtNS: ev.TSMonoNS,
		}
		alerts = append(alerts, alert)
		metrics.SequenceAlerts.WithLabelValues(ruleID, alert.Action.String()).Inc()
	}
	return alerts
}

func (e *Engine) acCandidates(ev event.Event) map[string]struct{} {
	if e.acMatcher == nil {
		return nil
	}
	candidates := make(map[string]struct{})
	for _, fieldID := range ev.FieldIDs() {
		v, ok := ev.Get(fieldID)
		if !ok || v.Kind != event.KindString {
			continue
		}
		for _, m := range e.acMatcher.MatchesField(fieldID, v.Str) {
			candidates[m.RuleID] = struct{}{}
		}
	}
	return candidates
}

// Tick drives TTL cleanup and hot-sequence promotion, the two
// background sweeps spec §4.4/§4.6 describe as tick-driven rather than
// per-event.
func (e *Engine) Tick(nowNS uint64) (promoted []string) {
	e.nfaEngine.Tick(nowNS)
	return e.checkAndConvertHotSequences()
}

// checkAndConvertHotSequences promotes any LazyDfa-strategy sequence
// whose nfa.SequenceStats clear the hot-spot threshold and isn't already
// DFA-cached, converting it via lazydfa.Converter. Only rules the
// strategy analyzer actually recommended for LazyDfa are considered —
// an Nfa- or HybridAcNfa-strategy sequence stays on the NFA path even if
// its traffic happens to look hot, per spec §4.7's "for each hot
// sequence currently on LazyDfa". Once promoted, the sequence is
// unloaded from nfaEngine so ProcessEvent never double-matches it
// through both backends at once.
func (e *Engine) checkAndConvertHotSequences() []string {
	e.mu.RLock()
	var candidates []string
	for ruleID, lr := range e.rules {
		if lr.rule.Kind == ir.RuleSequence && lr.rec.Strategy == strategy.LazyDfa && !lr.dfaBacked {
			candidates = append(candidates, ruleID)
		}
	}
	e.mu.RUnlock()
	sort.Strings(candidates)

	var promoted []string
	for _, ruleID := range candidates {
		stats, ok := e.nfaEngine.Stats(ruleID)
		if !ok || !e.detector.IsHot(stats) {
			continue
		}

		e.mu.RLock()
		lr, ok := e.rules[ruleID]
		e.mu.RUnlock()
		if !ok || lr.seqCompiled == nil {
			continue
		}

		dfa, err := e.converter.Convert(lr.seqCompiled)
		if err != nil {
			continue // conversion failed or exceeded max_dfa_states; stays on the NFA path
		}
		if err := e.dfaCache.Insert(dfa); err != nil {
			continue // memory-limited; stays on the NFA path
		}

		e.mu.Lock()
		lr.lastSeqStats = stats
		lr.dfaBacked = true
		e.mu.Unlock()
		e.nfaEngine.UnloadSequence(ruleID)

		promoted = append(promoted, ruleID)
		metrics.HotSpotPromotions.WithLabelValues(ruleID).Inc()
	}
	sort.Strings(promoted)
	for _, ruleID := range promoted {
		e.logger.Info().Str("rule_id", ruleID).Msg("promoted hot sequence to compiled DFA")
	}
	_, totalMemory, _, _ := e.dfaCache.Stats()
	metrics.DFACacheMemoryBytes.Set(float64(totalMemory))
	return promoted
}

// Stats returns a snapshot of a loaded rule's backend assignment and
// runtime counters.
func (e *Engine) Stats(ruleID string) (RuleStats, bool) {
	e.mu.RLock()
	lr, ok := e.rules[ruleID]
	e.mu.RUnlock()
	if !ok {
		return RuleStats{}, false
	}
	rs := RuleStats{Strategy: lr.rec.Strategy, Confidence: lr.rec.Confidence}
	if lr.rule.Kind == ir.RuleSequence {
		if sequenceStats, ok := e.nfaEngine.Stats(ruleID); ok {
			rs.Sequence = sequenceStats
		} else {
			rs.Sequence = lr.lastSeqStats
		}
		_, rs.DFABacked = e.dfaCache.Get(ruleID)
	}
	return rs, true
}
