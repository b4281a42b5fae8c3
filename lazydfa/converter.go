package lazydfa

import (
	"github.com/kestrelsec/kestrel/event"
	"github.com/kestrelsec/kestrel/internal/conv"
	"github.com/kestrelsec/kestrel/internal/kerrors"
	"github.com/kestrelsec/kestrel/internal/sparse"
	"github.com/kestrelsec/kestrel/ir"
)

// DFAState is one subset-construction state: the set of sequence step
// indices that are simultaneously "active" (have a partial match sitting
// at that step) once this state is reached.
type DFAState struct {
	ID         uint32
	Steps      []int // sorted step indices in this subset
	Accepting  bool
	transition map[event.EventTypeID]uint32
}

// CompiledDFA is the converted form of one sequence rule, used by the
// hybrid orchestrator to answer "given the subset of steps currently
// active for this entity, and this event's type, which subset comes
// next" without re-running predicate evaluation for every step.
//
// Because Kestrel's sequence grammar (spec §4.1) has no branching —
// steps run strictly in order — every reachable subset here is a
// singleton; the worklist/subset machinery still runs the general
// algorithm so a future grammar extension with branching or optional
// steps would be handled without changing this converter.
type CompiledDFA struct {
	RuleID      string
	States      []*DFAState
	StartState  uint32
	MemoryBytes uint64
}

// NextState returns the state reached from `from` on an event of type t,
// or (0, false) if no transition exists (the would-be partial match at
// those steps simply doesn't advance).
func (d *CompiledDFA) NextState(from uint32, t event.EventTypeID) (uint32, bool) {
	if int(from) >= len(d.States) {
		return 0, false
	}
	next, ok := d.States[from].transition[t]
	return next, ok
}

// Converter performs NFA→DFA subset construction over a compiled
// sequence, bounded by maxStates (spec §4.6: abort with
// StateLimitExceeded rather than let conversion blow up state space).
type Converter struct {
	MaxStates int
}

func NewConverter(maxStates int) *Converter {
	if maxStates <= 0 {
		maxStates = 4096
	}
	return &Converter{MaxStates: maxStates}
}

// Convert builds a CompiledDFA for cs via worklist-driven subset
// construction: the start subset is {0}, and for every event type that
// can advance any step in the current subset, the next subset is the set
// of successor steps whose event type matches.
func (c *Converter) Convert(cs *ir.CompiledSequence) (*CompiledDFA, error) {
	if cs == nil || cs.StepCount() == 0 {
		return nil, kerrors.New(kerrors.EvaluationError, "cannot convert an empty sequence")
	}
	if cs.HasUntil() {
		return nil, kerrors.New(kerrors.ConversionFailed, "sequence %q has an until clause, semantics cannot be preserved by a DFA", cs.RuleID)
	}
	if len(cs.Captures) > 0 {
		return nil, kerrors.New(kerrors.ConversionFailed, "sequence %q declares captures, semantics cannot be preserved by a DFA", cs.RuleID)
	}
	if cs.StepCount() > c.MaxStates/2 {
		return nil, kerrors.New(kerrors.ConversionFailed, "sequence %q has %d steps, exceeding max_dfa_states/2 (%d)", cs.RuleID, cs.StepCount(), c.MaxStates/2)
	}

	steps := cs.Seq.Steps
	stepCount := cs.StepCount()

	type subsetKey string
	keyOf := func(subset []int) subsetKey {
		set := sparse.NewSparseSet(conv.IntToUint32(stepCount + 1))
		for _, s := range subset {
			set.Insert(conv.IntToUint32(s))
		}
		b := make([]byte, 0, set.Size())
		for _, v := range set.Values() {
			b = append(b, byte(v), ',')
		}
		return subsetKey(b)
	}

	start := []int{0}
	seen := map[subsetKey]uint32{keyOf(start): 0}
	states := []*DFAState{{ID: 0, Steps: start, Accepting: stepCount == 1, transition: map[event.EventTypeID]uint32{}}}
	worklist := [][]int{start}

	for len(worklist) > 0 {
		if len(states) > c.MaxStates {
			return nil, kerrors.New(kerrors.StateLimitExceeded, "sequence %q exceeds max_dfa_states (%d) during conversion", cs.RuleID, c.MaxStates)
		}
		subset := worklist[0]
		worklist = worklist[1:]
		fromID := seen[keyOf(subset)]

		byEventType := map[event.EventTypeID][]int{}
		for _, stepIdx := range subset {
			if stepIdx+1 >= stepCount {
				continue // already at the final step; completion is handled by the NFA layer
			}
			next := stepIdx + 1
			et := steps[next].EventType
			byEventType[et] = append(byEventType[et], next)
		}

		for et, nextSubset := range byEventType {
			k := keyOf(nextSubset)
			toID, ok := seen[k]
			if !ok {
				toID = conv.IntToUint32(len(states))
				seen[k] = toID
				accepting := false
				for _, s := range nextSubset {
					if s == stepCount-1 {
						accepting = true
					}
				}
				states = append(states, &DFAState{ID: toID, Steps: nextSubset, Accepting: accepting, transition: map[event.EventTypeID]uint32{}})
				worklist = append(worklist, nextSubset)
			}
			states[fromID].transition[et] = toID
		}
	}

	return &CompiledDFA{
		RuleID:      cs.RuleID,
		States:      states,
		StartState:  0,
		MemoryBytes: estimateMemoryBytes(states),
	}, nil
}

// estimateMemoryBytes gives the DFA cache a coarse per-entry cost so
// max_total_memory_bytes (spec §4.6) can be enforced without a real RSS
// sample on every insert; Cache.Insert separately samples internal/sysmem
// against MaxProcessRSSBytes as a backstop against this estimate drifting
// from the process's actual memory use.
func estimateMemoryBytes(states []*DFAState) uint64 {
	const perState = 128
	const perTransition = 24
	total := uint64(len(states)) * perState
	for _, s := range states {
		total += uint64(len(s.transition)) * perTransition
	}
	return total
}
