package lazydfa

import (
	"testing"

	"github.com/kestrelsec/kestrel/eql"
	"github.com/kestrelsec/kestrel/internal/kerrors"
	"github.com/kestrelsec/kestrel/ir"
	"github.com/kestrelsec/kestrel/nfa"
	"github.com/kestrelsec/kestrel/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compiledTwoStep(t *testing.T) *ir.CompiledSequence {
	t.Helper()
	reg := schema.NewInMemoryRegistry()
	reg.RegisterEventType("process_exec", 1)
	reg.RegisterEventType("network_connect", 2)
	reg.RegisterField("pid", 100, schema.TypeI64)
	reg.RegisterField("process.name", 101, schema.TypeString)
	reg.RegisterField("dest.ip", 102, schema.TypeString)

	q, err := eql.Parse(`sequence by pid [process_exec where process.name == "bash"] [network_connect where dest.ip == "1.2.3.4"]`)
	require.NoError(t, err)
	rule, err := eql.NewAnalyzer(reg).Analyze("seq1", "test", q)
	require.NoError(t, err)
	return ir.Compile(rule)
}

func TestConvertBuildsTwoStateDFA(t *testing.T) {
	cs := compiledTwoStep(t)
	dfa, err := NewConverter(100).Convert(cs)
	require.NoError(t, err)

	require.Len(t, dfa.States, 2)
	assert.False(t, dfa.States[0].Accepting)
	assert.True(t, dfa.States[1].Accepting)

	next, ok := dfa.NextState(0, 2) // network_connect event type
	require.True(t, ok)
	assert.Equal(t, uint32(1), next)

	_, ok = dfa.NextState(0, 1) // process_exec doesn't advance state 0 (already consumed)
	assert.False(t, ok)
}

func TestConvertAbortsWhenStateLimitExceeded(t *testing.T) {
	cs := compiledTwoStep(t)
	_, err := NewConverter(1).Convert(cs)
	assert.Error(t, err)
}

func TestConvertRejectsUntilClause(t *testing.T) {
	reg := schema.NewInMemoryRegistry()
	reg.RegisterEventType("process_exec", 1)
	reg.RegisterField("pid", 100, schema.TypeI64)
	reg.RegisterField("process.name", 101, schema.TypeString)

	src := `sequence by pid
		[process_exec where process.name == "bash"]
		[process_exec where process.name == "curl"]
		until [process_exec where process.name == "exit_monitor"]`
	q, err := eql.Parse(src)
	require.NoError(t, err)
	rule, err := eql.NewAnalyzer(reg).Analyze("seq-until", "test", q)
	require.NoError(t, err)
	cs := ir.Compile(rule)

	_, err = NewConverter(100).Convert(cs)
	require.Error(t, err)
	kind, ok := kerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.ConversionFailed, kind)
}

func TestConvertRejectsCaptures(t *testing.T) {
	cs := compiledTwoStep(t)
	cs.Captures = []ir.Capture{{FieldID: 100, Alias: "pid", SourceStep: 0}}

	_, err := NewConverter(100).Convert(cs)
	require.Error(t, err)
	kind, ok := kerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.ConversionFailed, kind)
}

func TestConvertRejectsSequenceLongerThanHalfMaxStates(t *testing.T) {
	cs := compiledTwoStep(t)

	_, err := NewConverter(2).Convert(cs) // 2 steps > MaxStates/2 == 1
	require.Error(t, err)
	kind, ok := kerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.ConversionFailed, kind)
}

func TestHotSpotDetectorRequiresVolumeFloor(t *testing.T) {
	d := NewHotSpotDetector(DefaultHotSpotThreshold())
	stats := nfa.SequenceStats{
		EventsProcessed: 10, CompletedMatches: 10,
		FirstSeenNS: 0, LastSeenNS: 60_000_000_000,
	}
	assert.False(t, d.IsHot(stats), "below MinTotalMatches even with a high hit rate")
}

func TestHotSpotDetectorRequiresSuccessRate(t *testing.T) {
	d := NewHotSpotDetector(DefaultHotSpotThreshold())
	stats := nfa.SequenceStats{
		EventsProcessed: 2000, PartialMatches: 1, CompletedMatches: 0,
		FirstSeenNS: 0, LastSeenNS: 60_000_000_000,
	}
	assert.False(t, d.IsHot(stats), "success rate of 1/2000 is below MinSuccessRate")
}

func TestHotSpotDetectorFlagsHighHitRate(t *testing.T) {
	d := NewHotSpotDetector(DefaultHotSpotThreshold())
	stats := nfa.SequenceStats{
		EventsProcessed: 2000, PartialMatches: 100, CompletedMatches: 50,
		FirstSeenNS: 0, LastSeenNS: 60_000_000_000, // 150 matches over 1 minute
	}
	assert.True(t, d.IsHot(stats))
	assert.Greater(t, d.Score(stats), 0.0)
}

func TestCacheInsertGetAndLRUPromotion(t *testing.T) {
	c := NewCache(CacheConfig{MaxDFAs: 2, MaxTotalMemoryBytes: 1 << 20, MemoryEvictionThreshold: 1.0})

	a := &CompiledDFA{RuleID: "a", States: []*DFAState{{ID: 0}}, MemoryBytes: 100}
	b := &CompiledDFA{RuleID: "b", States: []*DFAState{{ID: 0}}, MemoryBytes: 100}
	require.NoError(t, c.Insert(a))
	require.NoError(t, c.Insert(b))

	_, ok := c.Get("a") // promote a to MRU
	require.True(t, ok)

	c2 := &CompiledDFA{RuleID: "c", States: []*DFAState{{ID: 0}}, MemoryBytes: 100}
	require.NoError(t, c.Insert(c2)) // should evict b, the LRU entry

	_, ok = c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
}

func TestCacheInsertRejectsOversizedEntry(t *testing.T) {
	c := NewCache(CacheConfig{MaxDFAs: 10, MaxTotalMemoryBytes: 100, MemoryEvictionThreshold: 1.0})
	huge := &CompiledDFA{RuleID: "huge", States: []*DFAState{{ID: 0}}, MemoryBytes: 1000}
	err := c.Insert(huge)
	assert.Error(t, err)
}
