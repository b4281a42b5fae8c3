package nfa

import (
	"testing"

	"github.com/kestrelsec/kestrel/event"
	"github.com/kestrelsec/kestrel/eql"
	"github.com/kestrelsec/kestrel/evaluator"
	"github.com/kestrelsec/kestrel/schema"
	"github.com/kestrelsec/kestrel/statestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() *schema.InMemoryRegistry {
	reg := schema.NewInMemoryRegistry()
	reg.RegisterEventType("process_exec", 1)
	reg.RegisterEventType("network_connect", 2)
	reg.RegisterEventType("file_open", 3)
	reg.RegisterEventType("kill_signal", 4)
	reg.RegisterField("process.name", 100, schema.TypeString)
	reg.RegisterField("pid", 101, schema.TypeI64)
	reg.RegisterField("dest.ip", 102, schema.TypeString)
	return reg
}

func loadSequence(t *testing.T, src string) (*Engine, string) {
	t.Helper()
	reg := testRegistry()
	q, err := eql.Parse(src)
	require.NoError(t, err)
	rule, err := eql.NewAnalyzer(reg).Analyze("seq1", "test-sequence", q)
	require.NoError(t, err)

	ev := evaluator.NewNativeEvaluator()
	ev.Register(rule.RuleID, rule.Predicates)

	store := statestore.New(statestore.DefaultConfig())
	engine := New(ev, store, DefaultConfig())
	require.NoError(t, engine.LoadSequence(rule))
	return engine, rule.RuleID
}

func procExec(pid int64, ts uint64) event.Event {
	e := event.New(1, ts, ts, event.EntityKeyFromUint64(1))
	e = e.WithField(101, event.I64(pid))
	e = e.WithField(100, event.String("bash"))
	return e
}

func netConnect(pid int64, ts uint64) event.Event {
	e := event.New(2, ts, ts, event.EntityKeyFromUint64(1))
	e = e.WithField(101, event.I64(pid))
	e = e.WithField(102, event.String("1.2.3.4"))
	return e
}

func TestProcessEventCompletesTwoStepSequence(t *testing.T) {
	src := `sequence by pid [process_exec where process.name == "bash"] [network_connect where dest.ip == "1.2.3.4"]`
	engine, ruleID := loadSequence(t, src)

	alerts, err := engine.ProcessEvent(procExec(42, 100))
	require.NoError(t, err)
	assert.Empty(t, alerts)

	alerts, err = engine.ProcessEvent(netConnect(42, 200))
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, ruleID, alerts[0].RuleID)
	assert.Equal(t, event.EntityKeyFromInt64(42), alerts[0].EntityKey)
	assert.Len(t, alerts[0].Events, 2)

	stats, ok := engine.Stats(ruleID)
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.CompletedMatches)
}

func TestProcessEventDoesNotCrossEntities(t *testing.T) {
	src := `sequence by pid [process_exec where process.name == "bash"] [network_connect where dest.ip == "1.2.3.4"]`
	engine, _ := loadSequence(t, src)

	_, err := engine.ProcessEvent(procExec(1, 100))
	require.NoError(t, err)

	alerts, err := engine.ProcessEvent(netConnect(2, 200))
	require.NoError(t, err)
	assert.Empty(t, alerts, "step 2 for a different entity must not complete entity 1's match")
}

func TestUnloadSequenceRemovesPartialMatches(t *testing.T) {
	src := `sequence by pid [process_exec where process.name == "bash"] [network_connect where dest.ip == "1.2.3.4"]`
	engine, ruleID := loadSequence(t, src)

	_, err := engine.ProcessEvent(procExec(7, 100))
	require.NoError(t, err)

	engine.UnloadSequence(ruleID)

	_, ok := engine.Stats(ruleID)
	assert.False(t, ok)
}

func TestTickExpiresStalePartialMatches(t *testing.T) {
	src := `sequence by pid [process_exec where process.name == "bash"] [network_connect where dest.ip == "1.2.3.4"] with maxspan=1s`
	engine, ruleID := loadSequence(t, src)

	_, err := engine.ProcessEvent(procExec(9, 0))
	require.NoError(t, err)

	engine.Tick(5_000_000_000) // 5s later, well past the 1s maxspan

	alerts, err := engine.ProcessEvent(netConnect(9, 5_000_000_001))
	require.NoError(t, err)
	assert.Empty(t, alerts, "expired partial match must not complete")

	stats, ok := engine.Stats(ruleID)
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.ExpiredMatches)
}

func TestAdvanceMatchRejectsExpiryWithoutTick(t *testing.T) {
	// Seed scenario 3 (spec §8): two events 500ms apart against a 100ms
	// maxspan, evaluated back-to-back through ProcessEvent with no
	// intervening Tick. advanceMatch must reject the expired advance
	// itself rather than rely on the lazy tick() sweep.
	src := `sequence by pid [process_exec where process.name == "bash"] [network_connect where dest.ip == "1.2.3.4"] with maxspan=100ms`
	engine, ruleID := loadSequence(t, src)

	_, err := engine.ProcessEvent(procExec(9, 1_000_000_000))
	require.NoError(t, err)

	alerts, err := engine.ProcessEvent(netConnect(9, 1_500_000_000))
	require.NoError(t, err)
	assert.Empty(t, alerts, "advance past maxspan must not complete, even without an intervening Tick")

	stats, ok := engine.Stats(ruleID)
	require.True(t, ok)
	assert.Equal(t, uint64(1), stats.ExpiredMatches)
}

func TestUntilTerminatesPartialMatch(t *testing.T) {
	// Seed scenario 4 (spec §8): a three-step sequence with an until
	// clause on a fourth, disjoint event type. Once until fires for an
	// entity, no partial match for that entity may complete afterward.
	src := `sequence by pid [process_exec where process.name == "bash"] [network_connect where dest.ip == "1.2.3.4"] [file_open where process.name == "bash"] until [kill_signal where process.name == "bash"]`
	engine, ruleID := loadSequence(t, src)

	killSignal := func(pid int64, ts uint64) event.Event {
		e := event.New(4, ts, ts, event.EntityKeyFromUint64(1))
		e = e.WithField(101, event.I64(pid))
		e = e.WithField(100, event.String("bash"))
		return e
	}
	fileOpen := func(pid int64, ts uint64) event.Event {
		e := event.New(3, ts, ts, event.EntityKeyFromUint64(1))
		e = e.WithField(101, event.I64(pid))
		e = e.WithField(100, event.String("bash"))
		return e
	}

	_, err := engine.ProcessEvent(procExec(5, 100))
	require.NoError(t, err)

	_, err = engine.ProcessEvent(killSignal(5, 200))
	require.NoError(t, err)

	_, err = engine.ProcessEvent(netConnect(5, 300))
	require.NoError(t, err)

	alerts, err := engine.ProcessEvent(fileOpen(5, 400))
	require.NoError(t, err)
	assert.Empty(t, alerts, "until must terminate the in-progress match before it can complete")

	stats, ok := engine.Stats(ruleID)
	require.True(t, ok)
	assert.Equal(t, uint64(0), stats.CompletedMatches)
	assert.Equal(t, uint64(1), stats.TerminatedByUntil)
}
