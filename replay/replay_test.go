package replay

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelsec/kestrel/event"
	"github.com/kestrelsec/kestrel/internal/kerrors"
)

func sampleEvents() []event.Event {
	ev1 := event.New(1, 100, 100, event.EntityKeyFromUint64(7)).WithField(10, event.String("bash")).WithField(11, event.I64(-42))
	ev1.EventID = 1
	ev2 := event.New(2, 200, 200, event.EntityKeyFromUint64(7)).WithField(12, event.U64(9000)).WithField(13, event.F64(3.5)).
		WithField(14, event.Bool(true)).WithField(15, event.Bytes([]byte{0xde, 0xad})).WithField(16, event.Null())
	ev2.EventID = 2
	ev2 = ev2.WithSource("sensor-a")
	return []event.Event{ev1, ev2}
}

func TestWriteLogThenReadLogRoundTrips(t *testing.T) {
	events := sampleEvents()
	var buf bytes.Buffer
	require.NoError(t, WriteLog(&buf, events, "build-123"))

	header, got, err := ReadLog(&buf)
	require.NoError(t, err)
	assert.Equal(t, "build-123", header.EngineBuildID)
	assert.Equal(t, uint64(2), header.EventCount)
	assert.Equal(t, uint64(100), header.StartTSMonoNS)
	assert.Equal(t, uint64(200), header.EndTSMonoNS)

	require.Len(t, got, 2)
	assert.Equal(t, events[0].EventID, got[0].EventID)
	assert.Equal(t, events[1].SourceID, got[1].SourceID)

	v, ok := got[1].Get(13)
	require.True(t, ok)
	assert.Equal(t, 3.5, v.F64)

	v, ok = got[1].Get(15)
	require.True(t, ok)
	assert.Equal(t, []byte{0xde, 0xad}, v.Byte)
}

func TestNewHeaderGeneratesBuildIDWhenEmpty(t *testing.T) {
	h := NewHeader(sampleEvents(), "")
	assert.NotEmpty(t, h.EngineBuildID)
}

func TestReadLogRejectsBadMagic(t *testing.T) {
	buf := bytes.NewBufferString("nope")
	_, _, err := ReadLog(buf)
	require.Error(t, err)
	kind, ok := kerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.InvalidFormat, kind)
}

func TestReadLogRejectsNewerVersion(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteLog(&buf, sampleEvents(), "b1"))
	raw := buf.Bytes()
	raw[7] = 99 // version is the 4 bytes right after the 4-byte magic
	_, _, err := ReadLog(bytes.NewReader(raw))
	require.Error(t, err)
	kind, _ := kerrors.KindOf(err)
	assert.Equal(t, kerrors.InvalidFormat, kind)
}

func TestSortedOrdersByTimestampThenEventID(t *testing.T) {
	ev1 := event.New(1, 200, 200, event.EntityKeyFromUint64(1))
	ev1.EventID = 5
	ev2 := event.New(1, 100, 100, event.EntityKeyFromUint64(1))
	ev2.EventID = 1
	ev3 := event.New(1, 100, 100, event.EntityKeyFromUint64(1))
	ev3.EventID = 0

	out := Sorted([]event.Event{ev1, ev2, ev3})
	assert.Equal(t, []uint64{0, 1, 5}, []uint64{out[0].EventID, out[1].EventID, out[2].EventID})
}

func TestPlayPublishesInCanonicalOrder(t *testing.T) {
	ev1 := event.New(1, 200, 200, event.EntityKeyFromUint64(1))
	ev1.EventID = 2
	ev2 := event.New(1, 100, 100, event.EntityKeyFromUint64(1))
	ev2.EventID = 1

	p := NewPlayer(SystemClock{}, DefaultPlayerConfig())
	var order []uint64
	res, err := p.Play([]event.Event{ev1, ev2}, func(ev event.Event) error {
		order = append(order, ev.EventID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, order)
	assert.Equal(t, 2, res.Published)
	assert.Empty(t, res.Errors)
}

func TestPlayCollectsErrorsWithoutStopOnError(t *testing.T) {
	events := sampleEvents()
	p := NewPlayer(SystemClock{}, DefaultPlayerConfig())
	calls := 0
	res, err := p.Play(events, func(ev event.Event) error {
		calls++
		if calls == 1 {
			return assertErr
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Published)
	require.Len(t, res.Errors, 1)
}

func TestPlayStopsOnErrorWhenConfigured(t *testing.T) {
	events := sampleEvents()
	cfg := DefaultPlayerConfig()
	cfg.StopOnError = true
	p := NewPlayer(SystemClock{}, cfg)
	calls := 0
	_, err := p.Play(events, func(ev event.Event) error {
		calls++
		return assertErr
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "must not publish past the first failure")
}

func TestPlayLiveSpeedAdvancesMockClock(t *testing.T) {
	ev1 := event.New(1, 0, 0, event.EntityKeyFromUint64(1))
	ev1.EventID = 1
	ev2 := event.New(1, 1_000_000_000, 0, event.EntityKeyFromUint64(1)) // +1s
	ev2.EventID = 2

	clock := NewMockClock(time.Unix(0, 0))
	cfg := DefaultPlayerConfig()
	cfg.LiveSpeed = true
	cfg.SpeedMultiplier = 2.0
	p := NewPlayer(clock, cfg)

	_, err := p.Play([]event.Event{ev1, ev2}, func(event.Event) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, clock.Now().Sub(time.Unix(0, 0)))
}

func TestVerifyDeterministicPassesForStableRun(t *testing.T) {
	events := sampleEvents()
	result, err := VerifyDeterministic(events, 3, func(evs []event.Event) ([]byte, error) {
		return []byte{byte(len(evs))}, nil
	})
	require.NoError(t, err)
	assert.NotEmpty(t, result.Checksum)
}

func TestVerifyDeterministicFailsOnDivergence(t *testing.T) {
	events := sampleEvents()
	call := 0
	_, err := VerifyDeterministic(events, 3, func(evs []event.Event) ([]byte, error) {
		call++
		return []byte{byte(call)}, nil
	})
	require.Error(t, err)
	kind, ok := kerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.VerificationMismatch, kind)
}

func TestCompareRuntimesAgreesOnIdenticalOutput(t *testing.T) {
	a := Fingerprint("go", []byte("same"))
	b := Fingerprint("reference", []byte("same"))
	assert.NoError(t, CompareRuntimes(a, b))
}

func TestCompareRuntimesReportsMismatch(t *testing.T) {
	a := Fingerprint("go", []byte("one"))
	b := Fingerprint("reference", []byte("other"))
	err := CompareRuntimes(a, b)
	require.Error(t, err)
	kind, _ := kerrors.KindOf(err)
	assert.Equal(t, kerrors.VerificationMismatch, kind)
}

var assertErr = kerrors.New(kerrors.PublishError, "boom")
