package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderRequiresCoreFields(t *testing.T) {
	_, err := NewBuilder().Build()
	require.Error(t, err)

	e, err := NewBuilder().
		EventType(1).
		TSMono(100).
		TSWall(100).
		Entity(EntityKeyFromUint64(42)).
		Field(1, String("bash")).
		Build()
	require.NoError(t, err)
	assert.Equal(t, EventTypeID(1), e.EventTypeID)
	assert.True(t, e.Has(1))
}

func TestFieldsStaySortedAndBinarySearchable(t *testing.T) {
	e := New(1, 0, 0, EntityKey{}).
		WithField(5, I64(50)).
		WithField(1, I64(10)).
		WithField(3, I64(30)).
		WithField(2, I64(20)).
		WithField(4, I64(40))

	assert.Equal(t, []FieldID{1, 2, 3, 4, 5}, e.FieldIDs())

	v, ok := e.Get(3)
	require.True(t, ok)
	assert.Equal(t, int64(30), v.I64)

	_, ok = e.Get(99)
	assert.False(t, ok)
}

func TestWithFieldReplacesExisting(t *testing.T) {
	e := New(1, 0, 0, EntityKey{}).WithField(1, I64(1)).WithField(1, I64(2))
	require.Equal(t, 1, e.NumFields())
	v, _ := e.Get(1)
	assert.Equal(t, int64(2), v.I64)
}

func TestLessOrdersByMonoThenEventID(t *testing.T) {
	a := New(1, 100, 0, EntityKey{})
	a.EventID = 2
	b := New(1, 100, 0, EntityKey{})
	b.EventID = 3
	assert.True(t, Less(a, b))
	assert.False(t, Less(b, a))

	c := New(1, 50, 0, EntityKey{})
	assert.True(t, Less(c, a))
}

func TestValueAsFloatWidensIntegers(t *testing.T) {
	f, ok := I64(42).AsFloat()
	require.True(t, ok)
	assert.Equal(t, 42.0, f)

	f, ok = U64(7).AsFloat()
	require.True(t, ok)
	assert.Equal(t, 7.0, f)

	_, ok = String("x").AsFloat()
	assert.False(t, ok)
}
