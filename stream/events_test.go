package stream

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvents_SliceInOrder(t *testing.T) {
	evs := []Event{{Sequence: 1}, {Sequence: 2}, {Sequence: 3}}
	it := SliceEvents(evs)

	var got []uint64
	for it.Next() {
		got = append(got, it.Event().Sequence)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, []uint64{1, 2, 3}, got)
	assert.False(t, it.Next(), "exhausted iterators stay exhausted")
}

func TestEvents_ClosesOnceWhenExhausted(t *testing.T) {
	closes := 0
	n := 0
	it := NewEvents(func() (Event, bool, error) {
		if n == 2 {
			return Event{}, false, nil
		}
		n++
		return Event{Sequence: uint64(n)}, true, nil
	}, func() error {
		closes++
		return nil
	})

	for it.Next() {
	}
	require.NoError(t, it.Close())
	require.NoError(t, it.Close())
	assert.Equal(t, 1, closes)
}

func TestEvents_ErrorStopsAndCloses(t *testing.T) {
	boom := errors.New("boom")
	closed := false
	calls := 0
	it := NewEvents(func() (Event, bool, error) {
		calls++
		if calls == 2 {
			return Event{}, false, boom
		}
		return Event{Sequence: uint64(calls)}, true, nil
	}, func() error {
		closed = true
		return nil
	})

	assert.True(t, it.Next())
	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), boom)
	assert.True(t, closed)
	assert.False(t, it.Next())
	assert.Equal(t, 2, calls)
}

func TestEvents_CloseBeforeExhaustion(t *testing.T) {
	it := SliceEvents([]Event{{Sequence: 1}, {Sequence: 2}})
	require.True(t, it.Next())
	require.NoError(t, it.Close())
	assert.False(t, it.Next())
}

func TestEvents_NilSafe(t *testing.T) {
	var it *Events
	assert.False(t, it.Next())
	assert.NoError(t, it.Err())
	assert.NoError(t, it.Close())

	evs, err := Collect(nil)
	assert.NoError(t, err)
	assert.Empty(t, evs)
}

func TestCollect(t *testing.T) {
	evs, err := Collect(SliceEvents([]Event{{Sequence: 7}, {Sequence: 8}}))
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(8), evs[1].Sequence)

	evs, err = Collect(EmptyEvents())
	require.NoError(t, err)
	assert.Empty(t, evs)

	closeErr := errors.New("close failed")
	it := NewEvents(func() (Event, bool, error) { return Event{}, false, nil }, func() error { return closeErr })
	_, err = Collect(it)
	assert.ErrorIs(t, err, closeErr)
}

func TestStreamID_Validate(t *testing.T) {
	valid := []StreamID{"orders", "orders.eu", "a_b-c.1", StreamID(repeatByte('x', 128))}
	for _, id := range valid {
		assert.NoError(t, id.Validate(), "%q", id)
	}

	invalid := []StreamID{"", "a/b", "with space", "ünicode", StreamID(repeatByte('x', 129))}
	for _, id := range invalid {
		assert.ErrorIs(t, id.Validate(), ErrInvalidStreamID, "%q", id)
	}
}

func TestSubscriberID_Validate(t *testing.T) {
	assert.NoError(t, SubscriberID("A").Validate())
	assert.ErrorIs(t, SubscriberID("").Validate(), ErrInvalidSubscriberID)
	assert.ErrorIs(t, SubscriberID(repeatByte('x', 257)).Validate(), ErrInvalidSubscriberID)
}

func TestNewSubscriberID_Unique(t *testing.T) {
	a := NewSubscriberID(42)
	b := NewSubscriberID(42)
	assert.NotEqual(t, a, b)
	assert.NoError(t, a.Validate())
	assert.Contains(t, string(a), "000000000000002a-")
}

func TestStreamInfo_Retained(t *testing.T) {
	assert.Equal(t, uint64(3), StreamInfo{Tail: 5, TrimmedThrough: 2}.Retained())
	assert.Equal(t, uint64(0), StreamInfo{Tail: 2, TrimmedThrough: 2}.Retained())
}

func repeatByte(b byte, n int) string {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return string(out)
}
