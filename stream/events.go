package stream

import "sync"

// Events is a lazy, finite, single-use sequence of events in ascending
// sequence order. It must be closed once the caller is done with it.
type Events struct {
	next  func() (Event, bool, error)
	close func() error

	cur       Event
	err       error
	done      bool
	closeOnce sync.Once
	closeErr  error
}

// NewEvents builds an iterator from a pull function. next returns false once
// the sequence is exhausted. closeFn may be nil.
func NewEvents(next func() (Event, bool, error), closeFn func() error) *Events {
	return &Events{next: next, close: closeFn}
}

// SliceEvents wraps already materialised events.
func SliceEvents(evs []Event) *Events {
	i := 0
	return NewEvents(func() (Event, bool, error) {
		if i >= len(evs) {
			return Event{}, false, nil
		}
		ev := evs[i]
		i++
		return ev, true, nil
	}, nil)
}

// EmptyEvents returns an exhausted iterator.
func EmptyEvents() *Events {
	return SliceEvents(nil)
}

// Next advances to the next event. It returns false when the sequence is
// exhausted or failed; check Err afterwards.
func (e *Events) Next() bool {
	if e == nil || e.done {
		return false
	}
	ev, ok, err := e.next()
	if err != nil {
		e.err = err
		e.done = true
		e.Close()
		return false
	}
	if !ok {
		e.done = true
		e.Close()
		return false
	}
	e.cur = ev
	return true
}

// Event returns the event Next positioned on.
func (e *Events) Event() Event {
	return e.cur
}

// Err returns the error that stopped iteration, if any.
func (e *Events) Err() error {
	if e == nil {
		return nil
	}
	return e.err
}

// Close releases the resources held by the iterator. It is idempotent.
func (e *Events) Close() error {
	if e == nil {
		return nil
	}
	e.closeOnce.Do(func() {
		e.done = true
		if e.close != nil {
			e.closeErr = e.close()
		}
	})
	return e.closeErr
}

// Collect drains the iterator into a slice and closes it.
func Collect(e *Events) ([]Event, error) {
	if e == nil {
		return nil, nil
	}
	defer e.Close()

	var out []Event
	for e.Next() {
		out = append(out, e.Event())
	}
	if err := e.Err(); err != nil {
		return out, err
	}
	return out, e.Close()
}
