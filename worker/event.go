package worker

import (
	"errors"
	"sync"
)

// Event is an extendable lifecycle event. A handler extends the event's
// lifetime with WaitUntil; the host resolves the event with Wait.
type Event struct {
	wg   sync.WaitGroup
	mu   sync.Mutex
	errs []error
}

// NewEvent returns an unresolved event.
func NewEvent() *Event {
	return &Event{}
}

// WaitUntil runs fn in the background and keeps the event pending until fn
// returns. It must be called before Wait.
func (e *Event) WaitUntil(fn func() error) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := fn(); err != nil {
			e.mu.Lock()
			e.errs = append(e.errs, err)
			e.mu.Unlock()
		}
	}()
}

// Wait blocks until every extension has finished and returns their joined
// errors.
func (e *Event) Wait() error {
	e.wg.Wait()
	e.mu.Lock()
	defer e.mu.Unlock()
	return errors.Join(e.errs...)
}
