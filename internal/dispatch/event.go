package dispatch

import "sync"

// Event tracks completion of one launch and carries its error.
// It implements tensor.Event.
type Event struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewEvent returns a pending event.
func NewEvent() *Event {
	return &Event{done: make(chan struct{})}
}

// CompletedEvent returns an event that already finished with err.
func CompletedEvent(err error) *Event {
	e := NewEvent()
	e.Complete(err)
	return e
}

// Complete marks the event finished. Only the first call has an effect.
func (e *Event) Complete(err error) {
	e.once.Do(func() {
		e.err = err
		close(e.done)
	})
}

// Wait blocks until the event completed and returns the launch error.
func (e *Event) Wait() error {
	<-e.done
	return e.err
}

// Done reports whether the event completed.
func (e *Event) Done() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}
