package dispatch

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/born-ml/core/internal/tensor"
)

// ErrClosed is returned when submitting to a closed scheduler.
var ErrClosed = errors.New("scheduler closed")

// execute runs a kernel, turning panics (integer division by zero, bad
// indices in user data) into errors.
func execute(l *Launch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(tensor.ErrInvalidArgument, "%s kernel panicked: %v", l.Op, r)
		}
	}()
	return l.Kernel(l)
}

// Immediate runs every launch synchronously on the caller's goroutine.
// Storages still record a completed event so mixed executors keep working.
type Immediate struct{}

// NewImmediate returns the synchronous executor.
func NewImmediate() *Immediate { return &Immediate{} }

// Submit runs the launch and returns its error.
func (Immediate) Submit(l *Launch) error {
	if err := waitInputs(l); err != nil {
		return err
	}
	err := execute(l)
	ev := CompletedEvent(err)
	for _, in := range l.Inputs {
		in.Storage().RecordRead(ev)
	}
	if err == nil {
		l.Output.Storage().RecordWrite(ev)
	}
	return err
}

// waitInputs blocks on pending writers of the inputs, which only exist when a
// tensor produced elsewhere is handed to a synchronous backend.
func waitInputs(l *Launch) error {
	for _, in := range l.Inputs {
		if w := in.Storage().LastWriter(); w != nil {
			if err := w.Wait(); err != nil {
				return errors.Wrapf(err, "%s: input failed", l.Op)
			}
		}
	}
	if l.InPlace {
		if w := l.Output.Storage().LastWriter(); w != nil {
			if err := w.Wait(); err != nil {
				return errors.Wrapf(err, "%s: destination failed", l.Op)
			}
		}
	}
	return nil
}

// Synchronize is a no-op: work is already complete.
func (Immediate) Synchronize() error { return nil }

// Close is a no-op.
func (Immediate) Close() error { return nil }

// SchedulerConfig configures an asynchronous scheduler.
type SchedulerConfig struct {
	Device  string // label used in logs
	Streams int    // number of FIFO streams (workers)
}

// Scheduler queues launches on a set of streams and orders them by data
// dependencies: a launch waits for the last writer of every input storage, and
// an in-place launch also waits for all outstanding readers of its output.
// Independent launches on different streams run concurrently.
//
// Dependencies always point at earlier submissions and every stream is FIFO,
// so the oldest unfinished launch can always run: the scheduler cannot deadlock.
type Scheduler struct {
	cfg     SchedulerConfig
	mu      sync.Mutex
	streams []*Stream
	next    int
	closed  bool

	errMu    sync.Mutex
	firstErr error
}

// NewScheduler starts cfg.Streams worker goroutines.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	if cfg.Streams <= 0 {
		cfg.Streams = 1
	}
	s := &Scheduler{cfg: cfg}
	for i := 0; i < cfg.Streams; i++ {
		s.streams = append(s.streams, newStream(i, cfg.Device, s.run))
	}
	return s
}

// Submit records the launch's dependencies and queues it. Kernel errors are
// reported through the output event and Synchronize.
func (s *Scheduler) Submit(l *Launch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var deps []tensor.Event
	addDep := func(e tensor.Event) {
		// Completed events only matter when they failed: the error propagates.
		if !e.Done() || e.Wait() != nil {
			deps = append(deps, e)
		}
	}
	for _, in := range l.Inputs {
		if w := in.Storage().LastWriter(); w != nil {
			addDep(w)
		}
	}
	out := l.Output.Storage()
	if l.InPlace {
		if w := out.LastWriter(); w != nil {
			addDep(w)
		}
		for _, r := range out.PendingReaders() {
			addDep(r)
		}
	}

	ev := NewEvent()
	for _, in := range l.Inputs {
		in.Storage().RecordRead(ev)
	}
	out.RecordWrite(ev)

	st := s.streams[s.next]
	s.next = (s.next + 1) % len(s.streams)
	if !st.push(&task{launch: l, deps: deps, event: ev}) {
		ev.Complete(ErrClosed)
		return ErrClosed
	}
	return nil
}

func (s *Scheduler) run(t *task) {
	if t.launch == nil {
		t.event.Complete(nil)
		return
	}
	for _, d := range t.deps {
		if err := d.Wait(); err != nil {
			t.event.Complete(errors.Wrapf(err, "%s: dependency failed", t.launch.Op))
			s.recordErr(err)
			return
		}
	}
	err := execute(t.launch)
	if err != nil {
		log.Debugf("%s: %s failed: %v", s.cfg.Device, t.launch.Op, err)
		s.recordErr(err)
	}
	t.event.Complete(err)
}

func (s *Scheduler) recordErr(err error) {
	s.errMu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.errMu.Unlock()
}

// Synchronize waits for every stream to drain, concurrently, and returns the
// first launch error seen since the previous call.
func (s *Scheduler) Synchronize() error {
	s.mu.Lock()
	barriers := make([]*Event, len(s.streams))
	for i, st := range s.streams {
		barriers[i] = st.barrier()
	}
	s.mu.Unlock()

	var g errgroup.Group
	for _, b := range barriers {
		g.Go(b.Wait)
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.errMu.Lock()
	defer s.errMu.Unlock()
	err := s.firstErr
	s.firstErr = nil
	return err
}

// Close drains and stops all streams.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	for _, st := range s.streams {
		st.close()
	}
	return nil
}

// String describes the scheduler for logs.
func (s *Scheduler) String() string {
	return fmt.Sprintf("scheduler(%s, %d streams)", s.cfg.Device, len(s.streams))
}
