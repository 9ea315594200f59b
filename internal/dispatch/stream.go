package dispatch

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/born-ml/core/internal/tensor"
)

// task is a queued launch plus the events it must wait for.
type task struct {
	launch *Launch
	deps   []tensor.Event
	event  *Event
}

// Stream is a FIFO queue drained by one worker goroutine.
// Tasks on the same stream run in submission order.
type Stream struct {
	id     int
	device string
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*task
	closed bool
	done   chan struct{}
	run    func(*task)
}

func newStream(id int, device string, run func(*task)) *Stream {
	s := &Stream{id: id, device: device, done: make(chan struct{}), run: run}
	s.cond = sync.NewCond(&s.mu)
	go s.loop()
	log.Debugf("%s: stream %d started", device, id)
	return s
}

func (s *Stream) push(t *task) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.queue = append(s.queue, t)
	s.cond.Signal()
	return true
}

func (s *Stream) loop() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			log.Debugf("%s: stream %d stopped", s.device, s.id)
			return
		}
		t := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()
		s.run(t)
	}
}

// barrier enqueues an empty task and returns its event; it completes once
// everything queued before it ran.
func (s *Stream) barrier() *Event {
	ev := NewEvent()
	if !s.push(&task{event: ev}) {
		ev.Complete(nil)
	}
	return ev
}

func (s *Stream) close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	<-s.done
}
