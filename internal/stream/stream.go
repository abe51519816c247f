// Package stream multiplexes the events of one run into a single ordered
// sequence for one consumer.
package stream

import (
	"context"
	"sync"

	"github.com/petrijr/stageflow/pkg/api"
)

// Stream is an unbounded, ordered event queue with a single consumer.
//
// Producers call Emit from any goroutine and never block. A pump goroutine
// delivers queued events on Events in Seq order. The channel is closed
// exactly once: after the terminal event was delivered, or when the consumer
// detached with Close or Cancel.
//
// Stream implements api.EventStream once the producer side reports the run
// outcome with Finish.
type Stream struct {
	mu       sync.Mutex
	queue    []api.Event
	seq      uint64
	terminal bool
	detached bool

	notify chan struct{}
	stop   chan struct{}
	out    chan api.Event

	stopOnce sync.Once
	cancel   context.CancelFunc

	done   chan struct{}
	result *api.RunResult
	err    error
}

var (
	_ api.EventStream = (*Stream)(nil)
	_ api.Sink        = (*Stream)(nil)
)

// New creates a Stream and starts its pump. cancel is invoked by Cancel; it
// may be nil.
func New(cancel context.CancelFunc) *Stream {
	s := &Stream{
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		out:    make(chan api.Event),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.pump()
	return s
}

// Emit enqueues ev and assigns its sequence number. Events emitted after the
// terminal event or after the consumer detached are dropped.
func (s *Stream) Emit(ev api.Event) {
	s.mu.Lock()
	if s.terminal || s.detached {
		s.mu.Unlock()
		return
	}
	s.seq++
	ev.Seq = s.seq
	if ev.Type.Terminal() {
		s.terminal = true
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Stream) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if s.detached {
			s.queue = nil
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			finished := s.terminal
			s.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-s.notify:
			case <-s.stop:
			}
			continue
		}
		ev := s.queue[0]
		s.queue[0] = api.Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.stop:
			return
		}
	}
}

// Events returns the consumer channel.
func (s *Stream) Events() <-chan api.Event { return s.out }

// Close detaches the consumer. The producer keeps running; its further
// events are dropped.
func (s *Stream) Close() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.detached = true
		s.mu.Unlock()
		close(s.stop)
	})
}

// Cancel detaches the consumer and cancels the producing run.
func (s *Stream) Cancel() {
	s.Close()
	if s.cancel != nil {
		s.cancel()
	}
}

// Finish records the run outcome and releases Wait. It must be called once,
// after the terminal event was emitted.
func (s *Stream) Finish(res *api.RunResult, err error) {
	s.result, s.err = res, err
	close(s.done)
}

// Wait blocks until Finish was called.
func (s *Stream) Wait() (*api.RunResult, error) {
	<-s.done
	return s.result, s.err
}

// Done is closed once the run finished.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Forward pumps events to sink until the stream ends or ctx is done. When
// ctx ends first the consumer is detached and ctx's error returned.
func Forward(ctx context.Context, es api.EventStream, sink api.Sink) error {
	events := es.Events()
	for {
		select {
		case <-ctx.Done():
			es.Close()
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			sink.Emit(ev)
		}
	}
}

// Collect drains the stream and returns all delivered events.
func Collect(es api.EventStream) []api.Event {
	var out []api.Event
	for ev := range es.Events() {
		out = append(out, ev)
	}
	return out
}
