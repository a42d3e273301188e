package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrSequencerClosed is returned for work submitted after Close.
var ErrSequencerClosed = errors.New("sequencer closed")

type job struct {
	ctx    context.Context
	fn     func(context.Context) error
	result chan error
}

// Sequencer runs submitted functions one at a time on a single worker, giving
// every ledger mutation a total order.
type Sequencer struct {
	jobs chan job
	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewSequencer starts the worker. depth bounds the number of queued jobs.
func NewSequencer(depth int) *Sequencer {
	if depth <= 0 {
		depth = 64
	}
	s := &Sequencer{jobs: make(chan job, depth), done: make(chan struct{})}
	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Sequencer) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case j := <-s.jobs:
			if err := j.ctx.Err(); err != nil {
				j.result <- err
				continue
			}
			j.result <- s.invoke(j)
		}
	}
}

func (s *Sequencer) invoke(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sequenced job panicked: %v", r)
		}
	}()
	return j.fn(j.ctx)
}

// Do queues fn and waits for it to finish. Once fn has started, Do waits for
// its result even if ctx is cancelled.
func (s *Sequencer) Do(ctx context.Context, fn func(context.Context) error) error {
	j := job{ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case <-s.done:
		return ErrSequencerClosed
	default:
	}
	select {
	case s.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSequencerClosed
	}
	select {
	case err := <-j.result:
		return err
	case <-s.done:
		select {
		case err := <-j.result:
			return err
		default:
			return ErrSequencerClosed
		}
	}
}

// Close stops the worker after the job in progress, if any, completes.
func (s *Sequencer) Close() {
	s.once.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}
