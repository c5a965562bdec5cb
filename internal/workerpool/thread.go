// Package workerpool implements the worker-thread pool described in
// spec §4.8: each Thread hosts an event loop and a scheduler bridge to
// the external script engine, and rooms are dispatched to threads
// under a capacity/outdated policy.
package workerpool

import (
	"context"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/freekill-go/serverd/internal/scheduler"
)

const defaultCapacity = 200

// job is a forwarded raw request line, queued onto a Thread's event loop.
type job struct {
	line string
}

// Thread is one worker-thread's event loop plus its scheduler client
// (spec: "owns an event loop and a scheduler").
type Thread struct {
	id       int64
	capacity int
	md5      string

	client *scheduler.Client

	jobs   chan job
	cancel context.CancelFunc
	done   chan struct{}

	outdated  atomic.Bool
	roomCount atomic.Int64

	logger *zap.Logger
}

// NewThread spawns a Thread's event loop goroutine, bound to client
// for its scheduler RPC surface. capacity <= 0 uses the documented
// default of 200 rooms per thread.
func NewThread(id int64, capacity int, md5 string, client *scheduler.Client, logger *zap.Logger) *Thread {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Thread{
		id:       id,
		capacity: capacity,
		md5:      md5,
		client:   client,
		jobs:     make(chan job, 256),
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   logger,
	}
	go t.run(ctx)
	return t
}

func (t *Thread) run(ctx context.Context) {
	defer close(t.done)
	for {
		select {
		case j := <-t.jobs:
			if err := t.client.Call("HandleRequest", []any{j.line}, nil); err != nil {
				t.logger.Warn("scheduler request failed", zap.Int64("thread", t.id), zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// ID returns the thread's process-unique id.
func (t *Thread) ID() int64 { return t.id }

// Forward implements room.Forwarder: enqueue a raw request line onto
// this thread's event loop.
func (t *Thread) Forward(threadID int64, line string) error {
	if threadID != t.id {
		return fmt.Errorf("thread id mismatch: got %d, want %d", threadID, t.id)
	}
	select {
	case t.jobs <- job{line: line}:
		return nil
	case <-t.done:
		return fmt.Errorf("thread %d has shut down", t.id)
	}
}

// IncreaseRoomCount / DecreaseRoomCount track how many rooms this
// thread currently hosts, for the capacity check in isFull.
func (t *Thread) IncreaseRoomCount() { t.roomCount.Add(1) }
func (t *Thread) DecreaseRoomCount() { t.roomCount.Add(-1) }

func (t *Thread) isFull() bool {
	return t.roomCount.Load() >= int64(t.capacity)
}

// MarkOutdatedIfStale implements spec §4.8 "isOutdated": once the
// server's current md5 differs from the thread's snapshot, the thread
// latches outdated=true permanently (one-shot), so re-enabling the
// same pack set doesn't resurrect it.
func (t *Thread) MarkOutdatedIfStale(currentMD5 string) bool {
	if t.outdated.Load() {
		return true
	}
	if currentMD5 != t.md5 {
		t.outdated.Store(true)
	}
	return t.outdated.Load()
}

func (t *Thread) isOutdated() bool {
	return t.outdated.Load()
}

// Stop posts quit and waits for the event loop to exit (destructor
// semantics from spec §4.8).
func (t *Thread) Stop() {
	t.cancel()
	<-t.done
}
