package workerpool

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/freekill-go/serverd/internal/room"
	"github.com/freekill-go/serverd/internal/scheduler"
)

// ThreadFactory creates the transport+client pair for a freshly
// spawned worker thread, e.g. launching a script-engine subprocess and
// wrapping its stdio pipe. Kept as a hook so Pool never depends on
// os/exec details.
type ThreadFactory func(threadID int64) (*scheduler.Client, error)

// Pool implements spec §4.8's getAvailableThread: the first thread
// that is neither outdated nor full, otherwise a freshly created one.
type Pool struct {
	mu      sync.Mutex
	threads []*Thread

	nextID  atomic.Int64
	factory ThreadFactory
	logger  *zap.Logger
}

// NewPool builds an empty Pool. factory is invoked (outside the pool's
// lock) whenever a new thread must be created.
func NewPool(factory ThreadFactory, logger *zap.Logger) *Pool {
	return &Pool{factory: factory, logger: logger}
}

// GetAvailableThread returns the first thread that is not outdated and
// not full; otherwise it creates one, snapshotting currentMD5. Returns
// a room.Forwarder alongside the id so callers (room.Handlers) never
// need to import workerpool directly for the Forward call.
func (p *Pool) GetAvailableThread(currentMD5 string) (int64, room.Forwarder, error) {
	p.mu.Lock()
	for _, t := range p.threads {
		if !t.MarkOutdatedIfStale(currentMD5) && !t.isFull() {
			t.IncreaseRoomCount()
			p.mu.Unlock()
			return t.ID(), t, nil
		}
	}
	p.mu.Unlock()

	id := p.nextID.Add(1)
	client, err := p.factory(id)
	if err != nil {
		return 0, nil, err
	}
	t := NewThread(id, defaultCapacity, currentMD5, client, p.logger)
	t.IncreaseRoomCount()

	p.mu.Lock()
	p.threads = append(p.threads, t)
	p.mu.Unlock()

	return t.ID(), t, nil
}

// MarkAllOutdated flags every thread against the server's new content
// md5 (spec §4.11 "refreshMd5": "flag outdated threads").
func (p *Pool) MarkAllOutdated(currentMD5 string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.threads {
		t.MarkOutdatedIfStale(currentMD5)
	}
}

// ReapIdle stops and removes every thread whose room count has reached
// zero (spec §4.8/§4.11: "reap worker threads whose refcount is zero").
func (p *Pool) ReapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.threads[:0]
	for _, t := range p.threads {
		if t.roomCount.Load() == 0 {
			t.Stop()
			continue
		}
		kept = append(kept, t)
	}
	p.threads = kept
}

// Client returns the scheduler RPC client for threadID, for callers
// (serverfacade's scheduler.ServerMethods implementation) that need to
// call back into that thread's script engine, e.g. to wake it via
// ResumeRoom for a request-timer expiry.
func (p *Pool) Client(threadID int64) (*scheduler.Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.threads {
		if t.ID() == threadID {
			return t.client, true
		}
	}
	return nil, false
}

// ReleaseRoom drops threadID's room count by one, called once a room
// assigned to it is abandoned and erased (spec §4.8 m_ref_count).
func (p *Pool) ReleaseRoom(threadID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.threads {
		if t.ID() == threadID {
			t.DecreaseRoomCount()
			return
		}
	}
}

// ThreadCount returns the current number of live threads.
func (p *Pool) ThreadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads)
}

// StopAll shuts down every thread and empties the pool.
func (p *Pool) StopAll() {
	p.mu.Lock()
	threads := p.threads
	p.threads = nil
	p.mu.Unlock()
	for _, t := range threads {
		t.Stop()
	}
}
