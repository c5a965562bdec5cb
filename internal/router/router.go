// Package router implements the per-connection request/reply/notify
// router described in spec §4.2.
package router

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/freekill-go/serverd/internal/wire"
)

// Sentinel reply values returned by WaitForReply.
const (
	SentinelNotReady = "__notready"
	SentinelCancel   = "__cancel"
)

// nextRequestID is process-wide and monotonic, wrapping at 10^7 back to
// 1, per spec §4.2.
var nextRequestID int64

func allocateRequestID() int64 {
	for {
		id := atomic.AddInt64(&nextRequestID, 1)
		id = ((id - 1) % 10_000_000) + 1
		return id
	}
}

// Sender is the minimal outbound surface a Router needs; *wire.FrameReader's
// sibling on the write side is any io.Writer wrapped by wire.WriteFrame,
// but Router takes a function so tests can substitute an in-memory sink.
type Sender func(wire.Packet) error

// Router owns the single outstanding request slot for one connection,
// matching replies by id and deadline, and dispatching notifications and
// inbound requests to caller-supplied callbacks.
type Router struct {
	send Sender

	mu              sync.Mutex
	expectedReplyID int64
	hasExpected     bool
	sentAt          time.Time
	replyDeadline   time.Duration
	replyCh         chan replyResult
	secondary       chan struct{}

	// Stashed so a later call to Reply can echo the correct metadata.
	requestTimeout   int64
	requestTimestamp int64

	onNotification func(wire.Packet)
	onRequest      func(wire.Packet)
}

type replyResult struct {
	data    []byte
	kind    int // 0 = value, 1 = notready, 2 = cancel
}

const (
	replyKindValue    = 0
	replyKindNotReady = 1
	replyKindCancel   = 2
)

// New creates a Router that writes outbound frames via send.
func New(send Sender) *Router {
	return &Router{send: send}
}

// OnNotification registers the callback invoked for inbound notifications.
func (r *Router) OnNotification(fn func(wire.Packet)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onNotification = fn
}

// OnRequest registers the callback invoked for inbound requests (the
// client acting as requester, server as replier — e.g. Heartbeat echo).
func (r *Router) OnRequest(fn func(wire.Packet)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRequest = fn
}

// RegisterSecondary installs a second channel that is also signaled when
// a reply arrives, so a second coordinator (e.g. a room's request timer)
// can wake alongside the primary waiter (spec §4.2).
func (r *Router) RegisterSecondary(ch chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.secondary = ch
}

// SendNotify fire-and-forgets a notification frame.
func (r *Router) SendNotify(typeBits int, command string, data []byte) error {
	p := wire.NewNotification(typeBits, command, data)
	return r.send(p)
}

// SendRequest allocates a fresh request id, records the expected reply
// deadline, sends the frame, and returns the id the caller must pass to
// WaitForReply. At most one outstanding request may exist per Router
// (spec §4.2, P2); calling SendRequest while one is outstanding replaces
// it, matching "Cancel: drop the expected id" semantics for the old one.
func (r *Router) SendRequest(typeBits int, command string, data []byte, timeoutSeconds int64) (int64, error) {
	id := allocateRequestID()
	now := time.Now()

	r.mu.Lock()
	r.cancelLocked()
	r.expectedReplyID = id
	r.hasExpected = true
	r.sentAt = now
	r.replyDeadline = time.Duration(timeoutSeconds) * time.Second
	r.replyCh = make(chan replyResult, 1)
	r.mu.Unlock()

	p := wire.NewRequest(id, typeBits, command, data, timeoutSeconds, now.UnixMilli())
	if err := r.send(p); err != nil {
		r.mu.Lock()
		r.clearExpectedLocked(id)
		r.mu.Unlock()
		return 0, fmt.Errorf("sending request %q: %w", command, err)
	}
	return id, nil
}

// WaitForReply blocks the caller until a matching reply arrives, the
// connection is canceled, or timeout elapses (spec §4.2, P3). It
// returns the reply payload, or the sentinel strings via ok=false paths
// represented here as distinguishable return values.
func (r *Router) WaitForReply(timeout time.Duration) ([]byte, string) {
	r.mu.Lock()
	ch := r.replyCh
	r.mu.Unlock()

	if ch == nil {
		return nil, SentinelNotReady
	}

	select {
	case res := <-ch:
		switch res.kind {
		case replyKindCancel:
			return nil, SentinelCancel
		case replyKindNotReady:
			return nil, SentinelNotReady
		default:
			return res.data, ""
		}
	case <-time.After(timeout):
		return nil, SentinelNotReady
	}
}

// Cancel drops any expected reply id and releases a waiter with
// SentinelCancel, used when the underlying connection dies.
func (r *Router) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelLocked()
}

func (r *Router) cancelLocked() {
	if !r.hasExpected {
		return
	}
	r.hasExpected = false
	if r.replyCh != nil {
		select {
		case r.replyCh <- replyResult{kind: replyKindCancel}:
		default:
		}
	}
	r.signalSecondaryLocked()
}

func (r *Router) clearExpectedLocked(id int64) {
	if r.hasExpected && r.expectedReplyID == id {
		r.hasExpected = false
	}
}

func (r *Router) signalSecondaryLocked() {
	if r.secondary == nil {
		return
	}
	select {
	case r.secondary <- struct{}{}:
	default:
	}
}

// Receive dispatches one inbound packet: replies are matched against the
// expected id and arrival deadline; requests and notifications invoke
// their registered callbacks. Replies that don't match the single
// outstanding request, or that arrive after replyTimeout has elapsed,
// are silently dropped (spec §4.2).
func (r *Router) Receive(p wire.Packet) {
	switch {
	case p.IsReply():
		r.handleReply(p)
	case p.IsRequest():
		r.mu.Lock()
		r.requestTimeout = p.Timeout
		r.requestTimestamp = p.Timestamp
		cb := r.onRequest
		r.mu.Unlock()
		if cb != nil {
			cb(p)
		}
	default: // notification
		r.mu.Lock()
		cb := r.onNotification
		r.mu.Unlock()
		if cb != nil {
			cb(p)
		}
	}
}

func (r *Router) handleReply(p wire.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.hasExpected || p.RequestID != r.expectedReplyID {
		return
	}
	if time.Since(r.sentAt) > r.replyDeadline {
		return
	}

	r.hasExpected = false
	if r.replyCh != nil {
		select {
		case r.replyCh <- replyResult{data: p.Data}:
		default:
		}
	}
	r.signalSecondaryLocked()
}

// Reply sends a reply frame, echoing the timeout/timestamp metadata
// stashed from the matching inbound request (spec §4.2).
func (r *Router) Reply(requestID int64, typeBits int, command string, data []byte) error {
	p := wire.NewReply(requestID, typeBits, command, data)
	return r.send(p)
}
