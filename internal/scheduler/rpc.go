// Package scheduler implements the JSON-RPC-shaped bridge to the
// external game-rule script engine described in spec §4.9: a
// length-prefixed codec over a pipe, with the server exposing
// "ServerMethods" and the script engine exposing "SchedulerMethods".
package scheduler

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sony/gobreaker"
)

// request is a single JSON-RPC-like call.
type request struct {
	ID     uint64 `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// response carries either a result or an error string.
type response struct {
	ID     uint64          `json:"id"`
	OK     bool            `json:"ok"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Transport is the length-prefixed wire framing shared by both
// directions of the pipe: a 4-byte big-endian length header followed
// by a JSON body.
type Transport struct {
	w io.Writer
	r *bufio.Reader

	mu sync.Mutex
}

// NewTransport wraps an already-connected pipe (or any
// io.ReadWriter) to the script engine process.
func NewTransport(rw io.ReadWriter) *Transport {
	return &Transport{w: rw, r: bufio.NewReader(rw)}
}

func (t *Transport) writeFrame(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling rpc frame: %w", err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body)))
	if _, err := t.w.Write(header[:]); err != nil {
		return fmt.Errorf("writing rpc header: %w", err)
	}
	if _, err := t.w.Write(body); err != nil {
		return fmt.Errorf("writing rpc body: %w", err)
	}
	return nil
}

func (t *Transport) readFrame(v any) error {
	var header [4]byte
	if _, err := io.ReadFull(t.r, header[:]); err != nil {
		return fmt.Errorf("reading rpc header: %w", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(t.r, body); err != nil {
		return fmt.Errorf("reading rpc body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("unmarshaling rpc frame: %w", err)
	}
	return nil
}

// ServeStub answers every inbound call over transport with ok:true and
// a null result, until the transport errors (pipe closed). It stands
// in for the script engine's SchedulerMethods surface in tests and in
// local development when no real script engine is configured.
func ServeStub(transport *Transport) error {
	for {
		var req request
		if err := transport.readFrame(&req); err != nil {
			return err
		}
		if err := transport.writeFrame(response{ID: req.ID, OK: true}); err != nil {
			return err
		}
	}
}

// Client calls server-implemented (ServerMethods) or
// scheduler-implemented (SchedulerMethods) RPCs over a Transport,
// wrapped in a circuit breaker so a wedged or crashed script engine
// degrades fast instead of hanging every room on the worker thread.
type Client struct {
	transport *Transport
	breaker   *gobreaker.CircuitBreaker
	nextID    atomic.Uint64
}

// NewClient builds a Client over transport. name distinguishes the
// breaker in logs/metrics when multiple worker threads each run one.
func NewClient(name string, transport *Transport) *Client {
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Client{transport: transport, breaker: gobreaker.NewCircuitBreaker(st)}
}

// Call issues method(params) and decodes the result into out (which
// may be nil to discard it).
func (c *Client) Call(method string, params []any, out any) error {
	result, err := c.breaker.Execute(func() (any, error) {
		id := c.nextID.Add(1)
		if err := c.transport.writeFrame(request{ID: id, Method: method, Params: params}); err != nil {
			return nil, err
		}
		var resp response
		if err := c.transport.readFrame(&resp); err != nil {
			return nil, err
		}
		if resp.ID != id {
			return nil, fmt.Errorf("rpc id mismatch: sent %d, got %d", id, resp.ID)
		}
		if !resp.OK {
			return nil, fmt.Errorf("rpc %s failed: %s", method, resp.Error)
		}
		return resp.Result, nil
	})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	raw, _ := result.(json.RawMessage)
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decoding rpc result for %s: %w", method, err)
	}
	return nil
}
