package router

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/freekill-go/serverd/internal/wire"
)

func TestRouter_SendRequestThenReplyWakesWaiter(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var sent []wire.Packet
	r := New(func(p wire.Packet) error {
		mu.Lock()
		sent = append(sent, p)
		mu.Unlock()
		return nil
	})

	id, err := r.SendRequest(wire.SrcServer|wire.DestClient, "PlayCard", []byte{0x01}, 15)
	require.NoError(t, err)

	done := make(chan struct{})
	var data []byte
	var sentinel string
	go func() {
		data, sentinel = r.WaitForReply(2 * time.Second)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	r.Receive(wire.NewReply(id, wire.SrcClient|wire.DestServer, "PlayCard", []byte{0xa0}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForReply did not return")
	}

	assert.Empty(t, sentinel)
	assert.Equal(t, []byte{0xa0}, data)
}

func TestRouter_WaitForReplyTimesOutToNotReady(t *testing.T) {
	t.Parallel()
	r := New(func(wire.Packet) error { return nil })

	_, err := r.SendRequest(wire.SrcServer|wire.DestClient, "PlayCard", nil, 15)
	require.NoError(t, err)

	start := time.Now()
	data, sentinel := r.WaitForReply(50 * time.Millisecond)
	elapsed := time.Since(start)

	assert.Nil(t, data)
	assert.Equal(t, SentinelNotReady, sentinel)
	assert.Less(t, elapsed, 200*time.Millisecond, "P3: returns within T+epsilon")
}

func TestRouter_CancelReleasesWaiterWithCancelSentinel(t *testing.T) {
	t.Parallel()
	r := New(func(wire.Packet) error { return nil })

	_, err := r.SendRequest(wire.SrcServer|wire.DestClient, "PlayCard", nil, 15)
	require.NoError(t, err)

	done := make(chan struct{})
	var sentinel string
	go func() {
		_, sentinel = r.WaitForReply(2 * time.Second)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancelAt := time.Now()
	r.Cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForReply did not return after Cancel")
	}
	assert.Equal(t, SentinelCancel, sentinel)
	assert.Less(t, time.Since(cancelAt), time.Second, "cancel wakes the waiter promptly")
}

func TestRouter_AtMostOneOutstandingRequest(t *testing.T) {
	t.Parallel()
	r := New(func(wire.Packet) error { return nil })

	id1, err := r.SendRequest(wire.SrcServer|wire.DestClient, "A", nil, 15)
	require.NoError(t, err)

	// A stray reply to the first id after a new request replaces it
	// must not be delivered (P2: after a fresh request, only its id matches).
	id2, err := r.SendRequest(wire.SrcServer|wire.DestClient, "B", nil, 15)
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	r.Receive(wire.NewReply(id1, wire.SrcClient|wire.DestServer, "A", []byte{0x00}))
	data, sentinel := r.WaitForReply(50 * time.Millisecond)
	assert.Equal(t, SentinelNotReady, sentinel, "stale reply for a superseded request must not satisfy the new one")
	assert.Nil(t, data)
}

func TestRouter_ReplyAfterDeadlineIsDropped(t *testing.T) {
	t.Parallel()
	r := New(func(wire.Packet) error { return nil })

	id, err := r.SendRequest(wire.SrcServer|wire.DestClient, "PlayCard", nil, 0)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	r.Receive(wire.NewReply(id, wire.SrcClient|wire.DestServer, "PlayCard", []byte{0x01}))

	data, sentinel := r.WaitForReply(50 * time.Millisecond)
	assert.Equal(t, SentinelNotReady, sentinel)
	assert.Nil(t, data)
}

func TestRouter_NotificationAndRequestCallbacks(t *testing.T) {
	t.Parallel()
	r := New(func(wire.Packet) error { return nil })

	var gotNotify, gotRequest wire.Packet
	r.OnNotification(func(p wire.Packet) { gotNotify = p })
	r.OnRequest(func(p wire.Packet) { gotRequest = p })

	r.Receive(wire.NewNotification(wire.SrcClient|wire.DestServer, "Chat", []byte{0x01}))
	r.Receive(wire.NewRequest(5, wire.SrcClient|wire.DestServer, "Heartbeat", nil, 30, 0))

	assert.Equal(t, "Chat", gotNotify.Command)
	assert.Equal(t, "Heartbeat", gotRequest.Command)

	require.NoError(t, r.Reply(5, wire.SrcServer|wire.DestClient, "Heartbeat", nil))
}
