// Package netio hosts the TCP acceptor and UDP discovery responder
// described in spec §4.3: a dedicated goroutine runs both, handing
// accepted sockets to the main reactor via a callback.
package netio

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
)

// NewConnFunc is invoked on its own goroutine for every accepted TCP
// connection, so the accept loop never waits on it.
type NewConnFunc func(net.Conn)

// Acceptor owns the TCP listener and UDP discovery socket.
type Acceptor struct {
	listener  *net.TCPListener
	udpConn   *net.UDPConn
	onNewConn NewConnFunc
	discovery DiscoveryResponder
	logger    *zap.Logger
}

// Listen binds both the TCP and UDP sockets to addr (default port
// 9527 per spec §6).
func Listen(addr string, onNewConn NewConnFunc, discovery DiscoveryResponder, logger *zap.Logger) (*Acceptor, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolving tcp addr %s: %w", addr, err)
	}
	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("resolving udp addr %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		listener.Close()
		return nil, fmt.Errorf("listening on udp %s: %w", addr, err)
	}

	return &Acceptor{listener: listener, udpConn: udpConn, onNewConn: onNewConn, discovery: discovery, logger: logger}, nil
}

// Run blocks, serving both sockets until ctx is canceled.
func (a *Acceptor) Run(ctx context.Context) error {
	go a.runUDP(ctx)
	return a.runTCP(ctx)
}

func (a *Acceptor) runTCP(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		a.listener.Close()
	}()
	for {
		conn, err := a.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			a.logger.Error("tcp accept failed", zap.Error(err))
			continue
		}
		go a.onNewConn(conn)
	}
}

func (a *Acceptor) runUDP(ctx context.Context) {
	go func() {
		<-ctx.Done()
		a.udpConn.Close()
	}()
	buf := make([]byte, 1500)
	for {
		n, remote, err := a.udpConn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			a.logger.Error("udp read failed", zap.Error(err))
			continue
		}
		reply, ok := a.discovery.Respond(buf[:n])
		if !ok {
			continue
		}
		if _, err := a.udpConn.WriteToUDP(reply, remote); err != nil {
			a.logger.Warn("udp reply failed", zap.Error(err), zap.Stringer("remote", remote))
		}
	}
}

// Close shuts down both sockets immediately.
func (a *Acceptor) Close() error {
	tcpErr := a.listener.Close()
	udpErr := a.udpConn.Close()
	if tcpErr != nil {
		return tcpErr
	}
	return udpErr
}
