// Package udp sends compass frames as JSON datagrams, one per update, for
// external displays on the local network.
package udp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"boussoled/internal/compass"
)

type udpConn interface {
	Write(p []byte) (int, error)
	Close() error
}

type resolveFunc func(network, address string) (*net.UDPAddr, error)
type dialFunc func(network string, laddr, raddr *net.UDPAddr) (udpConn, error)

type Broadcaster struct {
	dest string
	conn udpConn
	log  *slog.Logger

	mu     sync.Mutex
	sent   atomic.Uint64
	failed atomic.Uint64
}

func NewBroadcaster(dest string, logger *slog.Logger) (*Broadcaster, error) {
	b, err := newBroadcaster(dest, net.ResolveUDPAddr, func(network string, laddr, raddr *net.UDPAddr) (udpConn, error) {
		return net.DialUDP(network, laddr, raddr)
	})
	if err != nil {
		return nil, err
	}
	if logger != nil {
		b.log = logger.With(slog.String("component", "udp"), slog.String("dest", dest))
	}
	return b, nil
}

func newBroadcaster(dest string, resolve resolveFunc, dial dialFunc) (*Broadcaster, error) {
	addr, err := resolve("udp", dest)
	if err != nil {
		return nil, fmt.Errorf("resolve dest: %w", err)
	}
	// DialUDP selects a suitable local address automatically.
	conn, err := dial("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dial udp: %w", err)
	}
	return &Broadcaster{dest: dest, conn: conn}, nil
}

func (b *Broadcaster) Send(payload []byte) error {
	if len(payload) == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.conn.Write(payload)
	return err
}

// Publish sends f as one JSON datagram. Send failures are counted and
// logged, never returned: a missing listener must not stall the compass.
func (b *Broadcaster) Publish(f compass.Frame) {
	payload, err := json.Marshal(f)
	if err == nil {
		err = b.Send(payload)
	}
	if err != nil {
		if b.failed.Add(1) == 1 && b.log != nil {
			b.log.Warn("udp send failed", slog.String("error", err.Error()))
		}
		return
	}
	b.sent.Add(1)
}

// Stats returns the number of sent and failed datagrams.
func (b *Broadcaster) Stats() (sent, failed uint64) {
	return b.sent.Load(), b.failed.Load()
}

func (b *Broadcaster) Close() error {
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}
