// Package listener implements the side-channel transport: a local
// connection-oriented endpoint receiving line-delimited JSON objects from
// scripts whose stdio is not captured, e.g. when Pester runs inside an
// interactive host under a debugger.
package listener

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/zjrosen/pestle/internal/log"
	"github.com/zjrosen/pestle/internal/pubsub"
)

// Listener accepts connections on a named local endpoint and fans every
// decoded object out to all subscribers. Objects are broadcast, not queued:
// each current subscriber receives each object.
type Listener struct {
	name   string
	broker *pubsub.Broker[json.RawMessage]

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]struct{}
	done  chan struct{}
}

// New creates a listener bound to the given name. The name maps to a pipe
// namespace on Windows and a socket in the temp directory elsewhere.
func New(name string) *Listener {
	return &Listener{
		name:   name,
		broker: pubsub.NewBroker[json.RawMessage](),
		conns:  make(map[net.Conn]struct{}),
		done:   make(chan struct{}),
	}
}

// NewWithGeneratedName creates a listener with a per-instance unique name,
// suitable for passing to the invoked script.
func NewWithGeneratedName() *Listener {
	return New("pestle-" + uuid.NewString())
}

// Name returns the endpoint name as passed to the script.
func (l *Listener) Name() string {
	return l.name
}

// Addr returns the dialable address of the endpoint.
func (l *Listener) Addr() string {
	return endpointAddr(l.name)
}

// Listen binds the endpoint and starts accepting connections.
// It returns once the endpoint is ready, or an error if the bind fails.
func (l *Listener) Listen() error {
	ln, err := listenEndpoint(l.name)
	if err != nil {
		return fmt.Errorf("binding side channel %s: %w", l.Addr(), err)
	}

	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	log.Info(log.CatListen, "side channel listening", "addr", l.Addr())
	go l.acceptLoop(ln)
	return nil
}

// Subscribe returns a channel receiving every object decoded from any
// connection. The subscription ends when ctx is cancelled or the listener
// is disposed.
func (l *Listener) Subscribe(ctx context.Context) <-chan pubsub.Event[json.RawMessage] {
	return l.broker.Subscribe(ctx)
}

// Dispose closes the endpoint and any open connections.
func (l *Listener) Dispose() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case <-l.done:
		return nil
	default:
	}
	close(l.done)

	var err error
	if l.ln != nil {
		err = l.ln.Close()
	}
	for conn := range l.conns {
		_ = conn.Close()
	}
	l.conns = nil
	l.broker.Close()
	return err
}

func (l *Listener) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.done:
			default:
				log.ErrorErr(log.CatListen, "accept failed", err, "addr", l.Addr())
			}
			return
		}

		l.mu.Lock()
		if l.conns == nil {
			l.mu.Unlock()
			_ = conn.Close()
			return
		}
		l.conns[conn] = struct{}{}
		l.mu.Unlock()

		go l.readConn(conn)
	}
}

// readConn reads one connection line by line, decoding each line as a JSON
// object. A malformed line is logged and skipped; the out-of-process host
// may interleave noise with records.
func (l *Listener) readConn(conn net.Conn) {
	defer func() {
		l.mu.Lock()
		if l.conns != nil {
			delete(l.conns, conn)
		}
		l.mu.Unlock()
		_ = conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !json.Valid(line) {
			log.Warn(log.CatListen, "skipping malformed side-channel line", "line", string(line))
			continue
		}
		raw := append(json.RawMessage(nil), line...)
		l.broker.Publish(pubsub.ObjectEvent, raw)
	}
	if err := scanner.Err(); err != nil {
		log.Debug(log.CatListen, "connection read error", "error", err)
	}
}
