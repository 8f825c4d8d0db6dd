// Package transport carries framed control-plane messages between peers.
// Each connection is a FIFO channel of tagged frames; inbound traffic and
// connection lifecycle changes are posted as events onto the owner's mailbox
// channel, so a single goroutine can consume both.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"varys"
)

type EventKind int

const (
	EventConnected EventKind = iota
	EventMessage
	EventDisconnected
)

// Event is one unit of mailbox input: an inbound message or a peer
// lifecycle change.
type Event struct {
	Conn *Conn
	Kind EventKind
	Msg  varys.Message
	Err  error // set on abnormal disconnects
}

// Conn is one framed message channel to a peer. Send is safe for concurrent
// use and preserves send order on the wire.
type Conn struct {
	nc net.Conn

	sendMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func newConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, closed: make(chan struct{})}
}

// Dial opens a connection to a peer. The connection delivers nothing until
// Start attaches it to a mailbox.
func Dial(addr varys.ServerAddress, timeout time.Duration) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", string(addr), timeout)
	if err != nil {
		return nil, varys.Error{Code: varys.ConnectivityError, Err: fmt.Sprintf("dial %v: %v", addr, err)}
	}
	return newConn(nc), nil
}

// Start spawns the read loop. Inbound messages and the final disconnect are
// posted to events in arrival order.
func (c *Conn) Start(events chan<- Event) {
	go c.readLoop(events)
}

func (c *Conn) readLoop(events chan<- Event) {
	var hdr [6]byte
	for {
		if _, err := io.ReadFull(c.nc, hdr[:]); err != nil {
			c.disconnect(events, err)
			return
		}
		frameLen := binary.BigEndian.Uint32(hdr[:4])
		tag := binary.BigEndian.Uint16(hdr[4:6])
		if frameLen < 2 || frameLen > varys.MaxFrameSize {
			c.disconnect(events, varys.Error{Code: varys.ProtocolError, Err: fmt.Sprintf("bad frame length %d", frameLen)})
			return
		}
		payload := make([]byte, frameLen-2)
		if _, err := io.ReadFull(c.nc, payload); err != nil {
			c.disconnect(events, err)
			return
		}
		m, err := varys.DecodeMessage(tag, payload)
		if err != nil {
			log.Errorf("protocol error from %v: %v", c.RemoteAddr(), err)
			c.disconnect(events, err)
			return
		}
		events <- Event{Conn: c, Kind: EventMessage, Msg: m}
	}
}

func (c *Conn) disconnect(events chan<- Event, err error) {
	wasOpen := c.markClosed()
	c.nc.Close()
	if err == io.EOF || !wasOpen {
		err = nil
	}
	events <- Event{Conn: c, Kind: EventDisconnected, Err: err}
}

// Send writes one framed message. Concurrent senders are serialized so frames
// never interleave.
func (c *Conn) Send(m varys.Message) error {
	payload, err := varys.EncodeMessage(m)
	if err != nil {
		return err
	}
	hdr := make([]byte, 6)
	binary.BigEndian.PutUint32(hdr[:4], uint32(len(payload)+2))
	binary.BigEndian.PutUint16(hdr[4:6], m.Tag())

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if _, err := c.nc.Write(hdr); err != nil {
		return varys.Error{Code: varys.ConnectivityError, Err: fmt.Sprintf("send to %v: %v", c.RemoteAddr(), err)}
	}
	if _, err := c.nc.Write(payload); err != nil {
		return varys.Error{Code: varys.ConnectivityError, Err: fmt.Sprintf("send to %v: %v", c.RemoteAddr(), err)}
	}
	return nil
}

func (c *Conn) markClosed() (wasOpen bool) {
	c.closeOnce.Do(func() {
		close(c.closed)
		wasOpen = true
	})
	return
}

// Close shuts the connection down. The read loop, if attached, observes a
// normal disconnect.
func (c *Conn) Close() {
	c.markClosed()
	c.nc.Close()
}

func (c *Conn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

func (c *Conn) LocalAddr() string {
	return c.nc.LocalAddr().String()
}

// Listener accepts inbound peers and wires each one to the given mailbox.
type Listener struct {
	l    net.Listener
	dead bool
}

// Listen starts accepting connections on addr. Every accepted peer produces
// an EventConnected followed by its message stream.
func Listen(addr varys.ServerAddress, events chan<- Event) (*Listener, error) {
	nl, err := net.Listen("tcp", string(addr))
	if err != nil {
		return nil, varys.Error{Code: varys.ConnectivityError, Err: fmt.Sprintf("listen %v: %v", addr, err)}
	}
	l := &Listener{l: nl}
	go func() {
		for {
			nc, err := nl.Accept()
			if err != nil {
				if !l.dead {
					log.Errorf("accept error on %v: %v", addr, err)
				}
				return
			}
			c := newConn(nc)
			events <- Event{Conn: c, Kind: EventConnected}
			c.Start(events)
		}
	}()
	return l, nil
}

// Addr is the bound listen address, useful with ephemeral ports.
func (l *Listener) Addr() varys.ServerAddress {
	return varys.ServerAddress(l.l.Addr().String())
}

// Port is the bound listen port.
func (l *Listener) Port() uint16 {
	return uint16(l.l.Addr().(*net.TCPAddr).Port)
}

func (l *Listener) Close() {
	l.dead = true
	l.l.Close()
}
