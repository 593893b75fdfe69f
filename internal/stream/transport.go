package stream

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

const writeDeadline = time.Second

// Conn is a single live streaming connection. Read blocks until the next
// inbound frame or a transport failure; pong notifications arrive through
// the handler installed with SetPongHandler.
type Conn interface {
	Read() ([]byte, error)
	Write(data []byte) error
	Ping(deadline time.Time) error
	SetPongHandler(fn func())
	Close() error
}

// Dialer opens connections. The production implementation dials a
// websocket endpoint; tests substitute an in-memory transport.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// FrameKind classifies an inbound frame for the dispatch loop.
type FrameKind int

const (
	FrameData FrameKind = iota
	FrameAck
	FramePong
	FrameIgnore
)

// Frame is a classified inbound frame. Key routes FrameData to its
// subscription and identifies the subscription a FrameAck confirms.
type Frame struct {
	Kind    FrameKind
	Key     string
	Payload []byte
}

// Protocol builds the venue's wire frames and classifies inbound ones.
// Each venue adapter supplies its own implementation.
type Protocol interface {
	SubscribeFrame(sub Subscription) ([]byte, error)
	UnsubscribeFrame(sub Subscription) ([]byte, error)
	Classify(raw []byte) Frame
}

type wsDialer struct{}

// NewWebsocketDialer returns a Dialer backed by gorilla/websocket.
func NewWebsocketDialer() Dialer {
	return &wsDialer{}
}

func (d *wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

func (c *wsConn) Read() ([]byte, error) {
	_, msg, err := c.conn.ReadMessage()
	return msg, err
}

func (c *wsConn) Write(data []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Ping(deadline time.Time) error {
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

func (c *wsConn) SetPongHandler(fn func()) {
	c.conn.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
