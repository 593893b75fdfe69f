package stream

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"venueflow/config"
	"venueflow/logger"
)

// State is the connection lifecycle state of a Client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateFaulted
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFaulted:
		return "faulted"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Subscription identifies one stream of venue data.
type Subscription struct {
	Channel    string
	Instrument string
}

// Key is the routing key subscribe frames and inbound data are matched on.
func (s Subscription) Key() string {
	return s.Channel + ":" + s.Instrument
}

// Message is one inbound payload delivered to a subscription's consumer.
type Message struct {
	Subscription Subscription
	Payload      []byte
	Received     time.Time
}

// StateChange is published on the state observer channel on every
// transition.
type StateChange struct {
	From   State
	To     State
	ConnID string
	At     time.Time
}

var errPongTimeout = errors.New("keep-alive pong timeout")

type sink struct {
	sub     Subscription
	ch      chan Message
	acked   bool
	dropped uint64
}

// Client maintains one streaming connection to the venue. Subscriptions
// registered while disconnected are queued and sent on connect; after a
// transport drop they are replayed in registration order, and data is not
// delivered to a subscription until the venue acknowledges it again.
type Client struct {
	cfg    config.StreamConfig
	url    string
	dialer Dialer
	proto  Protocol
	log    *logger.Entry

	mu      sync.Mutex
	state   State
	subs    []*sink
	index   map[string]*sink
	conn    Conn
	connID  string
	started bool
	closed  bool

	writeMu sync.Mutex

	stateCh chan StateChange
	errCh   chan error

	lastPong int64

	rngMu sync.Mutex
	rng   *rand.Rand

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewClient(url string, dialer Dialer, proto Protocol, cfg config.StreamConfig, log *logger.Log) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:     cfg,
		url:     url,
		dialer:  dialer,
		proto:   proto,
		log:     log.WithComponent("stream"),
		state:   StateDisconnected,
		index:   make(map[string]*sink),
		stateCh: make(chan StateChange, 16),
		errCh:   make(chan error, 16),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect starts the connection loop. Calling it again while the loop is
// running is a no-op.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return &ClosedError{}
	}
	if c.started {
		return nil
	}
	c.started = true
	c.wg.Add(1)
	go c.run()
	return nil
}

// Close shuts the client down and closes every subscription channel.
// Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close()
	}
	c.wg.Wait()

	c.mu.Lock()
	from := c.state
	c.state = StateClosed
	c.notifyState(from, StateClosed, c.connID)
	for _, s := range c.subs {
		close(s.ch)
	}
	c.subs = nil
	c.index = make(map[string]*sink)
	c.mu.Unlock()
	return nil
}

// Subscribe registers a subscription and returns its delivery channel.
// When the client is connected the subscribe frame is sent immediately;
// otherwise it is sent on the next successful connect.
func (c *Client) Subscribe(channel, instrument string) (<-chan Message, error) {
	sub := Subscription{Channel: channel, Instrument: instrument}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, &ClosedError{}
	}
	if existing := c.index[sub.Key()]; existing != nil {
		c.mu.Unlock()
		return existing.ch, nil
	}
	s := &sink{sub: sub, ch: make(chan Message, c.cfg.SubscriptionDepth)}
	c.subs = append(c.subs, s)
	c.index[sub.Key()] = s
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	if connected && conn != nil {
		if err := c.sendSubscribe(conn, sub); err != nil {
			// The read loop notices the broken transport and replays
			// every registered subscription on reconnect.
			c.log.WithError(err).WithField("subscription", sub.Key()).Warn("subscribe frame failed")
		}
	}
	return s.ch, nil
}

// Unsubscribe removes a subscription and closes its delivery channel.
func (c *Client) Unsubscribe(channel, instrument string) error {
	sub := Subscription{Channel: channel, Instrument: instrument}

	c.mu.Lock()
	s := c.index[sub.Key()]
	if s == nil {
		c.mu.Unlock()
		return nil
	}
	delete(c.index, sub.Key())
	for i, cand := range c.subs {
		if cand == s {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			break
		}
	}
	conn := c.conn
	connected := c.state == StateConnected
	c.mu.Unlock()

	close(s.ch)

	if connected && conn != nil {
		frame, err := c.proto.UnsubscribeFrame(sub)
		if err != nil {
			return err
		}
		c.writeMu.Lock()
		err = conn.Write(frame)
		c.writeMu.Unlock()
		if err != nil {
			c.log.WithError(err).WithField("subscription", sub.Key()).Warn("unsubscribe frame failed")
		}
	}
	return nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StateChanges is the state observer channel. Events are dropped if the
// observer falls behind.
func (c *Client) StateChanges() <-chan StateChange {
	return c.stateCh
}

// Errors surfaces transport drops and the terminal FaultedError. Events
// are dropped if the observer falls behind.
func (c *Client) Errors() <-chan error {
	return c.errCh
}

// Dropped reports how many messages were discarded for a subscription
// because its consumer fell behind.
func (c *Client) Dropped(channel, instrument string) uint64 {
	sub := Subscription{Channel: channel, Instrument: instrument}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s := c.index[sub.Key()]; s != nil {
		return atomic.LoadUint64(&s.dropped)
	}
	return 0
}

func (c *Client) run() {
	defer c.wg.Done()

	attempts := 0
	for {
		if c.ctx.Err() != nil {
			return
		}
		if attempts == 0 {
			c.transition(StateConnecting)
		}

		conn, err := c.dialer.Dial(c.ctx, c.url)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.WithError(err).WithField("url", c.url).Warn("failed to connect")
			if c.retryOrFault(&attempts, err) {
				return
			}
			continue
		}

		connID := uuid.NewString()
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.connID = connID
		for _, s := range c.subs {
			s.acked = false
		}
		c.mu.Unlock()

		if err := c.resubscribe(conn); err != nil {
			c.log.WithError(err).WithField("conn_id", connID).Warn("subscription replay failed")
			conn.Close()
			c.clearConn()
			if c.retryOrFault(&attempts, err) {
				return
			}
			continue
		}

		c.transition(StateConnected)
		attempts = 0
		c.log.WithFields(logger.Fields{"url": c.url, "conn_id": connID}).Info("stream connected")

		err = c.session(conn)
		conn.Close()
		c.clearConn()

		if c.ctx.Err() != nil {
			return
		}
		c.log.WithError(err).WithField("conn_id", connID).Warn("stream connection dropped")
		if c.retryOrFault(&attempts, err) {
			return
		}
	}
}

// retryOrFault counts a failed attempt, transitions to Reconnecting and
// sleeps the backoff, or to Faulted once the attempt budget is exhausted.
// It returns true when the connection loop must stop.
func (c *Client) retryOrFault(attempts *int, cause error) bool {
	*attempts++
	logger.IncrementReconnect()
	c.notifyErr(cause)

	if c.cfg.MaxReconnects > 0 && *attempts > c.cfg.MaxReconnects {
		ferr := &FaultedError{Attempts: *attempts, LastErr: cause}
		c.transition(StateFaulted)
		c.notifyErr(ferr)
		c.log.WithError(ferr).Error("reconnect budget exhausted")
		c.log.LogMetric("stream", "stream_faulted", *attempts, "count", logger.Fields{"url": c.url})
		return true
	}

	c.transition(StateReconnecting)
	delay := c.backoffDelay(*attempts)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	d := float64(c.cfg.ReconnectBase) * math.Pow(2, float64(attempt-1))
	if maxd := float64(c.cfg.ReconnectMax); d > maxd {
		d = maxd
	}
	half := d / 2
	c.rngMu.Lock()
	jittered := half + c.rng.Float64()*half
	c.rngMu.Unlock()
	return time.Duration(jittered)
}

// resubscribe replays every registered subscription in registration order.
func (c *Client) resubscribe(conn Conn) error {
	c.mu.Lock()
	subs := make([]Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s.sub)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		if err := c.sendSubscribe(conn, sub); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) sendSubscribe(conn Conn, sub Subscription) error {
	frame, err := c.proto.SubscribeFrame(sub)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.Write(frame)
}

// session runs the read and keep-alive loops for one live connection and
// returns the error that ended it.
func (c *Client) session(conn Conn) error {
	atomic.StoreInt64(&c.lastPong, time.Now().UnixNano())
	conn.SetPongHandler(c.notePong)

	readErr := make(chan error, 1)
	go func() {
		for {
			raw, err := conn.Read()
			if err != nil {
				readErr <- err
				return
			}
			logger.IncrementStreamRead()
			c.dispatch(raw)
		}
	}()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		case err := <-readErr:
			return err
		case <-ticker.C:
			last := time.Unix(0, atomic.LoadInt64(&c.lastPong))
			if time.Since(last) > c.cfg.PingInterval+c.cfg.PongTimeout {
				return errPongTimeout
			}
			if err := conn.Ping(time.Now().Add(writeDeadline)); err != nil {
				return err
			}
		}
	}
}

func (c *Client) notePong() {
	atomic.StoreInt64(&c.lastPong, time.Now().UnixNano())
}

func (c *Client) dispatch(raw []byte) {
	frame := c.proto.Classify(raw)
	switch frame.Kind {
	case FramePong:
		c.notePong()
	case FrameAck:
		c.mu.Lock()
		if frame.Key == "" {
			// Some venues acknowledge without echoing the topic.
			for _, s := range c.subs {
				s.acked = true
			}
		} else if s := c.index[frame.Key]; s != nil {
			s.acked = true
		}
		c.mu.Unlock()
	case FrameData:
		c.deliver(frame)
	}
}

// deliver routes a data frame to its subscription without ever blocking
// the read loop. A full consumer buffer drops its oldest message.
func (c *Client) deliver(frame Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.index[frame.Key]
	if s == nil || !s.acked {
		return
	}
	msg := Message{Subscription: s.sub, Payload: frame.Payload, Received: time.Now()}
	select {
	case s.ch <- msg:
	default:
		select {
		case <-s.ch:
			atomic.AddUint64(&s.dropped, 1)
		default:
		}
		select {
		case s.ch <- msg:
		default:
		}
	}
}

func (c *Client) clearConn() {
	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()
}

func (c *Client) transition(to State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == to || c.state == StateClosed {
		return
	}
	from := c.state
	c.state = to
	c.notifyState(from, to, c.connID)
}

// notifyState requires c.mu held.
func (c *Client) notifyState(from, to State, connID string) {
	change := StateChange{From: from, To: to, ConnID: connID, At: time.Now()}
	select {
	case c.stateCh <- change:
	default:
	}
}

func (c *Client) notifyErr(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}
