// Package wsclient keeps one long-lived websocket session, optionally tunneled
// through an HTTP proxy, and dispatches its events to registered handlers.
package wsclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"depthflow/logger"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

type State int32

const (
	Connecting State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Message is one data frame read from the session.
type Message struct {
	Type       int
	Data       []byte
	ReceivedAt time.Time
}

func (m Message) Text() string {
	return string(m.Data)
}

// CloseEvent describes how a session ended. Local is true when Close was
// called before the session ended. Err is set when the close handshake did
// not complete cleanly.
type CloseEvent struct {
	Code   int
	Reason string
	Local  bool
	Err    error
}

type (
	OpenHandler    func(ctx context.Context, c *Client)
	MessageHandler func(ctx context.Context, msg Message) error
	ErrorHandler   func(ctx context.Context, err error)
	CloseHandler   func(ctx context.Context, ev CloseEvent)
)

// Client is a connected websocket session. Handlers run on the session's own
// goroutine, one at a time, in frame order.
type Client struct {
	id   string
	url  string
	conn *websocket.Conn
	opts options
	log  *logger.Entry

	state atomic.Int32

	onOpen    atomic.Pointer[OpenHandler]
	onMessage atomic.Pointer[MessageHandler]
	onError   atomic.Pointer[ErrorHandler]
	onClose   atomic.Pointer[CloseHandler]

	writeMu     sync.Mutex
	forced      atomic.Bool
	ctx         context.Context
	cancel      context.CancelFunc
	done        chan struct{}
	closeTimerM sync.Mutex
	closeTimer  *time.Timer
}

// Connect dials rawURL, through proxy when it is non-empty, and performs the
// websocket handshake. On success onOpen runs once before the first frame is
// read. On failure no handler runs and the error is a *ConnectError or a
// *HandshakeError.
func Connect(ctx context.Context, rawURL, proxy string, onOpen OpenHandler, opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return nil, &ConnectError{Op: "parse", Addr: rawURL, Err: ErrInvalidAddress}
	}

	c := &Client{
		id:   uuid.NewString(),
		url:  rawURL,
		opts: o,
		done: make(chan struct{}),
	}
	c.log = o.log.WithFields(logger.Fields{"session_id": c.id, "url": rawURL})
	c.state.Store(int32(Connecting))

	netDialer := &net.Dialer{LocalAddr: o.localAddr, KeepAlive: 30 * time.Second}
	var (
		dialed  bool
		dialErr error
	)
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := DialTunnel(ctx, netDialer, addr, proxy)
			if err != nil {
				dialErr = err
				return nil, err
			}
			dialed = true
			return conn, nil
		},
		HandshakeTimeout:  o.handshakeTimeout,
		EnableCompression: false,
	}

	start := time.Now()
	conn, resp, err := dialer.DialContext(ctx, rawURL, o.header)
	if err != nil {
		if dialErr != nil {
			c.log.WithError(dialErr).Warn("websocket connect failed")
			return nil, dialErr
		}
		if !dialed {
			return nil, &ConnectError{Op: "dial", Addr: u.Host, Err: err}
		}
		herr := &HandshakeError{URL: rawURL, Err: err}
		if resp != nil {
			herr.StatusCode = resp.StatusCode
		}
		c.log.WithError(herr).Warn("websocket handshake failed")
		return nil, herr
	}

	if o.readLimit > 0 {
		conn.SetReadLimit(o.readLimit)
	}
	c.conn = conn
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if o.onMessage != nil {
		c.OnMessage(o.onMessage)
	}
	if o.onError != nil {
		c.OnError(o.onError)
	}
	if o.onClose != nil {
		c.OnClose(o.onClose)
	}
	if onOpen != nil {
		c.OnOpen(onOpen)
	}

	c.state.Store(int32(Open))
	logger.LogPerformanceEntry(c.log, "ws_client", "connect", time.Since(start), logger.Fields{"proxied": proxy != ""})

	if h := c.onOpen.Load(); h != nil && *h != nil {
		(*h)(c.ctx, c)
	}

	go c.run()
	if o.pingInterval > 0 {
		go c.pingLoop(o.pingInterval)
	}
	return c, nil
}

func (c *Client) ID() string { return c.id }

func (c *Client) URL() string { return c.url }

func (c *Client) State() State { return State(c.state.Load()) }

// OnOpen replaces the open handler. The open handler only runs during
// Connect, so a later registration has no effect on the live session.
func (c *Client) OnOpen(h OpenHandler) { c.onOpen.Store(&h) }

func (c *Client) OnMessage(h MessageHandler) { c.onMessage.Store(&h) }

func (c *Client) OnError(h ErrorHandler) { c.onError.Store(&h) }

func (c *Client) OnClose(h CloseHandler) { c.onClose.Store(&h) }

// Send writes text as one text frame.
func (c *Client) Send(ctx context.Context, text string) error {
	if c.State() != Open {
		return &SendError{Op: "write", Err: ErrNotOpen}
	}
	if c.opts.limiter != nil {
		if err := c.opts.limiter.Wait(ctx); err != nil {
			return &SendError{Op: "rate limit", Err: err}
		}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.State() != Open {
		return &SendError{Op: "write", Err: ErrNotOpen}
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		return &SendError{Op: "write", Err: err}
	}
	return nil
}

// Close starts the close handshake and returns without waiting for it. Only
// the first call has an effect.
func (c *Client) Close() error {
	if !c.state.CompareAndSwap(int32(Open), int32(Closing)) {
		return nil
	}
	c.log.Info("closing websocket")

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.opts.writeTimeout))
	// ErrCloseSent: the read loop already answered the peer's close frame.
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.conn.Close()
		return &SendError{Op: "close", Err: err}
	}

	if c.opts.closeTimeout > 0 {
		c.closeTimerM.Lock()
		c.closeTimer = time.AfterFunc(c.opts.closeTimeout, c.forceClose)
		c.closeTimerM.Unlock()
	}
	return nil
}

func (c *Client) forceClose() {
	select {
	case <-c.done:
		return
	default:
	}
	c.log.WithField("close_timeout", c.opts.closeTimeout.String()).Warn("peer did not answer close, dropping connection")
	c.forced.Store(true)
	c.conn.Close()
}

// Done is closed once the receive loop has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the receive loop has exited.
func (c *Client) Wait() {
	<-c.done
}

// AwaitShutdown is Wait bounded by ctx.
func (c *Client) AwaitShutdown(ctx context.Context) error {
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) run() {
	defer c.finish()

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		logger.IncrementFrameRead(len(data))

		h := c.onMessage.Load()
		if h == nil || *h == nil {
			c.log.WithField("bytes", len(data)).Debug("no message handler, frame dropped")
			continue
		}
		if herr := (*h)(c.ctx, Message{Type: mt, Data: data, ReceivedAt: time.Now()}); herr != nil {
			c.dispatchError(herr)
		}
	}
}

func (c *Client) handleReadError(err error) {
	closing := c.State() == Closing
	c.state.Store(int32(Closed))

	// 1006 is synthesized locally when the stream ends without a close frame.
	var ce *websocket.CloseError
	switch {
	case errors.As(err, &ce) && ce.Code != websocket.CloseAbnormalClosure:
		ev := CloseEvent{Code: ce.Code, Reason: ce.Text, Local: closing}
		c.log.WithFields(logger.Fields{"code": ce.Code, "reason": ce.Text, "local": closing}).Info("websocket closed")
		c.dispatchClose(ev)
	case closing:
		ev := CloseEvent{Code: websocket.CloseAbnormalClosure, Local: true, Err: err}
		if c.forced.Load() {
			ev.Err = ErrCloseTimeout
		}
		c.log.WithError(ev.Err).Info("websocket closed without close frame")
		c.dispatchClose(ev)
	default:
		terr := &TransportError{Op: "read", Err: err}
		c.log.WithError(err).Warn("websocket read failed")
		c.dispatchError(terr)
	}
}

func (c *Client) dispatchError(err error) {
	if h := c.onError.Load(); h != nil && *h != nil {
		(*h)(c.ctx, err)
		return
	}
	c.log.WithError(err).Warn("unhandled websocket error")
}

func (c *Client) dispatchClose(ev CloseEvent) {
	if h := c.onClose.Load(); h != nil && *h != nil {
		(*h)(c.ctx, ev)
	}
}

func (c *Client) finish() {
	c.closeTimerM.Lock()
	if c.closeTimer != nil {
		c.closeTimer.Stop()
	}
	c.closeTimerM.Unlock()

	c.state.Store(int32(Closed))
	c.conn.Close()
	c.cancel()
	close(c.done)
	c.log.Debug("websocket session ended")
}

func (c *Client) pingLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if c.State() != Open {
				continue
			}
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.writeTimeout)); err != nil {
				c.log.WithError(err).Debug("ping failed")
			}
		}
	}
}
