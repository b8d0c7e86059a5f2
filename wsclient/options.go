package wsclient

import (
	"net"
	"net/http"
	"time"

	"depthflow/logger"

	"golang.org/x/time/rate"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultCloseTimeout     = 5 * time.Second
	defaultWriteTimeout     = 5 * time.Second
)

type options struct {
	log              *logger.Entry
	handshakeTimeout time.Duration
	closeTimeout     time.Duration
	writeTimeout     time.Duration
	pingInterval     time.Duration
	readLimit        int64
	header           http.Header
	localAddr        net.Addr
	limiter          *rate.Limiter

	onMessage MessageHandler
	onError   ErrorHandler
	onClose   CloseHandler
}

func defaultOptions() options {
	return options{
		log:              logger.GetLogger().WithComponent("ws_client"),
		handshakeTimeout: defaultHandshakeTimeout,
		closeTimeout:     defaultCloseTimeout,
		writeTimeout:     defaultWriteTimeout,
		header:           http.Header{},
	}
}

// Option configures a Client at Connect time.
type Option func(*options)

func WithLogger(entry *logger.Entry) Option {
	return func(o *options) {
		if entry != nil {
			o.log = entry
		}
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithCloseTimeout bounds how long a local close waits for the peer's close
// frame before the connection is dropped. Zero waits forever.
func WithCloseTimeout(d time.Duration) Option {
	return func(o *options) { o.closeTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

// WithPingInterval makes the client send a ping control frame every d.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) { o.pingInterval = d }
}

func WithReadLimit(n int64) Option {
	return func(o *options) { o.readLimit = n }
}

// WithHeader adds a header to the upgrade request.
func WithHeader(key, value string) Option {
	return func(o *options) { o.header.Add(key, value) }
}

// WithLocalIP binds outgoing connections to ip. An unparsable ip is ignored.
func WithLocalIP(ip string) Option {
	return func(o *options) {
		if parsed := net.ParseIP(ip); parsed != nil {
			o.localAddr = &net.TCPAddr{IP: parsed}
		}
	}
}

// WithSendLimit caps Send to perSecond messages with the given burst.
// Binance allows 5 incoming messages per second per connection.
func WithSendLimit(perSecond float64, burst int) Option {
	return func(o *options) {
		if perSecond <= 0 {
			o.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithHandlers registers handlers before the receive loop starts so that no
// frame can arrive ahead of them. Nil handlers are skipped.
func WithHandlers(onMessage MessageHandler, onError ErrorHandler, onClose CloseHandler) Option {
	return func(o *options) {
		o.onMessage = onMessage
		o.onError = onError
		o.onClose = onClose
	}
}
