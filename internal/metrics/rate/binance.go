package rate

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"depthflow/logger"
)

// Binance allows 5 incoming messages per second on one stream connection and
// 300 connection attempts per 5 minutes per IP.
const (
	WSMessagesPerSecond = 5
	WSConnectsPer5Min   = 300
)

// REST request weight per minute per IP.
const (
	SpotWeightPerMinute    = 6000
	FuturesWeightPerMinute = 2400
)

// ReportSnapshotWeight parses the used weight from a depth response and emits
// a `used_weight` gauge, plus `weight_ratio` when the minute limit is known.
func ReportSnapshotWeight(log *logger.Log, header http.Header, limit int64, ip string) int64 {
	used, _ := strconv.ParseInt(header.Get("X-MBX-USED-WEIGHT-1M"), 10, 64)

	l := log.WithComponent("binance_reader")
	fields := logger.Fields{"ip": ip}
	l.LogMetric("binance_reader", "used_weight", used, "gauge", fields)
	if limit > 0 {
		l.LogMetric("binance_reader", "weight_ratio", float64(used)/float64(limit), "gauge", logger.Fields{"ip": ip})
	}
	return used
}

// WSWeightTracker counts outgoing stream messages in a one second window and
// connection attempts in a five minute window.
type WSWeightTracker struct {
	mu            sync.Mutex
	window        time.Time
	msgs          int
	attemptWindow time.Time
	attempts      int
	now           func() time.Time
}

func NewWSWeightTracker() *WSWeightTracker {
	t := &WSWeightTracker{now: time.Now}
	t.window = t.now()
	t.attemptWindow = t.window
	return t
}

// RegisterOutgoing records n outgoing client messages (subscribes, pings).
func (t *WSWeightTracker) RegisterOutgoing(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if now.Sub(t.window) >= time.Second {
		t.msgs = 0
		t.window = now
	}
	t.msgs += n
}

func (t *WSWeightTracker) RegisterConnectionAttempt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if now.Sub(t.attemptWindow) >= 5*time.Minute {
		t.attempts = 0
		t.attemptWindow = now
	}
	t.attempts++
}

// Stats returns the messages in the current second and the connection
// attempts in the current five minute window.
func (t *WSWeightTracker) Stats() (msgs int, attempts int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.msgs, t.attempts
}

// ReportWSWeight emits websocket weight metrics and warns when either window
// is at its exchange limit.
func ReportWSWeight(log *logger.Log, t *WSWeightTracker, symbol, ip string) {
	msgs, attempts := t.Stats()
	l := log.WithComponent("binance_ws_reader")
	fields := func() logger.Fields { return logger.Fields{"ip": ip, "symbol": symbol} }
	l.LogMetric("binance_ws_reader", "outgoing_messages", int64(msgs), "gauge", fields())
	l.LogMetric("binance_ws_reader", "connection_attempts", int64(attempts), "counter", fields())
	if msgs >= WSMessagesPerSecond || attempts >= WSConnectsPer5Min {
		l.WithFields(fields()).Warn("websocket weight at exchange limit")
	}
}
