package wsclient

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type proxyEndpoint struct {
	addr string
	auth string
}

// parseProxy accepts "host:port" or "http://[user:pass@]host:port".
func parseProxy(proxy string) (proxyEndpoint, error) {
	proxy = strings.TrimSpace(proxy)
	if !strings.Contains(proxy, "://") {
		if _, _, err := net.SplitHostPort(proxy); err != nil {
			return proxyEndpoint{}, fmt.Errorf("%w: proxy %q: %v", ErrInvalidAddress, proxy, err)
		}
		return proxyEndpoint{addr: proxy}, nil
	}

	u, err := url.Parse(proxy)
	if err != nil {
		return proxyEndpoint{}, fmt.Errorf("%w: proxy %q: %v", ErrInvalidAddress, proxy, err)
	}
	if u.Scheme != "http" {
		return proxyEndpoint{}, fmt.Errorf("%w: unsupported proxy scheme %q", ErrInvalidAddress, u.Scheme)
	}
	ep := proxyEndpoint{addr: u.Host}
	if u.Port() == "" {
		ep.addr = net.JoinHostPort(u.Hostname(), "80")
	}
	if u.User != nil {
		pass, _ := u.User.Password()
		creds := u.User.Username() + ":" + pass
		ep.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(creds))
	}
	return ep, nil
}

// DialTunnel returns a stream connected to target ("host:port"). When proxy is
// non-empty the stream is an HTTP CONNECT tunnel through it and only a 2xx
// answer is accepted. The returned conn is ready for TLS or the websocket
// upgrade.
func DialTunnel(ctx context.Context, dialer *net.Dialer, target, proxy string) (net.Conn, error) {
	if dialer == nil {
		dialer = &net.Dialer{}
	}

	if proxy == "" {
		conn, err := dialer.DialContext(ctx, "tcp", target)
		if err != nil {
			return nil, &ConnectError{Op: "dial", Addr: target, Err: err}
		}
		return conn, nil
	}

	ep, err := parseProxy(proxy)
	if err != nil {
		return nil, &ConnectError{Op: "proxy", Addr: proxy, Err: err}
	}

	conn, err := dialer.DialContext(ctx, "tcp", ep.addr)
	if err != nil {
		return nil, &ConnectError{Op: "dial proxy", Addr: ep.addr, Err: err}
	}

	tunneled, err := connectThrough(ctx, conn, target, ep)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return tunneled, nil
}

func connectThrough(ctx context.Context, conn net.Conn, target string, ep proxyEndpoint) (net.Conn, error) {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	// Unblock the exchange below when ctx is cancelled.
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: target},
		Host:   target,
		Header: make(http.Header),
	}
	if ep.auth != "" {
		req.Header.Set("Proxy-Authorization", ep.auth)
	}

	if err := req.Write(conn); err != nil {
		stop()
		return nil, &ConnectError{Op: "proxy connect", Addr: ep.addr, Err: err}
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if !stop() {
		return nil, &ConnectError{Op: "proxy connect", Addr: ep.addr, Err: ctx.Err()}
	}
	if err != nil {
		return nil, &ConnectError{Op: "proxy connect", Addr: ep.addr, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ConnectError{
			Op:          "proxy connect",
			Addr:        ep.addr,
			ProxyStatus: resp.StatusCode,
			Err:         fmt.Errorf("%w: %s", ErrProxyRejected, resp.Status),
		}
	}

	conn.SetDeadline(time.Time{})
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn replays bytes read past the CONNECT response.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	if c.r.Buffered() > 0 {
		return c.r.Read(p)
	}
	return c.Conn.Read(p)
}
