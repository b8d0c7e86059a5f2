package wsclient

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
)

type connectProxy struct {
	ln net.Listener

	mu      sync.Mutex
	targets []string
	auths   []string
}

// newConnectProxy starts an HTTP CONNECT proxy. reply, when non-empty, is
// written instead of tunnelling.
func newConnectProxy(t *testing.T, reply string) *connectProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	p := &connectProxy{ln: ln}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go p.serve(conn, reply)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return p
}

func (p *connectProxy) serve(conn net.Conn, reply string) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil || req.Method != http.MethodConnect {
		return
	}
	p.mu.Lock()
	p.targets = append(p.targets, req.Host)
	p.auths = append(p.auths, req.Header.Get("Proxy-Authorization"))
	p.mu.Unlock()

	if reply != "" {
		io.WriteString(conn, reply)
		return
	}

	upstream, err := net.Dial("tcp", req.Host)
	if err != nil {
		io.WriteString(conn, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
		return
	}
	defer upstream.Close()
	io.WriteString(conn, "HTTP/1.1 200 Connection established\r\n\r\n")

	go io.Copy(upstream, br)
	io.Copy(conn, upstream)
}

func (p *connectProxy) addr() string { return p.ln.Addr().String() }

func TestConnectThroughProxy(t *testing.T) {
	server := mockWSServer(t, echo)
	defer server.Close()
	proxy := newConnectProxy(t, "")

	received := make(chan string, 1)
	client, err := Connect(context.Background(), wsURL(server), "http://user:secret@"+proxy.addr(), nil,
		WithHandlers(func(ctx context.Context, msg Message) error {
			received <- msg.Text()
			return nil
		}, nil, nil))
	if err != nil {
		t.Fatalf("Connect through proxy failed: %v", err)
	}
	defer client.Close()

	if err := client.Send(context.Background(), "ping"); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	select {
	case got := <-received:
		if got != "ping" {
			t.Fatalf("got %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("echo not received through tunnel")
	}

	proxy.mu.Lock()
	defer proxy.mu.Unlock()
	target := strings.TrimPrefix(server.URL, "http://")
	if len(proxy.targets) != 1 || proxy.targets[0] != target {
		t.Fatalf("proxy targets = %v, want %s", proxy.targets, target)
	}
	wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:secret"))
	if proxy.auths[0] != wantAuth {
		t.Fatalf("Proxy-Authorization = %q", proxy.auths[0])
	}
}

func TestConnectProxyRejected(t *testing.T) {
	proxy := newConnectProxy(t, "HTTP/1.1 407 Proxy Authentication Required\r\n\r\n")

	opened := false
	_, err := Connect(context.Background(), "ws://stream.example.com:9443/ws", proxy.addr(), func(ctx context.Context, c *Client) {
		opened = true
	})
	var cerr *ConnectError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConnectError, got %v", err)
	}
	if cerr.ProxyStatus != http.StatusProxyAuthRequired || !errors.Is(err, ErrProxyRejected) {
		t.Fatalf("unexpected error: %v", err)
	}
	if opened {
		t.Fatal("open handler ran after proxy rejection")
	}
}

func TestDialTunnelKeepsBufferedBytes(t *testing.T) {
	proxy := newConnectProxy(t, "HTTP/1.1 200 OK\r\n\r\nhello")

	conn, err := DialTunnel(context.Background(), nil, "stream.example.com:443", proxy.addr())
	if err != nil {
		t.Fatalf("DialTunnel failed: %v", err)
	}
	defer conn.Close()

	buf := make([]byte, 5)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q", buf)
	}
}

func TestDialTunnelProxyUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = DialTunnel(context.Background(), nil, "stream.example.com:443", addr)
	var cerr *ConnectError
	if !errors.As(err, &cerr) || cerr.Op != "dial proxy" {
		t.Fatalf("expected dial proxy ConnectError, got %v", err)
	}
}

func TestParseProxy(t *testing.T) {
	cases := []struct {
		in      string
		addr    string
		hasAuth bool
		wantErr bool
	}{
		{in: "127.0.0.1:7890", addr: "127.0.0.1:7890"},
		{in: "http://proxy.local:3128", addr: "proxy.local:3128"},
		{in: "http://proxy.local", addr: "proxy.local:80"},
		{in: "http://u:p@proxy.local:3128", addr: "proxy.local:3128", hasAuth: true},
		{in: "socks5://proxy.local:1080", wantErr: true},
		{in: "proxy.local", wantErr: true},
	}
	for _, tc := range cases {
		ep, err := parseProxy(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseProxy(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseProxy(%q): %v", tc.in, err)
			continue
		}
		if ep.addr != tc.addr || (ep.auth != "") != tc.hasAuth {
			t.Errorf("parseProxy(%q) = %+v", tc.in, ep)
		}
	}
}
