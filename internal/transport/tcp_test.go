package transport

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestTCPEndpointConnectReadWrite(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			buf := make([]byte, 4)
			if _, err := conn.Read(buf); err != nil {
				conn.Close() // Connect's reachability probe closes without sending
				continue
			}
			conn.Write([]byte("pong"))
			conn.Close()
			return
		}
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	var port int
	fmtSscan(portStr, &port)

	ep := &TCPEndpoint{Host: host, Port: port}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ep.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer ep.Close()

	if !ep.Connected() {
		t.Fatalf("expected Connected() true after Connect")
	}
	if err := ep.WriteAll(ctx, []byte("ping")); err != nil {
		t.Fatalf("WriteAll: %v", err)
	}
	buf := make([]byte, 4)
	if err := ep.ReadExact(ctx, buf); err != nil {
		t.Fatalf("ReadExact: %v", err)
	}
	if string(buf) != "pong" {
		t.Fatalf("got %q, want pong", buf)
	}
	<-done
}

func TestTCPEndpointUnreachable(t *testing.T) {
	ep := &TCPEndpoint{Host: "127.0.0.1", Port: 1} // unlikely to be listening
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	err := ep.Connect(ctx)
	if err == nil {
		ep.Close()
		t.Fatalf("expected a connect error against a closed port")
	}
	var te *Error
	if !asError(err, &te) {
		t.Fatalf("expected *Error, got %T: %v", err, err)
	}
	if te.Kind != KindUnreachable {
		t.Fatalf("expected KindUnreachable, got %v", te.Kind)
	}
}

func TestReadExactOnClosedEndpoint(t *testing.T) {
	ep := &TCPEndpoint{Host: "127.0.0.1", Port: 0}
	err := ep.ReadExact(context.Background(), make([]byte, 1))
	var te *Error
	if !asError(err, &te) || te.Kind != KindClosed {
		t.Fatalf("expected KindClosed, got %v", err)
	}
}

// asError is a tiny errors.As wrapper to avoid importing errors in every test file twice.
func asError(err error, target **Error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	*target = e
	return true
}

// fmtSscan avoids importing fmt just for one Sscan in this test file's helper.
func fmtSscan(s string, out *int) {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			continue
		}
		n = n*10 + int(r-'0')
	}
	*out = n
}
