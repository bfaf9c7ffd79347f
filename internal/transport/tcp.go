package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPEndpoint is a TCP transport with an explicit pre-connect reachability probe: a short
// dial-and-close against the target before the real connect, so a dead host fails fast
// instead of blocking on the full connect timeout.
type TCPEndpoint struct {
	Host string
	Port int

	conn net.Conn
}

// ProbeTimeout bounds the reachability probe performed before the real connect.
const ProbeTimeout = 1500 * time.Millisecond

func (t *TCPEndpoint) addr() string { return fmt.Sprintf("%s:%d", t.Host, t.Port) }

// Connect performs a short reachability probe, then a full connect, both bounded by ctx's
// deadline (falling back to a 5s default connect timeout when ctx carries none).
func (t *TCPEndpoint) Connect(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}

	probeDeadline := deadline
	if probeOnly := time.Now().Add(ProbeTimeout); probeOnly.Before(probeDeadline) {
		probeDeadline = probeOnly
	}
	probeConn, err := net.DialTimeout("tcp", t.addr(), time.Until(probeDeadline))
	if err != nil {
		return newError(KindUnreachable, "connect", err)
	}
	probeConn.Close()

	d := net.Dialer{}
	connCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	conn, err := d.DialContext(connCtx, "tcp", t.addr())
	if err != nil {
		if connCtx.Err() != nil {
			return newError(KindHandshakeTimeout, "connect", err)
		}
		return newError(KindUnreachable, "connect", err)
	}
	t.conn = conn
	return nil
}

func (t *TCPEndpoint) ReadExact(ctx context.Context, buf []byte) error {
	if t.conn == nil {
		return newError(KindClosed, "read_exact", nil)
	}
	if dl, ok := ctx.Deadline(); ok {
		t.conn.SetReadDeadline(dl)
	}
	return readExactFrom(t.conn, buf)
}

func (t *TCPEndpoint) WriteAll(ctx context.Context, buf []byte) error {
	if t.conn == nil {
		return newError(KindClosed, "write_all", nil)
	}
	if dl, ok := ctx.Deadline(); ok {
		t.conn.SetWriteDeadline(dl)
	}
	return writeAllTo(t.conn, buf)
}

func (t *TCPEndpoint) Close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

func (t *TCPEndpoint) Connected() bool { return t.conn != nil }
