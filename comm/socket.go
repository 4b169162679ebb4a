package comm

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// SocketTransport talks to a pump behind a TCP-to-serial gateway. The gateway
// tunnels the same byte stream as the direct serial line, but sockets have no
// byte-oriented timeout read, so every unit read polls readability with a
// deadline instead.
type SocketTransport struct {
	cfg       Config
	conn      net.Conn
	closeOnce sync.Once
	closeErr  error
}

var _ Transport = (*SocketTransport)(nil)

// DialGateway connects to the serial gateway at host:port.
func DialGateway(host string, port int, cfg Config) (*SocketTransport, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial gateway %s: %w", addr, err)
	}
	return &SocketTransport{cfg: cfg, conn: conn}, nil
}

func (t *SocketTransport) Write(p []byte) error {
	_, err := t.conn.Write(p)
	return err
}

func (t *SocketTransport) ReadByte() (byte, bool, error) {
	if err := t.conn.SetReadDeadline(time.Now().Add(t.cfg.Timeout)); err != nil {
		return 0, false, err
	}
	var buf [1]byte
	n, err := t.conn.Read(buf[:])
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return 0, false, nil
		}
		return 0, false, err
	}
	if n == 0 {
		return 0, false, nil
	}
	return buf[0], true, nil
}

func (t *SocketTransport) ReadLine() (string, error) {
	return readLine(t.ReadByte, t.cfg.Timeout)
}

func (t *SocketTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}
