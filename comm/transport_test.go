package comm_test

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/require"

	"github.com/jt05610/reglo/comm"
)

func testConfig() comm.Config {
	cfg := comm.DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	return cfg
}

func gatewayPair(t *testing.T) (*comm.SocketTransport, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	addr := ln.Addr().(*net.TCPAddr)
	tr, err := comm.DialGateway("127.0.0.1", addr.Port, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	select {
	case conn := <-accepted:
		t.Cleanup(func() { conn.Close() })
		return tr, conn
	case <-time.After(time.Second):
		t.Fatal("gateway never accepted the connection")
		return nil, nil
	}
}

func TestSocketTransportReadLine(t *testing.T) {
	tr, peer := gatewayPair(t)

	_, err := peer.Write([]byte("^U1\r\n"))
	require.NoError(t, err)
	line, err := tr.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "^U1\r\n", line)

	// the short acknowledgement has no line terminator
	_, err = peer.Write([]byte("*"))
	require.NoError(t, err)
	line, err = tr.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "*", line)
}

func TestSocketTransportTimeoutIsNotAnError(t *testing.T) {
	tr, _ := gatewayPair(t)

	start := time.Now()
	line, err := tr.ReadLine()
	require.NoError(t, err)
	require.Empty(t, line)
	require.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)

	_, ok, err := tr.ReadByte()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSocketTransportWrite(t *testing.T) {
	tr, peer := gatewayPair(t)

	require.NoError(t, tr.Write([]byte("1H\r")))
	buf := make([]byte, 8)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := peer.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "1H\r", string(buf[:n]))
}

func TestSocketTransportCloseIdempotent(t *testing.T) {
	tr, _ := gatewayPair(t)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
}

func TestSerialTransport(t *testing.T) {
	master, slave, err := pty.Open()
	require.NoError(t, err)
	t.Cleanup(func() { master.Close(); slave.Close() })

	tr, err := comm.OpenSerial(slave.Name(), testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })

	_, err = master.Write([]byte("^X2\r\n"))
	require.NoError(t, err)
	line, err := tr.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "^X2\r\n", line)

	require.NoError(t, tr.Write([]byte("2I\r")))
	buf := make([]byte, 8)
	n, err := master.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "2I\r", string(buf[:n]))

	// idle port: timeout returns an empty line without error
	line, err = tr.ReadLine()
	require.NoError(t, err)
	require.Empty(t, line)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
}

func TestDialGatewayRefused(t *testing.T) {
	// grab a port and close it again so nothing is listening there
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	_, err = comm.DialGateway("127.0.0.1", port, testConfig())
	require.Error(t, err)
	require.Contains(t, err.Error(), net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
}
