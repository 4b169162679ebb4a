package comm

import (
	"fmt"
	"sync"

	"go.bug.st/serial"
)

// SerialTransport talks to a pump on a directly attached serial port.
type SerialTransport struct {
	cfg       Config
	port      serial.Port
	closeOnce sync.Once
	closeErr  error
}

var _ Transport = (*SerialTransport)(nil)

// OpenSerial opens the serial device at path with the given link settings.
func OpenSerial(path string, cfg Config) (*SerialTransport, error) {
	port, err := serial.Open(path, &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   cfg.Parity,
		StopBits: cfg.StopBits,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := port.SetReadTimeout(cfg.Timeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set read timeout on %s: %w", path, err)
	}
	return &SerialTransport{cfg: cfg, port: port}, nil
}

func (t *SerialTransport) Write(p []byte) error {
	_, err := t.port.Write(p)
	return err
}

func (t *SerialTransport) ReadByte() (byte, bool, error) {
	var buf [1]byte
	n, err := t.port.Read(buf[:])
	if err != nil {
		return 0, false, err
	}
	// n == 0 means the read timeout elapsed with nothing on the wire
	if n == 0 {
		return 0, false, nil
	}
	return buf[0], true, nil
}

func (t *SerialTransport) ReadLine() (string, error) {
	return readLine(t.ReadByte, t.cfg.Timeout)
}

func (t *SerialTransport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.port.Close()
	})
	return t.closeErr
}
