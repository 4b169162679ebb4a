package comm

import (
	"strings"
	"time"

	"go.bug.st/serial"
)

// Config holds the serial link settings. The same settings drive both
// transport variants; the gateway variant only uses Timeout. Immutable once
// a transport has been opened with it.
type Config struct {
	BaudRate int
	DataBits int
	Parity   serial.Parity
	StopBits serial.StopBits
	// Timeout bounds every read. It is also the overall budget for
	// accumulating one line.
	Timeout time.Duration
}

// DefaultConfig matches the pump's factory settings: 9600 8N1.
func DefaultConfig() Config {
	return Config{
		BaudRate: 9600,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
		Timeout:  50 * time.Millisecond,
	}
}

// Transport is the byte-level link to the pump. A read that sees no data
// within the configured timeout returns its zero value with a nil error;
// that is a normal poll outcome, not a failure. Only unrecoverable link
// errors (port gone, connection reset) return a non-nil error.
//
// A Transport is owned by exactly one Communicator and is never used from
// more than one goroutine.
type Transport interface {
	Write(p []byte) error
	// ReadByte returns the next byte if one arrives within the timeout.
	// ok is false when nothing arrived.
	ReadByte() (b byte, ok bool, err error)
	// ReadLine accumulates bytes until CR-LF or a lone '*' (the pump's
	// un-terminated acknowledgement), or until the timeout budget elapses,
	// and returns whatever accumulated.
	ReadLine() (string, error)
	// Close releases the underlying handle. Idempotent.
	Close() error
}

// readLine accumulates one line from readByte, shared by both transports.
// The pump terminates lines with CR-LF, except for the single-byte '*' ack
// which has no terminator at all.
func readLine(readByte func() (byte, bool, error), budget time.Duration) (string, error) {
	var sb strings.Builder
	deadline := time.Now().Add(budget)
	for {
		b, ok, err := readByte()
		if err != nil {
			return sb.String(), err
		}
		if ok {
			sb.WriteByte(b)
			if b == '*' {
				return sb.String(), nil
			}
			s := sb.String()
			if strings.HasSuffix(s, "\r\n") {
				return s, nil
			}
		}
		if time.Now().After(deadline) {
			return sb.String(), nil
		}
	}
}
