// Package comm drives the Reglo ICC wire protocol: a single worker goroutine
// that serializes synchronous command/reply exchanges while watching for the
// asynchronous ^U/^X running-state notifications the pump pushes between them.
package comm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// Ack is the single byte the pump sends to accept a command.
	Ack = '*'

	disableAsync = "1xE0\r"
	enableAsync  = "1xE1\r"
)

var (
	// ErrClosed is returned to callers once the worker has stopped, either
	// through Close or because the transport failed fatally.
	ErrClosed = errors.New("comm: communicator closed")

	// ErrUnknownChannel is returned by Running for channels that were never
	// seeded and never appeared in a notification.
	ErrUnknownChannel = errors.New("comm: unknown channel")
)

type requestKind int

const (
	kindCommand requestKind = iota // expects the one-byte ack
	kindQuery                      // expects a full reply line
)

type request struct {
	id      uuid.UUID
	kind    requestKind
	payload []byte
	resp    chan response
}

type response struct {
	value string
}

// Option configures a Communicator.
type Option func(*Communicator)

// WithStateHook registers a function observing every running-state
// transition, whether it came from a pump notification or from SetRunning.
func WithStateHook(hook func(channel int, running bool)) Option {
	return func(c *Communicator) {
		c.hook = hook
	}
}

// Communicator owns a Transport exclusively and runs the protocol loop.
// Command and Query may be called concurrently from any goroutine; the worker
// still services one request at a time, pairing each with exactly one reply.
type Communicator struct {
	logger *zap.Logger
	tr     Transport
	reqCh  chan *request
	hook   func(channel int, running bool)

	mu      sync.RWMutex
	running map[int]bool

	cancel  context.CancelFunc
	done    chan struct{}
	loopErr error
}

// New wraps a Transport. Call Start before issuing requests.
func New(tr Transport, logger *zap.Logger, opts ...Option) *Communicator {
	c := &Communicator{
		logger:  logger,
		tr:      tr,
		reqCh:   make(chan *request, 64),
		running: make(map[int]bool),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start launches the worker goroutine.
func (c *Communicator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
}

// Close stops the worker and releases the transport. Pending callers are
// unblocked with ErrClosed.
func (c *Communicator) Close() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	return c.tr.Close()
}

// Command sends payload and reports whether the pump acknowledged it. A false
// return means the pump replied with something other than '*'; the offending
// reply is logged. The error is only non-nil for cancellation or a dead
// worker.
func (c *Communicator) Command(ctx context.Context, payload []byte) (bool, error) {
	v, err := c.submit(ctx, kindCommand, payload)
	if err != nil {
		return false, err
	}
	if v != string(rune(Ack)) {
		c.logger.Warn("command not acknowledged",
			zap.ByteString("cmd", payload), zap.String("reply", v))
		return false, nil
	}
	return true, nil
}

// Query sends payload and returns the pump's reply line, trimmed.
func (c *Communicator) Query(ctx context.Context, payload []byte) (string, error) {
	return c.submit(ctx, kindQuery, payload)
}

func (c *Communicator) submit(ctx context.Context, kind requestKind, payload []byte) (string, error) {
	req := &request{
		id:      uuid.New(),
		kind:    kind,
		payload: payload,
		resp:    make(chan response, 1),
	}
	c.logger.Debug("submitting request",
		zap.String("id", req.id.String()), zap.ByteString("payload", payload))
	select {
	case c.reqCh <- req:
	case <-c.done:
		return "", c.exitErr()
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case r := <-req.resp:
		return r.value, nil
	case <-c.done:
		return "", c.exitErr()
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Communicator) exitErr() error {
	if c.loopErr != nil {
		return c.loopErr
	}
	return ErrClosed
}

// SetRunning overwrites the tracked running state for the given channels.
// Channel 0 is the broadcast sentinel: it applies the state to every channel
// currently tracked. Clients call this to seed state at startup and to
// optimistically reflect a start/stop before the pump's own notification
// arrives.
func (c *Communicator) SetRunning(running bool, channels ...int) {
	var touched []int
	c.mu.Lock()
	for _, ch := range channels {
		if ch == 0 {
			for tracked := range c.running {
				c.running[tracked] = running
				touched = append(touched, tracked)
			}
			continue
		}
		c.running[ch] = running
		touched = append(touched, ch)
	}
	c.mu.Unlock()
	if c.hook != nil {
		for _, ch := range touched {
			c.hook(ch, running)
		}
	}
}

// Running reports the tracked running state of a channel.
func (c *Communicator) Running(channel int) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.running[channel]
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownChannel, channel)
	}
	return v, nil
}

func (c *Communicator) run(ctx context.Context) {
	defer close(c.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		select {
		case req := <-c.reqCh:
			if err := c.service(req); err != nil {
				c.fatal(err)
				return
			}
		default:
		}
		if err := c.poll(); err != nil {
			c.fatal(err)
			return
		}
	}
}

func (c *Communicator) fatal(err error) {
	c.logger.Error("transport failed, stopping worker", zap.Error(err))
	c.loopErr = fmt.Errorf("comm: transport failed: %w", err)
}

// service runs one full synchronous exchange. Asynchronous notifications are
// switched off first so a stray ^U/^X byte cannot be mistaken for the reply,
// and anything already buffered is drained before the payload goes out.
func (c *Communicator) service(req *request) error {
	if err := c.writeDiscardAck(disableAsync); err != nil {
		return err
	}
	flushed, err := c.drain()
	if err != nil {
		return err
	}
	if len(flushed) > 0 {
		c.logger.Debug("flushed stray bytes before request",
			zap.String("id", req.id.String()), zap.ByteString("flushed", flushed))
	}
	payload := make([]byte, 0, len(req.payload)+1)
	payload = append(payload, req.payload...)
	payload = append(payload, '\r')
	if err := c.tr.Write(payload); err != nil {
		return err
	}
	var resp response
	switch req.kind {
	case kindCommand:
		b, ok, err := c.tr.ReadByte()
		if err != nil {
			return err
		}
		if ok {
			resp.value = string(b)
		}
	case kindQuery:
		line, err := c.tr.ReadLine()
		if err != nil {
			return err
		}
		resp.value = strings.TrimSpace(line)
	}
	if err := c.writeDiscardAck(enableAsync); err != nil {
		return err
	}
	c.logger.Debug("request served",
		zap.String("id", req.id.String()), zap.String("reply", resp.value))
	req.resp <- resp
	return nil
}

func (c *Communicator) writeDiscardAck(cmd string) error {
	if err := c.tr.Write([]byte(cmd)); err != nil {
		return err
	}
	_, _, err := c.tr.ReadByte()
	return err
}

// drain reads until one timeout passes with nothing on the wire. It is timed
// rather than size-capped so a burst of queued notifications cannot be
// truncated.
func (c *Communicator) drain() ([]byte, error) {
	var buf []byte
	for {
		b, ok, err := c.tr.ReadByte()
		if err != nil {
			return buf, err
		}
		if !ok {
			return buf, nil
		}
		buf = append(buf, b)
	}
}

// poll attempts one line read and interprets it as an asynchronous
// notification. Unrecognized or malformed lines are logged and dropped.
func (c *Communicator) poll() error {
	line, err := c.tr.ReadLine()
	if err != nil {
		return err
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	if len(line) >= 3 && (strings.HasPrefix(line, "^U") || strings.HasPrefix(line, "^X")) {
		if ch, err := strconv.Atoi(line[2:3]); err == nil {
			c.SetRunning(line[1] == 'U', ch)
			return nil
		}
	}
	c.logger.Debug("discarding unrecognized line", zap.String("line", line))
	return nil
}
