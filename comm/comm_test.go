package comm_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jt05610/reglo/comm"
)

// fakeTransport is a scripted in-memory Transport. Every Write is recorded;
// when respond is set its return value is queued as the bytes the next reads
// will see. Reads behave like the real transports: empty and nil error when
// nothing is queued.
type fakeTransport struct {
	mu      sync.Mutex
	rx      []byte
	writes  []string
	respond func(cmd string) string
	err     error
	closed  int
}

func (t *fakeTransport) Write(p []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.writes = append(t.writes, string(p))
	if t.respond != nil {
		t.rx = append(t.rx, t.respond(string(p))...)
	}
	return nil
}

func (t *fakeTransport) ReadByte() (byte, bool, error) {
	t.mu.Lock()
	if t.err != nil {
		t.mu.Unlock()
		return 0, false, t.err
	}
	if len(t.rx) == 0 {
		t.mu.Unlock()
		// stand in for the read timeout so the worker does not spin hot
		time.Sleep(time.Millisecond)
		return 0, false, nil
	}
	b := t.rx[0]
	t.rx = t.rx[1:]
	t.mu.Unlock()
	return b, true, nil
}

func (t *fakeTransport) ReadLine() (string, error) {
	var sb strings.Builder
	for {
		b, ok, err := t.ReadByte()
		if err != nil {
			return sb.String(), err
		}
		if !ok {
			return sb.String(), nil
		}
		sb.WriteByte(b)
		if b == '*' || strings.HasSuffix(sb.String(), "\r\n") {
			return sb.String(), nil
		}
	}
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

func (t *fakeTransport) push(s string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rx = append(t.rx, s...)
}

func (t *fakeTransport) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

func (t *fakeTransport) written() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.writes))
	copy(out, t.writes)
	return out
}

// ackAll acknowledges every command with the pump's '*' byte.
func ackAll(string) string { return "*" }

func TestCommandWireSequence(t *testing.T) {
	tr := &fakeTransport{respond: ackAll}
	c := comm.New(tr, zaptest.NewLogger(t))
	c.Start()
	defer func() { require.NoError(t, c.Close()) }()

	ok, err := c.Command(context.Background(), []byte("1H"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"1xE0\r", "1H\r", "1xE1\r"}, tr.written())
}

func TestCommandNack(t *testing.T) {
	tr := &fakeTransport{respond: func(cmd string) string {
		if cmd == "9I\r" {
			return "#"
		}
		return "*"
	}}
	c := comm.New(tr, zaptest.NewLogger(t))
	c.Start()
	defer func() { require.NoError(t, c.Close()) }()

	ok, err := c.Command(context.Background(), []byte("9I"))
	require.NoError(t, err)
	require.False(t, ok)

	// the worker keeps running across bad replies
	ok, err = c.Command(context.Background(), []byte("1H"))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestQueryCorrelation(t *testing.T) {
	tr := &fakeTransport{respond: func(cmd string) string {
		if cmd == "1xE0\r" || cmd == "1xE1\r" {
			return "*"
		}
		return "echo:" + strings.TrimSuffix(cmd, "\r") + "\r\n"
	}}
	c := comm.New(tr, zaptest.NewLogger(t))
	c.Start()
	defer func() { require.NoError(t, c.Close()) }()

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token := fmt.Sprintf("tok%d", i)
			got, err := c.Query(context.Background(), []byte(token))
			if err != nil {
				errs <- err
				return
			}
			if got != "echo:"+token {
				errs <- fmt.Errorf("reply %q does not match request %q", got, token)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestNotificationsUpdateRunningState(t *testing.T) {
	tr := &fakeTransport{}
	c := comm.New(tr, zaptest.NewLogger(t))
	c.Start()
	defer func() { require.NoError(t, c.Close()) }()

	tr.push("^U3\r\n")
	require.Eventually(t, func() bool {
		running, err := c.Running(3)
		return err == nil && running
	}, time.Second, 5*time.Millisecond)

	tr.push("^X3\r\n")
	require.Eventually(t, func() bool {
		running, err := c.Running(3)
		return err == nil && !running
	}, time.Second, 5*time.Millisecond)

	// garbage and malformed lines are dropped without touching state
	tr.push("hello world\r\n")
	tr.push("^U\r\n")
	tr.push("^Z5\r\n")
	time.Sleep(50 * time.Millisecond)
	running, err := c.Running(3)
	require.NoError(t, err)
	require.False(t, running)
	_, err = c.Running(5)
	require.ErrorIs(t, err, comm.ErrUnknownChannel)
}

func TestSetRunningBroadcast(t *testing.T) {
	c := comm.New(&fakeTransport{}, zaptest.NewLogger(t))
	c.SetRunning(false, 1, 2, 3, 4)
	c.SetRunning(true, 3)
	c.SetRunning(true, 0)
	for ch := 1; ch <= 4; ch++ {
		running, err := c.Running(ch)
		require.NoError(t, err)
		require.True(t, running, "channel %d", ch)
	}
	_, err := c.Running(0)
	require.ErrorIs(t, err, comm.ErrUnknownChannel)
}

func TestStateHook(t *testing.T) {
	type change struct {
		channel int
		running bool
	}
	changes := make(chan change, 8)
	tr := &fakeTransport{}
	c := comm.New(tr, zaptest.NewLogger(t), comm.WithStateHook(func(channel int, running bool) {
		changes <- change{channel, running}
	}))
	c.Start()
	defer func() { require.NoError(t, c.Close()) }()

	tr.push("^U2\r\n")
	select {
	case got := <-changes:
		require.Equal(t, change{2, true}, got)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for state hook")
	}
}

func TestIdleTransportKeepsPolling(t *testing.T) {
	tr := &fakeTransport{respond: ackAll}
	c := comm.New(tr, zaptest.NewLogger(t))
	c.Start()
	defer func() { require.NoError(t, c.Close()) }()

	// let the worker poll an idle transport for a while
	time.Sleep(50 * time.Millisecond)
	ok, err := c.Command(context.Background(), []byte("1H"))
	require.NoError(t, err)
	require.True(t, ok)
}

func TestFatalTransportUnblocksCallers(t *testing.T) {
	tr := &fakeTransport{}
	c := comm.New(tr, zaptest.NewLogger(t))
	c.Start()

	tr.fail(errors.New("port gone"))

	_, err := c.Command(context.Background(), []byte("1H"))
	require.Error(t, err)

	// future callers never hang either
	_, err = c.Query(context.Background(), []byte("1#"))
	require.Error(t, err)
	require.NoError(t, c.Close())
}

func TestCommandCancellation(t *testing.T) {
	// the worker is never started, so the request can never be serviced and
	// the caller's context is the only way out
	c := comm.New(&fakeTransport{}, zaptest.NewLogger(t))
	defer func() { require.NoError(t, c.Close()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Command(ctx, []byte("1H"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
