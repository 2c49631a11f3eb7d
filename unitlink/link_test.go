package unitlink

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hartwell/airbridge/kvframe"
	"github.com/hartwell/airbridge/regbus"
	"github.com/hartwell/airbridge/varmap"
	"github.com/stretchr/testify/assert"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLink(t *testing.T) (*Link, *regbus.Mock) {
	t.Helper()

	registry, err := varmap.NewRegistry([]varmap.Variable{
		{Name: "temp", Key: "T1", RegisterLength: 8},
		{Name: "setpoint", Key: "SP", RegisterLength: 8},
		{Name: "fan", Key: "FAN", RegisterLength: 4},
	})
	if err != nil {
		t.Fatalf("build registry: %v", err)
	}

	mock := regbus.NewMock()
	return New(registry, mock, discardLogger()), mock
}

func waitEvent(t *testing.T, ch chan GetEvent) GetEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for get event")
		return GetEvent{}
	}
}

func waitErr(t *testing.T, ch chan error) error {
	t.Helper()
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return nil
	}
}

func waitInt(t *testing.T, ch chan int) int {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return 0
	}
}

func waitSignal(t *testing.T, ch chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

func TestGetDeliversDecodedValue(t *testing.T) {
	a := assert.New(t)
	link, mock := newTestLink(t)

	events := make(chan GetEvent, 1)
	link.SetOnGet(func(ev GetEvent) { events <- ev })
	done := make(chan error, 1)

	mock.QueueResponse([]byte("T1=21.5"))

	go link.runDispatcher()
	defer link.queue.close()
	link.transition(Connected)

	err := link.Get("temp", &RequestOptions{RequestID: "req-7", Done: func(err error) { done <- err }})
	a.NoError(err)

	ev := waitEvent(t, events)
	a.NoError(waitErr(t, done))

	a.Equal("temp", ev.Name)
	a.Equal("21.5", ev.Value)
	a.Equal("req-7", ev.RequestID)
	a.False(ev.Timestamp.IsZero())
	a.False(ev.LastChangedAt.IsZero())
	if a.NotNil(ev.Variable.Value) {
		a.Equal("21.5", *ev.Variable.Value)
	}

	writes := mock.Writes()
	if a.Len(writes, 1) {
		a.Equal([]byte("T1\x00\x00"), writes[0])
	}
	a.Equal([]string{"write", "read"}, mock.Calls())
}

func TestLastChangedAtOnlyMovesOnNewValues(t *testing.T) {
	a := assert.New(t)
	link, mock := newTestLink(t)

	events := make(chan GetEvent, 3)
	link.SetOnGet(func(ev GetEvent) { events <- ev })

	mock.QueueResponse([]byte("T1=21.5"))
	mock.QueueResponse([]byte("T1=21.5"))
	mock.QueueResponse([]byte("T1=22.0"))

	go link.runDispatcher()
	defer link.queue.close()
	link.transition(Connected)

	for i := 0; i < 3; i++ {
		a.NoError(link.Get("temp", nil))
	}

	first := waitEvent(t, events)
	second := waitEvent(t, events)
	third := waitEvent(t, events)

	// the first read of a variable always counts as a change
	a.Equal(first.Timestamp, first.LastChangedAt)
	// a repeated value keeps the old change mark
	a.Equal(first.LastChangedAt, second.LastChangedAt)
	// a new value is re-stamped with its own read time
	a.Equal(third.Timestamp, third.LastChangedAt)
	a.Equal("22.0", third.Value)
}

func TestGetUnknownVariable(t *testing.T) {
	a := assert.New(t)
	link, mock := newTestLink(t)

	a.ErrorIs(link.Get("humidity", nil), ErrUnknownVariable)
	a.ErrorIs(link.Set("humidity", "50", nil), ErrUnknownVariable)
	a.Empty(mock.Calls())
	a.Equal(0, link.queue.depth())
}

// Two back-to-back requests must never overlap on the transport: the second
// write happens only after the first exchange fully completes.
func TestTransactionsAreSerialized(t *testing.T) {
	a := assert.New(t)
	link, mock := newTestLink(t)

	gate := make(chan struct{})
	var reads int32
	mock.SetReadHook(func(addr uint16, quantity uint16) ([]byte, error) {
		if atomic.AddInt32(&reads, 1) == 1 {
			<-gate
		}
		out := make([]byte, quantity*2)
		copy(out, "T1=1")
		return out, nil
	})

	done := make(chan error, 2)
	go link.runDispatcher()
	defer link.queue.close()
	link.transition(Connected)

	a.NoError(link.Get("temp", &RequestOptions{Done: func(err error) { done <- err }}))
	a.NoError(link.Get("temp", &RequestOptions{Done: func(err error) { done <- err }}))

	// the first exchange is parked inside its read; the second must not have
	// touched the transport yet
	time.Sleep(50 * time.Millisecond)
	a.Len(mock.Writes(), 1)

	close(gate)
	a.NoError(waitErr(t, done))
	a.NoError(waitErr(t, done))

	a.Equal(1, mock.MaxInflight())
	a.Equal([]string{"write", "read", "write", "read"}, mock.Calls())
}

// Tasks still queued when the link drops are discarded without any
// completion at all; only the in-flight task sees its failure.
func TestDisconnectDropsQueuedTasksSilently(t *testing.T) {
	a := assert.New(t)
	link, mock := newTestLink(t)

	dropped := make(chan int, 1)
	link.SetOnDisconnect(func(n int) { dropped <- n })

	entered := make(chan struct{})
	gate := make(chan struct{})
	var writeCalls int32
	mock.SetWriteHook(func(addr uint16, data []byte) error {
		if atomic.AddInt32(&writeCalls, 1) == 1 {
			close(entered)
			<-gate
			return errors.New("socket hangup")
		}
		return nil
	})

	firstErr := make(chan error, 1)
	var queuedCompletions int32

	go link.runDispatcher()
	defer link.queue.close()
	link.transition(Connected)

	a.NoError(link.Get("temp", &RequestOptions{Done: func(err error) { firstErr <- err }}))
	waitSignal(t, entered)

	// three more tasks pile up behind the in-flight one
	for i := 0; i < 3; i++ {
		a.NoError(link.Get("fan", &RequestOptions{Done: func(error) { atomic.AddInt32(&queuedCompletions, 1) }}))
	}
	a.Equal(3, link.queue.depth())

	close(gate)

	a.Error(waitErr(t, firstErr))
	a.Equal(3, waitInt(t, dropped))
	a.False(link.IsConnected())

	time.Sleep(50 * time.Millisecond)
	a.Equal(int32(0), atomic.LoadInt32(&queuedCompletions))
	a.Equal(0, link.queue.depth())
	a.Equal(1, int(atomic.LoadInt32(&writeCalls)))
}

func TestSetQueuesReadback(t *testing.T) {
	a := assert.New(t)
	link, mock := newTestLink(t)

	var mu sync.Mutex
	var order []string
	record := func(step string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, step)
	}

	events := make(chan GetEvent, 1)
	link.SetOnGet(func(ev GetEvent) {
		record("get-event")
		events <- ev
	})
	setDone := make(chan error, 1)

	mock.QueueResponse([]byte("T1=21.5"))

	go link.runDispatcher()
	defer link.queue.close()
	link.transition(Connected)

	a.NoError(link.Set("temp", "21.5", &RequestOptions{Done: func(err error) {
		record("set-done")
		setDone <- err
	}}))

	a.NoError(waitErr(t, setDone))
	ev := waitEvent(t, events)

	a.Equal("temp", ev.Name)
	a.Equal("21.5", ev.Value)
	a.Equal("", ev.RequestID) // the readback is indistinguishable from a poll

	mu.Lock()
	a.Equal([]string{"set-done", "get-event"}, order)
	mu.Unlock()

	writes := mock.Writes()
	if a.Len(writes, 2) {
		a.Equal([]byte("T1=\x00\x00\x00\x0021.5\x00\x00\x00\x00\x00"), writes[0])
		a.Equal([]byte("T1\x00\x00"), writes[1])
	}
}

// Requests queued while the link is down survive until the next connect,
// then dispatch in priority order regardless of arrival order.
func TestPriorityOrdersDispatchAcrossReconnect(t *testing.T) {
	a := assert.New(t)
	link, mock := newTestLink(t)

	events := make(chan GetEvent, 2)
	link.SetOnGet(func(ev GetEvent) { events <- ev })

	a.NoError(link.Get("fan", nil)) // background priority
	a.NoError(link.Get("temp", &RequestOptions{Priority: 1}))

	mock.QueueResponse([]byte("T1=a"))
	mock.QueueResponse([]byte("FAN=b"))

	go link.runDispatcher()
	defer link.queue.close()
	link.transition(Connected)

	a.Equal("temp", waitEvent(t, events).Name)
	a.Equal("fan", waitEvent(t, events).Name)

	writes := mock.Writes()
	if a.Len(writes, 2) {
		a.Equal([]byte("T1\x00\x00"), writes[0])
		a.Equal([]byte("FAN\x00"), writes[1])
	}
}

func TestOversizedSetNeverTouchesTransport(t *testing.T) {
	a := assert.New(t)
	link, mock := newTestLink(t)

	done := make(chan error, 1)
	go link.runDispatcher()
	defer link.queue.close()
	link.transition(Connected)

	// temp has 8 registers: 16 bytes minus the 7-byte header leaves 9
	a.NoError(link.Set("temp", strings.Repeat("x", 10), &RequestOptions{Done: func(err error) { done <- err }}))

	a.ErrorIs(waitErr(t, done), kvframe.ErrValueTooLong)
	a.Empty(mock.Calls())
	a.True(link.IsConnected())
}

func TestProtocolMismatchTearsLinkDown(t *testing.T) {
	a := assert.New(t)
	link, mock := newTestLink(t)

	dropped := make(chan int, 1)
	link.SetOnDisconnect(func(n int) { dropped <- n })
	done := make(chan error, 1)

	mock.QueueResponse([]byte("XX=9"))

	go link.runDispatcher()
	defer link.queue.close()
	link.transition(Connected)

	a.NoError(link.Get("temp", &RequestOptions{Done: func(err error) { done <- err }}))

	a.ErrorIs(waitErr(t, done), kvframe.ErrProtocolMismatch)
	a.Equal(0, waitInt(t, dropped))
	a.False(link.IsConnected())
}

func TestDispatchWhileDisconnectedFailsNotConnected(t *testing.T) {
	a := assert.New(t)
	link, mock := newTestLink(t)

	v, ok := link.registry.ByName("temp")
	a.True(ok)

	var got error
	link.dispatch(&task{kind: taskGet, variable: v, done: func(err error) { got = err }})

	a.ErrorIs(got, ErrNotConnected)
	a.Empty(mock.Calls())
}

// A transaction failure and the watchdog's re-dial race from different
// goroutines. The re-dial must wait for the whole teardown, side effects
// included, before it may connect: if its queue resume slipped in between
// the teardown's state write and queue reset, the link would end up
// Connected with a permanently paused queue and nothing would ever
// dispatch again.
func TestRedialWaitsForTeardownToFinish(t *testing.T) {
	a := assert.New(t)
	link, mock := newTestLink(t)

	entered := make(chan struct{})
	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string
	link.SetOnDisconnect(func(int) {
		mu.Lock()
		order = append(order, "disconnect")
		mu.Unlock()
		close(entered)
		<-gate
	})
	link.SetOnConnect(func() {
		mu.Lock()
		order = append(order, "connect")
		mu.Unlock()
	})
	events := make(chan GetEvent, 1)
	link.SetOnGet(func(ev GetEvent) { events <- ev })

	go link.runDispatcher()
	defer link.queue.close()
	link.transition(Connected)

	// park a teardown inside its disconnect notification
	go link.reportFailure(errors.New("socket hangup"))
	waitSignal(t, entered)

	// re-dial while the teardown is still in progress
	redialed := make(chan struct{})
	go func() {
		link.checkConnection()
		close(redialed)
	}()

	// the re-dial must not commit Connected under the unfinished teardown
	time.Sleep(50 * time.Millisecond)
	a.False(link.IsConnected())
	select {
	case <-redialed:
		t.Fatal("re-dial completed while the teardown was still in progress")
	default:
	}

	close(gate)
	waitSignal(t, redialed)
	a.True(link.IsConnected())

	mu.Lock()
	a.Equal([]string{"connect", "disconnect", "connect"}, order)
	mu.Unlock()

	// the queue is running again: a fresh get dispatches end to end
	mock.QueueResponse([]byte("T1=21.5"))
	a.NoError(link.Get("temp", nil))
	a.Equal("21.5", waitEvent(t, events).Value)
}

func TestWatchdogRetriesUntilConnected(t *testing.T) {
	a := assert.New(t)
	link, mock := newTestLink(t)
	link.SetWatchdogInterval(10 * time.Millisecond)

	mock.SetConnectErr(errors.New("connection refused"))
	connected := make(chan struct{}, 1)
	link.SetOnConnect(func() { connected <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go link.Run(ctx)

	// let a few attempts fail before the unit comes back
	time.Sleep(35 * time.Millisecond)
	a.False(link.IsConnected())
	a.False(mock.Connected())
	mock.SetConnectErr(nil)

	waitSignal(t, connected)
	a.True(link.IsConnected())
	a.True(mock.Connected())
	a.GreaterOrEqual(mock.ConnectCalls(), 2)
	// each dial is preceded by a close of the stale handle
	a.GreaterOrEqual(mock.CloseCalls(), 2)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	a := assert.New(t)
	link, mock := newTestLink(t)
	link.SetWatchdogInterval(time.Hour)

	connected := make(chan struct{}, 1)
	link.SetOnConnect(func() { connected <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- link.Run(ctx) }()

	waitSignal(t, connected)
	cancel()

	a.ErrorIs(waitErr(t, runErr), context.Canceled)
	a.GreaterOrEqual(mock.CloseCalls(), 1)
}
