// Package unitlink owns the session with one air-handling unit: a connection
// state machine with a reconnect watchdog, a priority queue dispatching one
// transaction at a time, and background polling of variables with a refresh
// interval. Results surface as callbacks; queued work is deliberately
// discarded, not retried, whenever the link drops.
package unitlink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hartwell/airbridge/regbus"
	"github.com/hartwell/airbridge/varmap"
)

// DefaultPriority is the background priority used by the poller and by
// requests that do not ask for anything better. Lower values dispatch first,
// so explicit requests with a small priority always overtake polling.
const DefaultPriority = 99

const (
	defaultWatchdogInterval = 10 * time.Second
	defaultStaggerStep      = 500 * time.Millisecond
)

// Link manages all access to a single unit.
type Link struct {
	registry  *varmap.Registry
	transport regbus.Transport
	logger    *slog.Logger

	watchdogInterval time.Duration
	staggerStep      time.Duration

	queue *taskQueue

	onConnect    func()
	onDisconnect func(dropped int)
	onGet        func(GetEvent)

	// transitionMu makes each state change and its side effects one atomic
	// step; stateMu guards only the state word for readers.
	transitionMu sync.Mutex
	stateMu      sync.Mutex
	state        State
}

// RequestOptions carries the optional parts of a Get or Set.
type RequestOptions struct {
	// RequestID is an opaque correlation token echoed back on the matching
	// get notification.
	RequestID string

	// Priority orders dispatch, lower first. Zero or negative selects
	// DefaultPriority.
	Priority int

	// Done is invoked once when the task completes, with nil on success.
	// Tasks dropped by a disconnect teardown are never completed, so Done
	// must not be relied on to always fire.
	Done func(err error)
}

func New(registry *varmap.Registry, transport regbus.Transport, logger *slog.Logger) *Link {
	return &Link{
		registry:         registry,
		transport:        transport,
		logger:           logger,
		watchdogInterval: defaultWatchdogInterval,
		staggerStep:      defaultStaggerStep,
		queue:            newTaskQueue(),
		state:            Disconnected,
	}
}

// SetOnConnect registers f to run on every transition to Connected. Connect
// and disconnect callbacks run inside the state change itself and should
// return promptly. All callback and interval setters must be called before
// Run.
func (l *Link) SetOnConnect(f func()) {
	l.onConnect = f
}

// SetOnDisconnect registers f to run on every transition to Disconnected.
// The dropped count is how many queued tasks were discarded without
// completion; it is the only signal that work was lost.
func (l *Link) SetOnDisconnect(f func(dropped int)) {
	l.onDisconnect = f
}

// SetOnGet registers f to run once per completed read, including readbacks
// triggered by sets. It runs on the dispatch worker, so it must not block
// for long and must not call back into Get or Set synchronously expecting
// the result.
func (l *Link) SetOnGet(f func(GetEvent)) {
	l.onGet = f
}

// SetWatchdogInterval overrides how often the link checks for a lost
// connection and re-dials.
func (l *Link) SetWatchdogInterval(d time.Duration) {
	l.watchdogInterval = d
}

// SetStaggerStep overrides the spacing between the initial poll of each
// variable.
func (l *Link) SetStaggerStep(d time.Duration) {
	l.staggerStep = d
}

// Has reports whether the named variable is registered.
func (l *Link) Has(name string) bool {
	return l.registry.Has(name)
}

// Get queues a read of the named variable. It returns immediately; the
// decoded value arrives through the OnGet callback. The returned error is
// nil unless the name is unknown.
func (l *Link) Get(name string, opts *RequestOptions) error {
	v, ok := l.registry.ByName(name)
	if !ok {
		return fmt.Errorf("get %q: %w", name, ErrUnknownVariable)
	}

	priority, requestID, done := requestParams(opts)
	l.queue.push(&task{
		kind:      taskGet,
		variable:  v,
		priority:  priority,
		requestID: requestID,
		done:      done,
	})
	return nil
}

// Set queues a write of the named variable. On success the link queues a
// follow-up read at background priority, so the cached value always comes
// back from the unit rather than from what was sent.
func (l *Link) Set(name string, value string, opts *RequestOptions) error {
	v, ok := l.registry.ByName(name)
	if !ok {
		return fmt.Errorf("set %q: %w", name, ErrUnknownVariable)
	}

	priority, requestID, done := requestParams(opts)
	l.queue.push(&task{
		kind:      taskSet,
		variable:  v,
		value:     value,
		priority:  priority,
		requestID: requestID,
		done:      done,
	})
	return nil
}

func requestParams(opts *RequestOptions) (priority int, requestID string, done func(error)) {
	priority = DefaultPriority
	if opts == nil {
		return priority, "", nil
	}
	if opts.Priority > 0 {
		priority = opts.Priority
	}
	return priority, opts.RequestID, opts.Done
}

// Run connects to the unit and keeps the link alive until the context is
// cancelled. It starts the dispatch worker and the background pollers, makes
// an immediate connect attempt and then re-checks the connection every
// watchdog interval.
func (l *Link) Run(ctx context.Context) error {
	go l.runDispatcher()
	l.startPollers(ctx)

	l.checkConnection()

	watchdogTicker := time.NewTicker(l.watchdogInterval)
	defer watchdogTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.queue.close()
			if err := l.transport.Close(); err != nil {
				l.logger.Debug("Failed to close transport on shutdown", "error", err)
			}
			return ctx.Err()
		case <-watchdogTicker.C:
			l.checkConnection()
		}
	}
}
