package unitlink

// State is the link's connection state. It is owned by the Link: every write
// goes through transition, so teardown-on-disconnect and resume-on-connect
// hold no matter which event source caused the change.
type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// IsConnected reports the current link state. The dispatch worker reads it
// before every transaction.
func (l *Link) IsConnected() bool {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.state == Connected
}

// transition moves the state machine and applies the side effects of the
// change. It is idempotent: re-entering the current state does nothing.
//
// Everything from the state check through the side effects runs as one step
// under transitionMu. The dispatch worker's teardown and the watchdog's
// re-dial race from different goroutines, and if a re-dial could resume the
// queue between a teardown's state write and its queue reset, the link would
// end up Connected with a permanently paused queue. The state word keeps its
// own lock so IsConnected never waits behind a callback.
//
// Entering Disconnected discards all queued work before anyone is notified,
// so by the time the OnDisconnect callback runs the dropped tasks are
// already unreachable and their completions will never fire.
func (l *Link) transition(next State) {
	l.transitionMu.Lock()
	defer l.transitionMu.Unlock()

	l.stateMu.Lock()
	if l.state == next {
		l.stateMu.Unlock()
		return
	}
	l.state = next
	l.stateMu.Unlock()

	switch next {
	case Connected:
		l.logger.Info("Unit link connected")
		l.queue.resume()
		if l.onConnect != nil {
			l.onConnect()
		}
	case Disconnected:
		dropped := l.queue.reset()
		l.logger.Warn("Unit link disconnected", "dropped_tasks", dropped)
		if l.onDisconnect != nil {
			l.onDisconnect(dropped)
		}
	}
}

// reportFailure is the funnel for transaction-level failures: log, then tear
// the link down. The next watchdog pass re-dials.
func (l *Link) reportFailure(err error) {
	l.logger.Error("Unit transaction failed", "error", err)
	l.transition(Disconnected)
}

// checkConnection re-dials while the link is down. Any stale half-open
// handle is closed first so the fresh connect starts from a clean socket.
func (l *Link) checkConnection() {
	if l.IsConnected() {
		return
	}

	if err := l.transport.Close(); err != nil {
		l.logger.Debug("Failed to close stale transport handle", "error", err)
	}

	if err := l.transport.Connect(); err != nil {
		l.logger.Warn("Failed to connect to unit", "error", err)
		return
	}

	l.transition(Connected)
}
