package unitlink

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hartwell/airbridge/kvframe"
)

// runDispatcher is the single worker that drains the queue. One task runs at
// a time because the unit's mailbox correlates request and response purely
// by order; a second in-flight transaction would pair replies with the wrong
// requests.
func (l *Link) runDispatcher() {
	for {
		t, ok := l.queue.pop()
		if !ok {
			return
		}
		l.dispatch(t)
	}
}

func (l *Link) dispatch(t *task) {
	if !l.IsConnected() {
		l.logger.Debug("Task failed, unit not connected", "kind", t.kind, "variable", t.variable.Name)
		t.complete(fmt.Errorf("%s %q: %w", t.kind, t.variable.Name, ErrNotConnected))
		return
	}

	switch t.kind {
	case taskGet:
		l.dispatchGet(t)
	case taskSet:
		l.dispatchSet(t)
	}
}

// dispatchGet runs one read exchange: write the request frame into the
// mailbox, read the variable's register window back, decode, then publish
// the result.
func (l *Link) dispatchGet(t *task) {
	v := t.variable

	request := kvframe.EncodeGetRequest(v.Key)
	if err := l.transport.WriteRegisters(kvframe.REQUEST_ADDRESS, request); err != nil {
		l.failTransaction(t, fmt.Errorf("write get request for %q: %w", v.Name, err))
		return
	}

	raw, err := l.transport.ReadRegisters(kvframe.REQUEST_ADDRESS, uint16(v.RegisterLength))
	if err != nil {
		l.failTransaction(t, fmt.Errorf("read get response for %q: %w", v.Name, err))
		return
	}

	value, err := kvframe.DecodeGetResponse(v.Key, raw)
	if err != nil {
		// a mismatched reply means the mailbox pairing is lost, so this
		// tears the link down like any transport failure
		l.failTransaction(t, fmt.Errorf("decode get response for %q: %w", v.Name, err))
		return
	}

	now := time.Now().UTC()
	if v.Value == nil || *v.Value != value {
		v.LastChangedAt = now
	}
	v.Value = &value

	l.logger.Debug("Read variable", "variable", v.Name, "value", value)

	if l.onGet != nil {
		l.onGet(GetEvent{
			ID:            uuid.New(),
			Name:          v.Name,
			Value:         value,
			Timestamp:     now,
			LastChangedAt: v.LastChangedAt,
			RequestID:     t.requestID,
			Variable:      v,
		})
	}

	t.complete(nil)
}

// dispatchSet runs one write exchange and, on success, queues a readback so
// the cache reflects what the unit actually stored.
func (l *Link) dispatchSet(t *task) {
	v := t.variable

	frame, err := kvframe.EncodeSetRequest(v.Key, t.value, v.RegisterLength)
	if err != nil {
		// the payload never fits no matter how often it is retried, and the
		// link itself is healthy, so this fails only the one task
		t.complete(fmt.Errorf("set %q: %w", v.Name, err))
		return
	}

	if err := l.transport.WriteRegisters(kvframe.REQUEST_ADDRESS, frame); err != nil {
		l.failTransaction(t, fmt.Errorf("write set request for %q: %w", v.Name, err))
		return
	}

	l.logger.Debug("Wrote variable", "variable", v.Name, "value", t.value)

	t.complete(nil)

	l.queue.push(&task{
		kind:     taskGet,
		variable: v,
		priority: DefaultPriority,
		done: func(err error) {
			if err != nil {
				l.logger.Warn("Readback after set failed", "variable", v.Name, "error", err)
			}
		},
	})
}

// failTransaction handles a failed exchange: the connection manager tears
// the link down first, then the task learns of its failure. Only the
// in-flight task gets a completion; everything still queued is discarded by
// the teardown without one.
func (l *Link) failTransaction(t *task, err error) {
	l.reportFailure(err)
	t.complete(err)
}
