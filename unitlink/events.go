package unitlink

import (
	"time"

	"github.com/google/uuid"
	"github.com/hartwell/airbridge/varmap"
)

// GetEvent is emitted once for every completed read, including the readback
// that follows a successful set.
type GetEvent struct {
	ID            uuid.UUID
	Name          string
	Value         string
	Timestamp     time.Time // when this read completed
	LastChangedAt time.Time // when a read last produced a different value
	RequestID     string    // correlation token from the originating request, if any
	Variable      *varmap.Variable
}
