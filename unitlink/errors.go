package unitlink

import "errors"

var (
	// ErrNotConnected is the completion error of a task dispatched while the
	// link was down. No transport call is attempted for such a task.
	ErrNotConnected = errors.New("not connected to unit")

	// ErrUnknownVariable is returned synchronously by Get and Set when the
	// name is not in the registry.
	ErrUnknownVariable = errors.New("unknown variable")
)
