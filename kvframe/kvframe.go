// Package kvframe encodes and decodes the unit's ASCII key=value protocol
// onto fixed-width register frames. The units expose a single register window
// that behaves like a mailbox: the controller writes a request frame, then
// reads the response frame back from the same address. Each 16-bit register
// carries two ASCII bytes.
package kvframe

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	// REQUEST_ADDRESS is the fixed register address of the unit's request/
	// response mailbox. It is a protocol convention of the device family and
	// never varies per variable.
	REQUEST_ADDRESS = uint16(1)

	// REQUEST_FRAME_BYTES is the fixed width of a get request: the device
	// key plus NUL padding, regardless of the variable's register length.
	REQUEST_FRAME_BYTES = 4

	// VALUE_OFFSET is where the value starts in a set frame. The protocol
	// reserves the first seven bytes for `key=` no matter how short the key
	// actually is.
	VALUE_OFFSET = 7
)

var (
	// ErrProtocolMismatch reports a response frame that does not belong to
	// the request: no key/value separator, a foreign key, or a value that
	// cannot be percent-decoded. It indicates the request/response pairing
	// on the shared mailbox has desynchronized.
	ErrProtocolMismatch = errors.New("protocol mismatch")

	// ErrValueTooLong reports a set value that does not fit the variable's
	// register window.
	ErrValueTooLong = errors.New("value too long")
)

// EncodeGetRequest returns the frame that asks the unit to load the keyed
// value into the mailbox: the device key NUL-padded to the fixed request
// width.
func EncodeGetRequest(key string) []byte {
	frame := make([]byte, REQUEST_FRAME_BYTES)
	copy(frame, key)
	return frame
}

// EncodeSetRequest returns the frame that writes `key=value` into a window
// of registerLength registers. The value lands at the fixed offset and the
// rest of the frame is zero filled. Values longer than the window's capacity
// fail with ErrValueTooLong rather than being truncated.
func EncodeSetRequest(key string, value string, registerLength int) ([]byte, error) {
	capacity := registerLength*2 - VALUE_OFFSET
	if len(value) > capacity {
		return nil, fmt.Errorf("%w: %q needs %d bytes but %d registers hold %d", ErrValueTooLong, value, len(value), registerLength, capacity)
	}

	frame := make([]byte, registerLength*2)
	copy(frame, key+"=")
	copy(frame[VALUE_OFFSET:], value)
	return frame, nil
}

// DecodeGetResponse extracts the value from a response frame. The frame must
// carry the requested key before the first separator, otherwise the reply
// belongs to some other request and the exchange is desynchronized. NUL
// padding is trimmed from both ends of the value so that a unit echoing a
// set frame back decodes to the value that was written.
//
// Values arrive percent-encoded and are decoded here; the write path never
// encodes, so a caller storing a literal `%` must pre-escape it.
func DecodeGetResponse(key string, raw []byte) (string, error) {
	text := string(raw)

	got, rest, found := strings.Cut(text, "=")
	if !found {
		return "", fmt.Errorf("%w: no key/value separator in %q", ErrProtocolMismatch, text)
	}
	if got != key {
		return "", fmt.Errorf("%w: response carries key %q, requested %q", ErrProtocolMismatch, got, key)
	}

	value, err := url.PathUnescape(strings.Trim(rest, "\x00"))
	if err != nil {
		return "", fmt.Errorf("%w: undecodable value for %q: %v", ErrProtocolMismatch, key, err)
	}

	return value, nil
}
