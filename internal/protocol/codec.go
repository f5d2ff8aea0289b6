package protocol

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// HeaderLength is the size of the ASCII decimal length prefix.
	HeaderLength = 8

	// MaxFrameSize bounds a single payload.
	MaxFrameSize = 64 << 20

	// MaxChunkSize bounds the data carried by one frame. It leaves room in
	// MaxFrameSize for the filename, checksum and msgpack framing.
	MaxChunkSize = 16 << 20
)

var (
	// ErrMalformedFrame is returned for an unparsable length prefix or payload.
	ErrMalformedFrame = errors.New("malformed frame")
)

// Encode serializes a packet payload (without the length prefix)
func Encode(p *Packet) ([]byte, error) {
	data, err := msgpack.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode packet: %w", err)
	}
	if len(data) > MaxFrameSize {
		return nil, fmt.Errorf("packet of %d bytes exceeds frame limit", len(data))
	}
	return data, nil
}

// Decode parses a packet payload produced by Encode
func Decode(data []byte) (*Packet, error) {
	var p Packet
	if err := msgpack.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if !p.Command.Valid() {
		return nil, fmt.Errorf("%w: unknown command %q", ErrMalformedFrame, p.Command)
	}
	return &p, nil
}

// header renders the zero-padded length prefix
func header(n int) []byte {
	return []byte(fmt.Sprintf("%0*d", HeaderLength, n))
}

// parseHeader validates and decodes a length prefix
func parseHeader(h []byte) (int, error) {
	if len(h) != HeaderLength {
		return 0, fmt.Errorf("%w: header length %d", ErrMalformedFrame, len(h))
	}
	for _, c := range h {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: non-digit header %q", ErrMalformedFrame, h)
		}
	}
	n, err := strconv.Atoi(string(h))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if n > MaxFrameSize {
		return 0, fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrMalformedFrame, n)
	}
	return n, nil
}
