package protocol

import (
	"fmt"
	"math"
	"strings"
)

// Command identifies the exchange a packet belongs to
type Command string

const (
	CmdUpList  Command = "UPLIST"
	CmdUpChunk Command = "UPCHUNK"
	CmdUpData  Command = "UPDATA"
	CmdDwList  Command = "DWLIST"
	CmdDwChunk Command = "DWCHUNK"
	CmdDwData  Command = "DWDATA"
)

const (
	// SentinelEnd is the reserved position marking the end of a stream.
	SentinelEnd int64 = math.MaxInt64

	// DefaultChunkSize is used when a request does not declare a chunk size.
	DefaultChunkSize int64 = 1024
)

// Valid reports whether c is one of the known commands
func (c Command) Valid() bool {
	switch c {
	case CmdUpList, CmdUpChunk, CmdUpData, CmdDwList, CmdDwChunk, CmdDwData:
		return true
	}
	return false
}

// Packet is the unit of wire exchange.
//
// The result of the previous step travels as Failed/Message so that the zero
// value means "ok". Optional numeric fields are pointers; nil means absent.
type Packet struct {
	Command      Command `msgpack:"cmd"`
	Failed       bool    `msgpack:"failed,omitempty"`
	Message      string  `msgpack:"msg,omitempty"`
	Filename     string  `msgpack:"name,omitempty"`
	Checksum     string  `msgpack:"sum,omitempty"`
	FilePosition *int64  `msgpack:"pos,omitempty"`
	FileSize     *int64  `msgpack:"size,omitempty"`
	ChunkSize    *int64  `msgpack:"chunk,omitempty"`
	ChunkBytes   []byte  `msgpack:"data,omitempty"`
}

// Int64 returns a pointer to v, for filling optional packet fields
func Int64(v int64) *int64 {
	return &v
}

// OK reports whether the peer signalled success
func (p *Packet) OK() bool {
	return !p.Failed
}

// Fail marks the packet as carrying a failure result
func (p *Packet) Fail(format string, args ...any) *Packet {
	p.Failed = true
	p.Message = fmt.Sprintf(format, args...)
	return p
}

// Position returns FilePosition, or 0 when absent
func (p *Packet) Position() int64 {
	if p.FilePosition == nil {
		return 0
	}
	return *p.FilePosition
}

// Size returns FileSize, or 0 when absent
func (p *Packet) Size() int64 {
	if p.FileSize == nil {
		return 0
	}
	return *p.FileSize
}

// Chunk returns the declared chunk size, falling back to DefaultChunkSize
// and capped at MaxChunkSize
func (p *Packet) Chunk() int64 {
	if p.ChunkSize == nil || *p.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return min(*p.ChunkSize, MaxChunkSize)
}

// AtEnd reports whether the packet carries the end-of-stream position
func (p *Packet) AtEnd() bool {
	return p.FilePosition != nil && *p.FilePosition == SentinelEnd
}

// Clone builds a reply to p. Only the identity fields (command, filename and
// position) survive; result, checksum, sizes and payload are cleared.
func (p *Packet) Clone() *Packet {
	c := &Packet{
		Command:  p.Command,
		Filename: p.Filename,
	}
	if p.FilePosition != nil {
		c.FilePosition = Int64(*p.FilePosition)
	}
	return c
}

func (p *Packet) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s", p.Command)
	if p.Failed {
		fmt.Fprintf(&b, " failed=%q", p.Message)
	} else if p.Message != "" {
		fmt.Fprintf(&b, " msg=%q", p.Message)
	}
	if p.Filename != "" {
		fmt.Fprintf(&b, " name=%s", p.Filename)
	}
	if p.FilePosition != nil {
		if *p.FilePosition == SentinelEnd {
			b.WriteString(" pos=END")
		} else {
			fmt.Fprintf(&b, " pos=%d", *p.FilePosition)
		}
	}
	if p.FileSize != nil {
		fmt.Fprintf(&b, " size=%d", *p.FileSize)
	}
	if p.ChunkSize != nil {
		fmt.Fprintf(&b, " chunk=%d", *p.ChunkSize)
	}
	if len(p.ChunkBytes) > 0 {
		fmt.Fprintf(&b, " bytes=%d", len(p.ChunkBytes))
	}
	return b.String()
}
