// Package exchange implements the per-connection protocol conversations:
// listing, push-sync listing, upload and download, each from the initiating
// and the responding side.
//
// Every conversation is one Exchange value tagged with a Role and a Kind. Its
// step function is looked up from a table and advanced phase by phase until
// phaseDone; frames are strictly request/reply.
package exchange

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/schaermu/pingsync/internal/ledger"
	"github.com/schaermu/pingsync/internal/protocol"
)

// Role is the side of the conversation
type Role int

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Initiator {
		return "initiator"
	}
	return "responder"
}

// Kind is the conversation type
type Kind int

const (
	// KindList enumerates remote files (DWLIST).
	KindList Kind = iota
	// KindPushList sends a local listing so the peer can prune (UPLIST).
	KindPushList
	// KindUpload pushes one file (UPCHUNK/UPDATA).
	KindUpload
	// KindDownload pulls one file (DWCHUNK/DWDATA).
	KindDownload
)

func (k Kind) String() string {
	switch k {
	case KindList:
		return "list"
	case KindPushList:
		return "push-list"
	case KindUpload:
		return "upload"
	case KindDownload:
		return "download"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// KindOf maps the opening command of a conversation to its kind
func KindOf(cmd protocol.Command) (Kind, error) {
	switch cmd {
	case protocol.CmdDwList:
		return KindList, nil
	case protocol.CmdUpList:
		return KindPushList, nil
	case protocol.CmdUpChunk:
		return KindUpload, nil
	case protocol.CmdDwChunk:
		return KindDownload, nil
	}
	return 0, fmt.Errorf("%w: %s cannot open an exchange", ErrUnexpectedCommand, cmd)
}

var (
	// ErrUnexpectedCommand is a protocol violation by the peer.
	ErrUnexpectedCommand = errors.New("unexpected command")
	// ErrIncomplete means the stream ended before the declared size.
	ErrIncomplete = errors.New("incomplete transfer")
	// ErrOffsetMismatch means the peers disagree about the file position.
	ErrOffsetMismatch = errors.New("offset mismatch")
)

// RemoteError is a failure reported by the peer in a reply
type RemoteError struct {
	Command  protocol.Command
	Filename string
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("peer rejected %s %s: %s", e.Command, e.Filename, e.Message)
}

// Options tunes one exchange
type Options struct {
	// ChunkSize is the payload bound this side declares.
	ChunkSize int64
	// Timeout bounds every frame read.
	Timeout time.Duration
	// Sync enables ledger consultation and write-back.
	Sync bool
	// Root is the served directory (responder only).
	Root string
	// Progress, when set, is called with every payload byte count moved.
	Progress func(n int64)
}

func (o Options) chunk() int64 {
	if o.ChunkSize <= 0 {
		return protocol.DefaultChunkSize
	}
	return min(o.ChunkSize, protocol.MaxChunkSize)
}

// Result summarizes a finished exchange
type Result struct {
	// Skipped is set when the responder short-circuited: nothing to move.
	Skipped bool
	// Resumed is set when the transfer continued from a sidecar position.
	Resumed bool
	// Start is the confirmed starting offset.
	Start int64
	// Bytes counts payload bytes moved in this exchange.
	Bytes int64
	// Size and Checksum describe the transferred file.
	Size     int64
	Checksum string
	// Entries holds a decoded listing.
	Entries []string
	// Message is the peer's closing message, if any.
	Message string
}

type phase int

const (
	phaseOpen phase = iota
	phaseStream
	phaseFinish
	phaseDone
)

type stepFunc func(x *Exchange) (phase, error)

// machines is the role x kind dispatch table
var machines = map[Role]map[Kind]stepFunc{
	Initiator: {
		KindList:     (*Exchange).listInitiator,
		KindPushList: (*Exchange).pushListInitiator,
		KindUpload:   (*Exchange).uploadInitiator,
		KindDownload: (*Exchange).downloadInitiator,
	},
	Responder: {
		KindList:     (*Exchange).listResponder,
		KindPushList: (*Exchange).pushListResponder,
		KindUpload:   (*Exchange).uploadResponder,
		KindDownload: (*Exchange).downloadResponder,
	},
}

// Exchange is one conversation over one connection
type Exchange struct {
	role   Role
	kind   Kind
	conn   *protocol.Conn
	ledger *ledger.Ledger
	opts   Options
	logger *slog.Logger

	phase phase
	last  *protocol.Packet

	// file exchanges
	name  string
	path  string
	file  *os.File
	chunk int64
	pos   int64
	size  int64
	sum   string

	// listing exchanges
	listing []byte
	offset  int
	entries []string

	result Result
}

func newExchange(role Role, kind Kind, conn *protocol.Conn, led *ledger.Ledger, opts Options, logger *slog.Logger) *Exchange {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Exchange{
		role:   role,
		kind:   kind,
		conn:   conn,
		ledger: led,
		opts:   opts,
		logger: logger.With("exchange", kind.String(), "role", role.String()),
		chunk:  opts.chunk(),
	}
}

// run advances the state machine to completion and releases file handles
func (x *Exchange) run() error {
	step := machines[x.role][x.kind]
	defer x.closeFile()

	for x.phase != phaseDone {
		next, err := step(x)
		if err != nil {
			return err
		}
		x.phase = next
	}
	return nil
}

func (x *Exchange) closeFile() {
	if x.file != nil {
		_ = x.file.Close()
		x.file = nil
	}
}

// send writes p and remembers it as the last frame of this side
func (x *Exchange) send(p *protocol.Packet) error {
	if err := x.conn.Send(p); err != nil {
		return fmt.Errorf("%s %s: %w", x.kind, x.name, err)
	}
	return nil
}

// recv reads the next frame and records it as the packet to reply to
func (x *Exchange) recv() (*protocol.Packet, error) {
	p, err := x.conn.Recv(x.opts.Timeout)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", x.kind, x.name, err)
	}
	x.last = p
	return p, nil
}

// expectOK turns a failure reply into a RemoteError
func (x *Exchange) expectOK(p *protocol.Packet) error {
	if p.OK() {
		return nil
	}
	return &RemoteError{Command: p.Command, Filename: x.name, Message: p.Message}
}

// expect checks the command of a received frame
func (x *Exchange) expect(p *protocol.Packet, cmd protocol.Command) error {
	if p.Command != cmd {
		return fmt.Errorf("%w: got %s, want %s", ErrUnexpectedCommand, p.Command, cmd)
	}
	return nil
}

// reject replies to the last frame with a failure and ends the exchange
func (x *Exchange) reject(format string, args ...any) (phase, error) {
	reply := &protocol.Packet{Command: x.last.Command, Filename: x.last.Filename}
	reply.Fail(format, args...)
	x.logger.Warn("exchange rejected", "file", x.name, "reason", reply.Message)
	if err := x.send(reply); err != nil {
		return phaseDone, err
	}
	return phaseDone, nil
}

func (x *Exchange) progress(n int) {
	x.result.Bytes += int64(n)
	if x.opts.Progress != nil && n > 0 {
		x.opts.Progress(int64(n))
	}
}

// List asks the peer for the files under remote
func List(conn *protocol.Conn, opts Options, logger *slog.Logger, remote string) ([]string, error) {
	x := newExchange(Initiator, KindList, conn, nil, opts, logger)
	x.name = remote
	if err := x.run(); err != nil {
		return nil, err
	}
	return x.result.Entries, nil
}

// PushList sends entries (relative to the peer root) for scope so the peer
// removes the files that are no longer present. It returns the peer's
// closing message.
func PushList(conn *protocol.Conn, opts Options, logger *slog.Logger, scope string, entries []string) (string, error) {
	x := newExchange(Initiator, KindPushList, conn, nil, opts, logger)
	x.name = scope
	x.entries = entries
	if err := x.run(); err != nil {
		return "", err
	}
	return x.result.Message, nil
}

// Upload pushes the local file at path to the peer as name. A known checksum
// may be passed to avoid hashing the file twice.
func Upload(conn *protocol.Conn, led *ledger.Ledger, opts Options, logger *slog.Logger, path, name, sum string) (*Result, error) {
	x := newExchange(Initiator, KindUpload, conn, led, opts, logger)
	x.path = path
	x.name = name
	x.sum = sum
	if err := x.run(); err != nil {
		return &x.result, err
	}
	return &x.result, nil
}

// Download pulls the peer's file name into the local path
func Download(conn *protocol.Conn, led *ledger.Ledger, opts Options, logger *slog.Logger, name, path string) (*Result, error) {
	x := newExchange(Initiator, KindDownload, conn, led, opts, logger)
	x.path = path
	x.name = name
	if err := x.run(); err != nil {
		return &x.result, err
	}
	return &x.result, nil
}

// Respond serves the conversation opened by first for its whole lifetime
func Respond(conn *protocol.Conn, led *ledger.Ledger, opts Options, logger *slog.Logger, first *protocol.Packet) (*Result, error) {
	kind, err := KindOf(first.Command)
	if err != nil {
		return nil, err
	}
	x := newExchange(Responder, kind, conn, led, opts, logger)
	x.last = first
	x.name = first.Filename
	if err := x.run(); err != nil {
		return &x.result, err
	}
	return &x.result, nil
}
