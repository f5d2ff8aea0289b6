package exchange

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/schaermu/pingsync/internal/fileset"
	"github.com/schaermu/pingsync/internal/ledger"
	"github.com/schaermu/pingsync/internal/protocol"
)

// uploadInitiator declares the local file, then streams UPDATA frames from
// whatever offset the responder confirms. A zero-length frame ends the file.
func (x *Exchange) uploadInitiator() (phase, error) {
	switch x.phase {
	case phaseOpen:
		f, err := os.Open(x.path)
		if err != nil {
			return phaseDone, fmt.Errorf("failed to open %s: %w", x.path, err)
		}
		x.file = f
		info, err := f.Stat()
		if err != nil {
			return phaseDone, fmt.Errorf("failed to stat %s: %w", x.path, err)
		}
		x.size = info.Size()
		if x.sum == "" {
			if x.sum, err = x.ledger.Checksum(x.path); err != nil {
				return phaseDone, fmt.Errorf("failed to compute checksum of %s: %w", x.path, err)
			}
		}
		x.result.Size = x.size
		x.result.Checksum = x.sum

		req := &protocol.Packet{
			Command:   protocol.CmdUpChunk,
			Filename:  x.name,
			Checksum:  x.sum,
			FileSize:  protocol.Int64(x.size),
			ChunkSize: protocol.Int64(x.chunk),
		}
		if err := x.send(req); err != nil {
			return phaseDone, err
		}
		reply, err := x.recv()
		if err != nil {
			return phaseDone, err
		}
		if err := x.expectOK(reply); err != nil {
			return phaseDone, err
		}
		if reply.AtEnd() {
			x.result.Skipped = true
			x.result.Message = reply.Message
			x.logger.Debug("peer reports no changes", "file", x.name)
			return phaseDone, nil
		}

		x.pos = reply.Position()
		x.result.Start = x.pos
		x.result.Resumed = x.pos > 0
		if x.result.Resumed {
			x.logger.Info("resuming upload", "file", x.name, "position", x.pos, "size", x.size)
		}
		return phaseStream, nil

	case phaseStream:
		// Bytes appended after the size was declared are not sent.
		buf := make([]byte, min(x.chunk, max(x.size-x.pos, 0)))
		n, err := x.file.ReadAt(buf, x.pos)
		if err != nil && !errors.Is(err, io.EOF) {
			return phaseDone, fmt.Errorf("failed to read %s at %d: %w", x.path, x.pos, err)
		}

		frame := x.last.Clone()
		frame.Command = protocol.CmdUpData
		frame.FilePosition = nil
		if n == 0 {
			// End of file: the responder finalizes without replying.
			frame.FilePosition = protocol.Int64(protocol.SentinelEnd)
			return phaseDone, x.send(frame)
		}

		frame.ChunkBytes = buf[:n]
		if err := x.send(frame); err != nil {
			return phaseDone, err
		}
		x.progress(n)

		reply, err := x.recv()
		if err != nil {
			return phaseDone, err
		}
		if err := x.expectOK(reply); err != nil {
			return phaseDone, err
		}
		if want := x.pos + int64(n); reply.Position() != want {
			return phaseDone, fmt.Errorf("%w: peer confirmed %d, expected %d", ErrOffsetMismatch, reply.Position(), want)
		}
		x.pos = reply.Position()
		return phaseStream, nil
	}
	return phaseDone, nil
}

// uploadStatus decides whether an existing target already holds the
// incoming content.
func (x *Exchange) uploadStatus(target, incoming string) (ledger.Status, error) {
	if x.opts.Sync {
		return x.ledger.UploadStatus(target, incoming)
	}
	onDisk, err := x.ledger.Checksum(target)
	if err != nil {
		return ledger.Changed, err
	}
	if onDisk == incoming {
		return ledger.Unchanged, nil
	}
	return ledger.Changed, nil
}

// uploadResponder negotiates the starting offset (resume, short-circuit or
// restart), then writes every UPDATA payload and persists the sidecar.
func (x *Exchange) uploadResponder() (phase, error) {
	switch x.phase {
	case phaseOpen:
		x.chunk = x.last.Chunk()
		x.size = x.last.Size()
		x.sum = x.last.Checksum

		target, err := fileset.Resolve(x.opts.Root, x.name)
		if err != nil {
			return x.reject("%v", err)
		}
		x.path = target
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return x.reject("failed to create directory for %s: %v", x.name, err)
		}

		resume := false
		info, err := os.Stat(target)
		switch {
		case err == nil && info.IsDir():
			return x.reject("%s is a directory", x.name)

		case err == nil:
			st, err := ledger.LoadState(target)
			if err != nil {
				return x.reject("%v", err)
			}
			if st != nil {
				if st.Checksum == x.sum && st.Size == x.size && st.Position <= x.size && st.Position <= info.Size() {
					x.pos = st.Position
					resume = true
				} else {
					_ = ledger.ClearState(target)
				}
				break
			}

			status, err := x.uploadStatus(target, x.sum)
			if err != nil {
				return x.reject("failed to check %s: %v", x.name, err)
			}
			x.logger.Debug("upload change check", "file", x.name, "status", status)
			if status.Current() {
				if x.opts.Sync && status == ledger.Matched {
					if err := x.ledger.Record(target, x.sum); err != nil {
						x.logger.Warn("failed to record checksum", "file", x.name, "error", err)
					}
				}
				reply := x.last.Clone()
				reply.FilePosition = protocol.Int64(protocol.SentinelEnd)
				reply.Message = "exist and no changes"
				x.result.Skipped = true
				return phaseDone, x.send(reply)
			}

		case errors.Is(err, os.ErrNotExist):
			_ = ledger.ClearState(target)

		default:
			return x.reject("failed to stat %s: %v", x.name, err)
		}

		if resume {
			x.file, err = os.OpenFile(target, os.O_WRONLY, 0644)
			if err == nil {
				err = x.file.Truncate(x.pos)
			}
			if err == nil {
				_, err = x.file.Seek(x.pos, io.SeekStart)
			}
			x.logger.Info("resuming upload", "file", x.name, "position", x.pos, "size", x.size)
		} else {
			x.pos = 0
			x.file, err = os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
		}
		if err != nil {
			return x.reject("failed to open %s: %v", x.name, err)
		}

		x.result.Start = x.pos
		x.result.Resumed = resume
		x.result.Size = x.size
		x.result.Checksum = x.sum

		reply := x.last.Clone()
		reply.FilePosition = protocol.Int64(x.pos)
		return phaseStream, x.send(reply)

	case phaseStream:
		frame, err := x.recv()
		if err != nil {
			return phaseDone, err
		}
		if err := x.expect(frame, protocol.CmdUpData); err != nil {
			return phaseDone, err
		}
		if len(frame.ChunkBytes) == 0 {
			return phaseFinish, nil
		}

		n, err := x.file.Write(frame.ChunkBytes)
		if err != nil {
			return x.reject("failed to write %s: %v", x.name, err)
		}
		x.pos += int64(n)
		x.progress(n)
		if err := ledger.SaveState(x.path, ledger.TransferState{Position: x.pos, Size: x.size, Checksum: x.sum}); err != nil {
			return x.reject("%v", err)
		}

		reply := frame.Clone()
		reply.FilePosition = protocol.Int64(x.pos)
		return phaseStream, x.send(reply)

	case phaseFinish:
		if err := x.file.Close(); err != nil {
			x.file = nil
			return phaseDone, fmt.Errorf("failed to close %s: %w", x.path, err)
		}
		x.file = nil

		if x.pos != x.size {
			x.logger.Warn("upload ended early", "file", x.name, "position", x.pos, "size", x.size)
			return phaseDone, nil
		}
		if err := ledger.ClearState(x.path); err != nil {
			x.logger.Warn("failed to clear transfer state", "file", x.name, "error", err)
		}
		if x.opts.Sync {
			if err := x.ledger.Record(x.path, x.sum); err != nil {
				x.logger.Warn("failed to record checksum", "file", x.name, "error", err)
			}
		}
		x.logger.Info("upload complete", "file", x.name, "size", x.size, "bytes", x.result.Bytes)
		return phaseDone, nil
	}
	return phaseDone, nil
}
