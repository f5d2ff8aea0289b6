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

// declareLocal fills pos, size and sum with what the initiator already holds
// for the download target: the sidecar when one is usable, otherwise the
// local copy itself.
func (x *Exchange) declareLocal() error {
	info, err := os.Stat(x.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			_ = ledger.ClearState(x.path)
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", x.path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", x.path)
	}

	st, err := ledger.LoadState(x.path)
	if err != nil {
		return err
	}
	if st != nil {
		if st.Position <= info.Size() && st.Position <= st.Size {
			x.pos, x.size, x.sum = st.Position, st.Size, st.Checksum
			return nil
		}
		_ = ledger.ClearState(x.path)
	}

	sum, err := x.ledger.Checksum(x.path)
	if err != nil {
		return fmt.Errorf("failed to compute checksum of %s: %w", x.path, err)
	}
	x.pos, x.size, x.sum = 0, info.Size(), sum
	return nil
}

// openTarget creates or reopens the local file so that writes continue at
// x.pos.
func (x *Exchange) openTarget() error {
	if err := os.MkdirAll(filepath.Dir(x.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", x.path, err)
	}
	var err error
	if x.pos > 0 {
		x.file, err = os.OpenFile(x.path, os.O_WRONLY|os.O_CREATE, 0644)
		if err == nil {
			err = x.file.Truncate(x.pos)
		}
		if err == nil {
			_, err = x.file.Seek(x.pos, io.SeekStart)
		}
	} else {
		x.file, err = os.OpenFile(x.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	}
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", x.path, err)
	}
	return nil
}

// downloadInitiator declares its local state, then acknowledges DWDATA
// frames and appends their payload until the sentinel arrives.
func (x *Exchange) downloadInitiator() (phase, error) {
	switch x.phase {
	case phaseOpen:
		if err := x.declareLocal(); err != nil {
			return phaseDone, err
		}
		req := &protocol.Packet{
			Command:      protocol.CmdDwChunk,
			Filename:     x.name,
			Checksum:     x.sum,
			FilePosition: protocol.Int64(x.pos),
			FileSize:     protocol.Int64(x.size),
			ChunkSize:    protocol.Int64(x.chunk),
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
			x.result.Size = reply.Size()
			x.result.Checksum = reply.Checksum
			_ = ledger.ClearState(x.path)
			if x.opts.Sync {
				if err := x.ledger.Record(x.path, x.sum); err != nil {
					x.logger.Warn("failed to record checksum", "file", x.name, "error", err)
				}
			}
			x.logger.Debug("peer reports no changes", "file", x.name)
			return phaseDone, nil
		}

		x.pos = reply.Position()
		x.size = reply.Size()
		x.sum = reply.Checksum
		x.result.Start = x.pos
		x.result.Resumed = x.pos > 0
		x.result.Size = x.size
		x.result.Checksum = x.sum
		if err := x.openTarget(); err != nil {
			return phaseDone, err
		}
		if x.result.Resumed {
			x.logger.Info("resuming download", "file", x.name, "position", x.pos, "size", x.size)
		}
		if x.pos >= x.size {
			return phaseFinish, nil
		}
		return phaseStream, nil

	case phaseStream:
		ack := x.last.Clone()
		ack.Command = protocol.CmdDwData
		ack.FilePosition = protocol.Int64(x.pos)
		if err := x.send(ack); err != nil {
			return phaseDone, err
		}
		frame, err := x.recv()
		if err != nil {
			return phaseDone, err
		}
		if err := x.expectOK(frame); err != nil {
			return phaseDone, err
		}
		if err := x.expect(frame, protocol.CmdDwData); err != nil {
			return phaseDone, err
		}
		if frame.AtEnd() {
			return phaseFinish, nil
		}
		if frame.Position() != x.pos {
			return phaseDone, fmt.Errorf("%w: peer sent %d, expected %d", ErrOffsetMismatch, frame.Position(), x.pos)
		}

		n, err := x.file.Write(frame.ChunkBytes)
		if err != nil {
			return phaseDone, fmt.Errorf("failed to write %s: %w", x.path, err)
		}
		x.pos += int64(n)
		x.progress(n)
		if err := ledger.SaveState(x.path, ledger.TransferState{Position: x.pos, Size: x.size, Checksum: x.sum}); err != nil {
			return phaseDone, err
		}
		return phaseStream, nil

	case phaseFinish:
		if err := x.file.Close(); err != nil {
			x.file = nil
			return phaseDone, fmt.Errorf("failed to close %s: %w", x.path, err)
		}
		x.file = nil

		if x.pos != x.size {
			return phaseDone, fmt.Errorf("%w: %s ended at %d of %d", ErrIncomplete, x.name, x.pos, x.size)
		}
		if err := ledger.ClearState(x.path); err != nil {
			x.logger.Warn("failed to clear transfer state", "file", x.name, "error", err)
		}
		if x.opts.Sync {
			if err := x.ledger.Record(x.path, x.sum); err != nil {
				x.logger.Warn("failed to record checksum", "file", x.name, "error", err)
			}
		}
		x.logger.Info("download complete", "file", x.name, "size", x.size, "bytes", x.result.Bytes)
		return phaseDone, nil
	}
	return phaseDone, nil
}

// downloadStatus compares the served file with what the initiator declared
// and returns the checksum to announce.
func (x *Exchange) downloadStatus(target, declared string) (ledger.Status, string, error) {
	if x.opts.Sync {
		return x.ledger.DownloadStatus(target, declared)
	}
	onDisk, err := x.ledger.Checksum(target)
	if err != nil {
		return ledger.Changed, "", err
	}
	if declared != "" && onDisk == declared {
		return ledger.Unchanged, onDisk, nil
	}
	return ledger.Changed, onDisk, nil
}

// downloadResponder confirms the starting position, then serves one chunk
// per DWDATA acknowledgement.
func (x *Exchange) downloadResponder() (phase, error) {
	switch x.phase {
	case phaseOpen:
		x.chunk = x.last.Chunk()
		declaredPos := x.last.Position()
		declaredSize := x.last.Size()

		target, err := fileset.Resolve(x.opts.Root, x.name)
		if err != nil {
			return x.reject("%v", err)
		}
		x.path = target
		info, err := os.Stat(target)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return x.reject("%s not exists", x.name)
			}
			return x.reject("failed to stat %s: %v", x.name, err)
		}
		if info.IsDir() {
			return x.reject("%s is a directory", x.name)
		}
		x.size = info.Size()

		status, effective, err := x.downloadStatus(target, x.last.Checksum)
		if err != nil {
			return x.reject("failed to check %s: %v", x.name, err)
		}
		x.sum = effective
		x.logger.Debug("download change check", "file", x.name, "status", status)
		if x.opts.Sync && (status == ledger.Matched || status == ledger.Untracked) {
			if err := x.ledger.Record(target, effective); err != nil {
				x.logger.Warn("failed to record checksum", "file", x.name, "error", err)
			}
		}

		reply := x.last.Clone()
		reply.FileSize = protocol.Int64(x.size)
		reply.Checksum = x.sum
		switch {
		case status.Current() && declaredSize == x.size && declaredPos == 0:
			reply.FilePosition = protocol.Int64(protocol.SentinelEnd)
			reply.Message = "not changed"
			x.result.Skipped = true
			x.result.Size = x.size
			x.result.Checksum = x.sum
			return phaseDone, x.send(reply)
		case status.Current() && declaredSize == x.size && declaredPos <= x.size:
			x.pos = declaredPos
		default:
			x.pos = 0
		}

		f, err := os.Open(target)
		if err != nil {
			return x.reject("failed to open %s: %v", x.name, err)
		}
		x.file = f
		x.result.Start = x.pos
		x.result.Resumed = x.pos > 0
		x.result.Size = x.size
		x.result.Checksum = x.sum

		reply.FilePosition = protocol.Int64(x.pos)
		if err := x.send(reply); err != nil {
			return phaseDone, err
		}
		if x.pos >= x.size {
			return phaseDone, nil
		}
		return phaseStream, nil

	case phaseStream:
		ack, err := x.recv()
		if err != nil {
			return phaseDone, err
		}
		if err := x.expect(ack, protocol.CmdDwData); err != nil {
			return phaseDone, err
		}
		if !ack.OK() {
			return phaseDone, nil
		}

		buf := make([]byte, min(x.chunk, max(x.size-x.pos, 0)))
		n, err := x.file.ReadAt(buf, x.pos)
		if err != nil && !errors.Is(err, io.EOF) {
			return x.reject("failed to read %s: %v", x.name, err)
		}
		reply := ack.Clone()
		if n == 0 {
			reply.FilePosition = protocol.Int64(protocol.SentinelEnd)
			x.logger.Info("download served", "file", x.name, "size", x.size, "bytes", x.result.Bytes)
			return phaseDone, x.send(reply)
		}
		reply.FilePosition = protocol.Int64(x.pos)
		reply.ChunkBytes = buf[:n]
		x.pos += int64(n)
		x.progress(n)
		return phaseStream, x.send(reply)
	}
	return phaseDone, nil
}
