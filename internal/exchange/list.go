package exchange

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/schaermu/pingsync/internal/fileset"
	"github.com/schaermu/pingsync/internal/ledger"
	"github.com/schaermu/pingsync/internal/protocol"
)

// EncodeListing joins base64-encoded entries with commas
func EncodeListing(entries []string) []byte {
	enc := make([]string, 0, len(entries))
	for _, e := range entries {
		enc = append(enc, base64.StdEncoding.EncodeToString([]byte(e)))
	}
	return []byte(strings.Join(enc, ","))
}

// DecodeListing reverses EncodeListing; the result is sorted and unique
func DecodeListing(data []byte) ([]string, error) {
	seen := make(map[string]bool)
	var entries []string
	for _, field := range strings.Split(string(data), ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(field)
		if err != nil {
			return nil, fmt.Errorf("failed to decode listing entry: %w", err)
		}
		e := string(raw)
		if !seen[e] {
			seen[e] = true
			entries = append(entries, e)
		}
	}
	sort.Strings(entries)
	return entries, nil
}

// nextSlice returns the next chunk of the outbound listing
func (x *Exchange) nextSlice() []byte {
	end := x.offset + int(x.chunk)
	if end > len(x.listing) {
		end = len(x.listing)
	}
	s := x.listing[x.offset:end]
	x.offset = end
	return s
}

// listInitiator requests a listing and acknowledges every slice until the
// end position arrives.
func (x *Exchange) listInitiator() (phase, error) {
	switch x.phase {
	case phaseOpen:
		req := &protocol.Packet{
			Command:   protocol.CmdDwList,
			Filename:  x.name,
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
		x.listing = make([]byte, 0, min(max(reply.Size(), 0), protocol.MaxFrameSize))
		return phaseStream, nil

	case phaseStream:
		if x.last.AtEnd() {
			return phaseFinish, nil
		}
		x.listing = append(x.listing, x.last.ChunkBytes...)
		if err := x.send(x.last.Clone()); err != nil {
			return phaseDone, err
		}
		reply, err := x.recv()
		if err != nil {
			return phaseDone, err
		}
		if err := x.expectOK(reply); err != nil {
			return phaseDone, err
		}
		return phaseStream, nil

	case phaseFinish:
		entries, err := DecodeListing(x.listing)
		if err != nil {
			return phaseDone, err
		}
		x.result.Entries = entries
		x.logger.Debug("listing received", "remote", x.name, "count", len(entries))
		return phaseDone, nil
	}
	return phaseDone, nil
}

// listResponder enumerates files under the requested name and streams the
// encoded listing in chunk-sized slices.
func (x *Exchange) listResponder() (phase, error) {
	switch x.phase {
	case phaseOpen:
		x.chunk = x.last.Chunk()
		target, err := fileset.Resolve(x.opts.Root, x.name)
		if err != nil {
			return x.reject("%v", err)
		}
		files, err := fileset.Collect(target, nil)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return x.reject("%s not exists", x.name)
			}
			return x.reject("failed to list %s: %v", x.name, err)
		}
		if len(files) == 0 {
			return x.reject("no file found in %s", x.name)
		}

		entries := make([]string, 0, len(files))
		for _, f := range files {
			rel, err := fileset.RelativePath(x.opts.Root, f)
			if err != nil {
				return x.reject("failed to list %s: %v", x.name, err)
			}
			entries = append(entries, rel)
		}
		x.listing = EncodeListing(entries)
		x.result.Entries = entries

		reply := x.last.Clone()
		reply.FileSize = protocol.Int64(int64(len(x.listing)))
		if err := x.send(reply); err != nil {
			return phaseDone, err
		}
		x.logger.Debug("listing prepared", "remote", x.name, "count", len(entries), "bytes", len(x.listing))
		return phaseStream, nil

	case phaseStream:
		ack, err := x.recv()
		if err != nil {
			return phaseDone, err
		}
		if err := x.expect(ack, protocol.CmdDwList); err != nil {
			return phaseDone, err
		}
		if !ack.OK() {
			return phaseDone, nil
		}

		reply := ack.Clone()
		slice := x.nextSlice()
		if len(slice) == 0 {
			reply.FilePosition = protocol.Int64(protocol.SentinelEnd)
			return phaseDone, x.send(reply)
		}
		reply.ChunkBytes = slice
		return phaseStream, x.send(reply)
	}
	return phaseDone, nil
}

// pushListInitiator streams the local listing for a push-sync and waits for
// the peer to report its cleanup.
func (x *Exchange) pushListInitiator() (phase, error) {
	switch x.phase {
	case phaseOpen:
		x.listing = EncodeListing(x.entries)
		req := &protocol.Packet{
			Command:   protocol.CmdUpList,
			Filename:  x.name,
			ChunkSize: protocol.Int64(x.chunk),
			FileSize:  protocol.Int64(int64(len(x.listing))),
		}
		if err := x.send(req); err != nil {
			return phaseDone, err
		}
		ack, err := x.recv()
		if err != nil {
			return phaseDone, err
		}
		return phaseStream, x.expectOK(ack)

	case phaseStream:
		frame := x.last.Clone()
		slice := x.nextSlice()
		if len(slice) == 0 {
			frame.FilePosition = protocol.Int64(protocol.SentinelEnd)
			if err := x.send(frame); err != nil {
				return phaseDone, err
			}
			return phaseFinish, nil
		}
		frame.FilePosition = nil
		frame.ChunkBytes = slice
		if err := x.send(frame); err != nil {
			return phaseDone, err
		}
		ack, err := x.recv()
		if err != nil {
			return phaseDone, err
		}
		return phaseStream, x.expectOK(ack)

	case phaseFinish:
		final, err := x.recv()
		if err != nil {
			return phaseDone, err
		}
		if err := x.expectOK(final); err != nil {
			return phaseDone, err
		}
		x.result.Message = final.Message
		return phaseDone, nil
	}
	return phaseDone, nil
}

// pushListResponder accumulates a peer listing and prunes the served tree
// to match it.
func (x *Exchange) pushListResponder() (phase, error) {
	switch x.phase {
	case phaseOpen:
		x.listing = make([]byte, 0, x.last.Size())
		x.listing = append(x.listing, x.last.ChunkBytes...)
		if x.last.AtEnd() {
			return phaseFinish, nil
		}
		ack := x.last.Clone()
		ack.FilePosition = protocol.Int64(0)
		return phaseStream, x.send(ack)

	case phaseStream:
		frame, err := x.recv()
		if err != nil {
			return phaseDone, err
		}
		if err := x.expect(frame, protocol.CmdUpList); err != nil {
			return phaseDone, err
		}
		if !frame.OK() {
			return phaseDone, nil
		}
		if frame.AtEnd() {
			return phaseFinish, nil
		}
		x.listing = append(x.listing, frame.ChunkBytes...)
		ack := frame.Clone()
		ack.FilePosition = protocol.Int64(int64(len(x.listing)))
		return phaseStream, x.send(ack)

	case phaseFinish:
		entries, err := DecodeListing(x.listing)
		if err != nil {
			return x.reject("%v", err)
		}
		if _, err := fileset.Resolve(x.opts.Root, x.name); err != nil {
			return x.reject("%v", err)
		}
		x.result.Entries = entries

		removed, err := fileset.Prune(x.opts.Root, x.name, entries, x.removeServed)
		if err != nil {
			return x.reject("failed to clean %s: %v", x.name, err)
		}
		for _, p := range removed {
			x.logger.Info("removed file absent from source", "path", p)
		}

		reply := x.last.Clone()
		reply.FilePosition = protocol.Int64(protocol.SentinelEnd)
		reply.Message = fmt.Sprintf("removed %d file(s)", len(removed))
		x.result.Message = reply.Message
		return phaseDone, x.send(reply)
	}
	return phaseDone, nil
}

// removeServed deletes a stale served file and forgets its ledger entry
func (x *Exchange) removeServed(path string) error {
	if x.ledger != nil {
		if err := x.ledger.Forget(path); err != nil {
			x.logger.Warn("failed to forget ledger entry", "path", path, "error", err)
		}
	}
	_ = ledger.ClearState(path)
	return os.Remove(path)
}
