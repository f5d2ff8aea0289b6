package ledger

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// SidecarSuffix marks the resumption file written next to a transfer target.
const SidecarSuffix = ".@{cnf}"

// TransferState is the persisted progress of one in-flight file transfer
type TransferState struct {
	Position int64
	Size     int64
	Checksum string
}

// IsSidecar reports whether name is a resumption marker
func IsSidecar(name string) bool {
	return strings.HasSuffix(name, SidecarSuffix)
}

// SidecarPath returns the marker location for target
func SidecarPath(target string) string {
	return target + SidecarSuffix
}

func (s TransferState) String() string {
	return fmt.Sprintf("%d,%d,%s", s.Position, s.Size, s.Checksum)
}

// ParseTransferState parses "<position>,<size>,<checksum>"
func ParseTransferState(text string) (*TransferState, error) {
	parts := strings.SplitN(strings.TrimSpace(text), ",", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("expected 3 fields, got %d", len(parts))
	}
	pos, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid position: %w", err)
	}
	size, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid size: %w", err)
	}
	if pos < 0 || size < 0 {
		return nil, fmt.Errorf("negative position or size")
	}
	return &TransferState{Position: pos, Size: size, Checksum: parts[2]}, nil
}

// LoadState reads the sidecar of target. It returns nil when there is none;
// a corrupt sidecar is removed and reported as absent.
func LoadState(target string) (*TransferState, error) {
	data, err := os.ReadFile(SidecarPath(target))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read transfer state: %w", err)
	}
	st, err := ParseTransferState(string(data))
	if err != nil {
		_ = ClearState(target)
		return nil, nil
	}
	return st, nil
}

// SaveState persists progress for target
func SaveState(target string, st TransferState) error {
	if err := os.WriteFile(SidecarPath(target), []byte(st.String()), 0644); err != nil {
		return fmt.Errorf("failed to write transfer state: %w", err)
	}
	return nil
}

// ClearState removes the sidecar of target, if any
func ClearState(target string) error {
	if err := os.Remove(SidecarPath(target)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove transfer state: %w", err)
	}
	return nil
}
