package ledger

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/pingsync/internal/checksum"
)

const (
	// DirName is the ledger directory created under a peer's root.
	DirName = ".changelog"

	// segmentLength bounds each path component of an encoded key.
	segmentLength = 32
)

// Status is the outcome of a change check
type Status int

const (
	// Unchanged means the ledger checksum equals the compared checksum.
	Unchanged Status = 0
	// Matched means there is no ledger entry but the file already matches.
	Matched Status = 1
	// Changed means the ledger entry differs from the compared checksum.
	Changed Status = 2
	// Untracked means there is no ledger entry and nothing proves the file current.
	Untracked Status = 3
)

func (s Status) String() string {
	switch s {
	case Unchanged:
		return "unchanged"
	case Matched:
		return "matched"
	case Changed:
		return "changed"
	case Untracked:
		return "untracked"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Current reports whether the status allows skipping a transfer
func (s Status) Current() bool {
	return s == Unchanged || s == Matched
}

// Ledger records the checksum of every file at its last successful transfer.
// Each entry is one small file under <root>/.changelog, so operations on
// different paths never contend.
type Ledger struct {
	root string
	alg  checksum.Algorithm
}

// New creates a ledger rooted at root (the client work dir or served dir)
func New(root string, alg checksum.Algorithm) (*Ledger, error) {
	abs, err := Canonical(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve ledger root: %w", err)
	}
	if !alg.Valid() {
		return nil, fmt.Errorf("unsupported checksum algorithm: %s", alg)
	}
	return &Ledger{root: abs, alg: alg}, nil
}

// Root returns the canonical peer root
func (l *Ledger) Root() string {
	return l.root
}

// Dir returns the directory holding the entries
func (l *Ledger) Dir() string {
	return filepath.Join(l.root, DirName)
}

// Algorithm returns the checksum algorithm in use
func (l *Ledger) Algorithm() checksum.Algorithm {
	return l.alg
}

// Checksum computes the current checksum of a file
func (l *Ledger) Checksum(path string) (string, error) {
	return l.alg.File(path)
}

// Canonical returns the absolute, cleaned and, where the path or its parent
// exists, symlink-resolved form of path.
func Canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		return filepath.Join(dir, filepath.Base(abs)), nil
	}
	return abs, nil
}

// EncodeKey folds a canonical path into a relative entry path: base64 of the
// slash-separated path, reversed, then split into components of at most 32
// characters.
func EncodeKey(canonical string) string {
	enc := base64.StdEncoding.EncodeToString([]byte(filepath.ToSlash(canonical)))

	r := []byte(enc)
	for i, j := 0, len(r)-1; i < j; i, j = i+1, j-1 {
		r[i], r[j] = r[j], r[i]
	}

	var parts []string
	for _, seg := range strings.Split(string(r), "/") {
		for len(seg) > segmentLength {
			parts = append(parts, seg[:segmentLength])
			seg = seg[segmentLength:]
		}
		if seg != "" {
			parts = append(parts, seg)
		}
	}
	return filepath.Join(parts...)
}

// entryPath maps a file path to its ledger entry location
func (l *Ledger) entryPath(path string) (string, error) {
	canonical, err := Canonical(path)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize %s: %w", path, err)
	}
	return filepath.Join(l.Dir(), EncodeKey(canonical)), nil
}

// Lookup returns the recorded checksum for path
func (l *Ledger) Lookup(path string) (string, bool, error) {
	entry, err := l.entryPath(path)
	if err != nil {
		return "", false, err
	}
	data, err := os.ReadFile(entry)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read ledger entry: %w", err)
	}
	return strings.TrimSpace(string(data)), true, nil
}

// ClientStatus checks a local file against its entry and returns the current
// checksum alongside the status (Unchanged, Changed or Untracked).
func (l *Ledger) ClientStatus(path string) (Status, string, error) {
	sum, err := l.Checksum(path)
	if err != nil {
		return Changed, "", fmt.Errorf("failed to compute checksum of %s: %w", path, err)
	}
	recorded, ok, err := l.Lookup(path)
	if err != nil {
		return Changed, sum, err
	}
	switch {
	case !ok:
		return Untracked, sum, nil
	case recorded == sum:
		return Unchanged, sum, nil
	default:
		return Changed, sum, nil
	}
}

// UploadStatus decides whether an incoming upload with the given checksum
// would change the file at path.
func (l *Ledger) UploadStatus(path, incoming string) (Status, error) {
	if path == "" || incoming == "" {
		return Changed, nil
	}
	recorded, ok, err := l.Lookup(path)
	if err != nil {
		return Changed, err
	}
	if ok {
		if recorded == incoming {
			return Unchanged, nil
		}
		return Changed, nil
	}

	onDisk, err := l.Checksum(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Untracked, nil
		}
		return Changed, fmt.Errorf("failed to compute checksum of %s: %w", path, err)
	}
	if onDisk == incoming {
		return Matched, nil
	}
	return Untracked, nil
}

// DownloadStatus compares the file at path against the checksum a client
// declared. The returned effective checksum is the ledger value when an
// entry exists, else the file's own checksum.
func (l *Ledger) DownloadStatus(path, declared string) (Status, string, error) {
	if path == "" {
		return Changed, "", nil
	}
	recorded, ok, err := l.Lookup(path)
	if err != nil {
		return Changed, "", err
	}
	if ok {
		if declared != "" && recorded == declared {
			return Unchanged, recorded, nil
		}
		return Changed, recorded, nil
	}

	onDisk, err := l.Checksum(path)
	if err != nil {
		return Changed, "", fmt.Errorf("failed to compute checksum of %s: %w", path, err)
	}
	if declared != "" && onDisk == declared {
		return Matched, onDisk, nil
	}
	return Untracked, onDisk, nil
}

// Record stores sum as the checksum of path. An empty sum is computed from
// the file on disk.
func (l *Ledger) Record(path, sum string) error {
	if sum == "" {
		computed, err := l.Checksum(path)
		if err != nil {
			return fmt.Errorf("failed to compute checksum of %s: %w", path, err)
		}
		sum = computed
	}
	entry, err := l.entryPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(entry), 0755); err != nil {
		return fmt.Errorf("failed to create ledger directory: %w", err)
	}
	if err := os.WriteFile(entry, []byte(sum), 0644); err != nil {
		return fmt.Errorf("failed to write ledger entry: %w", err)
	}
	return nil
}

// Forget removes the entry for path. A missing entry is not an error.
func (l *Ledger) Forget(path string) error {
	entry, err := l.entryPath(path)
	if err != nil {
		return err
	}
	if err := os.Remove(entry); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove ledger entry: %w", err)
	}
	return nil
}
