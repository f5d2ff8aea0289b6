package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"

	"golang.org/x/crypto/sha3"
)

// Algorithm names a digest used for file checksums. Both peers of a
// deployment must use the same one.
type Algorithm string

const (
	MD5     Algorithm = "md5"
	SHA1    Algorithm = "sha1"
	SHA256  Algorithm = "sha256"
	SHA512  Algorithm = "sha512"
	SHA3256 Algorithm = "sha3-256"
	SHA3512 Algorithm = "sha3-512"

	Default = SHA512
)

// Valid reports whether a is a supported algorithm
func (a Algorithm) Valid() bool {
	_, err := a.New()
	return err == nil
}

// New returns a fresh hash for the algorithm
func (a Algorithm) New() (hash.Hash, error) {
	switch a {
	case MD5:
		return md5.New(), nil
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA512, "":
		return sha512.New(), nil
	case SHA3256:
		return sha3.New256(), nil
	case SHA3512:
		return sha3.New512(), nil
	default:
		return nil, fmt.Errorf("unsupported checksum algorithm: %s", a)
	}
}

// File computes the hex digest of the file at path
func (a Algorithm) File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = f.Close()
	}()

	return a.Reader(f)
}

// Reader computes the hex digest of everything readable from r
func (a Algorithm) Reader(r io.Reader) (string, error) {
	h, err := a.New()
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Bytes computes the hex digest of data
func (a Algorithm) Bytes(data []byte) (string, error) {
	h, err := a.New()
	if err != nil {
		return "", err
	}
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}
