package checksum

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/sha3"
)

type Algorithm string

const (
	SHA1    Algorithm = "SHA-1"
	SHA256  Algorithm = "SHA-256"
	SHA384  Algorithm = "SHA-384"
	SHA512  Algorithm = "SHA-512"
	SHA3256 Algorithm = "SHA3-256"

	Default = SHA256
)

var ErrUnsupportedAlgorithm = errors.New("unsupported checksum algorithm")

// IOError is returned when the data to hash could not be read.
type IOError struct {
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("failed to read data: %v", e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// MismatchError is returned when a computed digest differs from the expected one.
type MismatchError struct {
	Expected Checksum
	Actual   Checksum
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %s, got %s", e.Expected, e.Actual)
}

var algorithmsByName = map[string]Algorithm{
	"SHA1":    SHA1,
	"SHA256":  SHA256,
	"SHA384":  SHA384,
	"SHA512":  SHA512,
	"SHA3256": SHA3256,
}

// ParseAlgorithm accepts names like "SHA-256", "sha256" or "SHA3-256".
func ParseAlgorithm(name string) (Algorithm, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	n = strings.NewReplacer("-", "", "_", "").Replace(n)
	alg, ok := algorithmsByName[n]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, name)
	}
	return alg, nil
}

func (a Algorithm) newHash() (hash.Hash, error) {
	switch a {
	case SHA1:
		return sha1.New(), nil
	case SHA256:
		return sha256.New(), nil
	case SHA384:
		return sha512.New384(), nil
	case SHA512:
		return sha512.New(), nil
	case SHA3256:
		return sha3.New256(), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, string(a))
}

func (a Algorithm) digestLength() int {
	switch a {
	case SHA1:
		return sha1.Size
	case SHA256, SHA3256:
		return sha256.Size
	case SHA384:
		return sha512.Size384
	case SHA512:
		return sha512.Size
	}
	return 0
}

// Checksum is a digest together with the algorithm that produced it.
type Checksum struct {
	Algorithm Algorithm
	Digest    string
}

func (c Checksum) String() string {
	if c.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s:%s", c.Algorithm, c.Digest)
}

func (c Checksum) IsZero() bool {
	return c.Digest == ""
}

func (c Checksum) Equal(o Checksum) bool {
	return c.Algorithm == o.Algorithm && strings.EqualFold(c.Digest, o.Digest)
}

// Parse reads "ALGORITHM:hex" or "ALGORITHM hex". A bare hex digest is
// accepted and yields a Checksum without algorithm.
func Parse(s string) (Checksum, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Checksum{}, fmt.Errorf("empty checksum")
	}
	name, digest, found := strings.Cut(s, ":")
	if !found {
		name, digest, found = strings.Cut(s, " ")
	}
	if !found {
		if _, err := hex.DecodeString(s); err != nil {
			return Checksum{}, fmt.Errorf("invalid checksum %q: %w", s, err)
		}
		return Checksum{Digest: strings.ToLower(s)}, nil
	}
	alg, err := ParseAlgorithm(name)
	if err != nil {
		return Checksum{}, err
	}
	digest = strings.ToLower(strings.TrimSpace(digest))
	raw, err := hex.DecodeString(digest)
	if err != nil {
		return Checksum{}, fmt.Errorf("invalid %s digest: %w", alg, err)
	}
	if len(raw) != alg.digestLength() {
		return Checksum{}, fmt.Errorf("invalid %s digest length: %d", alg, len(raw))
	}
	return Checksum{Algorithm: alg, Digest: digest}, nil
}

// ComputeSize hashes everything read from r and reports the number of bytes read.
func ComputeSize(r io.Reader, alg Algorithm) (Checksum, int64, error) {
	h, err := alg.newHash()
	if err != nil {
		return Checksum{}, 0, err
	}
	n, err := io.Copy(h, r)
	if err != nil {
		return Checksum{}, 0, &IOError{Err: err}
	}
	return Checksum{Algorithm: alg, Digest: hex.EncodeToString(h.Sum(nil))}, n, nil
}

func Compute(r io.Reader, alg Algorithm) (Checksum, error) {
	c, _, err := ComputeSize(r, alg)
	return c, err
}

func ComputeFile(path string, alg Algorithm) (Checksum, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return Checksum{}, 0, &IOError{Err: err}
	}
	defer f.Close()
	return ComputeSize(f, alg)
}

// Verify compares actual against an expected checksum string. An empty
// expected value always passes. A bare digest is compared using the
// algorithm of actual.
func Verify(actual Checksum, expected string) error {
	if strings.TrimSpace(expected) == "" {
		return nil
	}
	exp, err := Parse(expected)
	if err != nil {
		return err
	}
	if exp.Algorithm == "" {
		exp.Algorithm = actual.Algorithm
	}
	if !exp.Equal(actual) {
		return &MismatchError{Expected: exp, Actual: actual}
	}
	return nil
}
