// Package fingerprint derives content-identity signatures for media files.
//
// A fingerprint hashes a bounded head chunk, a bounded tail chunk, the total
// size and a normalized filename. Only the two chunks are read, so large
// video files never go through a full hashing pass.
//
// Bytes strictly between the two chunks do not affect the hash. Two files that
// differ only in the middle fingerprint identically; the near-duplicate
// checker relies on size and duration for the rest.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/recast/internal/model"
)

// Domain separates fingerprint digests from any other SHA-256 use.
// The version suffix allows a future algorithm change.
const Domain = "recast/fingerprint/v1"

// DefaultChunkSize is the head/tail chunk length used when none is configured.
const DefaultChunkSize = 1 << 20

// Generator computes fingerprints with a fixed chunk size.
type Generator struct {
	ChunkSize int64
}

// New returns a Generator. A non-positive chunkSize selects DefaultChunkSize.
func New(chunkSize int64) Generator {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return Generator{ChunkSize: chunkSize}
}

// Generate fingerprints data with DefaultChunkSize.
func Generate(data []byte, filename string) model.Fingerprint {
	return New(DefaultChunkSize).Generate(data, filename)
}

// Generate fingerprints an in-memory buffer. It performs no I/O and never
// fails; an empty buffer yields a valid fingerprint of size 0.
func (g Generator) Generate(data []byte, filename string) model.Fingerprint {
	size := int64(len(data))
	chunk := g.chunkFor(size)
	return model.Fingerprint{
		Hash: digest(data[:chunk], data[size-chunk:], size, NormalizeFilename(filename)),
		Size: size,
	}
}

// FromReaderAt fingerprints size bytes of r, reading only the head and tail
// chunks.
func (g Generator) FromReaderAt(r io.ReaderAt, size int64, filename string) (model.Fingerprint, error) {
	if size < 0 {
		return model.Fingerprint{}, fmt.Errorf("fingerprint: negative size %d", size)
	}
	chunk := g.chunkFor(size)

	head := make([]byte, chunk)
	if _, err := r.ReadAt(head, 0); err != nil && err != io.EOF {
		return model.Fingerprint{}, fmt.Errorf("fingerprint: read head: %w", err)
	}
	tail := make([]byte, chunk)
	if _, err := r.ReadAt(tail, size-chunk); err != nil && err != io.EOF {
		return model.Fingerprint{}, fmt.Errorf("fingerprint: read tail: %w", err)
	}

	return model.Fingerprint{
		Hash: digest(head, tail, size, NormalizeFilename(filename)),
		Size: size,
	}, nil
}

// FromFile fingerprints the file at path.
func (g Generator) FromFile(path string) (model.Fingerprint, error) {
	f, err := os.Open(path)
	if err != nil {
		return model.Fingerprint{}, fmt.Errorf("fingerprint: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return model.Fingerprint{}, fmt.Errorf("fingerprint: stat %s: %w", path, err)
	}
	if info.IsDir() {
		return model.Fingerprint{}, fmt.Errorf("fingerprint: %s is a directory", path)
	}
	return g.FromReaderAt(f, info.Size(), filepath.Base(path))
}

// chunkFor returns the chunk length for a buffer of the given size. Buffers
// smaller than the configured chunk use a quarter of their size.
func (g Generator) chunkFor(size int64) int64 {
	chunk := g.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	if size < chunk {
		chunk = size / 4
	}
	return chunk
}

// digest computes SHA256(domain 0x00 head tail size name).
func digest(head, tail []byte, size int64, name string) string {
	var sizeBuf [8]byte
	binary.BigEndian.PutUint64(sizeBuf[:], uint64(size))

	h := sha256.New()
	h.Write([]byte(Domain))
	h.Write([]byte{0x00})
	h.Write(head)
	h.Write(tail)
	h.Write(sizeBuf[:])
	h.Write([]byte(name))
	return hex.EncodeToString(h.Sum(nil))
}

// uploadPrefix matches numeric or timestamp prefixes that upload pipelines
// prepend, e.g. "1699999999999-" or "20240105_143000_".
var uploadPrefix = regexp.MustCompile(`^[0-9][0-9_.\-]*[_.\- ]+`)

// NormalizeFilename reduces a filename to the part that identifies content:
// directory, extension and upload prefix are removed, the rest is NFC
// normalized and lower-cased. An all-digit stem is kept as is.
func NormalizeFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" {
		return ""
	}
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	stem = uploadPrefix.ReplaceAllString(stem, "")
	// A Caser is stateful, so each call builds its own.
	return strings.TrimSpace(cases.Lower(language.Und).String(norm.NFC.String(stem)))
}
