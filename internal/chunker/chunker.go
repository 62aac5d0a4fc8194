// Package chunker splits files into fixed-size byte ranges and reassembles
// them with integrity verification at chunk and whole-file granularity.
package chunker

import (
	"crypto/sha256"
	"fmt"
	"io"
)

// DefaultChunkSize is the wire transfer unit used when no size is configured.
const DefaultChunkSize = 64 * 1024

// ChunkInfo describes one byte range [Start, End) of a source file.
// Ranges are derived deterministically from file size and chunk size and
// are contiguous: chunk i covers [i*chunkSize, min((i+1)*chunkSize, fileSize)).
type ChunkInfo struct {
	Index int
	Start int64
	End   int64
}

// Size returns End-Start.
func (c ChunkInfo) Size() int64 { return c.End - c.Start }

// Plan returns ceil(fileSize/chunkSize) contiguous ranges covering exactly
// [0, fileSize). A zero-byte file yields an empty plan; the transfer
// completes immediately with no chunks on the wire.
func Plan(fileSize, chunkSize int64) []ChunkInfo {
	if fileSize <= 0 || chunkSize <= 0 {
		return nil
	}
	total := TotalChunks(fileSize, chunkSize)
	chunks := make([]ChunkInfo, 0, total)
	for i := 0; i < total; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize
		if end > fileSize {
			end = fileSize
		}
		chunks = append(chunks, ChunkInfo{Index: i, Start: start, End: end})
	}
	return chunks
}

// TotalChunks returns ceil(fileSize/chunkSize).
func TotalChunks(fileSize, chunkSize int64) int {
	if chunkSize <= 0 || fileSize <= 0 {
		return 0
	}
	return int((fileSize + chunkSize - 1) / chunkSize)
}

// Checksum returns the hex-encoded SHA-256 digest of b.
func Checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%x", sum)
}

// ChecksumReader computes the hex-encoded SHA-256 digest of everything in r.
func ChecksumReader(r io.Reader) (string, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, r); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hash.Sum(nil)), nil
}

// Verify recomputes the digest of b and compares it to want.
func Verify(b []byte, want string) bool {
	return Checksum(b) == want
}

// ReadChunk reads the byte range described by info from r.
func ReadChunk(r io.ReaderAt, info ChunkInfo) ([]byte, error) {
	data := make([]byte, info.Size())
	if _, err := r.ReadAt(data, info.Start); err != nil {
		return nil, err
	}
	return data, nil
}

// WriteChunk writes data at the offset described by info.
func WriteChunk(w io.WriterAt, info ChunkInfo, data []byte) error {
	_, err := w.WriteAt(data, info.Start)
	return err
}

// Assemble concatenates parts in index order and verifies the whole-file
// digest against want. Every slot must be filled; a nil slot means a chunk
// never arrived. The returned error is terminal: a whole-file mismatch after
// individually verified chunks indicates reassembly corruption and is never
// retried automatically.
func Assemble(parts [][]byte, want string) ([]byte, error) {
	var size int64
	for i, p := range parts {
		if p == nil {
			return nil, fmt.Errorf("chunk %d missing from assembly buffer", i)
		}
		size += int64(len(p))
	}
	out := make([]byte, 0, size)
	for _, p := range parts {
		out = append(out, p...)
	}
	if got := Checksum(out); got != want {
		return nil, fmt.Errorf("file checksum mismatch: declared %s, assembled %s", want, got)
	}
	return out, nil
}
