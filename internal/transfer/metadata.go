// Package transfer owns the per-transfer lifecycle on both sides of the
// wire: chunk planning and lazy reads on the sender, verified assembly on
// the receiver, and the ack-driven retry state machine between them.
package transfer

import (
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/dropbeam/dropbeam/internal/protocol"
)

// maxFileNameLength caps sanitized names; longer names are truncated while
// preserving the extension.
const maxFileNameLength = 255

// FileMetadata describes a file being transferred. Immutable once created
// by Prepare.
type FileMetadata struct {
	Name         string
	Size         int64
	MimeType     string
	LastModified time.Time
	Checksum     string
}

// SanitizeFileName strips path separators and traversal sequences and caps
// the length. The result is always safe to join under a download directory.
func SanitizeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(filepath.Clean("/" + name))
	name = strings.ReplaceAll(name, "..", "")
	name = strings.Trim(name, ". ")
	if name == "" || name == "/" {
		name = "unnamed"
	}
	if len(name) > maxFileNameLength {
		ext := filepath.Ext(name)
		if len(ext) > maxFileNameLength/2 {
			ext = ""
		}
		name = name[:maxFileNameLength-len(ext)] + ext
	}
	return name
}

// MimeTypeAllowed matches mimeType against patterns such as "image/*" or
// "application/pdf". An empty allow-list permits everything.
func MimeTypeAllowed(mimeType string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	for _, pattern := range allowed {
		pattern = strings.ToLower(pattern)
		if pattern == "*/*" || pattern == mimeType {
			return true
		}
		if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
			if strings.HasPrefix(mimeType, prefix+"/") {
				return true
			}
		}
	}
	return false
}

// DetectMimeType guesses by extension, defaulting to octet-stream.
func DetectMimeType(name string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return t
	}
	return "application/octet-stream"
}

// Validate checks metadata against the configured ceilings. Failures are
// non-recoverable: the caller must not retry with the same file.
func Validate(meta FileMetadata, cfg Config) error {
	if meta.Size < 0 {
		return protocol.NewErrorf(protocol.ErrInvalidFileType, "negative file size %d", meta.Size)
	}
	if cfg.MaxFileSize > 0 && meta.Size > cfg.MaxFileSize {
		err := protocol.NewErrorf(protocol.ErrFileTooLarge, "file is %d bytes, limit is %d", meta.Size, cfg.MaxFileSize)
		err.Details = meta.Name
		return err
	}
	if !MimeTypeAllowed(meta.MimeType, cfg.AllowedTypes) {
		err := protocol.NewErrorf(protocol.ErrInvalidFileType, "type %q is not allowed", meta.MimeType)
		err.Details = meta.Name
		return err
	}
	return nil
}

// Config carries every tunable of the transfer core. The zero value is not
// usable; start from DefaultConfig.
type Config struct {
	// ChunkSize is the sender-side split size. The receiver always follows
	// the geometry declared in file-start, never its own configured value.
	ChunkSize int64
	// MaxFileSize rejects oversized files at Prepare time. Zero disables
	// the ceiling.
	MaxFileSize int64
	// MaxRetries bounds per-chunk resends after checksum failures.
	MaxRetries int
	// AllowedTypes is the MIME allow-list; wildcard subtypes permitted.
	AllowedTypes []string
	// InterChunkDelay is the fixed yield between chunk sends; RestDelay is
	// the longer pause inserted every RestEvery chunks. Crude flow control
	// layered under the backend backpressure guard.
	InterChunkDelay time.Duration
	RestEvery       int
	RestDelay       time.Duration
	// AckTimeout bounds the wait for each chunk ack; EndAckTimeout bounds
	// the post-transfer wait for file-complete, which degrades to a timeout
	// rather than a failure.
	AckTimeout    time.Duration
	EndAckTimeout time.Duration
}

// DefaultConfig returns the stock tuning.
func DefaultConfig() Config {
	return Config{
		ChunkSize:       64 * 1024,
		MaxFileSize:     4 << 30,
		MaxRetries:      3,
		AllowedTypes:    nil,
		InterChunkDelay: 5 * time.Millisecond,
		RestEvery:       50,
		RestDelay:       100 * time.Millisecond,
		AckTimeout:      30 * time.Second,
		EndAckTimeout:   5 * time.Second,
	}
}

func (c Config) validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be non-negative, got %d", c.MaxRetries)
	}
	return nil
}
