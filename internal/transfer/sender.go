package transfer

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dropbeam/dropbeam/internal/chunker"
	"github.com/dropbeam/dropbeam/internal/protocol"
	"github.com/dropbeam/dropbeam/internal/session"
)

// TransferContext is the sender-side state of one file-transfer attempt.
// The cursor only moves forward on positive acks; a failed ack leaves it in
// place so the same index is resent.
type TransferContext struct {
	ID        session.TransferID
	Meta      FileMetadata
	Chunks    []chunker.ChunkInfo
	src       *os.File
	cursor    int
	sentBytes int64
	startedAt time.Time
	retries   map[int]int
}

// Sender prepares files for sending and drives the per-chunk cursor and
// retry bookkeeping. Safe for concurrent use; everything is keyed by
// transfer id.
type Sender struct {
	cfg Config
	log *logrus.Logger

	mu        sync.Mutex
	transfers map[session.TransferID]*TransferContext
}

// NewSender builds a Sender with cfg. A nil logger gets a default one.
func NewSender(cfg Config, log *logrus.Logger) (*Sender, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.New()
	}
	return &Sender{
		cfg:       cfg,
		log:       log,
		transfers: make(map[session.TransferID]*TransferContext),
	}, nil
}

// Prepare validates the file at path and, only if valid, computes the
// whole-file checksum and chunk plan, storing a context under a fresh
// transfer id. Validation failures are non-recoverable.
func (s *Sender) Prepare(path string) (session.TransferID, *FileMetadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", nil, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return "", nil, protocol.NewError(protocol.ErrInvalidFileType, "source must be a regular file")
	}

	meta := FileMetadata{
		Name:         SanitizeFileName(info.Name()),
		Size:         info.Size(),
		MimeType:     DetectMimeType(info.Name()),
		LastModified: info.ModTime(),
	}
	if err := Validate(meta, s.cfg); err != nil {
		return "", nil, err
	}

	src, err := os.Open(path)
	if err != nil {
		return "", nil, fmt.Errorf("opening source file: %w", err)
	}
	meta.Checksum, err = chunker.ChecksumReader(src)
	if err != nil {
		_ = src.Close()
		return "", nil, fmt.Errorf("hashing source file: %w", err)
	}

	id := session.NewTransferID()
	ctx := &TransferContext{
		ID:        id,
		Meta:      meta,
		Chunks:    chunker.Plan(meta.Size, s.cfg.ChunkSize),
		src:       src,
		startedAt: time.Now(),
		retries:   make(map[int]int),
	}

	s.mu.Lock()
	s.transfers[id] = ctx
	s.mu.Unlock()

	s.log.Debugf("Prepared transfer %s: %s (%d bytes, %d chunks)", id, meta.Name, meta.Size, len(ctx.Chunks))
	return id, &meta, nil
}

// StartMessage builds the file-start announcement carrying the full chunk
// geometry so the receiver never recomputes it from local configuration.
func (s *Sender) StartMessage(id session.TransferID) (*protocol.FileStart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, ok := s.transfers[id]
	if !ok {
		return nil, fmt.Errorf("unknown transfer id %s", id)
	}
	return &protocol.FileStart{
		TransferID:   id.String(),
		FileName:     ctx.Meta.Name,
		FileSize:     ctx.Meta.Size,
		MimeType:     ctx.Meta.MimeType,
		LastModified: ctx.Meta.LastModified.UnixMilli(),
		ChunkSize:    s.cfg.ChunkSize,
		TotalChunks:  len(ctx.Chunks),
		Checksum:     ctx.Meta.Checksum,
	}, nil
}

// NextChunk reads and checksums the chunk at the current cursor. The bytes
// are read lazily at call time, not precomputed. Returns nil once the
// cursor has passed the last chunk.
func (s *Sender) NextChunk(id session.TransferID) (*protocol.FileChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.transfers[id]
	if !ok {
		return nil, fmt.Errorf("unknown transfer id %s", id)
	}
	if ctx.cursor >= len(ctx.Chunks) {
		return nil, nil
	}

	info := ctx.Chunks[ctx.cursor]
	data, err := chunker.ReadChunk(ctx.src, info)
	if err != nil {
		return nil, fmt.Errorf("reading chunk %d: %w", info.Index, err)
	}

	return &protocol.FileChunk{
		TransferID: id.String(),
		Index:      info.Index,
		Data:       data,
		Checksum:   chunker.Checksum(data),
		Last:       info.Index == len(ctx.Chunks)-1,
	}, nil
}

// Acknowledge applies a receiver ack. A positive ack advances the cursor,
// accumulates transferred bytes, and clears the chunk's retry counter. A
// negative ack increments the counter; exhausting MaxRetries fails the
// transfer terminally with CHECKSUM_MISMATCH. Re-acknowledging an index the
// cursor has already passed is invalid input, not a silent no-op, so
// transferred bytes can never be double-counted.
func (s *Sender) Acknowledge(id session.TransferID, ack *protocol.ChunkAck) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.transfers[id]
	if !ok {
		return fmt.Errorf("unknown transfer id %s", id)
	}
	if ctx.cursor >= len(ctx.Chunks) {
		return fmt.Errorf("ack for finished transfer %s", id)
	}
	current := ctx.Chunks[ctx.cursor]
	if ack.Index != current.Index {
		return fmt.Errorf("ack for chunk %d, cursor is at %d", ack.Index, current.Index)
	}

	if ack.OK {
		ctx.cursor++
		ctx.sentBytes += current.Size()
		delete(ctx.retries, current.Index)
		return nil
	}

	ctx.retries[current.Index]++
	if ctx.retries[current.Index] > s.cfg.MaxRetries {
		s.removeLocked(id)
		err := protocol.NewErrorf(protocol.ErrChecksumMismatch,
			"chunk %d failed verification %d times", current.Index, ctx.retries[current.Index])
		err.Details = fmt.Sprintf("receiver digest %s", ack.Checksum)
		return err
	}

	s.log.Debugf("Chunk %d of %s rejected (attempt %d), resending", current.Index, id, ctx.retries[current.Index])
	return nil
}

// Progress derives the current counters for id. Percent, speed, and ETA are
// computed by the returned value, never stored.
func (s *Sender) Progress(id session.TransferID) (Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, ok := s.transfers[id]
	if !ok {
		return Progress{}, fmt.Errorf("unknown transfer id %s", id)
	}
	return Progress{
		TransferID:       id,
		FileName:         ctx.Meta.Name,
		TotalBytes:       ctx.Meta.Size,
		TransferredBytes: ctx.sentBytes,
		TotalChunks:      len(ctx.Chunks),
		DoneChunks:       ctx.cursor,
		Elapsed:          time.Since(ctx.startedAt),
	}, nil
}

// Done reports whether every chunk of id has been positively acknowledged.
func (s *Sender) Done(id session.TransferID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, ok := s.transfers[id]
	return ok && ctx.cursor >= len(ctx.Chunks)
}

// Cancel drops all state for id and closes the source file. Idempotent.
func (s *Sender) Cancel(id session.TransferID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(id)
}

// Cleanup drops every transfer. Idempotent.
func (s *Sender) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.transfers {
		s.removeLocked(id)
	}
}

func (s *Sender) removeLocked(id session.TransferID) {
	if ctx, ok := s.transfers[id]; ok {
		_ = ctx.src.Close()
		delete(s.transfers, id)
	}
}
