package transfer

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dropbeam/dropbeam/internal/chunker"
	"github.com/dropbeam/dropbeam/internal/protocol"
	"github.com/dropbeam/dropbeam/internal/session"
)

// ReceivingBuffer holds one in-flight inbound transfer: a sparse array of
// verified chunk payloads indexed by chunk index. A slot is filled only
// after its chunk passes checksum verification.
type ReceivingBuffer struct {
	Start     protocol.FileStart
	parts     [][]byte
	received  int
	gotBytes  int64
	startedAt time.Time
}

// Receiver owns inbound transfer state keyed by transfer id. Chunks may
// arrive in any order; only assembly cares about index order.
type Receiver struct {
	log *logrus.Logger

	mu      sync.Mutex
	buffers map[session.TransferID]*ReceivingBuffer
}

// NewReceiver builds a Receiver. A nil logger gets a default one.
func NewReceiver(log *logrus.Logger) *Receiver {
	if log == nil {
		log = logrus.New()
	}
	return &Receiver{
		log:     log,
		buffers: make(map[session.TransferID]*ReceivingBuffer),
	}
}

// StartReceiving allocates the buffer from the geometry declared in start.
// The declared TotalChunks is authoritative; the receiver never recomputes
// it from a locally configured chunk size.
func (r *Receiver) StartReceiving(start *protocol.FileStart) error {
	if start.TotalChunks < 0 {
		return fmt.Errorf("negative total chunks %d", start.TotalChunks)
	}
	if start.FileSize > 0 && start.TotalChunks == 0 {
		return fmt.Errorf("file of %d bytes announced with zero chunks", start.FileSize)
	}

	id := session.TransferID(start.TransferID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.buffers[id]; exists {
		return fmt.Errorf("transfer %s already receiving", id)
	}
	r.buffers[id] = &ReceivingBuffer{
		Start:     *start,
		parts:     make([][]byte, start.TotalChunks),
		startedAt: time.Now(),
	}
	r.log.Debugf("Receiving %s: %s (%d bytes, %d chunks)", id, start.FileName, start.FileSize, start.TotalChunks)
	return nil
}

// ReceiveChunk verifies a chunk and stores it on success. A checksum
// mismatch is an expected, recoverable condition: the bytes are discarded
// and a negative ack carrying the receiver's own digest is returned, so the
// sender can tell a bad declaration from transit corruption. A chunk for an
// unknown transfer id (e.g. one cancelled moments ago) returns nil: a
// silent no-op, never a panic.
func (r *Receiver) ReceiveChunk(chunk *protocol.FileChunk) *protocol.ChunkAck {
	id := session.TransferID(chunk.TransferID)

	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.buffers[id]
	if !ok {
		r.log.Debugf("Dropping chunk %d for unknown transfer %s", chunk.Index, id)
		return nil
	}

	ack := &protocol.ChunkAck{TransferID: chunk.TransferID, Index: chunk.Index}

	if chunk.Index < 0 || chunk.Index >= len(buf.parts) {
		ack.OK = false
		ack.Checksum = chunker.Checksum(chunk.Data)
		r.log.Warnf("Chunk index %d out of range [0, %d) for %s", chunk.Index, len(buf.parts), id)
		return ack
	}

	got := chunker.Checksum(chunk.Data)
	ack.Checksum = got
	if got != chunk.Checksum {
		ack.OK = false
		r.log.Debugf("Chunk %d of %s failed verification: declared %s, computed %s", chunk.Index, id, chunk.Checksum, got)
		return ack
	}

	if buf.parts[chunk.Index] == nil {
		buf.received++
		buf.gotBytes += int64(len(chunk.Data))
	}
	buf.parts[chunk.Index] = chunk.Data
	ack.OK = true
	return ack
}

// CompleteReceiving combines all slots in index order, verifies the
// whole-file checksum, and returns the assembled bytes. The buffer is freed
// regardless of outcome; a whole-file mismatch is terminal and is never
// retried automatically.
func (r *Receiver) CompleteReceiving(id session.TransferID) ([]byte, *protocol.FileStart, error) {
	r.mu.Lock()
	buf, ok := r.buffers[id]
	delete(r.buffers, id)
	r.mu.Unlock()

	if !ok {
		return nil, nil, fmt.Errorf("unknown transfer id %s", id)
	}

	data, err := chunker.Assemble(buf.parts, buf.Start.Checksum)
	if err != nil {
		terr := protocol.NewErrorf(protocol.ErrChecksumMismatch, "assembling %s", buf.Start.FileName)
		terr.Details = err.Error()
		return nil, nil, terr
	}
	if int64(len(data)) != buf.Start.FileSize {
		return nil, nil, protocol.NewErrorf(protocol.ErrChecksumMismatch,
			"assembled %d bytes, expected %d", len(data), buf.Start.FileSize)
	}
	return data, &buf.Start, nil
}

// Progress derives the inbound counters for id.
func (r *Receiver) Progress(id session.TransferID) (Progress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.buffers[id]
	if !ok {
		return Progress{}, fmt.Errorf("unknown transfer id %s", id)
	}
	return Progress{
		TransferID:       id,
		FileName:         buf.Start.FileName,
		TotalBytes:       buf.Start.FileSize,
		TransferredBytes: buf.gotBytes,
		TotalChunks:      buf.Start.TotalChunks,
		DoneChunks:       buf.received,
		Elapsed:          time.Since(buf.startedAt),
	}, nil
}

// CancelTransfer drops the buffer for id. Idempotent; chunks arriving after
// cancellation are no-ops in ReceiveChunk.
func (r *Receiver) CancelTransfer(id session.TransferID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.buffers, id)
}

// Cleanup drops every buffer. Idempotent.
func (r *Receiver) Cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buffers = make(map[session.TransferID]*ReceivingBuffer)
}
