package transfer

import (
	"bytes"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/dropbeam/dropbeam/internal/protocol"
)

func writeTempFile(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("generating test data: %v", err)
	}
	path := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("writing test file: %v", err)
	}
	return path, data
}

func testSender(t *testing.T, cfg Config) *Sender {
	t.Helper()
	s, err := NewSender(cfg, nil)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	t.Cleanup(s.Cleanup)
	return s
}

func TestSenderHappyPath(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkSize = 1024
	s := testSender(t, cfg)

	path, data := writeTempFile(t, 2500)
	id, meta, err := s.Prepare(path)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if meta.Size != 2500 {
		t.Errorf("metadata size %d, expected 2500", meta.Size)
	}

	start, err := s.StartMessage(id)
	if err != nil {
		t.Fatalf("StartMessage: %v", err)
	}
	if start.TotalChunks != 3 || start.ChunkSize != 1024 {
		t.Errorf("geometry %d chunks of %d, expected 3 of 1024", start.TotalChunks, start.ChunkSize)
	}
	if start.Checksum != meta.Checksum {
		t.Error("file-start checksum does not match prepared metadata")
	}

	var assembled []byte
	for i := 0; ; i++ {
		chunk, err := s.NextChunk(id)
		if err != nil {
			t.Fatalf("NextChunk: %v", err)
		}
		if chunk == nil {
			break
		}
		if chunk.Index != i {
			t.Fatalf("chunk index %d, expected %d", chunk.Index, i)
		}
		if chunk.Last != (i == start.TotalChunks-1) {
			t.Errorf("chunk %d has last=%v", i, chunk.Last)
		}
		assembled = append(assembled, chunk.Data...)
		if err := s.Acknowledge(id, &protocol.ChunkAck{TransferID: id.String(), Index: i, OK: true}); err != nil {
			t.Fatalf("Acknowledge: %v", err)
		}
	}

	if !bytes.Equal(assembled, data) {
		t.Error("chunk stream does not reproduce source bytes")
	}
	if !s.Done(id) {
		t.Error("transfer not done after final ack")
	}
}

func TestSenderNegativeAckResendsSameChunk(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkSize = 100
	s := testSender(t, cfg)

	path, _ := writeTempFile(t, 250)
	id, _, err := s.Prepare(path)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	first, err := s.NextChunk(id)
	if err != nil {
		t.Fatalf("NextChunk: %v", err)
	}
	if err := s.Acknowledge(id, &protocol.ChunkAck{TransferID: id.String(), Index: 0, OK: false}); err != nil {
		t.Fatalf("negative ack within retry budget should not fail: %v", err)
	}

	again, err := s.NextChunk(id)
	if err != nil {
		t.Fatalf("NextChunk after nack: %v", err)
	}
	if again.Index != first.Index || !bytes.Equal(again.Data, first.Data) {
		t.Error("cursor moved after a negative ack")
	}
}

func TestSenderRetryBudgetExhausted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkSize = 100
	cfg.MaxRetries = 3
	s := testSender(t, cfg)

	path, _ := writeTempFile(t, 100)
	id, _, err := s.Prepare(path)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	nack := &protocol.ChunkAck{TransferID: id.String(), Index: 0, OK: false, Checksum: "deadbeef"}
	for i := 0; i < cfg.MaxRetries; i++ {
		if err := s.Acknowledge(id, nack); err != nil {
			t.Fatalf("nack %d should be within budget: %v", i+1, err)
		}
	}

	err = s.Acknowledge(id, nack)
	if err == nil {
		t.Fatal("fourth failure should be terminal")
	}
	var terr *protocol.TransferError
	if !errors.As(err, &terr) || terr.Code != protocol.ErrChecksumMismatch {
		t.Fatalf("expected CHECKSUM_MISMATCH, got %v", err)
	}
	if terr.Recoverable {
		t.Error("exhausted retries must be non-recoverable")
	}
	if _, err := s.NextChunk(id); err == nil {
		t.Error("transfer state should be dropped after terminal failure")
	}
}

func TestSenderRejectsStaleAck(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ChunkSize = 100
	s := testSender(t, cfg)

	path, _ := writeTempFile(t, 250)
	id, _, err := s.Prepare(path)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	ok := &protocol.ChunkAck{TransferID: id.String(), Index: 0, OK: true}
	if err := s.Acknowledge(id, ok); err != nil {
		t.Fatalf("first ack: %v", err)
	}
	if err := s.Acknowledge(id, ok); err == nil {
		t.Error("duplicate ack for a passed index must be rejected")
	}

	p, err := s.Progress(id)
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if p.TransferredBytes != 100 {
		t.Errorf("transferred %d bytes, expected 100 (duplicate ack double-counted)", p.TransferredBytes)
	}
}

func TestSenderZeroByteFile(t *testing.T) {
	s := testSender(t, DefaultConfig())

	path := filepath.Join(t.TempDir(), "empty.txt")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("writing empty file: %v", err)
	}

	id, _, err := s.Prepare(path)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	start, err := s.StartMessage(id)
	if err != nil {
		t.Fatalf("StartMessage: %v", err)
	}
	if start.TotalChunks != 0 {
		t.Errorf("zero-byte file announced %d chunks", start.TotalChunks)
	}
	chunk, err := s.NextChunk(id)
	if err != nil || chunk != nil {
		t.Errorf("zero-byte file should have no chunks, got %v, %v", chunk, err)
	}
	if !s.Done(id) {
		t.Error("zero-byte transfer should be done immediately")
	}
}

func TestSenderRejectsOversizedFile(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxFileSize = 100
	s := testSender(t, cfg)

	path, _ := writeTempFile(t, 200)
	_, _, err := s.Prepare(path)
	if protocol.CodeOf(err) != protocol.ErrFileTooLarge {
		t.Fatalf("expected FILE_TOO_LARGE, got %v", err)
	}
	if protocol.IsRecoverable(err) {
		t.Error("oversize rejection must be non-recoverable")
	}
}

func TestSenderRejectsDirectory(t *testing.T) {
	s := testSender(t, DefaultConfig())
	_, _, err := s.Prepare(t.TempDir())
	if protocol.CodeOf(err) != protocol.ErrInvalidFileType {
		t.Fatalf("expected INVALID_FILE_TYPE for a directory, got %v", err)
	}
}

func TestSenderCancelReleasesState(t *testing.T) {
	s := testSender(t, DefaultConfig())
	path, _ := writeTempFile(t, 100)
	id, _, err := s.Prepare(path)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	s.Cancel(id)
	s.Cancel(id) // idempotent
	if _, err := s.NextChunk(id); err == nil {
		t.Error("cancelled transfer should be unknown")
	}
}
