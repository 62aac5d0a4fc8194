package transfer

import (
	"bytes"
	"testing"

	"github.com/dropbeam/dropbeam/internal/chunker"
	"github.com/dropbeam/dropbeam/internal/protocol"
	"github.com/dropbeam/dropbeam/internal/session"
)

// startFor builds a file-start announcement for data split into chunkSize
// pieces, the way a sender would.
func startFor(t *testing.T, id string, data []byte, chunkSize int64) (*protocol.FileStart, []*protocol.FileChunk) {
	t.Helper()
	plan := chunker.Plan(int64(len(data)), chunkSize)
	start := &protocol.FileStart{
		TransferID:  id,
		FileName:    "payload.bin",
		FileSize:    int64(len(data)),
		MimeType:    "application/octet-stream",
		ChunkSize:   chunkSize,
		TotalChunks: len(plan),
		Checksum:    chunker.Checksum(data),
	}
	chunks := make([]*protocol.FileChunk, len(plan))
	for i, info := range plan {
		part := data[info.Start:info.End]
		chunks[i] = &protocol.FileChunk{
			TransferID: id,
			Index:      info.Index,
			Data:       part,
			Checksum:   chunker.Checksum(part),
			Last:       i == len(plan)-1,
		}
	}
	return start, chunks
}

func TestReceiverRoundTrip(t *testing.T) {
	r := NewReceiver(nil)
	data := bytes.Repeat([]byte("dropbeam"), 100)
	start, chunks := startFor(t, "t1", data, 128)

	if err := r.StartReceiving(start); err != nil {
		t.Fatalf("StartReceiving: %v", err)
	}
	for _, c := range chunks {
		ack := r.ReceiveChunk(c)
		if ack == nil || !ack.OK {
			t.Fatalf("chunk %d not positively acked: %+v", c.Index, ack)
		}
	}

	got, gotStart, err := r.CompleteReceiving(session.TransferID("t1"))
	if err != nil {
		t.Fatalf("CompleteReceiving: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("assembled bytes differ from source")
	}
	if gotStart.FileName != "payload.bin" {
		t.Errorf("file name %q lost in transit", gotStart.FileName)
	}
}

func TestReceiverOutOfOrderChunks(t *testing.T) {
	r := NewReceiver(nil)
	data := []byte("the quick brown fox jumps over the lazy dog")
	start, chunks := startFor(t, "t1", data, 10)

	if err := r.StartReceiving(start); err != nil {
		t.Fatalf("StartReceiving: %v", err)
	}
	for i := len(chunks) - 1; i >= 0; i-- {
		if ack := r.ReceiveChunk(chunks[i]); ack == nil || !ack.OK {
			t.Fatalf("chunk %d rejected", i)
		}
	}

	got, _, err := r.CompleteReceiving(session.TransferID("t1"))
	if err != nil {
		t.Fatalf("CompleteReceiving: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("reverse delivery order broke assembly")
	}
}

func TestReceiverChecksumMismatch(t *testing.T) {
	r := NewReceiver(nil)
	data := []byte("hello, receiver")
	start, chunks := startFor(t, "t1", data, 64)
	if err := r.StartReceiving(start); err != nil {
		t.Fatalf("StartReceiving: %v", err)
	}

	corrupted := *chunks[0]
	corrupted.Data = append([]byte(nil), chunks[0].Data...)
	corrupted.Data[0] ^= 0xFF

	ack := r.ReceiveChunk(&corrupted)
	if ack == nil || ack.OK {
		t.Fatalf("corrupted chunk must be negatively acked, got %+v", ack)
	}
	if ack.Checksum == chunks[0].Checksum {
		t.Error("negative ack should carry the receiver's own digest")
	}

	// The slot stays empty; a clean resend fills it.
	if _, _, err := r.CompleteReceiving(session.TransferID("t1")); err == nil {
		t.Fatal("completion with an empty slot must fail")
	}
}

func TestReceiverResendAfterMismatch(t *testing.T) {
	r := NewReceiver(nil)
	data := []byte("resend me")
	start, chunks := startFor(t, "t1", data, 64)
	if err := r.StartReceiving(start); err != nil {
		t.Fatalf("StartReceiving: %v", err)
	}

	bad := *chunks[0]
	bad.Checksum = "0000000000000000000000000000000000000000000000000000000000000000"
	if ack := r.ReceiveChunk(&bad); ack == nil || ack.OK {
		t.Fatal("declared/computed mismatch must be negatively acked")
	}
	if ack := r.ReceiveChunk(chunks[0]); ack == nil || !ack.OK {
		t.Fatal("clean resend must be accepted")
	}

	got, _, err := r.CompleteReceiving(session.TransferID("t1"))
	if err != nil {
		t.Fatalf("CompleteReceiving after resend: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("resent chunk produced wrong bytes")
	}
}

func TestReceiverUnknownTransferIsSilent(t *testing.T) {
	r := NewReceiver(nil)
	if ack := r.ReceiveChunk(&protocol.FileChunk{TransferID: "ghost", Index: 0, Data: []byte("x")}); ack != nil {
		t.Errorf("unknown transfer should be a silent drop, got %+v", ack)
	}
}

func TestReceiverOutOfRangeIndex(t *testing.T) {
	r := NewReceiver(nil)
	data := []byte("tiny")
	start, _ := startFor(t, "t1", data, 64)
	if err := r.StartReceiving(start); err != nil {
		t.Fatalf("StartReceiving: %v", err)
	}

	ack := r.ReceiveChunk(&protocol.FileChunk{TransferID: "t1", Index: 5, Data: []byte("x"), Checksum: chunker.Checksum([]byte("x"))})
	if ack == nil || ack.OK {
		t.Errorf("out-of-range index must be negatively acked, got %+v", ack)
	}
}

func TestReceiverDuplicateStart(t *testing.T) {
	r := NewReceiver(nil)
	start, _ := startFor(t, "t1", []byte("dup"), 64)
	if err := r.StartReceiving(start); err != nil {
		t.Fatalf("first StartReceiving: %v", err)
	}
	if err := r.StartReceiving(start); err == nil {
		t.Error("duplicate file-start for the same id must be rejected")
	}
}

func TestReceiverDuplicateChunkCountsOnce(t *testing.T) {
	r := NewReceiver(nil)
	data := []byte("count me once")
	start, chunks := startFor(t, "t1", data, 64)
	if err := r.StartReceiving(start); err != nil {
		t.Fatalf("StartReceiving: %v", err)
	}

	r.ReceiveChunk(chunks[0])
	r.ReceiveChunk(chunks[0])

	p, err := r.Progress(session.TransferID("t1"))
	if err != nil {
		t.Fatalf("Progress: %v", err)
	}
	if p.TransferredBytes != int64(len(data)) {
		t.Errorf("duplicate chunk double-counted: %d bytes, expected %d", p.TransferredBytes, len(data))
	}
	if p.DoneChunks != 1 {
		t.Errorf("duplicate chunk counted twice: %d done", p.DoneChunks)
	}
}

func TestReceiverZeroByteFile(t *testing.T) {
	r := NewReceiver(nil)
	start := &protocol.FileStart{
		TransferID: "t1",
		FileName:   "empty.txt",
		FileSize:   0,
		Checksum:   chunker.Checksum(nil),
	}
	if err := r.StartReceiving(start); err != nil {
		t.Fatalf("StartReceiving: %v", err)
	}
	got, _, err := r.CompleteReceiving(session.TransferID("t1"))
	if err != nil {
		t.Fatalf("CompleteReceiving: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("zero-byte transfer assembled %d bytes", len(got))
	}
}

func TestReceiverWholeFileMismatchIsTerminal(t *testing.T) {
	r := NewReceiver(nil)
	data := []byte("whole file check")
	start, chunks := startFor(t, "t1", data, 64)
	start.Checksum = chunker.Checksum([]byte("something else"))
	if err := r.StartReceiving(start); err != nil {
		t.Fatalf("StartReceiving: %v", err)
	}
	for _, c := range chunks {
		r.ReceiveChunk(c)
	}

	_, _, err := r.CompleteReceiving(session.TransferID("t1"))
	if protocol.CodeOf(err) != protocol.ErrChecksumMismatch {
		t.Fatalf("expected CHECKSUM_MISMATCH, got %v", err)
	}
	if protocol.IsRecoverable(err) {
		t.Error("whole-file mismatch must be non-recoverable")
	}
	if _, perr := r.Progress(session.TransferID("t1")); perr == nil {
		t.Error("buffer should be freed after completion, success or not")
	}
}
