package transfer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dropbeam/dropbeam/internal/channel"
	"github.com/dropbeam/dropbeam/internal/protocol"
)

// pipeChannel is an in-memory channel.Channel half. Two halves are
// cross-wired by newChannelPair so tests can run the send and receive loops
// against each other without a transport.
type pipeChannel struct {
	out chan protocol.Message
	in  chan protocol.Message
	ev  chan channel.Event

	// corruptChunk, when set, mutates the first chunk delivery so the
	// retry path is exercised end to end.
	corruptOnce sync.Once
	corrupt     bool

	once   sync.Once
	closed chan struct{}
}

func newChannelPair() (*pipeChannel, *pipeChannel) {
	ab := make(chan protocol.Message, 64)
	ba := make(chan protocol.Message, 64)
	a := &pipeChannel{out: ab, in: ba, ev: make(chan channel.Event, 4), closed: make(chan struct{})}
	b := &pipeChannel{out: ba, in: ab, ev: make(chan channel.Event, 4), closed: make(chan struct{})}
	return a, b
}

func (p *pipeChannel) Send(msg protocol.Message) error {
	select {
	case p.out <- msg:
		return nil
	case <-p.closed:
		return channel.ErrNotConnected
	}
}

func (p *pipeChannel) SendChunk(chunk *protocol.FileChunk) error {
	if p.corrupt {
		delivered := chunk
		p.corruptOnce.Do(func() {
			mangled := *chunk
			mangled.Data = append([]byte(nil), chunk.Data...)
			mangled.Data[0] ^= 0xFF
			delivered = &mangled
		})
		return p.Send(delivered)
	}
	return p.Send(chunk)
}

func (p *pipeChannel) Recv() <-chan protocol.Message { return p.in }
func (p *pipeChannel) Events() <-chan channel.Event  { return p.ev }

func (p *pipeChannel) IsOpen() bool {
	select {
	case <-p.closed:
		return false
	default:
		return true
	}
}

func (p *pipeChannel) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.ChunkSize = 512
	cfg.InterChunkDelay = 0
	cfg.RestEvery = 0
	cfg.AckTimeout = 2 * time.Second
	cfg.EndAckTimeout = 2 * time.Second
	return cfg
}

func runLoops(t *testing.T, corruptFirstChunk bool, payloadSize int) {
	t.Helper()
	cfg := fastConfig()
	s := testSender(t, cfg)
	r := NewReceiver(nil)

	path, data := writeTempFile(t, payloadSize)
	id, _, err := s.Prepare(path)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	sendSide, recvSide := newChannelPair()
	sendSide.corrupt = corruptFirstChunk
	destDir := filepath.Join(t.TempDir(), "downloads")

	recvCtx, stopRecv := context.WithCancel(context.Background())
	defer stopRecv()

	var saved []string
	g := new(errgroup.Group)
	g.Go(func() error {
		var err error
		saved, err = ReceiveOver(recvCtx, recvSide, r, destDir, nil)
		return err
	})
	g.Go(func() error {
		defer stopRecv()
		return SendOver(context.Background(), sendSide, s, id, nil)
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("transfer loops: %v", err)
	}

	if len(saved) != 1 {
		t.Fatalf("expected one saved file, got %v", saved)
	}
	got, err := os.ReadFile(saved[0])
	if err != nil {
		t.Fatalf("reading saved file: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Error("saved bytes differ from source")
	}
}

func TestSendReceiveLoops(t *testing.T) {
	runLoops(t, false, 2000)
}

func TestSendReceiveLoopsRecoverFromCorruption(t *testing.T) {
	// First delivery of the first chunk is mangled in transit; the negative
	// ack must trigger a resend and the transfer must still complete.
	runLoops(t, true, 2000)
}

func TestSendReceiveZeroByteFile(t *testing.T) {
	runLoops(t, false, 0)
}

func TestSendOverProgressCallback(t *testing.T) {
	cfg := fastConfig()
	s := testSender(t, cfg)
	r := NewReceiver(nil)

	path, _ := writeTempFile(t, 2048)
	id, _, err := s.Prepare(path)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	sendSide, recvSide := newChannelPair()
	recvCtx, stopRecv := context.WithCancel(context.Background())
	defer stopRecv()

	var mu sync.Mutex
	var snapshots []Progress

	g := new(errgroup.Group)
	g.Go(func() error {
		_, err := ReceiveOver(recvCtx, recvSide, r, t.TempDir(), nil)
		return err
	})
	g.Go(func() error {
		defer stopRecv()
		return SendOver(context.Background(), sendSide, s, id, func(p Progress) {
			mu.Lock()
			snapshots = append(snapshots, p)
			mu.Unlock()
		})
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("transfer loops: %v", err)
	}

	if len(snapshots) != 4 {
		t.Fatalf("expected 4 progress snapshots for 4 chunks, got %d", len(snapshots))
	}
	last := snapshots[len(snapshots)-1]
	if last.TransferredBytes != 2048 || last.Percent() != 100 {
		t.Errorf("final snapshot %d bytes at %.0f%%", last.TransferredBytes, last.Percent())
	}
	for i := 1; i < len(snapshots); i++ {
		if snapshots[i].TransferredBytes <= snapshots[i-1].TransferredBytes {
			t.Error("progress must be monotonic")
		}
	}
}

func TestSendOverAckTimeout(t *testing.T) {
	cfg := fastConfig()
	cfg.AckTimeout = 50 * time.Millisecond
	s := testSender(t, cfg)

	path, _ := writeTempFile(t, 100)
	id, _, err := s.Prepare(path)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	sendSide, _ := newChannelPair() // nobody acks
	err = SendOver(context.Background(), sendSide, s, id, nil)
	if protocol.CodeOf(err) != protocol.ErrTimeout {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
	if !protocol.IsRecoverable(err) {
		t.Error("ack timeout should be recoverable")
	}
}

func TestSendOverCancellation(t *testing.T) {
	cfg := fastConfig()
	s := testSender(t, cfg)

	path, _ := writeTempFile(t, 100)
	id, _, err := s.Prepare(path)
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sendSide, _ := newChannelPair()
	err = SendOver(ctx, sendSide, s, id, nil)
	if protocol.CodeOf(err) != protocol.ErrCancelled {
		t.Fatalf("expected CANCELLED, got %v", err)
	}
}

func TestReceiveOverReportsPeerError(t *testing.T) {
	_, recvSide := newChannelPair()
	r := NewReceiver(nil)
	go func() {
		recvSide.in <- &protocol.ErrorMessage{Code: protocol.ErrPeerUnreachable, Message: "sender disconnected"}
	}()

	_, err := ReceiveOver(context.Background(), recvSide, r, t.TempDir(), nil)
	if protocol.CodeOf(err) != protocol.ErrPeerUnreachable {
		t.Fatalf("expected PEER_UNREACHABLE surfaced, got %v", err)
	}
}
