package transfer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dropbeam/dropbeam/internal/channel"
	"github.com/dropbeam/dropbeam/internal/protocol"
	"github.com/dropbeam/dropbeam/internal/session"
)

// ProgressFunc observes transfer progress snapshots.
type ProgressFunc func(Progress)

// backpressureAttempts bounds retries against a saturated send buffer; each
// attempt backs off a little longer.
const backpressureAttempts = 5

// SendOver drives one prepared transfer across ch: file-start, sequential
// chunk loop with ack-driven retry, file-end, then a bounded wait for
// file-complete that degrades to a timeout rather than a failure (the
// sender optimistically proceeds if the receiver never confirms draining
// the channel). Chunks go strictly in order with the configured inter-chunk
// pauses; there is no concurrent chunking of a single file.
func SendOver(ctx context.Context, ch channel.Channel, s *Sender, id session.TransferID, onProgress ProgressFunc) error {
	start, err := s.StartMessage(id)
	if err != nil {
		return err
	}
	if err := ch.Send(start); err != nil {
		s.Cancel(id)
		return fmt.Errorf("announcing transfer: %w", err)
	}

	sent := 0
	for {
		select {
		case <-ctx.Done():
			s.Cancel(id)
			return protocol.NewError(protocol.ErrCancelled, "transfer cancelled")
		default:
		}

		chunk, err := s.NextChunk(id)
		if err != nil {
			s.Cancel(id)
			return err
		}
		if chunk == nil {
			break
		}

		if err := sendChunkWithBackoff(ch, chunk, s.cfg.RestDelay); err != nil {
			s.Cancel(id)
			return err
		}

		ack, err := awaitAck(ctx, ch, id, chunk.Index, s.cfg.AckTimeout)
		if err != nil {
			s.Cancel(id)
			return err
		}
		if err := s.Acknowledge(id, ack); err != nil {
			var terr *protocol.TransferError
			if errors.As(err, &terr) {
				return err // retry budget exhausted, context already dropped
			}
			s.Cancel(id)
			return err
		}

		if onProgress != nil {
			if p, perr := s.Progress(id); perr == nil {
				onProgress(p)
			}
		}

		// Fixed-interval yield so the channel's internal buffering drains;
		// the longer rest every RestEvery chunks gives slow transports a
		// chance to catch up.
		sent++
		if s.cfg.RestEvery > 0 && sent%s.cfg.RestEvery == 0 {
			sleepCtx(ctx, s.cfg.RestDelay)
		} else {
			sleepCtx(ctx, s.cfg.InterChunkDelay)
		}
	}

	if err := ch.Send(&protocol.FileEnd{TransferID: id.String()}); err != nil {
		s.Cancel(id)
		return fmt.Errorf("announcing transfer end: %w", err)
	}

	waitForComplete(ctx, ch, id, s.cfg.EndAckTimeout, s.log)
	s.Cancel(id)
	return nil
}

// sendChunkWithBackoff retries sends rejected by the backpressure guard,
// backing off progressively. Any other send failure is passed through.
func sendChunkWithBackoff(ch channel.Channel, chunk *protocol.FileChunk, baseDelay time.Duration) error {
	if baseDelay <= 0 {
		baseDelay = 50 * time.Millisecond
	}
	var err error
	for attempt := 1; attempt <= backpressureAttempts; attempt++ {
		err = ch.SendChunk(chunk)
		if err == nil {
			return nil
		}
		if !protocol.IsRecoverable(err) {
			return err
		}
		time.Sleep(time.Duration(attempt) * baseDelay)
	}
	return fmt.Errorf("chunk %d still refused after %d backoff attempts: %w", chunk.Index, backpressureAttempts, err)
}

// awaitAck reads from ch until the ack for (id, index) arrives. Unrelated
// messages are skipped; error messages from the peer fail the wait.
func awaitAck(ctx context.Context, ch channel.Channel, id session.TransferID, index int, timeout time.Duration) (*protocol.ChunkAck, error) {
	deadline := time.After(timeout)
	for {
		select {
		case msg, ok := <-ch.Recv():
			if !ok {
				return nil, protocol.NewError(protocol.ErrNetworkInterrupted, "channel closed while waiting for ack")
			}
			switch m := msg.(type) {
			case *protocol.ChunkAck:
				if m.TransferID == id.String() && m.Index == index {
					return m, nil
				}
			case *protocol.ErrorMessage:
				return nil, protocol.NewError(m.Code, m.Message)
			}
		case <-deadline:
			return nil, protocol.NewErrorf(protocol.ErrTimeout, "no ack for chunk %d within %s", index, timeout)
		case <-ctx.Done():
			return nil, protocol.NewError(protocol.ErrCancelled, "transfer cancelled")
		}
	}
}

// waitForComplete blocks for the post-transfer acknowledgement round-trip.
// Absence of file-complete within the timeout is logged, never fatal.
func waitForComplete(ctx context.Context, ch channel.Channel, id session.TransferID, timeout time.Duration, log *logrus.Logger) {
	deadline := time.After(timeout)
	for {
		select {
		case msg, ok := <-ch.Recv():
			if !ok {
				return
			}
			if done, isDone := msg.(*protocol.FileComplete); isDone && done.TransferID == id.String() {
				log.Debugf("Receiver confirmed transfer %s (saved as %s)", id, done.SavedAs)
				return
			}
		case <-deadline:
			log.Warnf("No file-complete for %s within %s, proceeding", id, timeout)
			return
		case <-ctx.Done():
			return
		}
	}
}

// ReceiveOver reacts to inbound transfer messages on ch until ctx is
// cancelled or the channel closes, writing completed files under destDir
// and returning the paths saved. Each chunk is acked immediately; chunks
// for cancelled or unknown transfers are silently dropped.
func ReceiveOver(ctx context.Context, ch channel.Channel, r *Receiver, destDir string, onProgress ProgressFunc) ([]string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating download directory: %w", err)
	}

	var saved []string
	for {
		select {
		case <-ctx.Done():
			r.Cleanup()
			return saved, nil
		case msg, ok := <-ch.Recv():
			if !ok {
				r.Cleanup()
				return saved, nil
			}
			path, err := handleInbound(ch, r, destDir, msg, onProgress)
			if err != nil {
				return saved, err
			}
			if path != "" {
				saved = append(saved, path)
			}
		}
	}
}

// handleInbound processes one message of the receive path. Returns the
// saved path when the message completed a transfer.
func handleInbound(ch channel.Channel, r *Receiver, destDir string, msg protocol.Message, onProgress ProgressFunc) (string, error) {
	switch m := msg.(type) {
	case *protocol.FileStart:
		if err := r.StartReceiving(m); err != nil {
			return "", err
		}

	case *protocol.FileChunk:
		ack := r.ReceiveChunk(m)
		if ack == nil {
			return "", nil // unknown transfer, e.g. cancelled; drop silently
		}
		if err := ch.Send(ack); err != nil {
			return "", fmt.Errorf("sending chunk ack: %w", err)
		}
		if onProgress != nil {
			if p, perr := r.Progress(session.TransferID(m.TransferID)); perr == nil {
				onProgress(p)
			}
		}

	case *protocol.FileEnd:
		id := session.TransferID(m.TransferID)
		data, start, err := r.CompleteReceiving(id)
		if err != nil {
			_ = ch.Send(&protocol.ErrorMessage{Code: protocol.CodeOf(err), Message: err.Error()})
			return "", err
		}
		path := filepath.Join(destDir, SanitizeFileName(start.FileName))
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return "", fmt.Errorf("writing %s: %w", path, err)
		}
		if err := ch.Send(&protocol.FileComplete{TransferID: m.TransferID, SavedAs: path}); err != nil {
			return "", fmt.Errorf("sending file-complete: %w", err)
		}
		return path, nil

	case *protocol.ErrorMessage:
		return "", protocol.NewError(m.Code, m.Message)
	}
	return "", nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
