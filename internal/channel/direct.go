package channel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/dropbeam/dropbeam/internal/protocol"
)

// DirectConfig tunes the peer-to-peer backend.
type DirectConfig struct {
	// STUNServers seed ICE candidate gathering.
	STUNServers []string
	// ICEGatherTimeout abandons gathering and proceeds with whatever
	// candidates were collected so far.
	ICEGatherTimeout time.Duration
	// ConnectTimeout fails the whole establishment attempt outright.
	ConnectTimeout time.Duration
	// MaxBufferedBytes is the send-side backpressure guard: SendChunk fails
	// fast with a recoverable error once the data channel's outstanding
	// buffered bytes exceed it.
	MaxBufferedBytes uint64
	Logger           *logrus.Logger
}

var defaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// DefaultDirectConfig returns the stock direct-backend tuning.
func DefaultDirectConfig() DirectConfig {
	return DirectConfig{
		STUNServers:      defaultSTUNServers,
		ICEGatherTimeout: 15 * time.Second,
		ConnectTimeout:   30 * time.Second,
		MaxBufferedBytes: 16 << 20,
	}
}

func (cfg DirectConfig) webrtcConfiguration() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers:         []webrtc.ICEServer{{URLs: cfg.STUNServers}},
		ICETransportPolicy: webrtc.ICETransportPolicyAll,
	}
}

func dataChannelInit() *webrtc.DataChannelInit {
	ordered := true
	proto := "file-transfer"
	return &webrtc.DataChannelInit{
		Ordered:        &ordered,
		MaxRetransmits: nil,
		Protocol:       &proto,
	}
}

// DirectChannel is the peer-to-peer backend: a single ordered WebRTC data
// channel. Control messages travel as text frames (JSON envelopes), chunk
// payloads as binary frames.
type DirectChannel struct {
	cfg DirectConfig
	log *logrus.Logger

	pc *webrtc.PeerConnection

	mu sync.Mutex
	dc *webrtc.DataChannel
	// buffered reads the data channel's outstanding send buffer; a field so
	// the backpressure guard can be exercised without a live connection.
	buffered func() uint64

	recv   chan protocol.Message
	events chan Event
	opened chan struct{}

	openMu sync.Mutex
	open   bool

	// deliverMu serializes callback deliveries against Close: pion fires
	// OnMessage/OnError on its own goroutines and can do so after teardown,
	// so every send into recv or events checks shut under this mutex.
	deliverMu sync.Mutex
	shut      bool

	closeOnce sync.Once
	done      chan struct{}
}

func newDirectChannel(cfg DirectConfig, pc *webrtc.PeerConnection) *DirectChannel {
	c := &DirectChannel{
		cfg:    cfg,
		log:    cfg.Logger,
		pc:     pc,
		recv:   make(chan protocol.Message, 64),
		events: make(chan Event, 8),
		opened: make(chan struct{}),
		done:   make(chan struct{}),
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		c.log.Debugf("Peer connection state: %s", s)
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed ||
			s == webrtc.PeerConnectionStateDisconnected {
			_ = c.Close()
		}
	})

	return c
}

func (c *DirectChannel) setupDataChannel(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	if c.buffered == nil {
		c.buffered = dc.BufferedAmount
	}
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.log.Debugf("Data channel %q-%d open", dc.Label(), dc.ID())
		c.openMu.Lock()
		c.open = true
		c.openMu.Unlock()
		c.emit(Event{Kind: EventOpen})
		close(c.opened)
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var decoded protocol.Message
		var err error
		if msg.IsString {
			decoded, err = protocol.Decode(msg.Data)
		} else {
			decoded, err = protocol.DecodeChunkFrame(msg.Data)
		}
		if err != nil {
			c.log.Warnf("Dropping undecodable data channel frame: %v", err)
			return
		}
		c.deliver(decoded)
	})

	dc.OnError(func(err error) {
		c.emit(Event{Kind: EventError, Err: err})
	})

	dc.OnClose(func() {
		c.log.Debugf("Data channel %q-%d closed", dc.Label(), dc.ID())
		_ = c.Close()
	})
}

// Send transmits a control message as a text frame.
func (c *DirectChannel) Send(msg protocol.Message) error {
	dc := c.dataChannel()
	if dc == nil || !c.IsOpen() {
		return ErrNotConnected
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	return dc.SendText(string(data))
}

// SendChunk transmits a chunk as a binary frame, failing fast with a
// recoverable NETWORK_INTERRUPTED error when the channel's buffered bytes
// exceed the guard instead of queuing unboundedly. Callers back off and
// retry; they must not flood.
func (c *DirectChannel) SendChunk(chunk *protocol.FileChunk) error {
	dc := c.dataChannel()
	if dc == nil || !c.IsOpen() {
		return ErrNotConnected
	}
	if buffered := c.bufferedBytes(); buffered > c.cfg.MaxBufferedBytes {
		err := protocol.NewError(protocol.ErrNetworkInterrupted, "data channel send buffer is full")
		err.Details = fmt.Sprintf("%d bytes buffered, guard is %d", buffered, c.cfg.MaxBufferedBytes)
		return err
	}

	frame, err := protocol.EncodeChunkFrame(chunk)
	if err != nil {
		return err
	}
	return dc.Send(frame)
}

func (c *DirectChannel) Recv() <-chan protocol.Message { return c.recv }

func (c *DirectChannel) Events() <-chan Event { return c.events }

func (c *DirectChannel) IsOpen() bool {
	c.openMu.Lock()
	defer c.openMu.Unlock()
	return c.open
}

// Close tears down the data channel and peer connection. Idempotent.
func (c *DirectChannel) Close() error {
	c.closeOnce.Do(func() {
		c.openMu.Lock()
		c.open = false
		c.openMu.Unlock()

		// done unblocks any delivery parked on a full recv buffer; flipping
		// shut under deliverMu then guarantees no delivery is in flight when
		// the channels are closed below.
		close(c.done)
		c.deliverMu.Lock()
		c.shut = true
		select {
		case c.events <- Event{Kind: EventClosed}:
		default:
		}
		c.deliverMu.Unlock()

		if dc := c.dataChannel(); dc != nil {
			_ = dc.Close()
		}
		_ = c.pc.Close()

		close(c.recv)
		close(c.events)
	})
	return nil
}

func (c *DirectChannel) dataChannel() *webrtc.DataChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dc
}

func (c *DirectChannel) bufferedBytes() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.buffered == nil {
		return 0
	}
	return c.buffered()
}

// deliver hands an inbound message to Recv, dropping it when the channel
// has already been torn down.
func (c *DirectChannel) deliver(msg protocol.Message) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if c.shut {
		return
	}
	select {
	case c.recv <- msg:
	case <-c.done:
	}
}

func (c *DirectChannel) emit(ev Event) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()
	if c.shut {
		return
	}
	select {
	case c.events <- ev:
	default:
	}
}

// waitOpen blocks until the data channel opens, the overall connect timeout
// elapses, or ctx is cancelled.
func (c *DirectChannel) waitOpen(ctx context.Context) error {
	select {
	case <-c.opened:
		return nil
	case <-c.done:
		return protocol.NewError(protocol.ErrConnectionFailed, "peer connection closed during establishment")
	case <-time.After(c.cfg.ConnectTimeout):
		_ = c.Close()
		return protocol.NewErrorf(protocol.ErrTimeout, "connection not established within %s", c.cfg.ConnectTimeout)
	case <-ctx.Done():
		_ = c.Close()
		return ctx.Err()
	}
}

// localDescriptionAfterGathering sets desc, then waits for ICE gathering to
// finish or the gather timeout to elapse. On timeout the candidates
// collected so far are used; the timeout abandons gathering, it does not
// fail the attempt.
func (c *DirectChannel) localDescriptionAfterGathering(desc webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	gatherDone := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherDone:
	case <-time.After(c.cfg.ICEGatherTimeout):
		c.log.Debugf("ICE gathering still running after %s, proceeding with collected candidates", c.cfg.ICEGatherTimeout)
	}
	return c.pc.LocalDescription(), nil
}

// Offer dials the peer waiting behind sig: it creates the data channel
// before generating the offer (required ordering for some signaling
// stacks), ships the offer through the broker, applies the answer, and
// blocks until the channel opens.
func Offer(ctx context.Context, sig Signaler, cfg DirectConfig) (*DirectChannel, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	pc, err := webrtc.NewPeerConnection(cfg.webrtcConfiguration())
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	c := newDirectChannel(cfg, pc)

	// The channel must exist before CreateOffer so its negotiation rides
	// in the offer SDP.
	dc, err := pc.CreateDataChannel("data", dataChannelInit())
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	c.setupDataChannel(dc)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("creating offer: %w", err)
	}
	local, err := c.localDescriptionAfterGathering(offer)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := sig.Send(&protocol.SignalOffer{SDP: local.SDP}); err != nil {
		_ = c.Close()
		return nil, signalingFailed("sending offer", err)
	}

	answer, err := awaitSignal[*protocol.SignalAnswer](ctx, sig, cfg.ConnectTimeout)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("applying answer: %w", err)
	}

	if err := c.waitOpen(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Answer accepts a connection from the peer that generated the offer. The
// data channel arrives via callback once the remote description is applied.
func Answer(ctx context.Context, sig Signaler, cfg DirectConfig) (*DirectChannel, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	offer, err := awaitSignal[*protocol.SignalOffer](ctx, sig, cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	pc, err := webrtc.NewPeerConnection(cfg.webrtcConfiguration())
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	c := newDirectChannel(cfg, pc)
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		c.setupDataChannel(dc)
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("applying offer: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("creating answer: %w", err)
	}
	local, err := c.localDescriptionAfterGathering(answer)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if err := sig.Send(&protocol.SignalAnswer{SDP: local.SDP}); err != nil {
		_ = c.Close()
		return nil, signalingFailed("sending answer", err)
	}

	if err := c.waitOpen(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// awaitSignal reads from sig until a message of type T arrives. Unrelated
// broker traffic is skipped.
func awaitSignal[T protocol.Message](ctx context.Context, sig Signaler, timeout time.Duration) (T, error) {
	var zero T
	deadline := time.After(timeout)
	for {
		select {
		case msg, ok := <-sig.Recv():
			if !ok {
				return zero, protocol.NewError(protocol.ErrSignalingFailed, "signaling connection closed")
			}
			if want, ok := msg.(T); ok {
				return want, nil
			}
			if errMsg, ok := msg.(*protocol.ErrorMessage); ok {
				return zero, protocol.NewError(protocol.ErrSignalingFailed, errMsg.Message)
			}
		case <-deadline:
			return zero, protocol.NewErrorf(protocol.ErrTimeout, "no signaling response within %s", timeout)
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

func signalingFailed(action string, err error) error {
	terr := protocol.NewError(protocol.ErrSignalingFailed, action+" failed")
	terr.Details = err.Error()
	return terr
}
