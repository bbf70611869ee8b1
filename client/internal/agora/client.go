package agora

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vci/client/internal/adapt"
	"vci/client/internal/aec"
	"vci/client/internal/agc"
	"vci/client/internal/audio"
	"vci/client/internal/config"
	"vci/client/internal/jitter"
	"vci/client/internal/noisegate"
	"vci/client/internal/proto"
	"vci/client/internal/session"
	"vci/client/internal/vad"
	"vci/client/internal/wire"
)

// audioFrameDuration is the Opus frame length this whole plug-in is built
// around: sequence numbers, the jitter buffer's playback tick, and the
// arrival-time conditioner's period all advance one per frame.
const audioFrameDuration = 20 * time.Millisecond

// plcParkThreshold is how many consecutive concealed (empty) frames a peer
// tolerates before its decoder-playback state parks: after this many
// concealed frames in a row, the decoder stops producing output and
// restarts only once a fresh packet arrives.
const plcParkThreshold = 20

// peerState is the per-remote-peer half of the "one decoder-playback
// thread per remote peer" design: rather than an OS thread each,
// every peer's decoder, arrival conditioner, latency filter and PLC
// bookkeeping live in their own struct, all driven by one shared 20 ms
// ticker (the jitter buffer already multiplexes every sender through one
// structure, so a literal thread-per-peer would only add synchronisation
// without changing behaviour).
type peerState struct {
	decoder     *audio.PeerDecoder
	conditioner *arrivalConditioner
	latency     sourceLatencyFilter
	emptyStreak int
	parked      bool
}

// Client is the client-side Agora plug-in. It owns the local microphone and
// speaker (through client/internal/audio), the noise gate / VAD / AGC / AEC
// chain on the way out, and a jitter buffer plus per-peer decode state on
// the way in.
type Client struct {
	mu sync.Mutex

	ctx session.Context

	capture *audio.Capture
	output  *audio.Output
	volume  float64

	gate *noisegate.Gate
	voice *vad.VAD
	gain  *agc.AGC
	echo  *aec.AEC

	jitterBuf *jitter.Buffer
	peers     map[uint16]*peerState

	seq uint16

	bitrateKbps  int
	lossSmoothed float64

	stopCh  chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewClient builds an Agora plug-in from the user's persisted preferences.
// It does not open any hardware device yet — EnableMicrophone/EnableSpeaker
// do that once the caller knows which devices to use.
func NewClient(cfg config.Config) *Client {
	gate := noisegate.New()
	gate.SetEnabled(cfg.NoiseEnabled)
	if cfg.NoiseEnabled {
		gate.SetThreshold(cfg.NoiseLevel)
	}
	volume := cfg.Volume
	if volume <= 0 {
		volume = 1.0
	}
	return &Client{
		volume:      volume,
		gate:        gate,
		voice:       vad.New(),
		gain:        agc.New(),
		echo:        aec.New(audio.SamplesPerFrame),
		jitterBuf:   jitter.New(adapt.DefaultJitterDepth),
		peers:       make(map[uint16]*peerState),
		bitrateKbps: adapt.DefaultKbps,
		stopCh:      make(chan struct{}),
	}
}

func (c *Client) Name() string                              { return "Agora" }
func (c *Client) Version() (uint16, uint16)                 { return 1, 0 }
func (c *Client) NumServerMessages() uint16                 { return uint16(numServerMessages) }
func (c *Client) SetMessageBases(proto.MessageID, proto.MessageID) {}
func (c *Client) ClientConnected(proto.ClientID)            {}

// ClientDisconnected is called once with this session's own ID when the
// connection tears down (session.Client's teardown fans this out in
// reverse registration order, the same hook koinonia's client leaves
// unused) — Agora uses it to stop its goroutines and release any open
// audio devices.
func (c *Client) ClientDisconnected(proto.ClientID) {
	c.Stop()
}

// SetContext implements session.ContextReceiver.
func (c *Client) SetContext(ctx session.Context) { c.ctx = ctx }

// Start implements plugin.Client: it launches the playback tick that mixes
// and plays every remote peer's decoded audio. Capture is separate — call
// EnableMicrophone once a device is chosen.
func (c *Client) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.playbackLoop()
	return nil
}

// Stop ends the playback and capture loops and releases any open devices.
// Safe to call more than once.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	capt := c.capture
	out := c.output
	c.capture = nil
	c.output = nil
	c.mu.Unlock()

	// Close the devices before waiting: captureLoop is blocked inside
	// capt.ReadFrame() and only notices stopCh between reads, so closing
	// the stream is what actually unblocks it.
	close(c.stopCh)
	if capt != nil {
		_ = capt.Stop()
		_ = capt.Close()
	}
	if out != nil {
		_ = out.Stop()
		_ = out.Close()
	}
	c.wg.Wait()
}

// EnableMicrophone opens deviceID (-1 for the system default, matching
// config.Config.InputDeviceID's sentinel) and starts the capture loop.
func (c *Client) EnableMicrophone(deviceID int) error {
	capt, err := audio.NewCapture(deviceID)
	if err != nil {
		return fmt.Errorf("agora: enable microphone: %w", err)
	}
	if err := capt.Start(); err != nil {
		return fmt.Errorf("agora: start microphone: %w", err)
	}
	if err := capt.SetBitrate(c.bitrateKbps * 1000); err != nil {
		slog.Warn("agora: set initial bitrate failed", "err", err)
	}

	c.mu.Lock()
	prev := c.capture
	c.capture = capt
	c.mu.Unlock()
	if prev != nil {
		_ = prev.Stop()
		_ = prev.Close()
	}

	c.wg.Add(1)
	go c.captureLoop()
	return nil
}

// DisableMicrophone stops capturing and releases the microphone without
// touching playback — unlike Stop, which tears the whole plug-in down.
// captureLoop unblocks from the closed device and exits on its next
// iteration's nil check, the same mechanism Stop uses for the capture half.
func (c *Client) DisableMicrophone() {
	c.mu.Lock()
	capt := c.capture
	c.capture = nil
	c.mu.Unlock()
	if capt != nil {
		_ = capt.Stop()
		_ = capt.Close()
	}
}

// EnableSpeaker opens deviceID (-1 for the system default) for playback.
func (c *Client) EnableSpeaker(deviceID int) error {
	out, err := audio.NewOutput(deviceID)
	if err != nil {
		return fmt.Errorf("agora: enable speaker: %w", err)
	}
	if err := out.Start(); err != nil {
		return fmt.Errorf("agora: start speaker: %w", err)
	}

	c.mu.Lock()
	prev := c.output
	c.output = out
	c.mu.Unlock()
	if prev != nil {
		_ = prev.Stop()
		_ = prev.Close()
	}
	return nil
}

// SetVolume adjusts the output mix level, as config.Config.Volume.
func (c *Client) SetVolume(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.volume = v
}

// SetNoiseGate adjusts the capture-side noise gate, as
// config.Config.NoiseEnabled/NoiseLevel.
func (c *Client) SetNoiseGate(enabled bool, level int) {
	c.gate.SetEnabled(enabled)
	if enabled {
		c.gate.SetThreshold(level)
	}
}

// RecordLoss folds in one measurement interval's observed packet loss and
// RTT, adjusting the outgoing Opus bitrate and incoming jitter depth to
// match (client/internal/adapt).
func (c *Client) RecordLoss(rawLossRate, rttMs float64) {
	c.mu.Lock()
	c.lossSmoothed = adapt.SmoothLoss(c.lossSmoothed, rawLossRate, 0.3)
	next := adapt.NextBitrate(c.bitrateKbps, c.lossSmoothed, rttMs)
	c.bitrateKbps = next
	capt := c.capture
	c.mu.Unlock()

	if capt != nil {
		if err := capt.SetBitrate(next * 1000); err != nil {
			slog.Warn("agora: adaptive bitrate change failed", "err", err)
		}
	}
}

// HandleServerMessage implements session.MessageReceiver: the reliable
// fallback path for a peer the server couldn't reach over UDP.
func (c *Client) HandleServerMessage(localID proto.MessageID, r *wire.Reader) {
	c.handleIncoming(localID, r)
}

// HandleServerDatagram implements session.DatagramReceiver: the preferred,
// unreliable path.
func (c *Client) HandleServerDatagram(localID proto.MessageID, r *wire.Reader) {
	c.handleIncoming(localID, r)
}

func (c *Client) handleIncoming(localID proto.MessageID, r *wire.Reader) {
	if localID != MsgAudioFrameForward {
		return
	}
	frame, err := DecodeAudioFrame(r)
	if err != nil {
		slog.Warn("agora: malformed AudioFrameForward", "err", err)
		return
	}
	if c.ctx != nil && frame.ClientID == c.ctx.ClientID() {
		return
	}

	now := time.Now()
	c.mu.Lock()
	ps := c.peerForLocked(uint16(frame.ClientID))
	ps.conditioner.Observe(frame.Seq, now)
	c.jitterBuf.Push(uint16(frame.ClientID), frame.Seq, frame.Opus)
	c.mu.Unlock()
}

// peerForLocked returns (creating if necessary) the peer state for
// senderID. Callers must hold c.mu.
func (c *Client) peerForLocked(senderID uint16) *peerState {
	ps, ok := c.peers[senderID]
	if ok {
		return ps
	}
	dec, err := audio.NewPeerDecoder()
	if err != nil {
		slog.Warn("agora: new peer decoder failed", "sender", senderID, "err", err)
	}
	ps = &peerState{decoder: dec, conditioner: newArrivalConditioner()}
	c.peers[senderID] = ps
	return ps
}

// captureLoop reads, filters, encodes and sends the local microphone's
// voice, 20 ms at a time, until stopped. It communicates back only through
// c.ctx.SendDatagram, never by touching session/transport state directly.
func (c *Client) captureLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		c.mu.Lock()
		capt := c.capture
		c.mu.Unlock()
		if capt == nil {
			return
		}

		pcm, err := capt.ReadFrame()
		if err != nil {
			slog.Warn("agora: capture read failed", "err", err)
			return
		}
		c.processAndSend(capt, pcm)
	}
}

func (c *Client) processAndSend(capt *audio.Capture, pcm []int16) {
	frame := audio.ToFloat32(pcm)

	c.echo.Process(frame)
	rms := c.gate.Process(frame)
	if !c.voice.ShouldSend(rms) {
		return
	}
	c.gain.Process(frame)

	opusData, err := capt.Encode(audio.ToInt16(frame))
	if err != nil {
		slog.Warn("agora: encode failed", "err", err)
		return
	}

	c.mu.Lock()
	seq := c.seq
	c.seq++
	c.mu.Unlock()

	af := AudioFrame{ClientID: 0, Seq: seq, Opus: opusData}
	c.ctx.SendDatagram(MsgAudioFrame, af.WireSize(), af.Encode)
}

// playbackLoop drives the shared 20 ms decode/mix/play tick until stopped.
func (c *Client) playbackLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(audioFrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick pops one frame per active sender, applies each peer's source-latency
// correction and packet-loss concealment, mixes the result, feeds it back
// to the AEC as the far-end reference, and plays it.
func (c *Client) tick() {
	c.mu.Lock()
	defer c.mu.Unlock()

	frames := c.jitterBuf.Pop()
	decoded := make([][]int16, 0, len(frames))

	for _, f := range frames {
		ps := c.peerForLocked(f.SenderID)
		pending := c.jitterBuf.Pending(f.SenderID)
		action := ps.latency.Update(pending)

		if f.OpusData == nil {
			ps.emptyStreak++
		} else {
			ps.emptyStreak = 0
			ps.parked = false
		}
		if ps.emptyStreak >= plcParkThreshold {
			ps.parked = true
		}
		if ps.parked || ps.decoder == nil {
			continue
		}

		pcm, err := ps.decoder.Decode(f.OpusData)
		if err != nil {
			slog.Warn("agora: decode failed", "sender", f.SenderID, "err", err)
			continue
		}
		switch action {
		case latencyActionCompress:
			// Backlog is growing: shorten this frame so the queue drains.
			pcm = compressFrame(pcm)
		case latencyActionInjectSilence:
			// Backlog is nearly empty: pad with silence now rather than
			// risk an audible gap once the buffer underruns.
			pcm = make([]int16, audio.SamplesPerFrame)
		}
		decoded = append(decoded, pcm)
	}

	c.pruneStalePeersLocked()

	if len(decoded) == 0 && c.output == nil {
		return
	}
	mixed := audio.Mix(decoded)
	c.echo.FeedFarEnd(audio.ToFloat32(mixed))
	if c.output != nil {
		if err := c.output.WriteFrame(mixed, c.volume); err != nil {
			slog.Warn("agora: output write failed", "err", err)
		}
	}
}

// pruneStalePeersLocked drops decode state for any sender the jitter buffer
// itself has already forgotten (500 ms of silence). Callers must hold c.mu.
func (c *Client) pruneStalePeersLocked() {
	live := make(map[uint16]bool, len(c.peers))
	for _, id := range c.jitterBuf.SenderIDs() {
		live[id] = true
	}
	for id := range c.peers {
		if !live[id] {
			delete(c.peers, id)
		}
	}
}

// compressFrame shortens a PCM frame by a small, fixed fraction so a
// backlogged peer's queue drains over several ticks rather than all at
// once").
func compressFrame(pcm []int16) []int16 {
	n := len(pcm) * 95 / 100
	if n <= 0 {
		return pcm
	}
	return pcm[:n]
}
