// Package audio owns the local sound hardware: capturing the microphone
// into Opus frames and decoding remote peers' Opus frames to the speakers.
// It is the only package that touches github.com/gordonklaus/portaudio and
// gopkg.in/hraban/opus.v2 — every other Agora component works in terms of
// encoded Opus bytes or plain float32 PCM.
package audio

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
	opus "gopkg.in/hraban/opus.v2"
)

const (
	// SampleRate is the Opus sample rate used for every stream: the highest
	// rate libopus supports, matching the other DSP packages (aec, agc,
	// vad, noisegate), which are all written against 48 kHz.
	SampleRate = 48000
	// Channels is fixed at mono; Agora is a voice chat, not a music stream.
	Channels = 1
	// FrameMillis is the Opus frame length assumed throughout (sequence
	// numbers advance one per frame).
	FrameMillis = 20
	// SamplesPerFrame is FrameMillis at SampleRate: 960.
	SamplesPerFrame = SampleRate * FrameMillis / 1000
	// maxOpusFrameBytes upper-bounds one encoded frame; libopus never
	// produces more for a 20 ms mono frame at any supported bitrate.
	maxOpusFrameBytes = 4000
)

// Initialize starts PortAudio's host API. Call once at process start;
// Terminate releases it at shutdown.
func Initialize() error { return portaudio.Initialize() }

// Terminate releases PortAudio's host API.
func Terminate() error { return portaudio.Terminate() }

// Devices lists every input/output device PortAudio can see, for a device
// picker UI to populate and persist a choice into config.Config.
func Devices() ([]*portaudio.DeviceInfo, error) { return portaudio.Devices() }

func deviceByID(id int, defaultFn func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if id < 0 {
		return defaultFn()
	}
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	for _, d := range devices {
		if d.Index == id {
			return d, nil
		}
	}
	return nil, fmt.Errorf("audio: no device with index %d", id)
}

// Capture owns the local microphone stream and the Opus encoder that turns
// each 20 ms frame into a wire-ready payload. deviceID of -1 selects the
// system default, mirroring config.Config.InputDeviceID's sentinel.
type Capture struct {
	stream *portaudio.Stream
	pcm    []int16
	enc    *opus.Encoder
}

// NewCapture opens the input device and an Opus encoder tuned for voice.
func NewCapture(deviceID int) (*Capture, error) {
	dev, err := deviceByID(deviceID, portaudio.DefaultInputDevice)
	if err != nil {
		return nil, fmt.Errorf("audio: input device: %w", err)
	}
	enc, err := opus.NewEncoder(SampleRate, Channels, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("audio: new encoder: %w", err)
	}
	c := &Capture{pcm: make([]int16, SamplesPerFrame), enc: enc}
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: Channels,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      SampleRate,
		FramesPerBuffer: SamplesPerFrame,
	}
	stream, err := portaudio.OpenStream(params, c.pcm)
	if err != nil {
		return nil, fmt.Errorf("audio: open capture stream: %w", err)
	}
	c.stream = stream
	return c, nil
}

func (c *Capture) Start() error { return c.stream.Start() }
func (c *Capture) Stop() error  { return c.stream.Stop() }
func (c *Capture) Close() error { return c.stream.Close() }

// SetBitrate adjusts the encoder's target bitrate in bits per second,
// driven by client/internal/adapt's loss/RTT-based ladder.
func (c *Capture) SetBitrate(bps int) error { return c.enc.SetBitrate(bps) }

// ReadFrame blocks for one 20 ms period, filling pcm, and returns it
// un-encoded so the caller can run it through the noise gate / VAD / AGC /
// AEC chain before committing to an Opus frame.
func (c *Capture) ReadFrame() ([]int16, error) {
	if err := c.stream.Read(); err != nil {
		return nil, fmt.Errorf("audio: capture read: %w", err)
	}
	out := make([]int16, SamplesPerFrame)
	copy(out, c.pcm)
	return out, nil
}

// Encode compresses one already-processed PCM frame to Opus.
func (c *Capture) Encode(pcm []int16) ([]byte, error) {
	buf := make([]byte, maxOpusFrameBytes)
	n, err := c.enc.Encode(pcm, buf)
	if err != nil {
		return nil, fmt.Errorf("audio: encode: %w", err)
	}
	return buf[:n], nil
}

// PeerDecoder owns one remote peer's Opus decoder state. Every peer needs
// its own decoder instance: libopus's packet-loss concealment depends on
// that stream's own history, which is why each remote peer gets its own
// decoder instance rather than sharing one.
type PeerDecoder struct {
	dec *opus.Decoder
}

// NewPeerDecoder allocates a fresh decoder for one remote peer.
func NewPeerDecoder() (*PeerDecoder, error) {
	dec, err := opus.NewDecoder(SampleRate, Channels)
	if err != nil {
		return nil, fmt.Errorf("audio: new decoder: %w", err)
	}
	return &PeerDecoder{dec: dec}, nil
}

// Decode turns one Opus frame into PCM. A nil/empty opusData invokes the
// codec's own packet-loss concealment for one missing 20 ms frame.
func (d *PeerDecoder) Decode(opusData []byte) ([]int16, error) {
	pcm := make([]int16, SamplesPerFrame)
	n, err := d.dec.Decode(opusData, pcm)
	if err != nil {
		return nil, fmt.Errorf("audio: decode: %w", err)
	}
	return pcm[:n], nil
}

// Output owns the local speaker device. The Agora conductor mixes every
// active peer's decoded PCM into one frame before each WriteFrame call.
type Output struct {
	stream *portaudio.Stream
	pcm    []int16
}

// NewOutput opens the output device. deviceID of -1 selects the system
// default, mirroring config.Config.OutputDeviceID's sentinel.
func NewOutput(deviceID int) (*Output, error) {
	dev, err := deviceByID(deviceID, portaudio.DefaultOutputDevice)
	if err != nil {
		return nil, fmt.Errorf("audio: output device: %w", err)
	}
	o := &Output{pcm: make([]int16, SamplesPerFrame)}
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: Channels,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      SampleRate,
		FramesPerBuffer: SamplesPerFrame,
	}
	stream, err := portaudio.OpenStream(params, o.pcm)
	if err != nil {
		return nil, fmt.Errorf("audio: open output stream: %w", err)
	}
	o.stream = stream
	return o, nil
}

func (o *Output) Start() error { return o.stream.Start() }
func (o *Output) Stop() error  { return o.stream.Stop() }
func (o *Output) Close() error { return o.stream.Close() }

// Mix sums multiple peers' decoded PCM frames into one, clamping to int16
// range. The caller typically feeds the result back to an AEC's FeedFarEnd
// before also passing it to WriteFrame.
func Mix(frames [][]int16) []int16 {
	out := make([]int16, SamplesPerFrame)
	for _, f := range frames {
		for i, s := range f {
			if i >= len(out) {
				break
			}
			out[i] = clampInt16(int32(out[i]) + int32(s))
		}
	}
	return out
}

// WriteFrame writes one already-mixed PCM frame to the speaker, scaling by
// volume first.
func (o *Output) WriteFrame(frame []int16, volume float64) error {
	for i := range o.pcm {
		if i < len(frame) {
			o.pcm[i] = frame[i]
		} else {
			o.pcm[i] = 0
		}
	}
	if volume != 1.0 {
		for i, s := range o.pcm {
			o.pcm[i] = clampInt16(int32(float64(s) * volume))
		}
	}
	if err := o.stream.Write(); err != nil {
		return fmt.Errorf("audio: output write: %w", err)
	}
	return nil
}

func clampInt16(v int32) int16 {
	switch {
	case v > 32767:
		return 32767
	case v < -32768:
		return -32768
	default:
		return int16(v)
	}
}

// ToFloat32 converts int16 PCM to the float32 format the noise gate, VAD,
// AGC and AEC packages operate on, scaling to [-1.0, 1.0].
func ToFloat32(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// ToInt16 converts a float32 frame in [-1.0, 1.0] back to int16 PCM for
// encoding, clamping any out-of-range samples left by AGC overshoot.
func ToInt16(frame []float32) []int16 {
	out := make([]int16, len(frame))
	for i, s := range frame {
		v := s * 32768.0
		switch {
		case v > 32767:
			out[i] = 32767
		case v < -32768:
			out[i] = -32768
		default:
			out[i] = int16(v)
		}
	}
	return out
}
