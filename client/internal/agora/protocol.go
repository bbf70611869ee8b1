// Package agora implements the client-side half of the audio-chat plug-in
//: it captures the local microphone into Opus frames,
// sends them to the server, and reassembles every remote peer's forwarded
// frames through a per-peer jitter buffer before decoding and mixing them
// for playback.
package agora

import (
	"vci/client/internal/proto"
	"vci/client/internal/wire"
)

// Client-origin message IDs, relative to this plug-in's admitted
// ClientMessageBase (assigned by ConnectReply, not chosen locally).
const (
	MsgAudioFrame proto.MessageID = iota
	numClientMessages
)

// Server-origin message IDs, relative to this plug-in's admitted
// ServerMessageBase.
const (
	MsgAudioFrameForward proto.MessageID = iota
	numServerMessages
)

// audioHeaderSize is the fixed routing header preceding every Opus payload:
// a client ID, a sequence number, and the payload length.
const audioHeaderSize = 6

// AudioFrame is one Opus-encoded voice packet. ClientID addresses a single
// peer on the way out (proto.ClientID(0) means broadcast-except-source) and
// identifies the originating peer on the way in, once the server has
// re-stamped it.
type AudioFrame struct {
	ClientID proto.ClientID
	Seq      uint16
	Opus     []byte
}

func (m AudioFrame) Encode(w *wire.Writer) error {
	if err := w.U16(uint16(m.ClientID)); err != nil {
		return err
	}
	if err := w.U16(m.Seq); err != nil {
		return err
	}
	if err := w.U16(uint16(len(m.Opus))); err != nil {
		return err
	}
	return w.Bytes(m.Opus)
}

func (m AudioFrame) WireSize() int { return audioHeaderSize + len(m.Opus) }

func DecodeAudioFrame(r *wire.Reader) (AudioFrame, error) {
	var m AudioFrame
	cid, err := r.U16()
	if err != nil {
		return m, err
	}
	m.ClientID = proto.ClientID(cid)
	if m.Seq, err = r.U16(); err != nil {
		return m, err
	}
	length, err := r.U16()
	if err != nil {
		return m, err
	}
	m.Opus, err = r.Bytes(int(length))
	return m, err
}
