// Package agora implements the server-side half of the audio-chat plug-in
//: a pure router between clients' Opus-encoded voice
// frames, admitted like any other plug-in through the core registry and
// dispatched by its own message-ID range.
package agora

import (
	"vci/server/internal/proto"
	"vci/server/internal/wire"
)

// Client-origin message IDs, relative to this plug-in's admitted
// ClientMessageBase. The same ID is used whether the frame arrives over
// the unreliable datagram path or, as a fallback, the reliable stream.
const (
	MsgAudioFrame proto.MessageID = iota
	NumClientMessages
)

// Server-origin message IDs, relative to this plug-in's admitted
// ServerMessageBase.
const (
	MsgAudioFrameForward proto.MessageID = iota
	NumServerMessages
)

// audioHeaderSize is the fixed routing header preceding every Opus
// payload: a client ID (the addressee on the way in, the sender on the way
// out), a sequence number, and the payload length — the three fields the
// server re-stamps in place before relaying a frame to its destination.
const audioHeaderSize = 6

// headerOffset is audioHeaderSize's position within a MessageBuffer's raw
// (header+body) representation, past the 2-byte message-ID field.
const headerOffset = 2

// AudioFrame is one Opus-encoded voice packet. ClientID addresses a single
// peer on the way in (proto.ClientID(0) means broadcast-except-source) and
// identifies the originating peer on the way out.
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
