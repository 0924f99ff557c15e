// Package codec implements RTP payload framing for the codecs this
// module negotiates with callers: G.711 mu-law, G.711 A-law, and Opus
// carried in an Ogg container.
package codec

import "time"

// Name identifies a negotiated codec by its symbolic SDP name.
type Name string

const (
	MuLaw Name = "mulaw"
	ALaw  Name = "alaw"
	Opus  Name = "opus"
)

// DefaultPTime is the packetization interval used unless a negotiation
// overrides it.
const DefaultPTime = 20 * time.Millisecond

// Binding is an immutable description of a negotiated codec, produced by
// the SDP negotiator and consumed by the RTP session and AI adapters.
type Binding struct {
	Name        Name
	PayloadType uint8
	ClockRate   int
	PTime       time.Duration
	Channels    int

	// Opus-only.
	Container string // "ogg" for Opus, "none" for G.711
	Bitrate   int
}

// PCMU is the standard static-payload-type mu-law binding (RTP PT 0).
func PCMU() Binding {
	return Binding{Name: MuLaw, PayloadType: 0, ClockRate: 8000, PTime: DefaultPTime, Channels: 1, Container: "none"}
}

// PCMA is the standard static-payload-type A-law binding (RTP PT 8).
func PCMA() Binding {
	return Binding{Name: ALaw, PayloadType: 8, ClockRate: 8000, PTime: DefaultPTime, Channels: 1, Container: "none"}
}

// OpusBinding builds an Opus binding at the given dynamic payload type and
// sample rate (preferring the SDP sprop-maxcapturerate when the negotiator
// found one, else 48000 per SPEC_FULL 4.1).
func OpusBinding(payloadType uint8, sampleRate int) Binding {
	if sampleRate <= 0 {
		sampleRate = 48000
	}
	return Binding{
		Name:        Opus,
		PayloadType: payloadType,
		ClockRate:   sampleRate,
		PTime:       DefaultPTime,
		Channels:    2,
		Container:   "ogg",
		Bitrate:     96000,
	}
}

// PayloadSize returns the bytes-per-packet for fixed-size codecs (G.711).
// Opus packets are variable length; this returns 0 for Opus.
func (b Binding) PayloadSize() int {
	if b.Container == "ogg" {
		return 0
	}
	return b.ClockRate * int(b.PTime/time.Millisecond) / 1000
}

// TSIncrement is the RTP timestamp advance applied on every cadence tick.
func (b Binding) TSIncrement() uint32 {
	return uint32(b.ClockRate * int(b.PTime/time.Millisecond) / 1000)
}

// SilenceByte returns the fill byte used to pad a G.711 stream; Opus has
// no meaningful single silence byte and is handled by Silence() instead.
func (b Binding) SilenceByte() byte {
	switch b.Name {
	case MuLaw:
		return 0xFF
	case ALaw:
		return 0xD5
	default:
		return 0
	}
}

// opusDTX is the three-byte Opus DTX (silence) frame used when a tick has
// nothing queued to send.
var opusDTX = []byte{0xF8, 0xFF, 0xFE}

// Silence returns one payload representing silence for this binding.
func (b Binding) Silence() []byte {
	if b.Container == "ogg" {
		out := make([]byte, len(opusDTX))
		copy(out, opusDTX)
		return out
	}
	n := b.PayloadSize()
	buf := make([]byte, n)
	fill := b.SilenceByte()
	for i := range buf {
		buf[i] = fill
	}
	return buf
}

// RTPMapName is the SDP rtpmap codec token for this binding.
func (b Binding) RTPMapName() string {
	switch b.Name {
	case MuLaw:
		return "PCMU"
	case ALaw:
		return "PCMA"
	case Opus:
		return "opus"
	default:
		return string(b.Name)
	}
}
