package adapter

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/sebas/voicebridge/internal/codec"
)

// Base is the shared per-call provider-link state every flavor embeds:
// chosen codec binding, the leftover-carrying Framer, the speech_lock
// serializing chunked STT+TTS bursts, and the lifecycle state machine.
// This is the Go shape of SPEC_FULL 3's "AdapterSession" data-model entry.
type Base struct {
	binding codec.Binding
	framer  codec.Framer

	enqueue    func(payload []byte)
	drainQueue func() int

	speechLock sync.Mutex

	stateMu sync.Mutex
	state   State

	terminated atomic.Bool
	callKey    string
}

// NewBase constructs a Base bound to binding, forwarding framed payloads
// to enqueue and draining the outbound queue via drainQueue on barge-in.
func NewBase(callKey string, binding codec.Binding, enqueue func([]byte), drainQueue func() int) *Base {
	return &Base{
		binding:    binding,
		framer:     codec.NewFramer(binding),
		enqueue:    enqueue,
		drainQueue: drainQueue,
		state:      StateInit,
		callKey:    callKey,
	}
}

// Codec returns the chosen binding.
func (b *Base) Codec() codec.Binding { return b.binding }

// State returns the current lifecycle state.
func (b *Base) State() State {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.state
}

// SetState transitions the state machine, logging the transition at
// debug level for correlation with provider wire traces.
func (b *Base) SetState(s State) {
	b.stateMu.Lock()
	prev := b.state
	b.state = s
	b.stateMu.Unlock()
	if prev != s {
		slog.Debug("adapter: state transition", "call_key", b.callKey, "from", prev, "to", s)
	}
}

// Terminated reports the adapter's own terminated flag, which only
// MarkTerminated sets. The Call's flag is separate and is set through
// CallControl.Terminate.
func (b *Base) Terminated() bool { return b.terminated.Load() }

// MarkTerminated flips the adapter's terminated flag and transitions to
// CLOSING, per SPEC_FULL 4.5's failure-semantics rule: any
// connection-closed or unexpected error ends the call. Ending the call
// itself is done by CallControl.Terminate, which the flavors call on
// receive/send failures and Call.Run calls when Start returns an error.
func (b *Base) MarkTerminated() {
	b.terminated.Store(true)
	b.SetState(StateClosing)
}

// HandleAudioDelta deframes one chunk of provider-synthesized audio and
// enqueues the resulting RTP payloads, serialized by speech_lock so two
// overlapping response streams cannot interleave their packets
// (SPEC_FULL 4.5's "Serialization of speech bursts").
func (b *Base) HandleAudioDelta(data []byte) {
	b.speechLock.Lock()
	defer b.speechLock.Unlock()

	if b.State() == StateStreaming {
		b.SetState(StateSpeaking)
	}
	for _, pkt := range b.framer.Parse(data) {
		b.enqueue(pkt)
	}
}

// FlushTurn flushes any leftover bytes with a silence-padded tail packet
// when the provider signals the turn/response is complete, then returns
// to STREAMING.
func (b *Base) FlushTurn() {
	b.speechLock.Lock()
	defer b.speechLock.Unlock()

	for _, pkt := range b.framer.Parse(nil) {
		b.enqueue(pkt)
	}
	if b.State() == StateSpeaking {
		b.SetState(StateStreaming)
	}
}

// DrainOnBargeIn empties the outbound queue immediately on a provider's
// "user started speaking" (or equivalent) event, per SPEC_FULL 4.5 and
// Testable Property 9.
func (b *Base) DrainOnBargeIn() {
	if b.drainQueue == nil {
		return
	}
	if dropped := b.drainQueue(); dropped > 0 {
		slog.Debug("adapter: drained outbound queue on barge-in", "call_key", b.callKey, "dropped", dropped)
	}
}

// ForwardCallerAudio marks the STREAMING transition on first caller audio
// and should be called by each flavor's Send before forwarding upstream.
func (b *Base) ForwardCallerAudio() {
	if b.State() == StateReady {
		b.SetState(StateStreaming)
	}
}
