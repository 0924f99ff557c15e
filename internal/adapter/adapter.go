// Package adapter defines the uniform AI-provider contract (SPEC_FULL
// 4.5) shared by every flavor (openai, deepgram, deepgramnative, azure),
// plus the state machine and built-in tool catalogue common to all of
// them.
//
// The small-interface style is grounded on
// internal/rtpmanager/media/interfaces.go; the state enum is grounded on
// internal/signaling/b2bua/state.go's LegState, generalized from call-leg
// states to adapter states.
package adapter

import (
	"context"
	"fmt"

	"github.com/sebas/voicebridge/internal/codec"
)

// Adapter is the uniform contract every AI provider flavor implements.
type Adapter interface {
	// Codec is the binding this adapter chose from the call's offered
	// SDP under its own provider priority list.
	Codec() codec.Binding

	// Start opens the provider connection, sends session configuration,
	// optionally injects a welcome utterance, then runs the receive loop
	// until Close or a terminal failure. It returns when the adapter is
	// done (never, in the ordinary course, until teardown).
	Start(ctx context.Context) error

	// Send forwards caller audio upstream. It is a no-op if the adapter
	// is terminated or its connection is not open.
	Send(audio []byte)

	// Close tears down the provider connection.
	Close() error
}

// State is the adapter lifecycle state machine from SPEC_FULL 4.5:
// INIT -> CONNECTING -> READY -> STREAMING <-> SPEAKING -> CLOSING -> CLOSED.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateReady
	StateStreaming
	StateSpeaking
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateStreaming:
		return "STREAMING"
	case StateSpeaking:
		return "SPEAKING"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// IsTerminal reports whether s is CLOSING or CLOSED.
func (s State) IsTerminal() bool {
	return s == StateClosing || s == StateClosed
}
