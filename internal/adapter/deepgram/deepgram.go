// Package deepgram implements the split STT+TTS adapter flavor: one
// Deepgram streaming-transcription socket, one Deepgram TTS socket,
// composed with the shared LLM client once a caller utterance reaches a
// sentence boundary.
//
// Grounded on _examples/original_source/src/codec.py's
// make_live_options/make_speak_options (nova-2 STT model, aura-asteria-en
// TTS voice) and on call.py's sentence-boundary accumulation (buffer
// transcript fragments until one ends in ?/./!, then dispatch to the LLM
// and speak the reply). Wire library: github.com/deepgram/deepgram-go-sdk/v3.
package deepgram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listen "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	listeninterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	speak "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/speak"
	speakinterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/speak/v1/websocket/interfaces"

	"github.com/sebas/voicebridge/internal/adapter"
	"github.com/sebas/voicebridge/internal/codec"
	"github.com/sebas/voicebridge/internal/llm"
)

const defaultSTTModel = "nova-2"
const defaultTTSVoice = "aura-asteria-en"

// Priority is this flavor's codec preference.
var Priority = []codec.Name{codec.MuLaw, codec.ALaw}

// Options configures the Deepgram split STT+TTS adapter.
type Options struct {
	APIKey       string
	Language     string
	SpeechModel  string
	Voice        string
	Instructions string
	Welcome      string
	TransferTo   string
	TransferBy   string
	ExtraTools   []adapter.ToolSpec

	LLM *llm.Client
}

// Adapter implements adapter.Adapter for the Deepgram split flavor.
type Adapter struct {
	*adapter.Base

	opts    Options
	call    adapter.CallControl
	catalog *adapter.Catalogue
	callKey string

	liveClient *listen.WSChannel

	sentenceMu sync.Mutex
	sentence   strings.Builder
}

// New constructs the adapter bound to binding (chosen from the offer
// under Priority by the caller).
func New(callKey string, binding codec.Binding, opts Options, call adapter.CallControl, enqueue func([]byte), drainQueue func() int) *Adapter {
	builtins := adapter.BuiltinTools(opts.TransferTo, opts.TransferBy)
	a := &Adapter{
		Base:    adapter.NewBase(callKey, binding, enqueue, drainQueue),
		opts:    opts,
		call:    call,
		catalog: adapter.NewCatalogue(builtins, opts.ExtraTools...),
		callKey: callKey,
	}
	if a.opts.LLM != nil {
		a.opts.LLM.CreateCall(callKey, opts.Instructions)
	}
	return a
}

func (a *Adapter) liveOptions() *interfaces.LiveTranscriptionOptions {
	model := a.opts.SpeechModel
	if model == "" {
		model = defaultSTTModel
	}
	encoding := "mulaw"
	if a.Codec().Name == codec.ALaw {
		encoding = "alaw"
	}
	return &interfaces.LiveTranscriptionOptions{
		Model:           model,
		Language:        a.orDefault(a.opts.Language, "en-US"),
		Punctuate:       true,
		FillerWords:     true,
		InterimResults:  true,
		UtteranceEndMs:  "1000",
		Encoding:        encoding,
		SampleRate:      a.Codec().ClockRate,
	}
}

func (a *Adapter) orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Start opens the STT socket and runs until the socket closes.
func (a *Adapter) Start(ctx context.Context) error {
	a.SetState(adapter.StateConnecting)

	cb := &liveCallback{adapter: a}
	client, err := listen.NewWSUsingCallback(ctx, a.opts.APIKey, &interfaces.ClientOptions{}, a.liveOptions(), cb)
	if err != nil {
		a.MarkTerminated()
		return fmt.Errorf("deepgram: connect live transcription: %w", err)
	}
	if ok := client.Connect(); !ok {
		a.MarkTerminated()
		return fmt.Errorf("deepgram: live transcription connect failed")
	}
	a.liveClient = client
	a.SetState(adapter.StateReady)

	if a.opts.Welcome != "" {
		a.speak(ctx, a.opts.Welcome)
	}

	<-ctx.Done()
	return ctx.Err()
}

// Send forwards caller audio to the live transcription socket.
func (a *Adapter) Send(pcm []byte) {
	if a.Terminated() || a.liveClient == nil {
		return
	}
	a.ForwardCallerAudio()
	if err := a.liveClient.WriteBinary(pcm); err != nil {
		slog.Warn("deepgram: send failed, terminating call", "call_key", a.callKey, "error", err)
		a.MarkTerminated()
		a.call.Terminate()
	}
}

// onTranscript accumulates fragments until one ends with a sentence
// terminator, then dispatches to the LLM and speaks the reply — the
// control flow from original_source/src/call.py's Deepgram on_message
// handler.
func (a *Adapter) onTranscript(fragment string, isFinal bool) {
	if fragment == "" || !isFinal {
		return
	}
	a.sentenceMu.Lock()
	a.sentence.WriteString(fragment)
	a.sentence.WriteString(" ")
	text := strings.TrimSpace(a.sentence.String())
	complete := strings.HasSuffix(text, "?") || strings.HasSuffix(text, ".") || strings.HasSuffix(text, "!")
	if complete {
		a.sentence.Reset()
	}
	a.sentenceMu.Unlock()

	if !complete || text == "" {
		return
	}
	go a.respond(context.Background(), text)
}

func (a *Adapter) respond(ctx context.Context, utterance string) {
	if a.opts.LLM == nil {
		return
	}
	reply, err := a.opts.LLM.Send(ctx, a.callKey, utterance)
	if err != nil {
		slog.Warn("deepgram: llm request failed", "call_key", a.callKey, "error", err)
		return
	}
	a.speak(ctx, reply)
}

// speak streams reply through the TTS socket and deframes the result onto
// the outbound queue, serialized by the adapter's speech_lock (via
// HandleAudioDelta/FlushTurn) since a second utterance may start speaking
// before this one finishes streaming.
func (a *Adapter) speak(ctx context.Context, text string) {
	voice := a.orDefault(a.opts.Voice, defaultTTSVoice)
	cb := &speakCallback{adapter: a}
	client, err := speak.NewWSUsingCallback(ctx, a.opts.APIKey, &interfaces.ClientOptions{}, &interfaces.WSSpeakOptions{
		Model:    voice,
		Encoding: ttsEncoding(a.Codec()),
	}, cb)
	if err != nil {
		slog.Warn("deepgram: tts connect failed", "call_key", a.callKey, "error", err)
		return
	}
	defer client.Stop()

	if ok := client.Connect(); !ok {
		slog.Warn("deepgram: tts connect failed", "call_key", a.callKey)
		return
	}
	if err := client.SpeakWithText(text); err != nil {
		slog.Warn("deepgram: tts speak failed", "call_key", a.callKey, "error", err)
		return
	}
	client.Flush()
	a.FlushTurn()
}

func ttsEncoding(b codec.Binding) string {
	switch b.Name {
	case codec.ALaw:
		return "alaw"
	case codec.Opus:
		return "opus"
	default:
		return "mulaw"
	}
}

// Close tears down the provider connections.
func (a *Adapter) Close() error {
	a.SetState(adapter.StateClosed)
	if a.opts.LLM != nil {
		a.opts.LLM.DeleteCall(a.callKey)
	}
	if a.liveClient != nil {
		a.liveClient.Stop()
	}
	return nil
}

// liveCallback adapts Deepgram's live-transcription callback interface to
// this adapter's onTranscript/DrainOnBargeIn hooks.
type liveCallback struct {
	adapter *Adapter
	listeninterfaces.LiveMessageCallback
}

func (c *liveCallback) Message(mr *listeninterfaces.MessageResponse) error {
	if len(mr.Channel.Alternatives) == 0 {
		return nil
	}
	alt := mr.Channel.Alternatives[0]
	c.adapter.onTranscript(alt.Transcript, mr.IsFinal)
	return nil
}

func (c *liveCallback) SpeechStarted(_ *listeninterfaces.SpeechStartedResponse) error {
	c.adapter.DrainOnBargeIn()
	return nil
}

func (c *liveCallback) Error(er *listeninterfaces.ErrorResponse) error {
	slog.Warn("deepgram: live transcription error", "call_key", c.adapter.callKey, "error", er)
	c.adapter.MarkTerminated()
	c.adapter.call.Terminate()
	return nil
}

// speakCallback adapts Deepgram's TTS callback interface to deframe
// synthesized audio onto the outbound queue.
type speakCallback struct {
	adapter *Adapter
	speakinterfaces.SpeakMessageCallback
}

func (c *speakCallback) Binary(data []byte) error {
	c.adapter.HandleAudioDelta(data)
	return nil
}

func (c *speakCallback) Error(er *speakinterfaces.SpeakResponseError) error {
	slog.Warn("deepgram: tts error", "call_key", c.adapter.callKey, "error", er)
	return nil
}
