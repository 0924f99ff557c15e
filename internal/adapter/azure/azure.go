// Package azure implements the split STT+TTS adapter flavor backed by
// Azure Cognitive Services Speech: one continuous-recognition push-stream
// session, one on-demand synthesizer per reply, composed with the shared
// LLM client once a caller utterance reaches a sentence boundary.
//
// Structurally the same split shape as the deepgram flavor (SPEC_FULL
// 4.6): push caller audio into a streaming recognizer, accumulate final
// transcripts into a sentence, dispatch to the shared LLM client, then
// synthesize and deframe the reply. Wire library:
// github.com/Microsoft/cognitive-services-speech-sdk-go.
package azure

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/Microsoft/cognitive-services-speech-sdk-go/audio"
	"github.com/Microsoft/cognitive-services-speech-sdk-go/common"
	"github.com/Microsoft/cognitive-services-speech-sdk-go/speech"

	"github.com/sebas/voicebridge/internal/adapter"
	"github.com/sebas/voicebridge/internal/codec"
	"github.com/sebas/voicebridge/internal/llm"
)

const defaultVoice = "en-US-JennyNeural"
const defaultLanguage = "en-US"

// Priority is this flavor's codec preference; Azure's streaming
// recognizer is fed raw PCM-framed bytes, so only the G.711 flavors make
// sense here (no Opus/Ogg deframing path).
var Priority = []codec.Name{codec.MuLaw, codec.ALaw}

// Options configures the Azure split STT+TTS adapter.
type Options struct {
	SubscriptionKey string
	Region          string
	Language        string
	Voice           string
	Instructions    string
	Welcome         string
	TransferTo      string
	TransferBy      string
	ExtraTools      []adapter.ToolSpec

	LLM *llm.Client
}

// Adapter implements adapter.Adapter for the Azure split flavor.
type Adapter struct {
	*adapter.Base

	opts    Options
	call    adapter.CallControl
	catalog *adapter.Catalogue
	callKey string

	pushStream *audio.PushAudioInputStream
	recognizer *speech.SpeechRecognizer

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

func (a *Adapter) streamFormat() (*audio.AudioStreamFormat, error) {
	switch a.Codec().Name {
	case codec.ALaw:
		return audio.CreateAudioStreamFormatUsingALawFormat(uint32(a.Codec().ClockRate), 8, 1)
	default:
		return audio.CreateAudioStreamFormatUsingMuLawFormat(uint32(a.Codec().ClockRate), 8, 1)
	}
}

// Start opens a push-stream continuous recognizer and runs until closed.
func (a *Adapter) Start(ctx context.Context) error {
	a.SetState(adapter.StateConnecting)

	format, err := a.streamFormat()
	if err != nil {
		a.MarkTerminated()
		return fmt.Errorf("azure: stream format: %w", err)
	}
	defer format.Close()

	stream, err := audio.CreatePushAudioInputStreamFromFormat(format)
	if err != nil {
		a.MarkTerminated()
		return fmt.Errorf("azure: push stream: %w", err)
	}
	a.pushStream = stream

	audioConfig, err := audio.CreateAudioConfigFromStreamInput(stream)
	if err != nil {
		a.MarkTerminated()
		return fmt.Errorf("azure: audio config: %w", err)
	}
	defer audioConfig.Close()

	speechConfig, err := speech.NewSpeechConfigFromSubscription(a.opts.SubscriptionKey, a.opts.Region)
	if err != nil {
		a.MarkTerminated()
		return fmt.Errorf("azure: speech config: %w", err)
	}
	defer speechConfig.Close()
	_ = speechConfig.SetSpeechRecognitionLanguage(a.orDefault(a.opts.Language, defaultLanguage))

	recognizer, err := speech.NewSpeechRecognizerFromConfig(speechConfig, audioConfig)
	if err != nil {
		a.MarkTerminated()
		return fmt.Errorf("azure: recognizer: %w", err)
	}
	a.recognizer = recognizer
	defer recognizer.Close()

	recognizer.Recognized(a.onRecognized)
	recognizer.Canceled(a.onCanceled)
	recognizer.SpeechStartDetected(func(_ speech.SpeechStartDetectedEventArgs) {
		a.DrainOnBargeIn()
	})

	if err := <-recognizer.StartContinuousRecognitionAsync(); err != nil {
		a.MarkTerminated()
		return fmt.Errorf("azure: start recognition: %w", err)
	}
	a.SetState(adapter.StateReady)

	if a.opts.Welcome != "" {
		a.speak(ctx, a.opts.Welcome)
	}

	<-ctx.Done()
	_ = <-recognizer.StopContinuousRecognitionAsync()
	return ctx.Err()
}

func (a *Adapter) onRecognized(event speech.SpeechRecognitionEventArgs) {
	defer event.Close()
	if event.Result.Reason != common.RecognizedSpeech {
		return
	}
	a.onTranscript(event.Result.Text)
}

func (a *Adapter) onCanceled(event speech.SpeechRecognitionCanceledEventArgs) {
	defer event.Close()
	if event.Reason == common.EndOfStream {
		return
	}
	slog.Warn("azure: recognition canceled", "call_key", a.callKey, "reason", event.Reason, "error", event.ErrorDetails)
	a.MarkTerminated()
	a.call.Terminate()
}

// onTranscript accumulates final transcripts into a sentence, mirroring
// the deepgram flavor's boundary detection, and dispatches to the LLM
// once one ends in a sentence terminator.
func (a *Adapter) onTranscript(text string) {
	if text == "" {
		return
	}
	a.sentenceMu.Lock()
	a.sentence.WriteString(text)
	a.sentence.WriteString(" ")
	full := strings.TrimSpace(a.sentence.String())
	complete := strings.HasSuffix(full, "?") || strings.HasSuffix(full, ".") || strings.HasSuffix(full, "!")
	if complete {
		a.sentence.Reset()
	}
	a.sentenceMu.Unlock()

	if !complete || full == "" {
		return
	}
	go a.respond(context.Background(), full)
}

func (a *Adapter) respond(ctx context.Context, utterance string) {
	if a.opts.LLM == nil {
		return
	}
	reply, err := a.opts.LLM.Send(ctx, a.callKey, utterance)
	if err != nil {
		slog.Warn("azure: llm request failed", "call_key", a.callKey, "error", err)
		return
	}
	a.speak(ctx, reply)
}

// speak synthesizes text to raw audio bytes in the call's codec and
// deframes them onto the outbound queue via the shared speech_lock path.
func (a *Adapter) speak(_ context.Context, text string) {
	format, err := a.streamFormat()
	if err != nil {
		slog.Warn("azure: tts stream format failed", "call_key", a.callKey, "error", err)
		return
	}
	defer format.Close()

	speechConfig, err := speech.NewSpeechConfigFromSubscription(a.opts.SubscriptionKey, a.opts.Region)
	if err != nil {
		slog.Warn("azure: tts config failed", "call_key", a.callKey, "error", err)
		return
	}
	defer speechConfig.Close()
	_ = speechConfig.SetSpeechSynthesisVoiceName(a.orDefault(a.opts.Voice, defaultVoice))

	synthesizer, err := speech.NewSpeechSynthesizerFromConfig(speechConfig, nil)
	if err != nil {
		slog.Warn("azure: tts synthesizer failed", "call_key", a.callKey, "error", err)
		return
	}
	defer synthesizer.Close()

	outcome := <-synthesizer.SpeakTextAsync(text)
	if outcome.Error != nil {
		slog.Warn("azure: tts synthesis failed", "call_key", a.callKey, "error", outcome.Error)
		return
	}
	defer outcome.Result.Close()

	a.HandleAudioDelta(outcome.Result.AudioData)
	a.FlushTurn()
}

func (a *Adapter) orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Send pushes caller audio into the recognizer's stream.
func (a *Adapter) Send(pcm []byte) {
	if a.Terminated() || a.pushStream == nil {
		return
	}
	a.ForwardCallerAudio()
	if err := a.pushStream.Write(pcm); err != nil {
		slog.Warn("azure: push stream write failed, terminating call", "call_key", a.callKey, "error", err)
		a.MarkTerminated()
		a.call.Terminate()
	}
}

// Close tears down the recognizer and its input stream.
func (a *Adapter) Close() error {
	a.SetState(adapter.StateClosed)
	if a.opts.LLM != nil {
		a.opts.LLM.DeleteCall(a.callKey)
	}
	if a.pushStream != nil {
		a.pushStream.CloseStream()
	}
	return nil
}
