// Package openai implements the realtime-voice AI adapter flavor over
// the OpenAI Realtime API, grounded on
// _examples/original_source/src/openai_api.py: session configuration
// (turn_detection, input_audio_transcription, tools), the
// response.audio.delta/response.audio.done/conversation.item.created/
// response.done/response.function_call_arguments.done event dispatch,
// and the built-in plus pluggable tool catalogue.
//
// The websocket wire idiom (dialer timeout, mutex-guarded writes, a
// dedicated read-loop goroutine dispatching by message type, done-channel
// close) is adapted from iamprashant-voice-ai's websocket_executor.go —
// the control-flow shape is reused, not its code or license header.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebas/voicebridge/internal/adapter"
	"github.com/sebas/voicebridge/internal/codec"
)

const defaultModel = "gpt-4o-realtime-preview-2024-10-01"
const defaultVoice = "alloy"

// Options configures the OpenAI realtime adapter; cascaded from
// internal/config per SPEC_FULL 6.
type Options struct {
	APIKey      string
	Model       string
	URL         string
	Voice       string
	Instructions string
	Welcome     string
	Temperature float64
	MaxTokens   string // "inf" or a numeric string, matching the provider's wire type

	TurnDetectionType        string
	TurnDetectionSilenceMS   int
	TurnDetectionThreshold   float64
	TurnDetectionPrefixMS    int

	TransferTo   string
	TransferBy   string
	ExtraTools   []adapter.ToolSpec
}

// Priority is this flavor's codec preference: opus first, then A-law,
// then µ-law.
var Priority = []codec.Name{codec.Opus, codec.ALaw, codec.MuLaw}

// Adapter implements adapter.Adapter for the OpenAI Realtime API.
type Adapter struct {
	*adapter.Base

	opts    Options
	call    adapter.CallControl
	catalog *adapter.Catalogue

	writeMu sync.Mutex
	conn    *websocket.Conn

	closeOnce sync.Once
	doneCh    chan struct{}
}

// New constructs the adapter for binding, the codec the caller (Call)
// already selected from the offer under Priority.
func New(callKey string, binding codec.Binding, opts Options, call adapter.CallControl, enqueue func([]byte), drainQueue func() int) *Adapter {
	builtins := adapter.BuiltinTools(opts.TransferTo, opts.TransferBy)
	a := &Adapter{
		Base:    adapter.NewBase(callKey, binding, enqueue, drainQueue),
		opts:    opts,
		call:    call,
		catalog: adapter.NewCatalogue(builtins, opts.ExtraTools...),
		doneCh:  make(chan struct{}),
	}
	return a
}

func (a *Adapter) wsURL() string {
	if a.opts.URL != "" {
		return a.opts.URL
	}
	model := a.opts.Model
	if model == "" {
		model = defaultModel
	}
	u := url.URL{Scheme: "wss", Host: "api.openai.com", Path: "/v1/realtime"}
	q := u.Query()
	q.Set("model", model)
	u.RawQuery = q.Encode()
	return u.String()
}

// Start opens the realtime connection, sends session.update, optionally
// injects a welcome utterance, then runs the receive loop.
func (a *Adapter) Start(ctx context.Context) error {
	a.SetState(adapter.StateConnecting)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+a.opts.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, a.wsURL(), header)
	if err != nil {
		a.MarkTerminated()
		return fmt.Errorf("openai: dial: %w", err)
	}
	a.conn = conn
	a.SetState(adapter.StateReady)

	if err := a.sendSessionUpdate(); err != nil {
		a.MarkTerminated()
		return err
	}
	if a.opts.Welcome != "" {
		a.send(map[string]any{
			"type": "response.create",
			"response": map[string]any{
				"instructions": a.opts.Welcome,
			},
		})
	}

	return a.receiveLoop(ctx)
}

func (a *Adapter) sendSessionUpdate() error {
	codecName := "g711_ulaw"
	switch a.Codec().Name {
	case codec.ALaw:
		codecName = "g711_alaw"
	case codec.Opus:
		codecName = "opus"
	}

	tools := make([]map[string]any, 0)
	for _, t := range a.catalog.Specs() {
		var params any
		_ = json.Unmarshal(t.Parameters, &params)
		tools = append(tools, map[string]any{
			"type":        "function",
			"name":        t.Name,
			"description": t.Description,
			"parameters":  params,
		})
	}

	session := map[string]any{
		"turn_detection": map[string]any{
			"type":                a.orDefault(a.opts.TurnDetectionType, "server_vad"),
			"silence_duration_ms": a.orDefaultInt(a.opts.TurnDetectionSilenceMS, 200),
			"threshold":           a.orDefaultFloat(a.opts.TurnDetectionThreshold, 0.5),
			"prefix_padding_ms":   a.orDefaultInt(a.opts.TurnDetectionPrefixMS, 200),
		},
		"input_audio_format":  codecName,
		"output_audio_format": codecName,
		"input_audio_transcription": map[string]any{
			"model": "whisper-1",
		},
		"voice":       a.orDefault(a.opts.Voice, defaultVoice),
		"temperature": a.orDefaultFloat(a.opts.Temperature, 0.8),
		"tools":       tools,
		"tool_choice": "auto",
	}
	if a.opts.MaxTokens != "" {
		session["max_response_output_tokens"] = a.opts.MaxTokens
	} else {
		session["max_response_output_tokens"] = "inf"
	}
	if a.opts.Instructions != "" {
		session["instructions"] = a.opts.Instructions
	}

	return a.send(map[string]any{"type": "session.update", "session": session})
}

func (a *Adapter) orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
func (a *Adapter) orDefaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
func (a *Adapter) orDefaultFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

// Send forwards caller audio as input_audio_buffer.append; per SPEC_FULL
// 4.5, this is a no-op if terminated or not connected, and transient send
// failures are terminal (no retry).
func (a *Adapter) Send(pcm []byte) {
	if a.Terminated() || a.conn == nil {
		return
	}
	a.ForwardCallerAudio()
	err := a.send(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
	if err != nil {
		slog.Warn("openai: send failed, terminating call", "error", err)
		a.MarkTerminated()
		a.call.Terminate()
	}
}

func (a *Adapter) send(frame map[string]any) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.conn == nil {
		return errors.New("openai: connection not open")
	}
	return a.conn.WriteJSON(frame)
}

func (a *Adapter) receiveLoop(ctx context.Context) error {
	for {
		var msg map[string]any
		if err := a.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				a.MarkTerminated()
				a.call.Terminate()
				return nil
			}
			a.MarkTerminated()
			a.call.Terminate()
			return fmt.Errorf("openai: receive: %w", err)
		}

		msgType, _ := msg["type"].(string)
		switch msgType {
		case "response.audio.delta":
			delta, _ := msg["delta"].(string)
			raw, err := base64.StdEncoding.DecodeString(delta)
			if err == nil {
				a.HandleAudioDelta(raw)
			}
		case "response.audio.done":
			a.FlushTurn()
		case "conversation.item.created":
			if item, ok := msg["item"].(map[string]any); ok {
				if status, _ := item["status"].(string); status == "completed" {
					a.DrainOnBargeIn()
				}
			}
		case "response.done":
			a.handleResponseDone(ctx, msg)
		case "response.function_call_arguments.done":
			a.handleFunctionCall(ctx, msg)
		case "conversation.item.input_audio_transcription.completed",
			"response.audio_transcript.done":
			// Transcripts are logged only; they do not drive the state
			// machine (SPEC_FULL 4.5).
			slog.Info("openai: transcript event", "type", msgType)
		case "error":
			slog.Warn("openai: provider error event", "message", msg)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (a *Adapter) handleResponseDone(ctx context.Context, msg map[string]any) {
	resp, _ := msg["response"].(map[string]any)
	if resp == nil {
		return
	}
	outputs, _ := resp["output"].([]any)
	for _, o := range outputs {
		item, _ := o.(map[string]any)
		if item == nil || item["type"] != "function_call" {
			continue
		}
		name, _ := item["name"].(string)
		callID, _ := item["call_id"].(string)
		argsStr, _ := item["arguments"].(string)
		result, err := a.catalog.Dispatch(ctx, a.call, name, json.RawMessage(argsStr))
		if err != nil {
			slog.Warn("openai: tool dispatch failed", "tool", name, "error", err)
			result = fmt.Sprintf("error: %v", err)
		}
		_ = a.send(map[string]any{
			"type": "conversation.item.create",
			"item": map[string]any{
				"type":    "function_call_output",
				"call_id": callID,
				"output":  result,
			},
		})
		_ = a.send(map[string]any{"type": "response.create"})
	}
}

func (a *Adapter) handleFunctionCall(ctx context.Context, msg map[string]any) {
	name, _ := msg["name"].(string)
	callID, _ := msg["call_id"].(string)
	argsStr, _ := msg["arguments"].(string)
	result, err := a.catalog.Dispatch(ctx, a.call, name, json.RawMessage(argsStr))
	if err != nil {
		slog.Warn("openai: tool dispatch failed", "tool", name, "error", err)
		return
	}
	_ = a.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  result,
		},
	})
	_ = a.send(map[string]any{"type": "response.create"})
}

// Close tears down the websocket connection.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.SetState(adapter.StateClosed)
		close(a.doneCh)
		if a.conn != nil {
			err = a.conn.Close()
		}
	})
	return err
}
