// Package deepgramnative implements the end-to-end Deepgram Voice Agent
// flavor: a single control+audio websocket combining STT, LLM, and TTS
// server-side. Structurally mirrors the openai adapter's single-socket
// state machine and event dispatch (SPEC_FULL 4.6), differing only in
// wire vocabulary (Deepgram's Agent API instead of OpenAI Realtime).
package deepgramnative

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/deepgram/deepgram-go-sdk/v3/pkg/api/agent/v1/websocket/interfaces"
	agent "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/agent"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"

	"github.com/sebas/voicebridge/internal/adapter"
	"github.com/sebas/voicebridge/internal/codec"
)

// Priority is this flavor's codec preference.
var Priority = []codec.Name{codec.MuLaw, codec.ALaw}

// Options configures the Deepgram Voice Agent adapter.
type Options struct {
	APIKey       string
	ListenModel  string
	ThinkModel   string
	Voice        string
	Instructions string
	Welcome      string
	TransferTo   string
	TransferBy   string
	ExtraTools   []adapter.ToolSpec
}

// Adapter implements adapter.Adapter for the Deepgram Voice Agent flavor.
type Adapter struct {
	*adapter.Base

	opts    Options
	call    adapter.CallControl
	catalog *adapter.Catalogue
	callKey string

	client *agent.WSChannel
}

// New constructs the adapter bound to binding (chosen from the offer
// under Priority by the caller).
func New(callKey string, binding codec.Binding, opts Options, call adapter.CallControl, enqueue func([]byte), drainQueue func() int) *Adapter {
	builtins := adapter.BuiltinTools(opts.TransferTo, opts.TransferBy)
	return &Adapter{
		Base:    adapter.NewBase(callKey, binding, enqueue, drainQueue),
		opts:    opts,
		call:    call,
		catalog: adapter.NewCatalogue(builtins, opts.ExtraTools...),
		callKey: callKey,
	}
}

func (a *Adapter) settings() *interfaces.SettingsConfiguration {
	encoding := "mulaw"
	if a.Codec().Name == codec.ALaw {
		encoding = "alaw"
	}

	functions := make([]interfaces.Function, 0, len(a.catalog.Specs()))
	for _, t := range a.catalog.Specs() {
		var params any
		_ = json.Unmarshal(t.Parameters, &params)
		functions = append(functions, interfaces.Function{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		})
	}

	cfg := &interfaces.SettingsConfiguration{}
	cfg.Audio.Input.Encoding = encoding
	cfg.Audio.Input.SampleRate = a.Codec().ClockRate
	cfg.Audio.Output.Encoding = encoding
	cfg.Audio.Output.SampleRate = a.Codec().ClockRate
	cfg.Agent.Listen.Model = a.orDefault(a.opts.ListenModel, "nova-2")
	cfg.Agent.Think.Model = a.orDefault(a.opts.ThinkModel, "gpt-4o-mini")
	cfg.Agent.Think.Functions = functions
	cfg.Agent.Speak.Model = a.orDefault(a.opts.Voice, "aura-asteria-en")
	if a.opts.Instructions != "" {
		cfg.Agent.Think.Instructions = a.opts.Instructions
	}
	if a.opts.Welcome != "" {
		cfg.Agent.Greeting = a.opts.Welcome
	}
	return cfg
}

func (a *Adapter) orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Start opens the agent socket, sends Settings, then runs until closed.
func (a *Adapter) Start(ctx context.Context) error {
	a.SetState(adapter.StateConnecting)

	cb := &agentCallback{adapter: a, ctx: ctx}
	client, err := agent.NewWSUsingCallback(ctx, a.opts.APIKey, &clientinterfaces.ClientOptions{}, a.settings(), cb)
	if err != nil {
		a.MarkTerminated()
		return fmt.Errorf("deepgramnative: connect: %w", err)
	}
	if ok := client.Connect(); !ok {
		a.MarkTerminated()
		return fmt.Errorf("deepgramnative: connect failed")
	}
	a.client = client
	a.SetState(adapter.StateReady)

	<-ctx.Done()
	return ctx.Err()
}

// Send forwards caller audio into the agent socket.
func (a *Adapter) Send(pcm []byte) {
	if a.Terminated() || a.client == nil {
		return
	}
	a.ForwardCallerAudio()
	if err := a.client.WriteBinary(pcm); err != nil {
		slog.Warn("deepgramnative: send failed, terminating call", "call_key", a.callKey, "error", err)
		a.MarkTerminated()
		a.call.Terminate()
	}
}

// Close tears down the agent connection.
func (a *Adapter) Close() error {
	a.SetState(adapter.StateClosed)
	if a.client != nil {
		a.client.Stop()
	}
	return nil
}

type agentCallback struct {
	adapter *Adapter
	ctx     context.Context
	interfaces.AgentMessageCallback
}

func (c *agentCallback) AudioData(data []byte) error {
	c.adapter.HandleAudioDelta(data)
	return nil
}

func (c *agentCallback) AgentAudioDone(_ *interfaces.AgentAudioDoneResponse) error {
	c.adapter.FlushTurn()
	return nil
}

func (c *agentCallback) UserStartedSpeaking(_ *interfaces.UserStartedSpeakingResponse) error {
	c.adapter.DrainOnBargeIn()
	return nil
}

func (c *agentCallback) ConversationText(cr *interfaces.ConversationTextResponse) error {
	slog.Info("deepgramnative: transcript event", "role", cr.Role, "content", cr.Content)
	return nil
}

func (c *agentCallback) FunctionCallRequest(fr *interfaces.FunctionCallRequestResponse) error {
	for _, call := range fr.Functions {
		result, err := c.adapter.catalog.Dispatch(c.ctx, c.adapter.call, call.Name, json.RawMessage(call.Arguments))
		if err != nil {
			slog.Warn("deepgramnative: tool dispatch failed", "tool", call.Name, "error", err)
			result = fmt.Sprintf("error: %v", err)
		}
		_ = c.adapter.client.SendFunctionCallResponse(call.ID, call.Name, result)
	}
	return nil
}

func (c *agentCallback) Error(er *interfaces.ErrorResponse) error {
	slog.Warn("deepgramnative: provider error", "call_key", c.adapter.callKey, "error", er)
	c.adapter.MarkTerminated()
	c.adapter.call.Terminate()
	return nil
}
