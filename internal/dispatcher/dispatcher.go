// Package dispatcher is the event router (SPEC_FULL 4.8 / C8): it
// subscribes to E_UA_SESSION, resolves which AI-provider flavor owns
// each new call, builds and tears down internal/call.Call instances,
// and replies on the management channel with the exact status-code
// mapping the original engine used.
//
// Grounded on original_source/src/engine.py's handle_call (per-method
// branching and status codes), udp_handler (the indialog()/481 check
// before dispatch), and shutdown (cancel, close every live call,
// unsubscribe).
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sebas/voicebridge/internal/adapter"
	"github.com/sebas/voicebridge/internal/adapter/azure"
	"github.com/sebas/voicebridge/internal/adapter/deepgram"
	"github.com/sebas/voicebridge/internal/adapter/deepgramnative"
	"github.com/sebas/voicebridge/internal/adapter/openai"
	"github.com/sebas/voicebridge/internal/botconfig"
	"github.com/sebas/voicebridge/internal/call"
	"github.com/sebas/voicebridge/internal/codec"
	"github.com/sebas/voicebridge/internal/config"
	"github.com/sebas/voicebridge/internal/llm"
	"github.com/sebas/voicebridge/internal/logging"
	"github.com/sebas/voicebridge/internal/mgmtchannel"
	"github.com/sebas/voicebridge/internal/portpool"
	"github.com/sebas/voicebridge/internal/sdpneg"
	"github.com/sebas/voicebridge/internal/tools"
)

// defaultLogBaseDir is the root a call-scoped log file is opened under,
// matching the app-level logger's own "logs" root (cmd/voicebridge).
const defaultLogBaseDir = "logs"

// inDialogMethods are SIP methods that only make sense against an
// already-known dialog; hitting one with an unrecognized key means the
// dialog existed once but this process lost track of it (481), as
// opposed to a method this dispatcher never handles at all (405).
var inDialogMethods = map[string]bool{
	"BYE": true, "REFER": true, "NOTIFY": true, "INFO": true, "CANCEL": true, "ACK": true, "UPDATE": true, "PRACK": true,
}

// flavorOrder is the fixed iteration order the FNV-1a fallback hashes
// over; it must stay stable across process restarts for the hash
// fallback to route deterministically.
var flavorOrder = []string{"openai", "deepgram", "deepgram_native", "azure"}

// ManagementChannel is the subset of *mgmtchannel.Client the dispatcher
// needs; narrowed to an interface so tests can fake the transport.
type ManagementChannel interface {
	SessionReply(ctx context.Context, key, method string, code int, reason string, body []byte) error
	SessionUpdate(ctx context.Context, key, method string, body []byte, extraHeaders map[string]string) error
	SessionTerminate(ctx context.Context, key string) error
	Subscribe(ctx context.Context, listenAddr string, handler func(mgmtchannel.Event)) error
}

// BotConfigClient is the subset of *botconfig.Client the dispatcher
// needs for flavor-resolution step 2.
type BotConfigClient interface {
	Lookup(ctx context.Context, headerValue string) (*botconfig.Response, error)
}

// Dispatcher owns the call table and routes every inbound management
// channel event to the right lifecycle action.
type Dispatcher struct {
	mgmt       ManagementChannel
	botConfig  BotConfigClient
	pool       *portpool.Pool
	cfg        *config.Config
	listenAddr string
	localAddr  string
	botHeader  string

	llmClients map[string]*llm.Client // keyed by flavor name, lazily shared
	logBaseDir string                 // root for per-call log files; tests override

	mu    sync.Mutex
	calls map[string]*call.Call
}

// New builds a Dispatcher. listenAddr is the local socket the
// management channel delivers E_UA_SESSION events to; localAddr is the
// RTP bind address advertised in SDP answers.
func New(mgmt ManagementChannel, botConfig BotConfigClient, pool *portpool.Pool, cfg *config.Config, listenAddr, localAddr string) *Dispatcher {
	return &Dispatcher{
		mgmt:       mgmt,
		botConfig:  botConfig,
		pool:       pool,
		cfg:        cfg,
		listenAddr: listenAddr,
		localAddr:  localAddr,
		botHeader:  cfg.Engine.BotHeader,
		llmClients: make(map[string]*llm.Client),
		logBaseDir: defaultLogBaseDir,
		calls:      make(map[string]*call.Call),
	}
}

// Run subscribes to E_UA_SESSION and blocks until ctx is cancelled, then
// closes every live call before returning (SPEC_FULL 4.8's shutdown
// sequencing).
func (d *Dispatcher) Run(ctx context.Context) error {
	err := d.mgmt.Subscribe(ctx, d.listenAddr, func(ev mgmtchannel.Event) {
		d.handleEvent(ctx, ev)
	})
	d.shutdown()
	return err
}

func (d *Dispatcher) shutdown() {
	d.mu.Lock()
	calls := make([]*call.Call, 0, len(d.calls))
	for _, c := range d.calls {
		calls = append(calls, c)
	}
	d.mu.Unlock()

	for _, c := range calls {
		if c.Terminated() {
			continue
		}
		if err := c.Close(); err != nil {
			slog.Warn("dispatcher: error closing call during shutdown", "call_key", c.Key(), "error", err)
		}
	}
}

func (d *Dispatcher) lookup(key string) (*call.Call, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.calls[key]
	return c, ok
}

func (d *Dispatcher) store(key string, c *call.Call) {
	d.mu.Lock()
	d.calls[key] = c
	d.mu.Unlock()
}

func (d *Dispatcher) forget(key string) {
	d.mu.Lock()
	delete(d.calls, key)
	d.mu.Unlock()
}

func (d *Dispatcher) handleEvent(ctx context.Context, ev mgmtchannel.Event) {
	existing, exists := d.lookup(ev.Key)

	switch {
	case ev.Method == "INVITE" && !exists:
		d.handleNewInvite(ctx, ev)
	case ev.Method == "INVITE" && exists:
		d.handleReInvite(ctx, existing, ev)
	case ev.Method == "BYE":
		if !exists {
			d.reply(ctx, ev.Key, ev.Method, 481, "Call Leg/Transaction Does Not Exist")
			return
		}
		d.handleBye(ctx, existing, ev)
	case ev.Method == "NOTIFY" && exists:
		d.handleNotify(ctx, existing, ev)
	case !exists:
		if inDialogMethods[ev.Method] {
			d.reply(ctx, ev.Key, ev.Method, 481, "Call Leg/Transaction Does Not Exist")
		} else {
			d.reply(ctx, ev.Key, ev.Method, 405, "Method Not Allowed")
		}
	default:
		// Any other in-dialog method against a known call (e.g.
		// INFO) is acknowledged but otherwise ignored: this module's
		// call model has nothing to do with it.
		d.reply(ctx, ev.Key, ev.Method, 200, "OK")
	}
}

// handleNotify implements a REFER's completion notification
// (spec.md 4.7 / SPEC_FULL 4.8, end-to-end scenario S4): a NOTIFY
// carrying Subscription-State: terminated means the transfer's REFER
// dialog is done, so this side's call is terminated too. Any other
// NOTIFY (e.g. an early "active" progress update) is just acknowledged.
func (d *Dispatcher) handleNotify(ctx context.Context, c *call.Call, ev mgmtchannel.Event) {
	if state := ev.Params.Headers["Subscription-State"]; strings.HasPrefix(strings.ToLower(state), "terminated") {
		c.Terminate()
	}
	d.reply(ctx, ev.Key, ev.Method, 200, "OK")
}

func (d *Dispatcher) reply(ctx context.Context, key, method string, code int, reason string) {
	if err := d.mgmt.SessionReply(ctx, key, method, code, reason, nil); err != nil {
		slog.Warn("dispatcher: reply failed", "call_key", key, "method", method, "error", err)
	}
}

func (d *Dispatcher) handleNewInvite(ctx context.Context, ev mgmtchannel.Event) {
	if ev.Params.Body == "" {
		d.reply(ctx, ev.Key, ev.Method, 415, "Unsupported Media Type")
		return
	}

	flavorName, flavorCfg, override, err := d.resolveFlavor(ctx, ev)
	if err != nil {
		slog.Warn("dispatcher: flavor resolution failed", "call_key", ev.Key, "error", err)
		d.reply(ctx, ev.Key, ev.Method, 404, "Not Found")
		return
	}

	priority, factory, err := d.buildFactory(flavorName, flavorCfg, override)
	if err != nil {
		slog.Error("dispatcher: unknown flavor", "call_key", ev.Key, "flavor", flavorName, "error", err)
		d.reply(ctx, ev.Key, ev.Method, 500, "Server Internal Error")
		return
	}

	callLogger, err := logging.NewCallLogger(d.logBaseDir, flavorName, ev.Key, logging.ParseLevel(d.cfg.LogLevel), time.Now())
	if err != nil {
		slog.Warn("dispatcher: could not open call log file, call will log to the app log instead", "call_key", ev.Key, "error", err)
		callLogger = nil
	}

	c, err := call.New(ev.Key, []byte(ev.Params.Body), d.localAddr, d.pool, priority, d.mgmt, callLogger, d.onTerminated, factory)
	if err != nil {
		if callLogger != nil {
			_ = callLogger.Close()
		}
		if errors.Is(err, sdpneg.ErrUnsupportedCodec) {
			d.reply(ctx, ev.Key, ev.Method, 488, "Not Acceptable Here")
			return
		}
		slog.Error("dispatcher: call construction failed", "call_key", ev.Key, "error", err)
		d.reply(ctx, ev.Key, ev.Method, 500, "Server Internal Error")
		return
	}

	d.store(ev.Key, c)
	c.Run(ctx)

	if err := d.mgmt.SessionReply(ctx, ev.Key, ev.Method, 200, "OK", c.Answer()); err != nil {
		slog.Warn("dispatcher: 200 OK reply failed", "call_key", ev.Key, "error", err)
	}
}

func (d *Dispatcher) handleReInvite(ctx context.Context, c *call.Call, ev mgmtchannel.Event) {
	if ev.Params.Body == "" {
		d.reply(ctx, ev.Key, ev.Method, 415, "Unsupported Media Type")
		return
	}
	answer, err := c.ApplyReInvite([]byte(ev.Params.Body))
	if err != nil {
		slog.Warn("dispatcher: re-invite rejected", "call_key", ev.Key, "error", err)
		d.reply(ctx, ev.Key, ev.Method, 488, "Not Acceptable Here")
		return
	}
	if err := d.mgmt.SessionReply(ctx, ev.Key, ev.Method, 200, "OK", answer); err != nil {
		slog.Warn("dispatcher: re-invite 200 OK reply failed", "call_key", ev.Key, "error", err)
	}
}

func (d *Dispatcher) handleBye(ctx context.Context, c *call.Call, ev mgmtchannel.Event) {
	if err := c.Close(); err != nil {
		slog.Warn("dispatcher: error closing call on BYE", "call_key", ev.Key, "error", err)
	}
	d.forget(ev.Key)
	d.reply(ctx, ev.Key, ev.Method, 200, "OK")
}

func (d *Dispatcher) onTerminated(key string) {
	d.forget(key)
	// Terminal adapter failure or a tool-driven terminate_call: tell the
	// peer the dialog is gone so it can clean up its own side.
	if err := d.mgmt.SessionTerminate(context.Background(), key); err != nil {
		slog.Warn("dispatcher: session terminate notify failed", "call_key", key, "error", err)
	}
}

// resolveFlavor implements SPEC_FULL 4.8's resolution order: an
// extra_params override, then a bot-config HTTP lookup, then a static
// regex match per flavor's configured pattern, then an FNV-1a stable
// hash fallback over the non-disabled flavors.
func (d *Dispatcher) resolveFlavor(ctx context.Context, ev mgmtchannel.Event) (string, config.FlavorConfig, json.RawMessage, error) {
	if name := ev.Params.ExtraParams["flavor"]; name != "" {
		cfg, ok := d.flavorConfig(name)
		if !ok {
			return "", config.FlavorConfig{}, nil, fmt.Errorf("dispatcher: unknown flavor override %q", name)
		}
		return name, cfg, nil, nil
	}

	headerValue := ev.Params.Headers[d.botHeader]

	if d.botConfig != nil && headerValue != "" {
		resp, err := d.botConfig.Lookup(ctx, headerValue)
		if err == nil {
			cfg, ok := d.flavorConfig(resp.Flavor)
			if ok {
				return resp.Flavor, cfg, resp.Config, nil
			}
		} else if !errors.Is(err, botconfig.ErrUnavailable) {
			slog.Warn("dispatcher: bot-config lookup error", "error", err)
		}
	}

	for _, name := range flavorOrder {
		cfg, _ := d.flavorConfig(name)
		if cfg.Disabled || cfg.Match == "" {
			continue
		}
		matched, err := regexp.MatchString(cfg.Match, headerValue)
		if err != nil {
			slog.Warn("dispatcher: invalid match pattern", "flavor", name, "pattern", cfg.Match, "error", err)
			continue
		}
		if matched {
			return name, cfg, nil, nil
		}
	}

	candidates := make([]string, 0, len(flavorOrder))
	for _, name := range flavorOrder {
		cfg, _ := d.flavorConfig(name)
		if !cfg.Disabled {
			candidates = append(candidates, name)
		}
	}
	if len(candidates) == 0 {
		return "", config.FlavorConfig{}, nil, fmt.Errorf("dispatcher: no enabled flavor to fall back to")
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(headerValue))
	name := candidates[h.Sum32()%uint32(len(candidates))]
	cfg, _ := d.flavorConfig(name)
	return name, cfg, nil, nil
}

func (d *Dispatcher) flavorConfig(name string) (config.FlavorConfig, bool) {
	switch name {
	case "openai":
		return d.cfg.OpenAI, true
	case "deepgram":
		return d.cfg.Deepgram, true
	case "deepgram_native":
		return d.cfg.DeepgramNative, true
	case "azure":
		return d.cfg.Azure, true
	default:
		return config.FlavorConfig{}, false
	}
}

// sharedLLM returns (lazily constructing) the process-wide chat client
// the split flavors compose once an utterance reaches a sentence
// boundary, per SPEC_FULL 5's "shared LLM client" note.
func (d *Dispatcher) sharedLLM(flavorName string, cfg config.FlavorConfig) *llm.Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.llmClients[flavorName]; ok {
		return c
	}
	c := llm.New(d.cfg.Engine.APIKey, cfg.Model)
	d.llmClients[flavorName] = c
	return c
}

// buildFactory returns the codec priority list and AdapterFactory for
// the named flavor, merging any bot-config override blob over the
// static INI configuration (override fields win when present).
func (d *Dispatcher) buildFactory(name string, cfg config.FlavorConfig, override json.RawMessage) ([]codec.Name, call.AdapterFactory, error) {
	if len(override) > 0 {
		if err := json.Unmarshal(override, &cfg); err != nil {
			slog.Warn("dispatcher: ignoring malformed bot-config override", "flavor", name, "error", err)
		}
	}

	switch name {
	case "openai":
		opts := openai.Options{
			APIKey:                 d.cfg.Engine.APIKey,
			Model:                  cfg.Model,
			Voice:                  cfg.Voice,
			Instructions:           cfg.Instructions,
			Welcome:                cfg.WelcomeMessage,
			Temperature:            cfg.Temperature,
			MaxTokens:              cfg.MaxTokens,
			TurnDetectionType:      cfg.TurnDetectionType,
			TurnDetectionSilenceMS: cfg.TurnDetectionSilenceMS,
			TurnDetectionThreshold: cfg.TurnDetectionThreshold,
			TurnDetectionPrefixMS:  cfg.TurnDetectionPrefixMS,
			TransferTo:             cfg.TransferTo,
			TransferBy:             cfg.TransferBy,
			ExtraTools:             tools.Resolve(cfg.Tools),
		}
		if cfg.Key != "" {
			opts.APIKey = cfg.Key
		}
		return openai.Priority, func(callKey string, binding codec.Binding, cc adapter.CallControl, enqueue func([]byte), drainQueue func() int) adapter.Adapter {
			return openai.New(callKey, binding, opts, cc, enqueue, drainQueue)
		}, nil

	case "deepgram":
		opts := deepgram.Options{
			APIKey:       apiKeyOf(cfg, d.cfg.Deepgram),
			Language:     cfg.Language,
			SpeechModel:  cfg.SpeechModel,
			Voice:        cfg.Voice,
			Instructions: cfg.Instructions,
			Welcome:      cfg.WelcomeMessage,
			TransferTo:   cfg.TransferTo,
			TransferBy:   cfg.TransferBy,
			LLM:          d.sharedLLM(name, cfg),
			ExtraTools:   tools.Resolve(cfg.Tools),
		}
		return deepgram.Priority, func(callKey string, binding codec.Binding, cc adapter.CallControl, enqueue func([]byte), drainQueue func() int) adapter.Adapter {
			return deepgram.New(callKey, binding, opts, cc, enqueue, drainQueue)
		}, nil

	case "deepgram_native":
		opts := deepgramnative.Options{
			APIKey:       apiKeyOf(cfg, d.cfg.DeepgramNative),
			ListenModel:  cfg.SpeechModel,
			ThinkModel:   cfg.Model,
			Voice:        cfg.Voice,
			Instructions: cfg.Instructions,
			Welcome:      cfg.WelcomeMessage,
			TransferTo:   cfg.TransferTo,
			TransferBy:   cfg.TransferBy,
			ExtraTools:   tools.Resolve(cfg.Tools),
		}
		return deepgramnative.Priority, func(callKey string, binding codec.Binding, cc adapter.CallControl, enqueue func([]byte), drainQueue func() int) adapter.Adapter {
			return deepgramnative.New(callKey, binding, opts, cc, enqueue, drainQueue)
		}, nil

	case "azure":
		// FlavorConfig has no dedicated region field; the [azure] section
		// carries it in speech_model (e.g. "eastus") since every other
		// flavor's SpeechModel names a provider model instead, and azure
		// has no equivalent option to reuse.
		opts := azure.Options{
			SubscriptionKey: apiKeyOf(cfg, d.cfg.Azure),
			Region:          cfg.SpeechModel,
			Language:        cfg.Language,
			Voice:           cfg.Voice,
			Instructions:    cfg.Instructions,
			Welcome:         cfg.WelcomeMessage,
			TransferTo:      cfg.TransferTo,
			TransferBy:      cfg.TransferBy,
			LLM:             d.sharedLLM(name, cfg),
			ExtraTools:      tools.Resolve(cfg.Tools),
		}
		return azure.Priority, func(callKey string, binding codec.Binding, cc adapter.CallControl, enqueue func([]byte), drainQueue func() int) adapter.Adapter {
			return azure.New(callKey, binding, opts, cc, enqueue, drainQueue)
		}, nil

	default:
		return nil, nil, fmt.Errorf("dispatcher: unknown flavor %q", name)
	}
}

// apiKeyOf prefers a flavor-config-level key (possibly overridden by a
// bot-config blob) over the flavor's statically-configured key.
func apiKeyOf(overridden, static config.FlavorConfig) string {
	if overridden.Key != "" {
		return overridden.Key
	}
	return static.Key
}
