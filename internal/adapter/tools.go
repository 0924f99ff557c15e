package adapter

import (
	"context"
	"encoding/json"
	"fmt"
)

// CallControl is the capability an adapter holds on its owning Call for
// tool actions. It is a capability, not ownership (SPEC_FULL 9): holding
// it must not keep the Call alive past teardown.
type CallControl interface {
	// Terminate sets the Call's terminated flag; the sender tears the
	// call down on its next empty-queue tick.
	Terminate()

	// Transfer emits a REFER command on the management channel with the
	// given Refer-To/Referred-By header values.
	Transfer(ctx context.Context, referTo, referredBy string) error
}

// ToolHandler runs a named tool invocation and returns the result string
// fed back to the provider as a function_call_output.
type ToolHandler func(ctx context.Context, call CallControl, args json.RawMessage) (string, error)

// ToolSpec describes one callable tool: its JSON schema (as delivered to
// the provider) and the handler invoked when the model calls it.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage
	Handler     ToolHandler
}

// emptyObjectSchema is the trivial JSON-schema both built-in tools
// advertise. It declares no properties; transfer_call's handler still
// reads optional refer_to/referred_by arguments when they are present.
var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{},"required":[]}`)

// BuiltinTools returns the terminate_call and transfer_call tools every
// adapter flavor exposes, grounded on original_source/src/openai_api.py's
// module-level terminate_call/transfer_call functions. transferTo and
// transferBy are the deployment-configured default transfer target and
// Referred-By value, used when the model's arguments omit them.
func BuiltinTools(transferTo, transferBy string) []ToolSpec {
	return []ToolSpec{
		{
			Name:        "terminate_call",
			Description: "End the current call immediately.",
			Parameters:  emptyObjectSchema,
			Handler: func(_ context.Context, call CallControl, _ json.RawMessage) (string, error) {
				call.Terminate()
				return "call terminated", nil
			},
		},
		{
			Name:        "transfer_call",
			Description: "Transfer the current call to another party via SIP REFER.",
			Parameters:  emptyObjectSchema,
			Handler: func(ctx context.Context, call CallControl, args json.RawMessage) (string, error) {
				var req struct {
					ReferTo    string `json:"refer_to"`
					ReferredBy string `json:"referred_by"`
				}
				_ = json.Unmarshal(args, &req)
				if req.ReferTo == "" {
					req.ReferTo = transferTo
				}
				if req.ReferredBy == "" {
					req.ReferredBy = transferBy
				}
				if req.ReferTo == "" {
					return "", fmt.Errorf("transfer_call: no refer-to target configured")
				}
				if err := call.Transfer(ctx, req.ReferTo, req.ReferredBy); err != nil {
					return "", err
				}
				return "transfer initiated", nil
			},
		},
	}
}

// Catalogue is a name-indexed set of tools: built-ins seeded first, then
// deployment-supplied pluggable tools merged in by name, mirroring
// openai_api.py's load_tools dict-merge idiom.
type Catalogue struct {
	tools map[string]ToolSpec
}

// NewCatalogue builds a catalogue from the builtin set plus any
// additional pluggable tools (later entries win on name collision).
func NewCatalogue(builtin []ToolSpec, extra ...ToolSpec) *Catalogue {
	c := &Catalogue{tools: make(map[string]ToolSpec, len(builtin)+len(extra))}
	for _, t := range builtin {
		c.tools[t.Name] = t
	}
	for _, t := range extra {
		c.tools[t.Name] = t
	}
	return c
}

// Specs returns every tool definition, for inclusion in a provider's
// session-configuration frame.
func (c *Catalogue) Specs() []ToolSpec {
	out := make([]ToolSpec, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	return out
}

// Find returns the named tool, or ok=false if the model referenced a tool
// this catalogue doesn't know.
func (c *Catalogue) Find(name string) (ToolSpec, bool) {
	t, ok := c.tools[name]
	return t, ok
}

// Dispatch invokes the named tool's handler, or returns an error if the
// tool is unknown.
func (c *Catalogue) Dispatch(ctx context.Context, call CallControl, name string, args json.RawMessage) (string, error) {
	t, ok := c.Find(name)
	if !ok {
		return "", fmt.Errorf("adapter: tool %q not found", name)
	}
	return t.Handler(ctx, call, args)
}
