package adapter

import (
	"context"
	"encoding/json"
	"testing"
)

type fakeCallControl struct {
	terminated  bool
	referTo     string
	referredBy  string
	transferErr error
}

func (f *fakeCallControl) Terminate() { f.terminated = true }

func (f *fakeCallControl) Transfer(_ context.Context, referTo, referredBy string) error {
	f.referTo = referTo
	f.referredBy = referredBy
	return f.transferErr
}

func TestTerminateCallToolInvokesTerminate(t *testing.T) {
	cc := &fakeCallControl{}
	catalog := NewCatalogue(BuiltinTools("", ""))

	out, err := catalog.Dispatch(context.Background(), cc, "terminate_call", nil)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !cc.terminated {
		t.Error("expected Terminate() to be called")
	}
	if out == "" {
		t.Error("expected non-empty result string")
	}
}

func TestTransferCallToolUsesModelArgsOverDefaults(t *testing.T) {
	cc := &fakeCallControl{}
	catalog := NewCatalogue(BuiltinTools("sip:default@pstn", "sip:bot@x"))

	args, _ := json.Marshal(map[string]string{"refer_to": "sip:+15551234@pstn", "referred_by": "sip:other@x"})
	_, err := catalog.Dispatch(context.Background(), cc, "transfer_call", args)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if cc.referTo != "sip:+15551234@pstn" || cc.referredBy != "sip:other@x" {
		t.Errorf("Transfer called with (%q, %q)", cc.referTo, cc.referredBy)
	}
}

func TestTransferCallToolFallsBackToConfiguredDefault(t *testing.T) {
	cc := &fakeCallControl{}
	catalog := NewCatalogue(BuiltinTools("sip:default@pstn", "sip:bot@x"))

	_, err := catalog.Dispatch(context.Background(), cc, "transfer_call", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if cc.referTo != "sip:default@pstn" {
		t.Errorf("referTo = %q, want default", cc.referTo)
	}
}

func TestTransferCallToolErrorsWithoutAnyTarget(t *testing.T) {
	cc := &fakeCallControl{}
	catalog := NewCatalogue(BuiltinTools("", ""))

	_, err := catalog.Dispatch(context.Background(), cc, "transfer_call", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("expected error when no transfer target is configured")
	}
}

func TestDispatchUnknownToolErrors(t *testing.T) {
	catalog := NewCatalogue(BuiltinTools("", ""))
	_, err := catalog.Dispatch(context.Background(), &fakeCallControl{}, "not_a_tool", nil)
	if err == nil {
		t.Fatal("expected error for unknown tool")
	}
}

func TestPluggableToolOverridesBuiltinByName(t *testing.T) {
	called := false
	override := ToolSpec{
		Name: "terminate_call",
		Handler: func(context.Context, CallControl, json.RawMessage) (string, error) {
			called = true
			return "overridden", nil
		},
	}
	catalog := NewCatalogue(BuiltinTools("", ""), override)

	out, err := catalog.Dispatch(context.Background(), &fakeCallControl{}, "terminate_call", nil)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !called || out != "overridden" {
		t.Error("expected pluggable tool to win over builtin by name")
	}
}
