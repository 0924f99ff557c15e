package tools

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func writeSpec(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestResolveLoadsValidDefinitions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write(append([]byte("echo:"), body...))
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := writeSpec(t, dir, "lookup_order.json", `{
		"name": "lookup_order_status",
		"description": "Look up an order's status.",
		"parameters": {"type":"object","properties":{"order_id":{"type":"string"}},"required":["order_id"]},
		"webhook": "`+srv.URL+`"
	}`)

	specs := Resolve([]string{path})
	if len(specs) != 1 {
		t.Fatalf("got %d specs, want 1", len(specs))
	}
	if specs[0].Name != "lookup_order_status" {
		t.Errorf("Name = %q, want lookup_order_status", specs[0].Name)
	}

	out, err := specs[0].Handler(context.Background(), nil, []byte(`{"order_id":"42"}`))
	if err != nil {
		t.Fatalf("Handler() error = %v", err)
	}
	if out != `echo:{"order_id":"42"}` {
		t.Errorf("Handler() = %q, want echoed webhook response", out)
	}
}

func TestResolveSkipsEntriesMissingRequiredFields(t *testing.T) {
	dir := t.TempDir()
	noName := writeSpec(t, dir, "no_name.json", `{"webhook":"http://example.invalid"}`)
	noWebhook := writeSpec(t, dir, "no_webhook.json", `{"name":"x"}`)

	specs := Resolve([]string{noName, noWebhook})
	if len(specs) != 0 {
		t.Errorf("got %d specs, want 0 for incomplete definitions", len(specs))
	}
}

func TestResolveSkipsUnreadablePath(t *testing.T) {
	specs := Resolve([]string{"/nonexistent/path/tool.json"})
	if len(specs) != 0 {
		t.Errorf("got %d specs, want 0 for a missing file", len(specs))
	}
}

func TestResolveDefaultsEmptyParametersToEmptyObjectSchema(t *testing.T) {
	dir := t.TempDir()
	path := writeSpec(t, dir, "minimal.json", `{"name":"ping","webhook":"http://example.invalid"}`)

	specs := Resolve([]string{path})
	if len(specs) != 1 {
		t.Fatalf("got %d specs, want 1", len(specs))
	}
	if string(specs[0].Parameters) != `{"type":"object","properties":{},"required":[]}` {
		t.Errorf("Parameters = %s, want the empty-object schema default", specs[0].Parameters)
	}
}

func TestWebhookHandlerReportsNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	path := writeSpec(t, dir, "fails.json", `{"name":"fails","webhook":"`+srv.URL+`"}`)

	specs := Resolve([]string{path})
	if len(specs) != 1 {
		t.Fatalf("got %d specs, want 1", len(specs))
	}
	if _, err := specs[0].Handler(context.Background(), nil, nil); err == nil {
		t.Error("expected an error for a non-2xx webhook response")
	}
}
