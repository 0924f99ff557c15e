// Package tools resolves deployment-configured pluggable tool
// definitions (SPEC_FULL 4.6's per-flavor "tools" key) into
// adapter.ToolSpec values the per-flavor catalogues merge in by name.
//
// original_source/src/openai_api.py's load_tools/find_tool dynamically
// imports Python modules and merges their FUNCTIONS dict into the
// session's tool list at runtime. Go has no equivalent of loading
// arbitrary code at runtime, so each configured entry instead names a
// JSON tool-definition file describing the schema the model sees plus a
// webhook URL invoked with the model's call arguments — the same
// dict-merge-by-name result load_tools/find_tool achieve, reached
// through data instead of code.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/sebas/voicebridge/internal/adapter"
)

var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{},"required":[]}`)

// requestTimeout bounds one webhook invocation; a hung deployment-owned
// endpoint must not stall the call's tool-call turn indefinitely.
const requestTimeout = 5 * time.Second

// fileSpec is the on-disk shape of one pluggable tool definition named
// by a flavor's "tools" config entries.
type fileSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
	Webhook     string          `json:"webhook"`
}

// Resolve loads each path in paths as a JSON tool definition and returns
// the resulting ToolSpecs for adapter.NewCatalogue's extra argument. A
// path that fails to load is logged and skipped; one bad entry must not
// take down the rest of the deployment's tool set.
func Resolve(paths []string) []adapter.ToolSpec {
	specs := make([]adapter.ToolSpec, 0, len(paths))
	for _, path := range paths {
		spec, err := loadFile(path)
		if err != nil {
			slog.Warn("tools: skipping unloadable tool definition", "path", path, "error", err)
			continue
		}
		specs = append(specs, spec)
	}
	return specs
}

func loadFile(path string) (adapter.ToolSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return adapter.ToolSpec{}, fmt.Errorf("tools: read %s: %w", path, err)
	}

	var fs fileSpec
	if err := json.Unmarshal(data, &fs); err != nil {
		return adapter.ToolSpec{}, fmt.Errorf("tools: parse %s: %w", path, err)
	}
	if fs.Name == "" {
		return adapter.ToolSpec{}, fmt.Errorf("tools: %s has no name", path)
	}
	if fs.Webhook == "" {
		return adapter.ToolSpec{}, fmt.Errorf("tools: %s has no webhook", path)
	}

	params := fs.Parameters
	if len(params) == 0 {
		params = emptyObjectSchema
	}

	return adapter.ToolSpec{
		Name:        fs.Name,
		Description: fs.Description,
		Parameters:  params,
		Handler:     webhookHandler(fs.Name, fs.Webhook),
	}, nil
}

// webhookHandler POSTs the model's call arguments to webhook and returns
// its response body as the function_call_output fed back to the model.
func webhookHandler(name, webhook string) adapter.ToolHandler {
	client := &http.Client{Timeout: requestTimeout}
	return func(ctx context.Context, _ adapter.CallControl, args json.RawMessage) (string, error) {
		if len(args) == 0 {
			args = emptyObjectSchema
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(args))
		if err != nil {
			return "", fmt.Errorf("tools: build request for %s: %w", name, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return "", fmt.Errorf("tools: invoke %s: %w", name, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return "", fmt.Errorf("tools: read %s response: %w", name, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return "", fmt.Errorf("tools: %s webhook returned status %d", name, resp.StatusCode)
		}
		return string(body), nil
	}
}
