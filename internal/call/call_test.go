package call

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sebas/voicebridge/internal/adapter"
	"github.com/sebas/voicebridge/internal/codec"
	"github.com/sebas/voicebridge/internal/logging"
	"github.com/sebas/voicebridge/internal/portpool"
)

const testOffer = "v=0\r\n" +
	"o=- 123 1 IN IP4 203.0.113.5\r\n" +
	"s=-\r\n" +
	"c=IN IP4 203.0.113.5\r\n" +
	"t=0 0\r\n" +
	"m=audio 40000 RTP/AVP 0 8\r\n" +
	"a=rtcp:40001\r\n"

const testReInviteRecvOnly = "v=0\r\n" +
	"o=- 123 2 IN IP4 203.0.113.5\r\n" +
	"s=-\r\n" +
	"c=IN IP4 203.0.113.5\r\n" +
	"t=0 0\r\n" +
	"m=audio 40000 RTP/AVP 0\r\n" +
	"a=recvonly\r\n"

type fakeAdapter struct {
	binding    codec.Binding
	closed     bool
	closeCount int
}

func (f *fakeAdapter) Codec() codec.Binding          { return f.binding }
func (f *fakeAdapter) Start(_ context.Context) error { return nil }
func (f *fakeAdapter) Send(_ []byte)                 {}
func (f *fakeAdapter) Close() error                  { f.closed = true; f.closeCount++; return nil }

type fakeMgmt struct {
	lastMethod string
}

func (f *fakeMgmt) SessionUpdate(_ context.Context, _, method string, _ []byte, _ map[string]string) error {
	f.lastMethod = method
	return nil
}

func newTestCall(t *testing.T) (*Call, *fakeAdapter, *portpool.Pool) {
	t.Helper()
	pool := portpool.New(31000, 31050)
	var built *fakeAdapter
	factory := func(_ string, binding codec.Binding, _ adapter.CallControl, _ func([]byte), _ func() int) adapter.Adapter {
		built = &fakeAdapter{binding: binding}
		return built
	}
	c, err := New("call-1", []byte(testOffer), "127.0.0.1", pool, []codec.Name{codec.MuLaw, codec.ALaw}, &fakeMgmt{}, nil, nil, factory)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c, built, pool
}

func TestNewCallAllocatesPortAndBuildsAnswer(t *testing.T) {
	c, built, pool := newTestCall(t)
	defer c.Close()

	if built.binding.Name != codec.MuLaw {
		t.Errorf("adapter built with codec %v, want MuLaw", built.binding.Name)
	}
	if pool.Allocated() != 1 {
		t.Errorf("pool.Allocated() = %d, want 1", pool.Allocated())
	}
	answer := c.Answer()
	if len(answer) == 0 {
		t.Fatal("Answer() returned empty SDP")
	}
}

func TestPauseResumeTogglesDirection(t *testing.T) {
	c, _, _ := newTestCall(t)
	defer c.Close()

	paused := c.Pause()
	if !bytes.Contains(paused, []byte("a=recvonly")) {
		t.Errorf("paused answer missing recvonly:\n%s", paused)
	}
	resumed := c.Resume()
	if !bytes.Contains(resumed, []byte("a=sendrecv")) {
		t.Errorf("resumed answer missing sendrecv:\n%s", resumed)
	}
}

func TestApplyReInviteRecvOnlyPauses(t *testing.T) {
	c, _, _ := newTestCall(t)
	defer c.Close()

	answer, err := c.ApplyReInvite([]byte(testReInviteRecvOnly))
	if err != nil {
		t.Fatalf("ApplyReInvite() error = %v", err)
	}
	if !bytes.Contains(answer, []byte("a=recvonly")) {
		t.Errorf("answer missing recvonly after paused re-invite:\n%s", answer)
	}
}

func TestCloseReleasesPortAndClosesAdapter(t *testing.T) {
	c, built, pool := newTestCall(t)
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !built.closed {
		t.Error("Close() did not close the adapter")
	}
	if pool.Allocated() != 0 {
		t.Errorf("pool.Allocated() = %d after Close(), want 0", pool.Allocated())
	}
	if !c.Terminated() {
		t.Error("Close() did not mark the call terminated")
	}
}

func TestWatchTerminationPathClosesAdapter(t *testing.T) {
	// watchTermination (terminal adapter failure, or a tool-driven
	// terminate_call draining the queue) must close the adapter just
	// like the BYE path does, not leak it.
	c, built, pool := newTestCall(t)
	c.teardown("terminated")

	if !built.closed {
		t.Error("teardown() via the non-BYE path did not close the adapter")
	}
	if pool.Allocated() != 0 {
		t.Errorf("pool.Allocated() = %d after teardown(), want 0", pool.Allocated())
	}
}

func TestTeardownRunsAdapterCloseExactlyOnce(t *testing.T) {
	c, built, _ := newTestCall(t)
	c.teardown("terminated")
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if built.closeCount != 1 {
		t.Errorf("adapter Close() called %d times, want exactly 1", built.closeCount)
	}
}

func TestTeardownLogsCallRecordToCallLogger(t *testing.T) {
	dir := t.TempDir()
	logger, err := logging.NewCallLogger(dir, "test-bot", "call-9", slog.LevelInfo, time.Now())
	if err != nil {
		t.Fatalf("NewCallLogger() error = %v", err)
	}

	pool := portpool.New(31200, 31250)
	factory := func(_ string, binding codec.Binding, _ adapter.CallControl, _ func([]byte), _ func() int) adapter.Adapter {
		return &fakeAdapter{binding: binding}
	}
	c, err := New("call-9", []byte(testOffer), "127.0.0.1", pool, []codec.Name{codec.MuLaw}, &fakeMgmt{}, logger, nil, factory)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*", "bot_test-bot", "call_call-9.log"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected exactly one call log file, got %v (err %v)", matches, err)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "call ended") || !strings.Contains(string(data), "end_reason=closed") {
		t.Errorf("call log missing call-ended record:\n%s", data)
	}
}

func TestTerminateAndTransfer(t *testing.T) {
	pool := portpool.New(31100, 31150)
	mgmt := &fakeMgmt{}
	factory := func(_ string, binding codec.Binding, _ adapter.CallControl, _ func([]byte), _ func() int) adapter.Adapter {
		return &fakeAdapter{binding: binding}
	}
	c, err := New("call-2", []byte(testOffer), "127.0.0.1", pool, []codec.Name{codec.MuLaw}, mgmt, nil, nil, factory)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer c.Close()

	c.Terminate()
	if !c.Terminated() {
		t.Error("Terminate() did not set terminated flag")
	}

	if err := c.Transfer(context.Background(), "sip:op@host", "sip:bot@host"); err != nil {
		t.Fatalf("Transfer() error = %v", err)
	}
	if mgmt.lastMethod != "REFER" {
		t.Errorf("mgmt.lastMethod = %q, want REFER", mgmt.lastMethod)
	}
}
