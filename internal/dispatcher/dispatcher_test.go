package dispatcher

import (
	"context"
	"sync"
	"testing"

	"github.com/sebas/voicebridge/internal/config"
	"github.com/sebas/voicebridge/internal/mgmtchannel"
	"github.com/sebas/voicebridge/internal/portpool"
)

const testOffer = `v=0
o=- 0 0 IN IP4 127.0.0.1
s=-
c=IN IP4 127.0.0.1
t=0 0
m=audio 40000 RTP/AVP 0
a=rtpmap:0 PCMU/8000
a=sendrecv
`

type fakeMgmt struct {
	mu      sync.Mutex
	replies []reply
}

type reply struct {
	key, method, reason string
	code                int
	body                []byte
}

func (f *fakeMgmt) SessionReply(_ context.Context, key, method string, code int, reason string, body []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, reply{key, method, reason, code, body})
	return nil
}
func (f *fakeMgmt) SessionUpdate(context.Context, string, string, []byte, map[string]string) error {
	return nil
}
func (f *fakeMgmt) SessionTerminate(context.Context, string) error { return nil }
func (f *fakeMgmt) Subscribe(ctx context.Context, _ string, _ func(mgmtchannel.Event)) error {
	<-ctx.Done()
	return nil
}

func (f *fakeMgmt) last() reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replies[len(f.replies)-1]
}

func (f *fakeMgmt) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.replies)
}

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.OpenAI = config.FlavorConfig{Key: "sk-test", Model: "gpt-4o-realtime-preview"}
	cfg.Engine.BotHeader = "To"
	return cfg
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeMgmt) {
	t.Helper()
	mgmt := &fakeMgmt{}
	pool := portpool.New(31500, 31550)
	d := New(mgmt, nil, pool, testConfig(), "127.0.0.1:0", "127.0.0.1")
	d.logBaseDir = t.TempDir()
	return d, mgmt
}

func TestNewInviteWithoutBodyReturns415(t *testing.T) {
	d, mgmt := newTestDispatcher(t)
	d.handleEvent(context.Background(), mgmtchannel.Event{Key: "k1", Method: "INVITE", Params: mgmtchannel.EventParams{Headers: map[string]string{"To": "sales@x"}}})

	got := mgmt.last()
	if got.code != 415 {
		t.Errorf("code = %d, want 415", got.code)
	}
}

func TestNewInviteBuildsCallAndReplies200(t *testing.T) {
	d, mgmt := newTestDispatcher(t)
	d.handleEvent(context.Background(), mgmtchannel.Event{
		Key:    "k2",
		Method: "INVITE",
		Params: mgmtchannel.EventParams{Headers: map[string]string{"To": "sales@x"}, Body: testOffer},
	})

	got := mgmt.last()
	if got.code != 200 {
		t.Fatalf("code = %d, want 200, reason=%s", got.code, got.reason)
	}
	if len(got.body) == 0 {
		t.Error("expected non-empty SDP answer body")
	}
	if _, ok := d.lookup("k2"); !ok {
		t.Error("expected call k2 to be registered")
	}

	// cleanup
	if c, ok := d.lookup("k2"); ok {
		c.Close()
	}
}

func TestUnknownKeyByeReturns481(t *testing.T) {
	d, mgmt := newTestDispatcher(t)
	d.handleEvent(context.Background(), mgmtchannel.Event{Key: "ghost", Method: "BYE"})

	got := mgmt.last()
	if got.code != 481 {
		t.Errorf("code = %d, want 481", got.code)
	}
}

func TestUnknownKeyUnsupportedMethodReturns405(t *testing.T) {
	d, mgmt := newTestDispatcher(t)
	d.handleEvent(context.Background(), mgmtchannel.Event{Key: "ghost", Method: "SUBSCRIBE"})

	got := mgmt.last()
	if got.code != 405 {
		t.Errorf("code = %d, want 405", got.code)
	}
}

func TestFlavorOverrideWinsOverStaticMatch(t *testing.T) {
	d, _ := newTestDispatcher(t)
	name, _, _, err := d.resolveFlavor(context.Background(), mgmtchannel.Event{
		Params: mgmtchannel.EventParams{ExtraParams: map[string]string{"flavor": "openai"}},
	})
	if err != nil {
		t.Fatalf("resolveFlavor() error = %v", err)
	}
	if name != "openai" {
		t.Errorf("name = %q, want openai", name)
	}
}

func TestUnknownFlavorOverrideReturns404(t *testing.T) {
	d, mgmt := newTestDispatcher(t)
	d.handleEvent(context.Background(), mgmtchannel.Event{
		Key:    "k3",
		Method: "INVITE",
		Params: mgmtchannel.EventParams{Body: testOffer, ExtraParams: map[string]string{"flavor": "nope"}},
	})
	got := mgmt.last()
	if got.code != 404 {
		t.Errorf("code = %d, want 404", got.code)
	}
}

func TestByeOnKnownCallClosesAndForgets(t *testing.T) {
	d, mgmt := newTestDispatcher(t)
	d.handleEvent(context.Background(), mgmtchannel.Event{
		Key:    "k4",
		Method: "INVITE",
		Params: mgmtchannel.EventParams{Headers: map[string]string{"To": "sales@x"}, Body: testOffer},
	})
	if _, ok := d.lookup("k4"); !ok {
		t.Fatal("expected call k4 to exist after INVITE")
	}

	d.handleEvent(context.Background(), mgmtchannel.Event{Key: "k4", Method: "BYE"})
	if _, ok := d.lookup("k4"); ok {
		t.Error("expected call k4 to be forgotten after BYE")
	}
	if got := mgmt.last(); got.code != 200 {
		t.Errorf("BYE reply code = %d, want 200", got.code)
	}
	_ = mgmt.count()
}

func TestNotifyWithTerminatedSubscriptionStateTerminatesCall(t *testing.T) {
	d, mgmt := newTestDispatcher(t)
	d.handleEvent(context.Background(), mgmtchannel.Event{
		Key:    "k5",
		Method: "INVITE",
		Params: mgmtchannel.EventParams{Headers: map[string]string{"To": "sales@x"}, Body: testOffer},
	})
	c, ok := d.lookup("k5")
	if !ok {
		t.Fatal("expected call k5 to exist after INVITE")
	}
	defer c.Close()

	d.handleEvent(context.Background(), mgmtchannel.Event{
		Key:    "k5",
		Method: "NOTIFY",
		Params: mgmtchannel.EventParams{Headers: map[string]string{"Subscription-State": "terminated;reason=noresource"}},
	})

	if !c.Terminated() {
		t.Error("expected NOTIFY with Subscription-State: terminated to terminate the call")
	}
	if got := mgmt.last(); got.code != 200 {
		t.Errorf("NOTIFY reply code = %d, want 200", got.code)
	}
}

func TestNotifyWithActiveSubscriptionStateLeavesCallRunning(t *testing.T) {
	d, _ := newTestDispatcher(t)
	d.handleEvent(context.Background(), mgmtchannel.Event{
		Key:    "k6",
		Method: "INVITE",
		Params: mgmtchannel.EventParams{Headers: map[string]string{"To": "sales@x"}, Body: testOffer},
	})
	c, ok := d.lookup("k6")
	if !ok {
		t.Fatal("expected call k6 to exist after INVITE")
	}
	defer c.Close()

	d.handleEvent(context.Background(), mgmtchannel.Event{
		Key:    "k6",
		Method: "NOTIFY",
		Params: mgmtchannel.EventParams{Headers: map[string]string{"Subscription-State": "active;expires=60"}},
	})

	if c.Terminated() {
		t.Error("NOTIFY with an active subscription state must not terminate the call")
	}
}
