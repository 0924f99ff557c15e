// Package call owns the per-call construction order, pause/resume,
// transfer, and teardown sequencing described in SPEC_FULL 4.7.
//
// Grounded on internal/rtpmanager/session/manager.go's Session/Manager
// (construction ordering, endpoint bookkeeping) generalized from the
// teacher's two-phase CreateSession/CreateSessionPendingRemote B2BUA
// split into the single-phase construction this module needs, and on
// original_source/src/call.py's Call.__init__/close (socket bind order,
// dg_connection lifecycle, close() sequencing).
package call

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sebas/voicebridge/internal/adapter"
	"github.com/sebas/voicebridge/internal/codec"
	"github.com/sebas/voicebridge/internal/logging"
	"github.com/sebas/voicebridge/internal/portpool"
	"github.com/sebas/voicebridge/internal/rtpsession"
	"github.com/sebas/voicebridge/internal/sdpneg"
)

// ManagementClient is the subset of the management-channel client (C11)
// a Call needs for REFER transfers; satisfied by internal/mgmtchannel.
type ManagementClient interface {
	SessionUpdate(ctx context.Context, key, method string, body []byte, extraHeaders map[string]string) error
}

// AdapterFactory builds the AI adapter for a newly-constructed call, once
// its codec has been chosen by SelectCodec under the flavor's own
// priority list. enqueue and drainQueue are bound to the call's RTP
// session's outbound queue.
type AdapterFactory func(callKey string, binding codec.Binding, call adapter.CallControl, enqueue func([]byte), drainQueue func() int) adapter.Adapter

// Call is one active media+AI session: it owns its socket, port
// reservation, outbound queue (via its Session), and its adapter
// (SPEC_FULL 9's ownership note — the adapter's CallControl back-reference
// is a capability, not ownership).
type Call struct {
	key     string
	mgmt    ManagementClient
	pool    *portpool.Pool
	port    int
	conn    *net.UDPConn
	session *rtpsession.Session
	adapter adapter.Adapter
	binding codec.Binding

	localAddr string

	answerMu  sync.Mutex
	direction sdpneg.Direction
	answer    []byte

	terminated atomic.Bool

	teardownOnce sync.Once
	teardownErr  error
	onTerminated func(key string)

	logger    *logging.CallLogger
	setupTime time.Time
}

// CallRecord is the per-call accounting summary emitted at teardown
// (SPEC_FULL 3): setup time, talk duration, the reason the call ended,
// and RTP packet counts. It is this module's own ambient-observability
// addition logged through the call-scoped file logger's convention
// (SPEC_FULL 6) — original_source's call_logger.py only routes log
// files and carries none of these fields itself.
type CallRecord struct {
	Key          string
	SetupTime    time.Time
	TalkDuration time.Duration
	EndReason    string
	PacketsSent  uint64
	PacketsRecv  uint64
}

// New performs the construction order from SPEC_FULL 4.7: port allocation
// → codec selection under priority → socket bind → RTP session and
// adapter construction → SDP answer build. The adapter's start goroutine and the socket read loop
// are launched separately by Run, once the caller has replied to the
// initiating INVITE with the answer this returns.
func New(key string, offerSDP []byte, localAddr string, pool *portpool.Pool, priority []codec.Name, mgmt ManagementClient, logger *logging.CallLogger, onTerminated func(key string), buildAdapter AdapterFactory) (*Call, error) {
	port, err := pool.Acquire()
	if err != nil {
		return nil, fmt.Errorf("call: acquire port: %w", err)
	}

	binding, _, err := sdpneg.SelectCodec(offerSDP, priority)
	if err != nil {
		pool.Release(port)
		return nil, fmt.Errorf("call: select codec: %w", err)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(localAddr), Port: port})
	if err != nil {
		pool.Release(port)
		return nil, fmt.Errorf("call: bind socket: %w", err)
	}

	c := &Call{
		key:          key,
		mgmt:         mgmt,
		pool:         pool,
		port:         port,
		conn:         conn,
		binding:      binding,
		localAddr:    localAddr,
		direction:    sdpneg.SendRecv,
		onTerminated: onTerminated,
		logger:       logger,
		setupTime:    time.Now(),
	}

	c.session = rtpsession.New(conn, port, binding, key, c.handleInbound, c.Terminated)
	c.adapter = buildAdapter(key, binding, c, c.session.Enqueue, c.session.DrainQueue)
	c.answer = sdpneg.BuildAnswer(binding, localAddr, port, sdpneg.SendRecv)

	return c, nil
}

// Run launches the adapter's start goroutine, the socket read loop, and
// the termination watcher. Call it once, after the 200 OK carrying
// Answer() has been sent.
func (c *Call) Run(ctx context.Context) {
	go func() {
		if err := c.adapter.Start(ctx); err != nil {
			slog.Warn("call: adapter start returned error", "call_key", c.key, "error", err)
			if ctx.Err() == nil {
				c.Terminate()
			}
		}
	}()
	go c.session.ReadLoop()
	go c.watchTermination()
}

func (c *Call) handleInbound(payload []byte) {
	c.adapter.Send(payload)
}

// Answer returns the current answer SDP body (reflecting the chosen
// codec and current pause/resume direction).
func (c *Call) Answer() []byte {
	c.answerMu.Lock()
	defer c.answerMu.Unlock()
	return c.answer
}

// Pause engages recvonly direction: receives are dropped, sends are
// suppressed, but the sender's timing loop keeps running (SPEC_FULL 4.4).
func (c *Call) Pause() []byte {
	c.session.SetPaused(true)
	return c.setDirection(sdpneg.RecvOnly)
}

// Resume restores sendrecv direction.
func (c *Call) Resume() []byte {
	c.session.SetPaused(false)
	return c.setDirection(sdpneg.SendRecv)
}

// ApplyReInvite resolves the new offer's direction attribute per
// SPEC_FULL 4.7 ("absent or sendrecv -> resume; otherwise -> pause") and
// returns the updated answer. The codec is never renegotiated mid-call.
func (c *Call) ApplyReInvite(offerSDP []byte) ([]byte, error) {
	dir, err := sdpneg.ParseDirection(offerSDP)
	if err != nil {
		return nil, fmt.Errorf("call: parse re-invite direction: %w", err)
	}
	if dir == sdpneg.RecvOnly {
		return c.Pause(), nil
	}
	return c.Resume(), nil
}

func (c *Call) setDirection(dir sdpneg.Direction) []byte {
	c.answerMu.Lock()
	defer c.answerMu.Unlock()
	c.direction = dir
	c.answer = sdpneg.BuildAnswer(c.binding, c.localAddr, c.port, dir)
	return c.answer
}

// Terminate implements adapter.CallControl: it flips the terminated flag;
// the sender tears the call down on its next empty-queue tick.
func (c *Call) Terminate() {
	c.terminated.Store(true)
}

// Terminated implements the Session's isTerminated hook.
func (c *Call) Terminated() bool { return c.terminated.Load() }

// Transfer implements adapter.CallControl: it emits a REFER via the
// management channel with the given Refer-To/Referred-By headers
// (SPEC_FULL 4.5 / S4).
func (c *Call) Transfer(ctx context.Context, referTo, referredBy string) error {
	return c.mgmt.SessionUpdate(ctx, c.key, "REFER", nil, map[string]string{
		"Refer-To":    referTo,
		"Referred-By": referredBy,
	})
}

// watchTermination closes out the call once the sender loop has stopped
// on its own (terminal adapter failure, or an externally-set terminated
// flag draining the queue), per SPEC_FULL 4.7's "terminal adapter
// failure" path. The BYE path (Close) does not wait on this; both are
// idempotent via teardownOnce.
func (c *Call) watchTermination() {
	<-c.session.Done()
	c.teardown("terminated")
}

// Close implements the BYE path (SPEC_FULL 4.7): adapter close is
// awaited, then the RTP session is closed, then the port released. It is
// also reachable from any other termination path (terminal adapter
// failure, a terminate_call tool invocation, shutdown) via teardown,
// which guards the adapter close with the same teardownOnce so it runs
// exactly once regardless of which path gets there first.
func (c *Call) Close() error {
	c.terminated.Store(true)
	c.teardown("closed")
	return c.teardownErr
}

// teardown is the single idempotent close sequence for every
// termination path (SPEC_FULL 4.7/4.4's "close() on the adapter is
// awaited" requirement): adapter close (which also tears down the
// shared LLM client's per-call context, for flavors that hold one),
// then the RTP session, then the port release, then the call-scoped
// logger. reason is whichever path got here first.
func (c *Call) teardown(reason string) {
	c.teardownOnce.Do(func() {
		c.teardownErr = c.adapter.Close()
		talk := time.Since(c.setupTime)
		_ = c.session.Close()
		c.pool.Release(c.port)

		record := CallRecord{
			Key:          c.key,
			SetupTime:    c.setupTime,
			TalkDuration: talk,
			EndReason:    reason,
			PacketsSent:  c.session.PacketsSent(),
			PacketsRecv:  c.session.PacketsReceived(),
		}
		c.logRecord(record)

		if c.onTerminated != nil {
			c.onTerminated(c.key)
		}
	})
}

func (c *Call) logRecord(r CallRecord) {
	out := slog.Default()
	if c.logger != nil {
		out = c.logger.Logger()
	}
	out.Info("call ended",
		"call_key", r.Key,
		"end_reason", r.EndReason,
		"talk_duration_ms", r.TalkDuration.Milliseconds(),
		"packets_sent", r.PacketsSent,
		"packets_recv", r.PacketsRecv,
	)
	if c.logger != nil {
		if err := c.logger.Close(); err != nil {
			slog.Warn("call: error closing call log file", "call_key", r.Key, "error", err)
		}
	}
}

// Key returns the dialog key (management-channel session key) this call
// is registered under.
func (c *Call) Key() string { return c.key }
