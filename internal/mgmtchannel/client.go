// Package mgmtchannel is the datagram client for the management channel
// (SPEC_FULL 6 / C11): outbound ua_session_reply/ua_session_update/
// ua_session_terminate commands, and the E_UA_SESSION inbound
// subscription the dispatcher drains for SIP call events.
//
// Grounded on original_source/src/engine.py's mi_conn/mi_reply (JSON-RPC
// request shape, send-only outbound commands) and
// OpenSIPSEventHandler.async_subscribe (a dedicated local datagram
// socket receiving one event type). The Publisher/Subscriber interface
// pair from services/signaling/events/publisher.go is generalized here
// from an event-fan-out abstraction into this single request/reply +
// subscribe datagram client, since both share the "small interface,
// swappable transport" shape the teacher already uses for its own event
// plumbing.
package mgmtchannel

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
)

// Event is one inbound E_UA_SESSION notification (SPEC_FULL 6).
type Event struct {
	Key    string      `json:"key"`
	Method string      `json:"method"`
	Params EventParams `json:"params"`
}

// EventParams carries the event's SIP headers, optional body, and any
// dispatcher-extra parameters (including a flavor override, SPEC_FULL
// 4.8 step 1).
type EventParams struct {
	Headers     map[string]string `json:"headers"`
	Body        string            `json:"body,omitempty"`
	ExtraParams map[string]string `json:"extra_params,omitempty"`
}

// request is the JSON-RPC 2.0 envelope the management channel's peer
// expects for MI datagram commands.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      uint64 `json:"id"`
}

const maxEventDatagram = 8192

// Client is a single shared connection to the management channel peer;
// outbound commands are send-only (SPEC_FULL 5's "requests are
// send-only except for subscription setup").
type Client struct {
	conn   *net.UDPConn
	nextID atomic.Uint64
}

// Dial connects to the management channel peer at addr (the
// [opensips] ip:port).
func Dial(addr string) (*Client, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("mgmtchannel: resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("mgmtchannel: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) send(method string, params any) error {
	req := request{JSONRPC: "2.0", Method: method, Params: params, ID: c.nextID.Add(1)}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("mgmtchannel: encode %s: %w", method, err)
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("mgmtchannel: send %s: %w", method, err)
	}
	return nil
}

// SessionReply implements ua_session_reply: a reply to a pending SIP
// request identified by key/method.
func (c *Client) SessionReply(_ context.Context, key, method string, code int, reason string, body []byte) error {
	params := map[string]any{"key": key, "method": method, "code": code, "reason": reason}
	if len(body) > 0 {
		params["body"] = string(body)
	}
	return c.send("ua_session_reply", params)
}

// SessionUpdate implements ua_session_update: an in-dialog request
// (used for REFER on transfer, SPEC_FULL 4.5/S4). It also satisfies
// internal/call.ManagementClient.
func (c *Client) SessionUpdate(_ context.Context, key, method string, body []byte, extraHeaders map[string]string) error {
	params := map[string]any{"key": key, "method": method, "extra_headers": extraHeaders}
	if len(body) > 0 {
		params["body"] = string(body)
	}
	return c.send("ua_session_update", params)
}

// SessionTerminate implements ua_session_terminate: tears down the
// dialog for key.
func (c *Client) SessionTerminate(_ context.Context, key string) error {
	return c.send("ua_session_terminate", map[string]any{"key": key})
}

// Subscribe establishes the E_UA_SESSION subscription: it binds a local
// datagram socket at listenAddr, asks the peer to route that event type
// to it, then runs until ctx is done, invoking handler for each decoded
// Event. Unsubscribe is sent automatically on return.
func (c *Client) Subscribe(ctx context.Context, listenAddr string, handler func(Event)) error {
	udpAddr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return fmt.Errorf("mgmtchannel: resolve listen addr %s: %w", listenAddr, err)
	}
	listener, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("mgmtchannel: listen %s: %w", listenAddr, err)
	}
	defer listener.Close()

	localPort := listener.LocalAddr().(*net.UDPAddr).Port
	if err := c.send("event_subscribe", map[string]any{
		"event": "E_UA_SESSION",
		"socket": fmt.Sprintf("udp:%s:%d", udpAddr.IP.String(), localPort),
		"expire": 0,
	}); err != nil {
		return fmt.Errorf("mgmtchannel: subscribe: %w", err)
	}
	defer func() {
		if err := c.send("event_unsubscribe", map[string]any{"event": "E_UA_SESSION"}); err != nil {
			slog.Warn("mgmtchannel: unsubscribe failed", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	buf := make([]byte, maxEventDatagram)
	for {
		n, _, err := listener.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Debug("mgmtchannel: read error", "error", err)
			continue
		}
		var event Event
		if err := json.Unmarshal(buf[:n], &event); err != nil {
			slog.Debug("mgmtchannel: malformed event", "error", err)
			continue
		}
		handler(event)
	}
}

// Close releases the outbound connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
