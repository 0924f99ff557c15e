package rtpsession

import (
	"net"
	"testing"
	"time"

	"github.com/pion/rtp"

	"github.com/sebas/voicebridge/internal/codec"
)

func newLoopbackPair(t *testing.T) (*net.UDPConn, *net.UDPConn) {
	t.Helper()
	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP server: %v", err)
	}
	client, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP client: %v", err)
	}
	return server, client
}

func TestSymmetricRTPLearningAndCadence(t *testing.T) {
	server, client := newLoopbackPair(t)
	defer client.Close()

	var terminated bool
	sess := New(server, server.LocalAddr().(*net.UDPAddr).Port, codec.PCMU(), "call-1",
		func([]byte) {}, func() bool { return terminated })
	defer sess.Close()
	go sess.ReadLoop()

	// Prime the socket with one datagram so symmetric-RTP learning fires
	// and the sender loop starts.
	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 0}, Payload: []byte{0}}
	data, _ := pkt.Marshal()
	if _, err := client.WriteToUDP(data, server.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for sess.RemoteAddr() == nil {
		select {
		case <-deadline:
			t.Fatal("remote endpoint was never learned")
		case <-time.After(5 * time.Millisecond):
		}
	}

	learned := sess.RemoteAddr()
	if learned.Port != client.LocalAddr().(*net.UDPAddr).Port {
		t.Errorf("learned remote port = %d, want %d", learned.Port, client.LocalAddr().(*net.UDPAddr).Port)
	}

	// Collect a handful of emitted packets and check strictly increasing
	// sequence numbers with no gaps, per Testable Property 5.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 2048)
	var lastSeq uint16
	for i := 0; i < 5; i++ {
		n, _, err := client.ReadFromUDP(buf)
		if err != nil {
			t.Fatalf("ReadFromUDP: %v", err)
		}
		var got rtp.Packet
		if err := got.Unmarshal(buf[:n]); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if i > 0 && got.SequenceNumber != lastSeq+1 {
			t.Errorf("packet %d: sequence = %d, want %d", i, got.SequenceNumber, lastSeq+1)
		}
		lastSeq = got.SequenceNumber
	}
}

func TestEnqueueDropsOldestOnOverflow(t *testing.T) {
	server, client := newLoopbackPair(t)
	defer server.Close()
	defer client.Close()

	sess := New(server, 0, codec.PCMU(), "call-2", func([]byte) {}, func() bool { return false })
	for i := 0; i < outboundQueueCapacity+10; i++ {
		sess.Enqueue([]byte{byte(i)})
	}
	if len(sess.queue) != outboundQueueCapacity {
		t.Errorf("queue len = %d, want %d (bounded)", len(sess.queue), outboundQueueCapacity)
	}
}

func TestSetPausedTogglesPausedFlag(t *testing.T) {
	server, _ := newLoopbackPair(t)
	defer server.Close()

	sess := New(server, 0, codec.PCMU(), "call-3", func([]byte) {}, func() bool { return false })
	sess.SetPaused(true)
	if !sess.Paused() {
		t.Error("Paused() = false after SetPaused(true)")
	}
	sess.SetPaused(false)
	if sess.Paused() {
		t.Error("Paused() = true after SetPaused(false)")
	}
}
