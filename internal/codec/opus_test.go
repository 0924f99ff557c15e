package codec

import (
	"bytes"
	"testing"
)

// buildOpusOggPage assembles a minimal (non-checksummed, this parser never
// validates CRC) Ogg page carrying the given segments.
func buildOpusOggPage(segments ...[]byte) []byte {
	var page bytes.Buffer
	page.WriteString("OggS")
	page.Write(make([]byte, 22)) // version, flags, granule, serial, seqno, crc (unused by the parser)
	page.WriteByte(byte(len(segments)))
	for _, seg := range segments {
		page.WriteByte(byte(len(seg)))
	}
	for _, seg := range segments {
		page.Write(seg)
	}
	return page.Bytes()
}

func TestOggFramerSkipsHeaderSegmentsAndEmitsPackets(t *testing.T) {
	framer := NewFramer(OpusBinding(111, 48000))

	headerPage := buildOpusOggPage([]byte("OpusHead"))
	dataPage := buildOpusOggPage([]byte("packet-one"), []byte("packet-two"))
	trailingPage := buildOpusOggPage([]byte("packet-three"))

	var stream []byte
	stream = append(stream, headerPage...)
	stream = append(stream, dataPage...)
	stream = append(stream, trailingPage...)

	// Only pages followed by another page's capture pattern are complete
	// enough to parse in one pass; trailingPage stays buffered until a
	// fourth page or a terminal flush confirms it has no more segments.
	packets := framer.Parse(stream)
	if len(packets) != 2 {
		t.Fatalf("got %d packets, want 2 (header page must be skipped)", len(packets))
	}
	if string(packets[0]) != "packet-one" || string(packets[1]) != "packet-two" {
		t.Errorf("packets = %q, %q", packets[0], packets[1])
	}
}

func TestOggFramerBuffersPartialPageAcrossCalls(t *testing.T) {
	framer := NewFramer(OpusBinding(111, 48000))
	page := buildOpusOggPage([]byte("full-packet"))

	first := framer.Parse(page[:10])
	if len(first) != 0 {
		t.Fatalf("got %d packets from a partial page, want 0", len(first))
	}

	// The page is now fully buffered but, with nothing following it,
	// stays pending until a flush confirms it has no more segments.
	second := framer.Parse(page[10:])
	if len(second) != 0 {
		t.Fatalf("got %d packets before flush, want 0", len(second))
	}
	flushed := framer.Parse(nil)
	if len(flushed) != 1 || string(flushed[0]) != "full-packet" {
		t.Errorf("flushed = %q, want [full-packet]", flushed)
	}
}

func TestOggFramerDiscardsBytesBeforeFirstCapturePattern(t *testing.T) {
	framer := NewFramer(OpusBinding(111, 48000))
	page := buildOpusOggPage([]byte("payload"))
	trailingPage := buildOpusOggPage([]byte("next"))
	garbage := append([]byte("garbage-bytes-not-ogg"), page...)
	garbage = append(garbage, trailingPage...)

	packets := framer.Parse(garbage)
	if len(packets) != 1 || string(packets[0]) != "payload" {
		t.Errorf("packets = %q, want [payload]", packets)
	}
}

func TestOggFramerTerminalFlushDiscardsDanglingPartialPage(t *testing.T) {
	framer := NewFramer(OpusBinding(111, 48000))
	page := buildOpusOggPage([]byte("full-packet"))
	framer.Parse(page[:10])

	flushed := framer.Parse(nil)
	if len(flushed) != 0 {
		t.Errorf("got %d packets from flushing a dangling partial page, want 0", len(flushed))
	}
}

func TestOggFramerTerminalFlushParsesCompletePendingPage(t *testing.T) {
	framer := NewFramer(OpusBinding(111, 48000))
	page := buildOpusOggPage([]byte("full-packet"))
	// A single complete page with nothing following it stays "pending"
	// until flush, since the parser can't know another page won't append
	// more segments to the stream it's scanning.
	framer.Parse(page)

	flushed := framer.Parse(nil)
	if len(flushed) != 1 || string(flushed[0]) != "full-packet" {
		t.Errorf("flushed = %q, want [full-packet]", flushed)
	}
}
