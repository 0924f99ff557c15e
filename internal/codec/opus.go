package codec

import "bytes"

var oggCapturePattern = []byte("OggS")

// oggFramer implements the Opus/Ogg deframing rule from SPEC_FULL 4.1,
// grounded on the Ogg page walk in codec.py's Opus.parse_page: locate each
// page at the OggS capture pattern, read the 27-byte header, then the
// page_segments count and segment-length table, then each segment.
// Segments whose payload opens with OpusHead/OpusTags are setup segments
// and are skipped; every other segment is one Opus packet.
type oggFramer struct {
	binding Binding
	pending []byte
}

func (f *oggFramer) Binding() Binding { return f.binding }

func (f *oggFramer) Parse(data []byte) [][]byte {
	if data == nil {
		// Terminal flush: whatever remains either starts a complete page
		// (parse it) or is a dangling partial page (discarded — there is
		// no way to complete it without more bytes).
		var out [][]byte
		if bytes.HasPrefix(f.pending, oggCapturePattern) {
			out = parseOggPage(f.pending)
		}
		f.pending = nil
		return out
	}

	f.pending = append(f.pending, data...)
	var out [][]byte
	for {
		if !bytes.HasPrefix(f.pending, oggCapturePattern) {
			// Bytes preceding the first OggS are discarded per SPEC_FULL 4.1.
			idx := bytes.Index(f.pending, oggCapturePattern)
			if idx == -1 {
				// Keep a short tail: it may be the start of a capture
				// pattern whose remaining bytes arrive in the next call.
				keep := len(oggCapturePattern) - 1
				if len(f.pending) < keep {
					keep = len(f.pending)
				}
				f.pending = append([]byte(nil), f.pending[len(f.pending)-keep:]...)
				break
			}
			f.pending = f.pending[idx:]
		}
		next := bytes.Index(f.pending[4:], oggCapturePattern)
		if next == -1 {
			// No complete next page yet; keep buffering.
			break
		}
		next += 4
		page := f.pending[:next]
		out = append(out, parseOggPage(page)...)
		f.pending = f.pending[next:]
	}
	return out
}

const oggHeaderLen = 27

func parseOggPage(page []byte) [][]byte {
	if len(page) < oggHeaderLen || !bytes.HasPrefix(page, oggCapturePattern) {
		return nil
	}
	pageSegments := int(page[26])
	if len(page) < oggHeaderLen+pageSegments {
		return nil
	}
	segLens := page[oggHeaderLen : oggHeaderLen+pageSegments]

	var packets [][]byte
	offset := oggHeaderLen + pageSegments
	for i := 0; i < pageSegments; i++ {
		segLen := int(segLens[i])
		if offset+segLen > len(page) {
			break
		}
		segment := page[offset : offset+segLen]
		offset += segLen

		if i == 0 && (bytes.HasPrefix(segment, []byte("OpusHead")) || bytes.HasPrefix(segment, []byte("OpusTags"))) {
			return nil
		}
		packet := make([]byte, len(segment))
		copy(packet, segment)
		packets = append(packets, packet)
	}
	return packets
}
