package codec

// Framer deframes a stream of synthesized-audio bytes from an AI provider
// into RTP-ready payloads, carrying any leftover bytes across calls the
// way a provider's chunked delivery requires.
//
// Parse(nil) signals a terminal flush: any buffered leftover is padded
// out (G.711); for Opus a pending page that begins with OggS is parsed
// and whatever else is buffered is discarded.
type Framer interface {
	Binding() Binding
	Parse(data []byte) [][]byte
}

// NewFramer returns the Framer appropriate for binding.Name.
func NewFramer(binding Binding) Framer {
	if binding.Container == "ogg" {
		return &oggFramer{binding: binding}
	}
	return &g711Framer{binding: binding}
}

// g711Framer implements the G.711 framing rule from SPEC_FULL 4.1:
// concatenate leftovers+bytes, emit full payload_size() chunks, retain the
// remainder; on a terminal flush pad the remainder with the silence byte.
type g711Framer struct {
	binding  Binding
	leftover []byte
}

func (f *g711Framer) Binding() Binding { return f.binding }

func (f *g711Framer) Parse(data []byte) [][]byte {
	size := f.binding.PayloadSize()
	if data == nil {
		if len(f.leftover) == 0 {
			return nil
		}
		pad := f.binding.SilenceByte()
		final := make([]byte, size)
		copy(final, f.leftover)
		for i := len(f.leftover); i < size; i++ {
			final[i] = pad
		}
		f.leftover = nil
		return [][]byte{final}
	}

	buf := append(f.leftover, data...)
	var packets [][]byte
	for len(buf) >= size {
		chunk := make([]byte, size)
		copy(chunk, buf[:size])
		packets = append(packets, chunk)
		buf = buf[size:]
	}
	f.leftover = append([]byte(nil), buf...)
	return packets
}
