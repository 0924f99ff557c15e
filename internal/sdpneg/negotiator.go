// Package sdpneg selects a codec from an offered SDP under a
// provider-supplied priority list and builds the answer SDP, grounded on
// services/rtpmanager/sdp's BuildResponseSDP/GetCodecAttributes table,
// generalized to parse an offer instead of only emitting a fixed answer.
package sdpneg

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"

	"github.com/sebas/voicebridge/internal/codec"
)

// ErrUnsupportedCodec is returned when no codec in the offer intersects
// the provider's priority list.
var ErrUnsupportedCodec = errors.New("sdpneg: no codec in offer matches provider priority list")

type candidate struct {
	name          codec.Name
	payloadType   uint8
	clockRate     int
	maxCaptureHz  int
}

// StripRTCPLines removes "a=rtcp:" lines from a raw SDP body before
// parsing — the pion/sdp parser in use rejects them, per SPEC_FULL 4.2.
func StripRTCPLines(raw []byte) []byte {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	var out bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "a=rtcp:") {
			continue
		}
		out.WriteString(line)
		out.WriteString("\r\n")
	}
	return out.Bytes()
}

// SelectCodec parses offer (after stripping rtcp lines) and returns the
// first binding from priority present in the offer's candidate set, per
// SPEC_FULL 4.2 steps 1-4.
func SelectCodec(offer []byte, priority []codec.Name) (codec.Binding, *sdp.SessionDescription, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(StripRTCPLines(offer)); err != nil {
		return codec.Binding{}, nil, fmt.Errorf("sdpneg: parse offer: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return codec.Binding{}, nil, fmt.Errorf("sdpneg: offer has no media description")
	}
	media := desc.MediaDescriptions[0]

	candidates := collectCandidates(media)
	for _, name := range priority {
		for _, c := range candidates {
			if c.name != name {
				continue
			}
			return bindingFromCandidate(c), &desc, nil
		}
	}
	return codec.Binding{}, nil, ErrUnsupportedCodec
}

// ParseDirection reports the direction attribute of a re-INVITE's first
// media section, per SPEC_FULL 4.7: "absent or sendrecv -> resume;
// otherwise -> pause". recvonly, sendonly and inactive all map to
// RecvOnly (pause).
func ParseDirection(offer []byte) (Direction, error) {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal(StripRTCPLines(offer)); err != nil {
		return SendRecv, fmt.Errorf("sdpneg: parse re-invite offer: %w", err)
	}
	if len(desc.MediaDescriptions) == 0 {
		return SendRecv, fmt.Errorf("sdpneg: re-invite offer has no media description")
	}
	for _, attr := range desc.MediaDescriptions[0].Attributes {
		switch attr.Key {
		case "sendrecv":
			return SendRecv, nil
		case "recvonly", "sendonly", "inactive":
			return RecvOnly, nil
		}
	}
	return SendRecv, nil
}

func collectCandidates(media *sdp.MediaDescription) []candidate {
	var candidates []candidate
	seen := make(map[uint8]bool)

	for _, attr := range media.Attributes {
		if attr.Key != "rtpmap" {
			continue
		}
		fields := strings.SplitN(attr.Value, " ", 2)
		if len(fields) != 2 {
			continue
		}
		pt, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		parts := strings.Split(fields[1], "/")
		name, ok := codecNameFromToken(parts[0])
		if !ok {
			continue
		}
		clockRate := 8000
		if len(parts) > 1 {
			if rate, err := strconv.Atoi(parts[1]); err == nil {
				clockRate = rate
			}
		}
		c := candidate{name: name, payloadType: uint8(pt), clockRate: clockRate}
		c.maxCaptureHz = capturerateFromFmtp(media, pt)
		candidates = append(candidates, c)
		seen[uint8(pt)] = true
	}

	// Synthesize PCMU/PCMA candidates declared only in `fmt` without an
	// explicit rtpmap, per SPEC_FULL 4.2 step 2.
	for _, fmtStr := range media.MediaName.Formats {
		pt, err := strconv.Atoi(fmtStr)
		if err != nil || seen[uint8(pt)] {
			continue
		}
		switch pt {
		case 0:
			candidates = append(candidates, candidate{name: codec.MuLaw, payloadType: 0, clockRate: 8000})
		case 8:
			candidates = append(candidates, candidate{name: codec.ALaw, payloadType: 8, clockRate: 8000})
		}
	}
	return candidates
}

func capturerateFromFmtp(media *sdp.MediaDescription, pt int) int {
	prefix := strconv.Itoa(pt) + " "
	for _, attr := range media.Attributes {
		if attr.Key != "fmtp" || !strings.HasPrefix(attr.Value, prefix) {
			continue
		}
		for _, field := range strings.Split(attr.Value, ";") {
			field = strings.TrimSpace(field)
			if strings.HasPrefix(field, "sprop-maxcapturerate=") {
				if rate, err := strconv.Atoi(strings.TrimPrefix(field, "sprop-maxcapturerate=")); err == nil {
					return rate
				}
			}
		}
	}
	return 0
}

func codecNameFromToken(token string) (codec.Name, bool) {
	switch strings.ToLower(token) {
	case "pcmu":
		return codec.MuLaw, true
	case "pcma":
		return codec.ALaw, true
	case "opus":
		return codec.Opus, true
	default:
		return "", false
	}
}

func bindingFromCandidate(c candidate) codec.Binding {
	switch c.name {
	case codec.MuLaw:
		return codec.PCMU()
	case codec.ALaw:
		return codec.PCMA()
	case codec.Opus:
		rate := c.maxCaptureHz
		if rate == 0 {
			rate = c.clockRate
		}
		return codec.OpusBinding(c.payloadType, rate)
	default:
		return codec.Binding{}
	}
}
