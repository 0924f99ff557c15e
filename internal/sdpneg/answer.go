package sdpneg

import (
	"log/slog"
	"strconv"

	"github.com/pion/sdp/v3"

	"github.com/sebas/voicebridge/internal/codec"
)

// Direction controls the emitted m=audio attribute, reflecting pause/resume.
type Direction string

const (
	SendRecv Direction = "sendrecv"
	RecvOnly Direction = "recvonly"
)

// BuildAnswer emits a newly built answer SDP with origin/connection set
// to localAddr, m=audio port set to localPort, and exactly one rtpmap/fmt
// entry for binding. Its origin username, session id/version and session
// name are fixed values; no field of the offer's session is carried over.
// Grounded on sdp.BuildResponseSDP/GetCodecAttributes, generalized
// to take an explicit direction for pause/resume re-INVITEs.
func BuildAnswer(binding codec.Binding, localAddr string, localPort int, direction Direction) []byte {
	pt := strconv.Itoa(int(binding.PayloadType))
	formats := []string{pt}

	desc := &sdp.SessionDescription{
		Origin: sdp.Origin{
			Username:       "voicebridge",
			SessionID:      1,
			SessionVersion: 1,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localAddr,
		},
		SessionName: "voicebridge media session",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: localAddr},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: localPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: formats,
				},
				Attributes: codecAttributes(binding, direction),
			},
		},
	}

	out, err := desc.Marshal()
	if err != nil {
		slog.Error("sdpneg: failed to marshal answer SDP", "error", err)
		return nil
	}
	return out
}

func codecAttributes(binding codec.Binding, direction Direction) []sdp.Attribute {
	pt := strconv.Itoa(int(binding.PayloadType))
	var rtpmap string
	if binding.Channels > 1 {
		rtpmap = pt + " " + binding.RTPMapName() + "/" + strconv.Itoa(binding.ClockRate) + "/" + strconv.Itoa(binding.Channels)
	} else {
		rtpmap = pt + " " + binding.RTPMapName() + "/" + strconv.Itoa(binding.ClockRate)
	}

	attrs := []sdp.Attribute{
		{Key: "rtpmap", Value: rtpmap},
		{Key: "ptime", Value: "20"},
		{Key: string(direction)},
	}
	return attrs
}
