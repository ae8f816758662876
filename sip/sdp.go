package sip

import (
	"fmt"
	"math/rand"

	"github.com/pion/sdp/v3"
)

// audioPort is advertised in offers. Media routing is a stub: the port is
// never serviced, the SDP only satisfies servers that require an offer.
const audioPort = 8000

// sdpOffer builds the audio offer attached to INVITE and to the 200 answer:
// one audio media line with PCMU, PCMA and telephone-event, sendrecv.
func sdpOffer(login, localIP string) (string, error) {
	sessID := uint64(rand.Uint32())
	sd := &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       login,
			SessionID:      sessID,
			SessionVersion: sessID,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: localIP,
		},
		SessionName: "SIP Gateway Call",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: localIP},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
		MediaDescriptions: []*sdp.MediaDescription{
			{
				MediaName: sdp.MediaName{
					Media:   "audio",
					Port:    sdp.RangedPort{Value: audioPort},
					Protos:  []string{"RTP", "AVP"},
					Formats: []string{"0", "8", "101"},
				},
				Attributes: []sdp.Attribute{
					sdp.NewAttribute("rtpmap:0 PCMU/8000", ""),
					sdp.NewAttribute("rtpmap:8 PCMA/8000", ""),
					sdp.NewAttribute("rtpmap:101 telephone-event/8000", ""),
					sdp.NewAttribute("fmtp:101 0-16", ""),
					sdp.NewAttribute("sendrecv", ""),
				},
			},
		},
	}
	data, err := sd.Marshal()
	if err != nil {
		return "", fmt.Errorf("marshal sdp: %w", err)
	}
	return string(data), nil
}

// parseRemoteSDP extracts the peer media description from an INVITE body.
// The result is retained on the session for status/debugging only.
func parseRemoteSDP(body string) (*sdp.SessionDescription, error) {
	sd := &sdp.SessionDescription{}
	if err := sd.UnmarshalString(body); err != nil {
		return nil, fmt.Errorf("parse sdp: %w", err)
	}
	return sd, nil
}
