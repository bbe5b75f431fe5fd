package transport

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/huddle/internal/util"
)

// DefaultSTUNServers are used when the configuration names none.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// TURNServer is a relay used when no direct path exists.
type TURNServer struct {
	URL        string
	Username   string
	Credential string
}

// ICEConfig lists the ICE servers handed to every PeerConnection.
type ICEConfig struct {
	STUN []string
	TURN []TURNServer
}

func (c ICEConfig) servers() []webrtc.ICEServer {
	stun := c.STUN
	if len(stun) == 0 {
		stun = DefaultSTUNServers
	}
	out := []webrtc.ICEServer{{URLs: stun}}
	for _, t := range c.TURN {
		out = append(out, webrtc.ICEServer{
			URLs:       []string{t.URL},
			Username:   t.Username,
			Credential: t.Credential,
		})
	}
	return out
}

// newAPI builds a pion API whose internal logs go through util's logger.
func newAPI() *webrtc.API {
	se := webrtc.SettingEngine{LoggerFactory: util.PionLoggerFactory{}}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

func newPeerConnection(api *webrtc.API, ice ICEConfig) (*webrtc.PeerConnection, error) {
	return api.NewPeerConnection(webrtc.Configuration{ICEServers: ice.servers()})
}

// Pre-negotiated channel ids. Both sides create the channels independently,
// so no OnDataChannel round trip is needed.
const (
	reliableChannelID uint16 = 0
	lossyChannelID    uint16 = 1
)

// newDataChannels creates the ordered reliable channel and the unordered,
// never-retransmitted lossy channel.
func newDataChannels(pc *webrtc.PeerConnection) (reliable, lossy *webrtc.DataChannel, err error) {
	negotiated := true
	ordered := true
	rid := reliableChannelID
	reliable, err = pc.CreateDataChannel("reliable", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &rid,
	})
	if err != nil {
		return nil, nil, err
	}

	unordered := false
	retransmits := uint16(0)
	lid := lossyChannelID
	lossy, err = pc.CreateDataChannel("lossy", &webrtc.DataChannelInit{
		Ordered:        &unordered,
		MaxRetransmits: &retransmits,
		Negotiated:     &negotiated,
		ID:             &lid,
	})
	if err != nil {
		reliable.Close()
		return nil, nil, err
	}
	return reliable, lossy, nil
}
