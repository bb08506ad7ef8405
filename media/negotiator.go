package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"rover/control"
	"rover/logging"
)

const CONTROL_CHANNEL_LABEL = "control"
const TRACK_ID = "video"
const STREAM_ID = "rover"

var ErrClosed = errors.New("negotiator closed")

// SessionServer runs a control session. *control.Listener satisfies it.
type SessionServer interface {
	Serve(ctx context.Context, conn control.Conn, transport string) error
}

type Options struct {
	ICEServers []string `yaml:"ice_servers"`
	// PortMin and PortMax bound the UDP ports used for ICE. Zero leaves
	// the choice to the OS.
	PortMin uint16 `yaml:"port_min"`
	PortMax uint16 `yaml:"port_max"`
}

// Negotiator answers browser offers. Every peer receives the same H264
// track and may open a control data channel.
type Negotiator struct {
	api      *webrtc.API
	config   webrtc.Configuration
	track    *webrtc.TrackLocalStaticSample
	sessions SessionServer
	logger   *zap.Logger

	mu     sync.Mutex
	peers  map[string]*webrtc.PeerConnection
	closed bool
}

// NewNegotiator builds the WebRTC API. sessions may be nil, in which case
// control data channels are refused.
func NewNegotiator(opts Options, sessions SessionServer, logger *zap.Logger) (*Negotiator, error) {
	logger = logger.Named("media")

	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	s := webrtc.SettingEngine{LoggerFactory: logging.PionFactory{Logger: logger}}
	if opts.PortMin != 0 || opts.PortMax != 0 {
		if err := s.SetEphemeralUDPPortRange(opts.PortMin, opts.PortMax); err != nil {
			return nil, fmt.Errorf("ice port range: %w", err)
		}
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}, TRACK_ID, STREAM_ID)
	if err != nil {
		return nil, fmt.Errorf("create video track: %w", err)
	}

	config := webrtc.Configuration{}
	if len(opts.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}
	return &Negotiator{
		api:      webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(s)),
		config:   config,
		track:    track,
		sessions: sessions,
		logger:   logger,
		peers:    map[string]*webrtc.PeerConnection{},
	}, nil
}

// Track is the shared video track the camera writes H264 samples to.
func (n *Negotiator) Track() *webrtc.TrackLocalStaticSample {
	return n.track
}

// Negotiate creates a peer for offer and returns its answer once ICE
// gathering is complete, so no trickle signaling is needed.
func (n *Negotiator) Negotiate(ctx context.Context, offer webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return webrtc.SessionDescription{}, ErrClosed
	}
	n.mu.Unlock()

	pc, err := n.api.NewPeerConnection(n.config)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create peer connection: %w", err)
	}
	id := uuid.NewString()
	logger := n.logger.With(zap.String("peer", id))

	answer, err := n.negotiate(ctx, pc, id, offer, logger)
	if err != nil {
		n.remove(id)
		pc.Close()
		return webrtc.SessionDescription{}, err
	}
	return answer, nil
}

func (n *Negotiator) negotiate(ctx context.Context, pc *webrtc.PeerConnection, id string, offer webrtc.SessionDescription, logger *zap.Logger) (webrtc.SessionDescription, error) {
	sender, err := pc.AddTrack(n.track)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("add video track: %w", err)
	}
	// RTCP has to be drained for the interceptors to run
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Info("Peer connection state changed", zap.Stringer("state", state))
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			n.remove(id)
			pc.Close()
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		n.attach(dc, logger)
	})

	if err := n.add(id, pc); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return webrtc.SessionDescription{}, ctx.Err()
	}
	logger.Info("Peer negotiated")
	return *pc.LocalDescription(), nil
}

// attach turns a control data channel into a control session once it
// opens. Other labels are ignored.
func (n *Negotiator) attach(dc *webrtc.DataChannel, logger *zap.Logger) {
	if dc.Label() != CONTROL_CHANNEL_LABEL || n.sessions == nil {
		logger.Warn("Ignoring data channel", zap.String("label", dc.Label()))
		return
	}
	conn := newChannelConn(dc)
	dc.OnMessage(conn.deliver)
	dc.OnClose(func() { conn.Close() })
	dc.OnOpen(func() {
		go n.sessions.Serve(context.Background(), conn, "webrtc")
	})
}

func (n *Negotiator) add(id string, pc *webrtc.PeerConnection) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrClosed
	}
	n.peers[id] = pc
	return nil
}

func (n *Negotiator) remove(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, id)
}

// Peers returns the number of live peer connections.
func (n *Negotiator) Peers() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.peers)
}

// Close closes every peer and refuses further offers.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	n.closed = true
	peers := n.peers
	n.peers = map[string]*webrtc.PeerConnection{}
	n.mu.Unlock()

	var errs []error
	for _, pc := range peers {
		if err := pc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
