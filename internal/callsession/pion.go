package callsession

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// ICEServer is one STUN or TURN server.
type ICEServer struct {
	URLs       []string
	Username   string
	Credential string
}

// NewPionFactory returns a PeerFactory backed by pion/webrtc. Tracks that
// are not *PionTrack are ignored.
func NewPionFactory(servers []ICEServer) PeerFactory {
	cfg := webrtc.Configuration{}
	for _, s := range servers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return func(tracks []MediaTrack) (PeerConnection, error) {
		return NewPionPeer(cfg, tracks)
	}
}

// PionPeer adapts *webrtc.PeerConnection. Session descriptions and
// candidates travel as their JSON encodings.
type PionPeer struct {
	pc *webrtc.PeerConnection
}

// NewPionPeer creates a peer connection sending tracks.
func NewPionPeer(cfg webrtc.Configuration, tracks []MediaTrack) (*PionPeer, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	for _, t := range tracks {
		pt, ok := t.(*PionTrack)
		if !ok {
			continue
		}
		if _, err := pc.AddTrack(pt.local); err != nil {
			pc.Close() //nolint:errcheck
			return nil, fmt.Errorf("add %s track: %w", pt.kind, err)
		}
	}
	return &PionPeer{pc: pc}, nil
}

func (p *PionPeer) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local offer: %w", err)
	}
	return encode(offer)
}

func (p *PionPeer) CreateAnswer(ctx context.Context, offer string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var remote webrtc.SessionDescription
	if err := json.Unmarshal([]byte(offer), &remote); err != nil {
		return "", fmt.Errorf("decode offer: %w", err)
	}
	if err := p.pc.SetRemoteDescription(remote); err != nil {
		return "", fmt.Errorf("set remote offer: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("set local answer: %w", err)
	}
	return encode(answer)
}

func (p *PionPeer) SetAnswer(answer string) error {
	var remote webrtc.SessionDescription
	if err := json.Unmarshal([]byte(answer), &remote); err != nil {
		return fmt.Errorf("decode answer: %w", err)
	}
	return p.pc.SetRemoteDescription(remote)
}

func (p *PionPeer) AddICECandidate(candidate string) error {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(candidate), &cand); err != nil {
		return fmt.Errorf("decode candidate: %w", err)
	}
	return p.pc.AddICECandidate(cand)
}

func (p *PionPeer) OnICECandidate(fn func(string)) {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		// nil marks the end of gathering
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		fn(string(data))
	})
}

func (p *PionPeer) OnConnectionStateChange(fn func(ConnectionState)) {
	p.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fn(connectionState(s))
	})
}

func (p *PionPeer) OnTrack(fn func(RemoteTrack)) {
	p.pc.OnTrack(func(t *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		fn(&PionRemoteTrack{Track: t})
	})
}

func (p *PionPeer) Close() error {
	return p.pc.Close()
}

func connectionState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return ConnectionConnecting
	case webrtc.PeerConnectionStateConnected:
		return ConnectionConnected
	case webrtc.PeerConnectionStateDisconnected:
		return ConnectionDisconnected
	case webrtc.PeerConnectionStateFailed:
		return ConnectionFailed
	case webrtc.PeerConnectionStateClosed:
		return ConnectionClosed
	default:
		return ConnectionNew
	}
}

func encode(desc webrtc.SessionDescription) (string, error) {
	data, err := json.Marshal(desc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// PionRemoteTrack exposes the underlying pion track to sinks that read RTP.
type PionRemoteTrack struct {
	Track *webrtc.TrackRemote
}

func (t *PionRemoteTrack) ID() string { return t.Track.ID() }

func (t *PionRemoteTrack) Kind() TrackKind {
	if t.Track.Kind() == webrtc.RTPCodecTypeVideo {
		return TrackVideo
	}
	return TrackAudio
}

// PionTrack is a local sample track. While disabled or stopped, written
// samples are dropped; the track itself stays negotiated.
type PionTrack struct {
	local   *webrtc.TrackLocalStaticSample
	kind    TrackKind
	enabled atomic.Bool
	stopped atomic.Bool
}

// NewPionTrack creates an Opus audio or VP8 video track.
func NewPionTrack(kind TrackKind, streamID string) (*PionTrack, error) {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == TrackVideo {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	local, err := webrtc.NewTrackLocalStaticSample(codec, string(kind), streamID)
	if err != nil {
		return nil, fmt.Errorf("create %s track: %w", kind, err)
	}
	t := &PionTrack{local: local, kind: kind}
	t.enabled.Store(true)
	return t, nil
}

func (t *PionTrack) Kind() TrackKind { return t.kind }
func (t *PionTrack) Enabled() bool { return t.enabled.Load() }
func (t *PionTrack) SetEnabled(enabled bool) { t.enabled.Store(enabled) }
func (t *PionTrack) Stop() { t.stopped.Store(true) }

// WriteSample forwards one encoded media sample.
func (t *PionTrack) WriteSample(s media.Sample) error {
	if t.stopped.Load() || !t.enabled.Load() {
		return nil
	}
	return t.local.WriteSample(s)
}
