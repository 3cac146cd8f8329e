// Package callsession runs one endpoint's side of a call. A Session owns the
// local peer connection and media tracks, forwards signaling through the
// coordinator and mirrors the lifecycle the coordinator broadcasts.
package callsession

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/model"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/logger"
)

var (
	ErrBusy           = errors.New("callsession: a call is already in progress")
	ErrNoIncomingCall = errors.New("callsession: no incoming call")
	ErrNoOffer        = errors.New("callsession: incoming call carries no offer")
	ErrSuperseded     = errors.New("callsession: call was ended before setup completed")
)

// TrackKind is the media type of a track.
type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// ConnectionState mirrors the peer connection's aggregate state.
type ConnectionState string

const (
	ConnectionNew          ConnectionState = "new"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionFailed       ConnectionState = "failed"
	ConnectionClosed       ConnectionState = "closed"
)

// Lost reports whether the connection can no longer carry the call.
func (s ConnectionState) Lost() bool {
	return s == ConnectionDisconnected || s == ConnectionFailed || s == ConnectionClosed
}

// MediaTrack is one outbound local track.
type MediaTrack interface {
	Kind() TrackKind
	SetEnabled(enabled bool)
	Enabled() bool
	Stop()
}

// RemoteTrack is an inbound track announced by the peer connection.
type RemoteTrack interface {
	ID() string
	Kind() TrackKind
}

// RemoteSink renders remote media.
type RemoteSink interface {
	Attach(track RemoteTrack)
}

// PeerConnection is the slice of a WebRTC peer connection a Session drives.
// Session descriptions and candidates are opaque strings.
type PeerConnection interface {
	CreateOffer(ctx context.Context) (string, error)
	CreateAnswer(ctx context.Context, offer string) (string, error)
	SetAnswer(answer string) error
	AddICECandidate(candidate string) error
	OnICECandidate(fn func(candidate string))
	OnConnectionStateChange(fn func(ConnectionState))
	OnTrack(fn func(RemoteTrack))
	Close() error
}

// PeerFactory creates a peer connection sending the given tracks.
type PeerFactory func(tracks []MediaTrack) (PeerConnection, error)

// Signaler carries commands to the call coordinator.
type Signaler interface {
	StartCall(ctx context.Context, req *model.StartCallRequest) (*model.Call, error)
	Accept(ctx context.Context, callID string) error
	Reject(ctx context.Context, callID string) error
	End(ctx context.Context, callID string, reason model.EndReason) error
	SendSignal(ctx context.Context, callID string, kind model.SignalKind, payload string) error
}

// Options tunes a Session.
type Options struct {
	// SignalTimeout bounds signaling sent from peer connection callbacks.
	SignalTimeout time.Duration
	// OnStateChange observes every local status change.
	OnStateChange func(model.CallStatus)
	Now           func() time.Time
}

// Session is the state of one endpoint. Events are fed through HandleEvent
// in delivery order and applied one at a time. Events that arrive while Dial
// waits for the coordinator are held and applied before any later event.
type Session struct {
	userID   string
	signaler Signaler
	newPeer  PeerFactory
	sink     RemoteSink
	opts     Options
	logger   *logger.Logger

	// events serializes event application. It is taken before mu.
	events sync.Mutex

	mu            sync.Mutex
	generation    uint64
	state         model.CallStatus
	role          model.PeerRole
	call          *model.Call
	peer          PeerConnection
	tracks        []MediaTrack
	muted         bool
	cameraOff     bool
	connected     bool
	remoteOffer   string
	remoteDescSet bool
	pendingRemote []string
	pendingLocal  []string
	early         []model.UserEvent
	activeAt      time.Time
	endedAt       time.Time
	endReason     model.EndReason
}

// New creates an idle session for userID.
func New(userID string, signaler Signaler, newPeer PeerFactory, sink RemoteSink, opts Options, log *logger.Logger) *Session {
	if opts.SignalTimeout <= 0 {
		opts.SignalTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Session{
		userID:   userID,
		signaler: signaler,
		newPeer:  newPeer,
		sink:     sink,
		opts:     opts,
		logger:   log.Named("callsession").With(zap.String("user_id", userID)),
		state:    model.CallStatusIdle,
	}
}

// State returns the local call status.
func (s *Session) State() model.CallStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Call returns the current call record, if any.
func (s *Session) Call() *model.Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.call == nil {
		return nil
	}
	c := *s.call
	return &c
}

// EndReason returns why the last call ended.
func (s *Session) EndReason() model.EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason
}

// Duration is the time spent active. It is zero until the call becomes
// active and stops advancing once it ends.
func (s *Session) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeAt.IsZero() {
		return 0
	}
	end := s.endedAt
	if end.IsZero() {
		end = s.opts.Now()
	}
	return end.Sub(s.activeAt)
}

// Dial places a call to calleeID and returns the coordinator's record.
func (s *Session) Dial(ctx context.Context, conversationID, calleeID string, media model.MediaKind, tracks []MediaTrack) (*model.Call, error) {
	s.mu.Lock()
	if s.busyLocked() {
		s.mu.Unlock()
		return nil, ErrBusy
	}
	s.resetLocked()
	s.role = model.RoleCaller
	pc, err := s.attachLocked(tracks)
	if err != nil {
		s.mu.Unlock()
		stopTracks(tracks)
		return nil, err
	}
	gen := s.generation
	s.moveLocked(model.CallStatusRinging)
	s.mu.Unlock()
	s.notify(model.CallStatusRinging)

	offer, err := pc.CreateOffer(ctx)
	if err != nil {
		s.teardown(gen, model.EndReasonFailed)
		return nil, err
	}

	call, err := s.signaler.StartCall(ctx, &model.StartCallRequest{
		ConversationID: conversationID,
		CalleeID:       calleeID,
		Media:          media,
		Offer:          offer,
	})
	if err != nil {
		s.teardown(gen, model.EndReasonFailed)
		return nil, err
	}

	s.events.Lock()
	defer s.events.Unlock()
	s.mu.Lock()
	if gen != s.generation || s.state.Terminal() {
		reason := model.EndReasonHangup
		if gen == s.generation && s.endReason != "" {
			reason = s.endReason
		}
		s.mu.Unlock()
		// The coordinator is still ringing a call nobody here will answer for.
		if err := s.signaler.End(ctx, call.ID, reason); err != nil {
			s.logger.Warn("failed to end superseded call", zap.String("call_id", call.ID), zap.Error(err))
		}
		return call, ErrSuperseded
	}
	s.call = call
	local, early := s.pendingLocal, s.early
	s.pendingLocal, s.early = nil, nil
	s.mu.Unlock()

	for _, candidate := range local {
		s.forwardCandidate(ctx, call.ID, candidate)
	}
	for _, ev := range early {
		s.dispatch(ctx, ev)
	}
	return call, nil
}

// Accept answers the ringing incoming call with the given local tracks.
func (s *Session) Accept(ctx context.Context, tracks []MediaTrack) error {
	s.mu.Lock()
	if s.state != model.CallStatusRinging || s.role != model.RoleCallee || s.call == nil {
		s.mu.Unlock()
		return ErrNoIncomingCall
	}
	if s.remoteOffer == "" {
		s.mu.Unlock()
		return ErrNoOffer
	}
	pc, err := s.attachLocked(tracks)
	if err != nil {
		s.mu.Unlock()
		stopTracks(tracks)
		return err
	}
	gen, callID, offer := s.generation, s.call.ID, s.remoteOffer
	s.mu.Unlock()

	answer, err := pc.CreateAnswer(ctx, offer)
	if err != nil {
		s.abort(ctx, gen, callID)
		return err
	}

	s.mu.Lock()
	if gen != s.generation || s.state.Terminal() {
		s.mu.Unlock()
		return ErrSuperseded
	}
	s.remoteDescSet = true
	pending := s.pendingRemote
	s.pendingRemote = nil
	s.mu.Unlock()
	s.addRemoteCandidates(pc, pending)

	if err := s.signaler.SendSignal(ctx, callID, model.SignalAnswer, answer); err != nil {
		s.abort(ctx, gen, callID)
		return err
	}
	if err := s.signaler.Accept(ctx, callID); err != nil {
		s.abort(ctx, gen, callID)
		return err
	}

	s.mu.Lock()
	changed := gen == s.generation && s.state == model.CallStatusRinging
	if changed {
		s.moveLocked(model.CallStatusAccepted)
		s.activateLocked()
	}
	st := s.state
	s.mu.Unlock()
	if changed {
		s.notify(st)
	}
	return nil
}

// Reject declines the ringing incoming call.
func (s *Session) Reject(ctx context.Context) error {
	s.mu.Lock()
	if s.state != model.CallStatusRinging || s.role != model.RoleCallee || s.call == nil {
		s.mu.Unlock()
		return ErrNoIncomingCall
	}
	gen, callID := s.generation, s.call.ID
	s.mu.Unlock()

	s.teardown(gen, model.EndReasonRejected)
	return s.signaler.Reject(ctx, callID)
}

// Hangup ends the call locally and tells the coordinator. Local media is
// released before the coordinator is contacted.
func (s *Session) Hangup(ctx context.Context) error {
	s.mu.Lock()
	if !s.busyLocked() {
		s.mu.Unlock()
		return nil
	}
	gen := s.generation
	var callID string
	if s.call != nil {
		callID = s.call.ID
	}
	s.mu.Unlock()

	s.teardown(gen, model.EndReasonHangup)
	if callID == "" {
		return nil
	}
	return s.signaler.End(ctx, callID, model.EndReasonHangup)
}

// ToggleMute flips the local audio tracks and reports whether audio is now
// muted. The tracks stay negotiated.
func (s *Session) ToggleMute() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.muted = !s.muted
	setEnabled(s.tracks, TrackAudio, !s.muted)
	return s.muted
}

// ToggleCamera flips the local video tracks and reports whether the camera
// is now off.
func (s *Session) ToggleCamera() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cameraOff = !s.cameraOff
	setEnabled(s.tracks, TrackVideo, !s.cameraOff)
	return s.cameraOff
}

// HandleEvent applies one event received from the coordinator. It is safe to
// call from any goroutine.
func (s *Session) HandleEvent(ctx context.Context, ev model.UserEvent) {
	s.events.Lock()
	defer s.events.Unlock()
	s.dispatch(ctx, ev)
}

func (s *Session) dispatch(ctx context.Context, ev model.UserEvent) {
	switch ev.Type {
	case model.EventCallIncoming:
		s.onIncoming(ctx, ev)
	case model.EventCallSignal:
		if ev.Signal != nil {
			s.onSignal(ctx, ev)
		}
	case model.EventCallAccepted:
		if ev.Call != nil {
			s.onAccepted(ev)
		}
	case model.EventCallRejected, model.EventCallEnded:
		if ev.Call != nil {
			s.onEnded(ev)
		}
	}
}

func (s *Session) onIncoming(ctx context.Context, ev model.UserEvent) {
	if ev.Call == nil {
		return
	}
	s.mu.Lock()
	if s.call != nil && s.call.ID == ev.Call.ID {
		s.mu.Unlock()
		return
	}
	if s.busyLocked() {
		s.mu.Unlock()
		s.logger.Info("rejecting call while busy", zap.String("call_id", ev.Call.ID))
		if err := s.signaler.Reject(ctx, ev.Call.ID); err != nil {
			s.logger.Warn("failed to reject call while busy", zap.String("call_id", ev.Call.ID), zap.Error(err))
		}
		return
	}
	s.resetLocked()
	call := *ev.Call
	s.call = &call
	s.role = model.RoleCallee
	if ev.Signal != nil && ev.Signal.Kind == model.SignalOffer {
		s.remoteOffer = ev.Signal.Payload
	}
	s.moveLocked(model.CallStatusRinging)
	s.mu.Unlock()
	s.notify(model.CallStatusRinging)
}

func (s *Session) onSignal(ctx context.Context, ev model.UserEvent) {
	sig := ev.Signal
	s.mu.Lock()
	if s.awaitingCallLocked() {
		s.early = append(s.early, ev)
		s.mu.Unlock()
		return
	}
	if s.call == nil || sig.CallID != s.call.ID || sig.From == s.role || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	pc, gen := s.peer, s.generation

	switch sig.Kind {
	case model.SignalOffer:
		if s.role == model.RoleCallee && pc == nil && s.remoteOffer == "" {
			s.remoteOffer = sig.Payload
		}
		s.mu.Unlock()

	case model.SignalAnswer:
		if s.role != model.RoleCaller || pc == nil || s.remoteDescSet {
			s.mu.Unlock()
			return
		}
		s.remoteDescSet = true
		pending := s.pendingRemote
		s.pendingRemote = nil
		callID := s.call.ID
		s.mu.Unlock()

		if err := pc.SetAnswer(sig.Payload); err != nil {
			s.logger.Warn("failed to apply answer", zap.String("call_id", callID), zap.Error(err))
			s.abort(ctx, gen, callID)
			return
		}
		s.addRemoteCandidates(pc, pending)

	case model.SignalICECandidate:
		if pc == nil || !s.remoteDescSet {
			s.pendingRemote = append(s.pendingRemote, sig.Payload)
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()
		s.addRemoteCandidates(pc, []string{sig.Payload})

	default:
		s.mu.Unlock()
	}
}

func (s *Session) onAccepted(ev model.UserEvent) {
	s.mu.Lock()
	if s.awaitingCallLocked() {
		s.early = append(s.early, ev)
		s.mu.Unlock()
		return
	}
	if s.call == nil || ev.Call.ID != s.call.ID || s.state != model.CallStatusRinging {
		s.mu.Unlock()
		return
	}
	s.moveLocked(model.CallStatusAccepted)
	s.activateLocked()
	st := s.state
	s.mu.Unlock()
	s.notify(st)
}

func (s *Session) onEnded(ev model.UserEvent) {
	s.mu.Lock()
	if s.awaitingCallLocked() {
		s.early = append(s.early, ev)
		s.mu.Unlock()
		return
	}
	if s.call == nil || ev.Call.ID != s.call.ID {
		s.mu.Unlock()
		return
	}
	gen := s.generation
	s.mu.Unlock()

	reason := ev.Call.EndReason
	if ev.Call.Status == model.CallStatusRejected {
		reason = model.EndReasonRejected
	}
	s.teardown(gen, reason)
}

func (s *Session) onLocalCandidate(gen uint64, candidate string) {
	s.mu.Lock()
	if gen != s.generation || s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	if s.call == nil {
		s.pendingLocal = append(s.pendingLocal, candidate)
		s.mu.Unlock()
		return
	}
	callID := s.call.ID
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.SignalTimeout)
	defer cancel()
	s.forwardCandidate(ctx, callID, candidate)
}

func (s *Session) onConnectionState(gen uint64, state ConnectionState) {
	s.mu.Lock()
	if gen != s.generation || s.state.Terminal() || s.state == model.CallStatusIdle {
		s.mu.Unlock()
		return
	}

	if state == ConnectionConnected {
		s.connected = true
		changed := s.activateLocked()
		st := s.state
		s.mu.Unlock()
		if changed {
			s.notify(st)
		}
		return
	}
	if !state.Lost() {
		s.mu.Unlock()
		return
	}

	var callID string
	if s.call != nil {
		callID = s.call.ID
	}
	s.mu.Unlock()

	s.logger.Info("peer connection lost", zap.String("call_id", callID), zap.String("state", string(state)))
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.SignalTimeout)
	defer cancel()
	s.abort(ctx, gen, callID)
}

func (s *Session) onRemoteTrack(gen uint64, track RemoteTrack) {
	s.mu.Lock()
	current := gen == s.generation && !s.state.Terminal()
	s.mu.Unlock()
	if current && s.sink != nil {
		s.sink.Attach(track)
	}
}

// abort ends the call locally with reason failed and tells the coordinator
// on a best-effort basis.
func (s *Session) abort(ctx context.Context, gen uint64, callID string) {
	if !s.teardown(gen, model.EndReasonFailed) || callID == "" {
		return
	}
	if err := s.signaler.End(ctx, callID, model.EndReasonFailed); err != nil {
		s.logger.Warn("failed to report call failure", zap.String("call_id", callID), zap.Error(err))
	}
}

// teardown moves the session to its terminal status, closes the peer
// connection and stops local tracks before returning. It reports whether
// this call performed the transition.
func (s *Session) teardown(gen uint64, reason model.EndReason) bool {
	s.mu.Lock()
	if gen != s.generation || !s.busyLocked() {
		s.mu.Unlock()
		return false
	}
	pc, tracks := s.peer, s.tracks
	s.peer, s.tracks = nil, nil
	s.pendingRemote, s.pendingLocal, s.early = nil, nil, nil
	if reason == model.EndReasonRejected {
		s.moveLocked(model.CallStatusRejected)
	} else {
		s.moveLocked(model.CallStatusEnded)
	}
	s.endReason = reason
	if !s.activeAt.IsZero() {
		s.endedAt = s.opts.Now()
	}
	st := s.state
	s.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			s.logger.Debug("peer connection close failed", zap.Error(err))
		}
	}
	stopTracks(tracks)
	s.notify(st)
	return true
}

func (s *Session) attachLocked(tracks []MediaTrack) (PeerConnection, error) {
	pc, err := s.newPeer(tracks)
	if err != nil {
		return nil, err
	}
	gen := s.generation
	pc.OnICECandidate(func(candidate string) { s.onLocalCandidate(gen, candidate) })
	pc.OnConnectionStateChange(func(state ConnectionState) { s.onConnectionState(gen, state) })
	pc.OnTrack(func(track RemoteTrack) { s.onRemoteTrack(gen, track) })

	s.peer = pc
	s.tracks = tracks
	setEnabled(tracks, TrackAudio, !s.muted)
	setEnabled(tracks, TrackVideo, !s.cameraOff)
	return pc, nil
}

func (s *Session) addRemoteCandidates(pc PeerConnection, candidates []string) {
	for _, candidate := range candidates {
		if err := pc.AddICECandidate(candidate); err != nil {
			s.logger.Debug("rejected remote candidate", zap.Error(err))
		}
	}
}

func (s *Session) forwardCandidate(ctx context.Context, callID, candidate string) {
	if err := s.signaler.SendSignal(ctx, callID, model.SignalICECandidate, candidate); err != nil {
		s.logger.Warn("failed to forward candidate", zap.String("call_id", callID), zap.Error(err))
	}
}

// activateLocked moves an accepted call to active once media is connected.
func (s *Session) activateLocked() bool {
	if s.state != model.CallStatusAccepted || !s.connected {
		return false
	}
	s.moveLocked(model.CallStatusActive)
	s.activeAt = s.opts.Now()
	return true
}

func (s *Session) moveLocked(st model.CallStatus) {
	s.state = st
}

func (s *Session) busyLocked() bool {
	return s.state != model.CallStatusIdle && !s.state.Terminal()
}

// awaitingCallLocked reports whether a dialed call has not been confirmed by
// the coordinator yet.
func (s *Session) awaitingCallLocked() bool {
	return s.role == model.RoleCaller && s.call == nil && s.state == model.CallStatusRinging
}

// resetLocked starts a new generation. Callbacks bound to earlier peer
// connections are ignored from here on.
func (s *Session) resetLocked() {
	s.generation++
	s.state = model.CallStatusIdle
	s.role = ""
	s.call = nil
	s.peer = nil
	s.tracks = nil
	s.muted = false
	s.cameraOff = false
	s.connected = false
	s.remoteOffer = ""
	s.remoteDescSet = false
	s.pendingRemote = nil
	s.pendingLocal = nil
	s.early = nil
	s.activeAt = time.Time{}
	s.endedAt = time.Time{}
	s.endReason = ""
}

func (s *Session) notify(st model.CallStatus) {
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(st)
	}
}

func setEnabled(tracks []MediaTrack, kind TrackKind, enabled bool) {
	for _, t := range tracks {
		if t.Kind() == kind {
			t.SetEnabled(enabled)
		}
	}
}

func stopTracks(tracks []MediaTrack) {
	for _, t := range tracks {
		t.Stop()
	}
}
