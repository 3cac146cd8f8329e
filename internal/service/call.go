package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/apperr"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/eventbus"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/model"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/notify"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/presence"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/store"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/logger"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/metrics"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/tracing"
)

// CallOptions configures the call coordinator.
type CallOptions struct {
	RingTimeout time.Duration
	Retry       RetryPolicy
	Now         func() time.Time
}

// CallService owns call records and relays signaling between the two peers.
// Payloads are opaque: they are tagged with the author's role and forwarded
// unmodified.
type CallService struct {
	calls        *store.CallRepository
	participants *store.ParticipantStore
	presence     presence.Registry
	relay        eventbus.Relay
	notifier     notify.Notifier
	auth         Authenticator
	opts         CallOptions
	logger       *logger.Logger
	tracer       trace.Tracer
}

// NewCallService creates a new call service.
func NewCallService(
	calls *store.CallRepository,
	participants *store.ParticipantStore,
	registry presence.Registry,
	relay eventbus.Relay,
	notifier notify.Notifier,
	auth Authenticator,
	opts CallOptions,
	log *logger.Logger,
) *CallService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 45 * time.Second
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &CallService{
		calls:        calls,
		participants: participants,
		presence:     registry,
		relay:        relay,
		notifier:     notifier,
		auth:         auth,
		opts:         opts,
		logger:       log.Named("calls"),
		tracer:       tracing.Tracer("service.calls"),
	}
}

// Start rings calleeID on behalf of the current user. The callee must hold a
// live relay endpoint; otherwise no record is created.
func (s *CallService) Start(ctx context.Context, req *model.StartCallRequest) (*model.Call, error) {
	ctx, span := s.tracer.Start(ctx, "CallService.Start",
		trace.WithAttributes(attribute.String("conversation.id", req.ConversationID)))
	defer span.End()

	callerID, err := s.auth.CurrentUserID(ctx)
	if err != nil {
		return nil, err
	}
	if req.CalleeID == "" || req.CalleeID == callerID {
		return nil, apperr.New(apperr.KindInvalidArgument, "callee must be another user")
	}
	media := req.Media
	if media == "" {
		media = model.MediaAudio
	}
	if media != model.MediaAudio && media != model.MediaVideo {
		return nil, apperr.New(apperr.KindInvalidArgument, "unknown media kind")
	}

	members, err := s.participants.List(ctx, req.ConversationID)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, apperr.New(apperr.KindNotFound, "conversation not found")
	}
	if !contains(members, callerID) || !contains(members, req.CalleeID) {
		return nil, apperr.New(apperr.KindUnauthorized, "both parties must belong to the conversation")
	}

	online, err := s.presence.Online(ctx, req.CalleeID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSignalingUnavailable, "presence lookup failed", err)
	}
	if !online {
		return nil, apperr.ErrSignalingUnavailable
	}

	status, err := model.CallStatusIdle.Transition(model.CallEventInitiate)
	if err != nil {
		return nil, err
	}
	call := &model.Call{
		ID:             uuid.Must(uuid.NewV7()).String(),
		ConversationID: req.ConversationID,
		CallerID:       callerID,
		CalleeID:       req.CalleeID,
		Media:          media,
		Status:         status,
		Offer:          req.Offer,
		CreatedAt:      s.opts.Now().UTC(),
	}
	if err := s.opts.Retry.retry(ctx, func() error { return s.calls.Create(ctx, call) }); err != nil {
		return nil, err
	}

	event := &model.UserEvent{Type: model.EventCallIncoming, Call: call, SentAt: call.CreatedAt}
	if call.Offer != "" {
		event.Signal = &model.Signal{
			CallID:  call.ID,
			From:    model.RoleCaller,
			Kind:    model.SignalOffer,
			Payload: call.Offer,
			SentAt:  call.CreatedAt,
		}
	}
	if err := s.relay.PublishUser(ctx, call.CalleeID, event); err != nil {
		s.abandon(ctx, call)
		return nil, apperr.Wrap(apperr.KindSignalingUnavailable, "failed to reach callee", err)
	}

	metrics.CallsTotal.WithLabelValues(string(call.Status), string(call.Media)).Inc()
	s.notifier.Notify(ctx, notify.Notification{
		Kind:           notify.KindIncomingCall,
		RecipientID:    call.CalleeID,
		SenderID:       call.CallerID,
		ConversationID: call.ConversationID,
		CallID:         call.ID,
		CreatedAt:      call.CreatedAt,
	})
	s.logger.ForCall(callRef(call)).Info("call started", zap.String("media", string(call.Media)))
	return call, nil
}

// abandon removes a call whose invitation could not be relayed, so a failed
// start leaves nothing behind. If the row cannot be removed it is ended as
// failed instead.
func (s *CallService) abandon(ctx context.Context, call *model.Call) {
	ctx = context.WithoutCancel(ctx)
	err := s.calls.Delete(ctx, call.ID)
	if err == nil {
		return
	}
	s.logger.Warn("failed to discard undelivered call", zap.String("call_id", call.ID), zap.Error(err))
	_, err = s.calls.Transition(ctx, call.ID,
		model.SourcesFor(model.CallEventEnd), model.CallStatusEnded,
		map[string]any{"end_reason": model.EndReasonFailed, "ended_at": s.opts.Now().UTC()})
	if err != nil {
		s.logger.Error("failed to abandon call", zap.String("call_id", call.ID), zap.Error(err))
	}
}

// Accept moves a ringing call through accepted to active. Only the callee may accept.
func (s *CallService) Accept(ctx context.Context, callID string) (*model.Call, error) {
	ctx, span := s.tracer.Start(ctx, "CallService.Accept")
	defer span.End()

	call, userID, err := s.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.RoleOf(userID) != model.RoleCallee {
		return nil, apperr.New(apperr.KindUnauthorized, "only the callee may accept")
	}

	now := s.opts.Now().UTC()
	if err := s.transition(ctx, call, model.CallEventAccept, map[string]any{"accepted_at": now}); err != nil {
		return nil, err
	}
	if err := s.transition(ctx, call, model.CallEventActivate, nil); err != nil {
		return nil, err
	}

	s.broadcast(ctx, call, model.EventCallAccepted)
	return call, nil
}

// Reject declines a ringing call. Only the callee may reject.
func (s *CallService) Reject(ctx context.Context, callID string) (*model.Call, error) {
	ctx, span := s.tracer.Start(ctx, "CallService.Reject")
	defer span.End()

	call, userID, err := s.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.RoleOf(userID) != model.RoleCallee {
		return nil, apperr.New(apperr.KindUnauthorized, "only the callee may reject")
	}

	now := s.opts.Now().UTC()
	err = s.transition(ctx, call, model.CallEventReject, map[string]any{
		"end_reason": model.EndReasonRejected,
		"ended_at":   now,
	})
	if err != nil {
		return nil, err
	}

	s.broadcast(ctx, call, model.EventCallRejected)
	return call, nil
}

// End terminates a call from either side. reason is hangup unless the
// session reports a media failure.
func (s *CallService) End(ctx context.Context, callID string, reason model.EndReason) (*model.Call, error) {
	ctx, span := s.tracer.Start(ctx, "CallService.End")
	defer span.End()

	call, userID, err := s.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.RoleOf(userID) == "" {
		return nil, apperr.New(apperr.KindUnauthorized, "not a party to this call")
	}

	event := model.CallEventEnd
	switch reason {
	case "", model.EndReasonHangup:
		reason = model.EndReasonHangup
	case model.EndReasonFailed:
		if call.Status != model.CallStatusRinging {
			event = model.CallEventFail
		}
	default:
		return nil, apperr.New(apperr.KindInvalidArgument, "unsupported end reason")
	}

	now := s.opts.Now().UTC()
	err = s.transition(ctx, call, event, map[string]any{"end_reason": reason, "ended_at": now})
	if err != nil {
		return nil, err
	}

	s.broadcast(ctx, call, model.EventCallEnded)
	return call, nil
}

// SendSignal relays an offer, answer or ICE candidate to the other peer. The
// offer is the caller's and the answer the callee's, each written once.
func (s *CallService) SendSignal(ctx context.Context, callID string, kind model.SignalKind, payload string) error {
	ctx, span := s.tracer.Start(ctx, "CallService.SendSignal",
		trace.WithAttributes(attribute.String("call.id", callID), attribute.String("signal.kind", string(kind))))
	defer span.End()

	if !kind.Valid() {
		return apperr.New(apperr.KindInvalidArgument, "unknown signal kind")
	}
	if payload == "" {
		return apperr.New(apperr.KindInvalidArgument, "signal payload is required")
	}

	call, userID, err := s.load(ctx, callID)
	if err != nil {
		return err
	}
	role := call.RoleOf(userID)
	if role == "" {
		return apperr.New(apperr.KindUnauthorized, "not a party to this call")
	}
	if call.Status.Terminal() {
		return apperr.New(apperr.KindConflict, "call is over").WithDetail("status", call.Status)
	}

	switch kind {
	case model.SignalOffer:
		if role != model.RoleCaller {
			return apperr.New(apperr.KindUnauthorized, "only the caller may send an offer")
		}
		ok, err := s.calls.SetOffer(ctx, call.ID, payload)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.New(apperr.KindConflict, "offer already sent")
		}
	case model.SignalAnswer:
		if role != model.RoleCallee {
			return apperr.New(apperr.KindUnauthorized, "only the callee may send an answer")
		}
		ok, err := s.calls.SetAnswer(ctx, call.ID, payload)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.New(apperr.KindConflict, "answer already sent")
		}
	}

	signal := &model.Signal{
		CallID:  call.ID,
		From:    role,
		Kind:    kind,
		Payload: payload,
		SentAt:  s.opts.Now().UTC(),
	}
	err = s.relay.PublishUser(ctx, call.PeerOf(userID), &model.UserEvent{
		Type:   model.EventCallSignal,
		Signal: signal,
		SentAt: signal.SentAt,
	})
	if err != nil {
		return apperr.Wrap(apperr.KindSignalingUnavailable, "failed to relay signal", err)
	}

	metrics.SignalsRelayed.WithLabelValues(string(kind), string(role)).Inc()
	return nil
}

// Get returns a call the current user is a party to.
func (s *CallService) Get(ctx context.Context, callID string) (*model.Call, error) {
	call, userID, err := s.load(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.RoleOf(userID) == "" {
		return nil, apperr.New(apperr.KindUnauthorized, "not a party to this call")
	}
	return call, nil
}

// ExpireRinging ends calls that rang past the ring timeout as missed.
func (s *CallService) ExpireRinging(ctx context.Context) (int, error) {
	now := s.opts.Now().UTC()
	calls, err := s.calls.ListRingingBefore(ctx, now.Add(-s.opts.RingTimeout), 100)
	if err != nil {
		return 0, err
	}

	expired := 0
	for i := range calls {
		call := &calls[i]
		err := s.transition(ctx, call, model.CallEventExpire, map[string]any{
			"end_reason": model.EndReasonMissed,
			"ended_at":   now,
		})
		if errors.Is(err, apperr.ErrConflict) {
			continue
		}
		if err != nil {
			return expired, err
		}
		expired++
		s.broadcast(ctx, call, model.EventCallEnded)
		s.notifier.Notify(ctx, notify.Notification{
			Kind:           notify.KindMissedCall,
			RecipientID:    call.CalleeID,
			SenderID:       call.CallerID,
			ConversationID: call.ConversationID,
			CallID:         call.ID,
			CreatedAt:      now,
		})
	}
	return expired, nil
}

// RunExpiry sweeps ringing calls every interval until ctx ends.
func (s *CallService) RunExpiry(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.ExpireRinging(ctx); err != nil {
				s.logger.Warn("ringing expiry failed", zap.Error(err))
			} else if n > 0 {
				s.logger.Info("expired unanswered calls", zap.Int("count", n))
			}
		}
	}
}

func (s *CallService) load(ctx context.Context, callID string) (*model.Call, string, error) {
	userID, err := s.auth.CurrentUserID(ctx)
	if err != nil {
		return nil, "", err
	}
	call, err := s.calls.Get(ctx, callID)
	if err != nil {
		return nil, "", err
	}
	return call, userID, nil
}

// transition applies event to call. The write is conditional on the status
// still being one the event accepts, so a concurrent transition wins cleanly
// and this one reports a conflict. call is reloaded on success.
func (s *CallService) transition(ctx context.Context, call *model.Call, event model.CallEvent, fields map[string]any) error {
	next, err := call.Status.Transition(event)
	if err != nil {
		return apperr.Wrap(apperr.KindConflict, "invalid call transition", err).
			WithDetail("status", call.Status)
	}

	var ok bool
	err = s.opts.Retry.retry(ctx, func() error {
		var err error
		ok, err = s.calls.Transition(ctx, call.ID, model.SourcesFor(event), next, fields)
		return err
	})
	if err != nil {
		return err
	}

	fresh, err := s.calls.Get(ctx, call.ID)
	if err != nil {
		return err
	}
	*call = *fresh
	if !ok {
		return apperr.New(apperr.KindConflict, "call changed concurrently").WithDetail("status", call.Status)
	}

	metrics.CallsTotal.WithLabelValues(string(call.Status), string(call.Media)).Inc()
	s.logger.ForCall(callRef(call)).Debug("call transition",
		zap.String("event", string(event)),
		zap.String("status", string(call.Status)),
	)
	return nil
}

// broadcast tells both parties about a lifecycle change so every endpoint of
// either user converges. Relay failures are logged; the record is authoritative.
func (s *CallService) broadcast(ctx context.Context, call *model.Call, typ model.EventType) {
	event := &model.UserEvent{Type: typ, Call: call, SentAt: s.opts.Now().UTC()}
	for _, userID := range []string{call.CallerID, call.CalleeID} {
		if err := s.relay.PublishUser(ctx, userID, event); err != nil {
			s.logger.Warn("failed to relay call event",
				zap.String("call_id", call.ID),
				zap.String("user_id", userID),
				zap.String("type", string(typ)),
				zap.Error(err),
			)
		}
	}
}

func callRef(c *model.Call) logger.CallRef {
	return logger.CallRef{ID: c.ID, CallerID: c.CallerID, CalleeID: c.CalleeID}
}
