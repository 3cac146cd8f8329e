package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/apperr"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/eventbus"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/middleware"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/model"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/notify"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/service"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/logger"
)

func inbox(t *testing.T, h *harness, userID string) *eventLog[model.UserEvent] {
	t.Helper()
	log := &eventLog[model.UserEvent]{}
	sub, err := h.bus.SubscribeUser(context.Background(), userID, log.add)
	require.NoError(t, err)
	t.Cleanup(func() { sub.Close() })
	require.NoError(t, h.presence.Register(context.Background(), userID, "ep-"+userID))
	return log
}

func (h *harness) callCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&model.Call{}).Count(&n).Error)
	return n
}

func waitFor[T any](t *testing.T, log *eventLog[T], n int) []T {
	t.Helper()
	require.Eventually(t, func() bool { return log.count() >= n }, time.Second, 5*time.Millisecond)
	return log.snapshot()
}

func TestCall_FullLifecycle(t *testing.T) {
	h := newHarness(t, true)
	conv := h.conversation(t, nil, "alice", "bob")
	aliceInbox := inbox(t, h, "alice")
	bobInbox := inbox(t, h, "bob")

	call, err := h.callSvc.Start(as("alice"), &model.StartCallRequest{
		ConversationID: conv.ID,
		CalleeID:       "bob",
		Media:          model.MediaVideo,
		Offer:          "sdp-offer",
	})
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusRinging, call.Status)

	incoming := waitFor(t, bobInbox, 1)[0]
	assert.Equal(t, model.EventCallIncoming, incoming.Type)
	require.NotNil(t, incoming.Signal)
	assert.Equal(t, model.RoleCaller, incoming.Signal.From)
	assert.Equal(t, "sdp-offer", incoming.Signal.Payload)

	require.NoError(t, h.callSvc.SendSignal(as("bob"), call.ID, model.SignalAnswer, "sdp-answer"))
	answer := waitFor(t, aliceInbox, 1)[0]
	assert.Equal(t, model.EventCallSignal, answer.Type)
	assert.Equal(t, model.RoleCallee, answer.Signal.From)
	assert.Equal(t, model.SignalAnswer, answer.Signal.Kind)
	assert.Equal(t, "sdp-answer", answer.Signal.Payload)

	h.clock.Advance(2 * time.Second)
	accepted, err := h.callSvc.Accept(as("bob"), call.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusActive, accepted.Status)
	require.NotNil(t, accepted.AcceptedAt)

	require.NoError(t, h.callSvc.SendSignal(as("alice"), call.ID, model.SignalICECandidate, "cand-1"))
	require.NoError(t, h.callSvc.SendSignal(as("bob"), call.ID, model.SignalICECandidate, "cand-2"))

	ended, err := h.callSvc.End(as("alice"), call.ID, model.EndReasonHangup)
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusEnded, ended.Status)
	assert.Equal(t, model.EndReasonHangup, ended.EndReason)
	require.NotNil(t, ended.EndedAt)

	_, err = h.callSvc.Accept(as("bob"), call.ID)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	err = h.callSvc.SendSignal(as("bob"), call.ID, model.SignalICECandidate, "late")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	// alice: answer, accepted, ice from bob, ended.
	types := func(events []model.UserEvent) []model.EventType {
		out := make([]model.EventType, len(events))
		for i, e := range events {
			out[i] = e.Type
		}
		return out
	}
	assert.Equal(t,
		[]model.EventType{model.EventCallSignal, model.EventCallAccepted, model.EventCallSignal, model.EventCallEnded},
		types(waitFor(t, aliceInbox, 4)))
	assert.Equal(t,
		[]model.EventType{model.EventCallIncoming, model.EventCallAccepted, model.EventCallSignal, model.EventCallEnded},
		types(waitFor(t, bobInbox, 4)))
}

func TestCall_StartFailsFastWhenCalleeOffline(t *testing.T) {
	h := newHarness(t, true)
	conv := h.conversation(t, nil, "alice", "bob")

	_, err := h.callSvc.Start(as("alice"), &model.StartCallRequest{ConversationID: conv.ID, CalleeID: "bob"})
	assert.ErrorIs(t, err, apperr.ErrSignalingUnavailable)
	assert.Zero(t, h.callCount(t))
}

func TestCall_StartValidation(t *testing.T) {
	h := newHarness(t, true)
	conv := h.conversation(t, nil, "alice", "bob")
	inbox(t, h, "bob")
	inbox(t, h, "carol")

	_, err := h.callSvc.Start(as("alice"), &model.StartCallRequest{ConversationID: conv.ID, CalleeID: "alice"})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	_, err = h.callSvc.Start(as("alice"), &model.StartCallRequest{ConversationID: conv.ID, CalleeID: "carol"})
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	_, err = h.callSvc.Start(as("alice"), &model.StartCallRequest{ConversationID: "nope", CalleeID: "bob"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = h.callSvc.Start(as("alice"), &model.StartCallRequest{ConversationID: conv.ID, CalleeID: "bob", Media: "hologram"})
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	call, err := h.callSvc.Start(as("alice"), &model.StartCallRequest{ConversationID: conv.ID, CalleeID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, model.MediaAudio, call.Media)
}

type brokenRelay struct{ eventbus.Relay }

func (brokenRelay) PublishUser(context.Context, string, *model.UserEvent) error {
	return errors.New("relay down")
}

func TestCall_RelayFailureLeavesNoRecord(t *testing.T) {
	h := newHarness(t, true)
	conv := h.conversation(t, nil, "alice", "bob")
	require.NoError(t, h.presence.Register(context.Background(), "bob", "ep"))

	calls := service.NewCallService(h.calls, h.participants, h.presence, brokenRelay{}, h.notifier,
		middleware.Authenticator{}, service.CallOptions{Retry: noRetry, Now: h.clock.Now}, logger.NewNop())

	_, err := calls.Start(as("alice"), &model.StartCallRequest{ConversationID: conv.ID, CalleeID: "bob"})
	require.ErrorIs(t, err, apperr.ErrSignalingUnavailable)

	var stored []model.Call
	require.NoError(t, h.db.Find(&stored).Error)
	assert.Empty(t, stored)

	// The caller can retry straight away.
	call, err := h.callSvc.Start(as("alice"), &model.StartCallRequest{ConversationID: conv.ID, CalleeID: "bob"})
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusRinging, call.Status)
}

func TestCall_SignalRoles(t *testing.T) {
	h := newHarness(t, true)
	conv := h.conversation(t, nil, "alice", "bob")
	inbox(t, h, "alice")
	inbox(t, h, "bob")

	call, err := h.callSvc.Start(as("alice"), &model.StartCallRequest{ConversationID: conv.ID, CalleeID: "bob"})
	require.NoError(t, err)

	err = h.callSvc.SendSignal(as("bob"), call.ID, model.SignalOffer, "x")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	err = h.callSvc.SendSignal(as("alice"), call.ID, model.SignalAnswer, "x")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	err = h.callSvc.SendSignal(as("mallory"), call.ID, model.SignalICECandidate, "x")
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	err = h.callSvc.SendSignal(as("alice"), call.ID, "bogus", "x")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	err = h.callSvc.SendSignal(as("alice"), call.ID, model.SignalICECandidate, "")
	assert.ErrorIs(t, err, apperr.ErrInvalidArgument)

	require.NoError(t, h.callSvc.SendSignal(as("alice"), call.ID, model.SignalOffer, "offer-1"))
	err = h.callSvc.SendSignal(as("alice"), call.ID, model.SignalOffer, "offer-2")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	require.NoError(t, h.callSvc.SendSignal(as("bob"), call.ID, model.SignalAnswer, "answer-1"))
	err = h.callSvc.SendSignal(as("bob"), call.ID, model.SignalAnswer, "answer-2")
	assert.ErrorIs(t, err, apperr.ErrConflict)

	require.NoError(t, h.callSvc.SendSignal(as("bob"), call.ID, model.SignalICECandidate, "cand"))

	stored, err := h.calls.Get(context.Background(), call.ID)
	require.NoError(t, err)
	assert.Equal(t, "offer-1", stored.Offer)
	assert.Equal(t, "answer-1", stored.Answer)
}

func TestCall_Reject(t *testing.T) {
	h := newHarness(t, true)
	conv := h.conversation(t, nil, "alice", "bob")
	aliceInbox := inbox(t, h, "alice")
	inbox(t, h, "bob")

	call, err := h.callSvc.Start(as("alice"), &model.StartCallRequest{ConversationID: conv.ID, CalleeID: "bob"})
	require.NoError(t, err)

	_, err = h.callSvc.Reject(as("alice"), call.ID)
	assert.ErrorIs(t, err, apperr.ErrUnauthorized)

	rejected, err := h.callSvc.Reject(as("bob"), call.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusRejected, rejected.Status)
	assert.Equal(t, model.EndReasonRejected, rejected.EndReason)

	_, err = h.callSvc.End(as("alice"), call.ID, model.EndReasonHangup)
	assert.ErrorIs(t, err, apperr.ErrConflict)

	events := waitFor(t, aliceInbox, 1)
	assert.Equal(t, model.EventCallRejected, events[0].Type)
}

func TestCall_EndReasons(t *testing.T) {
	h := newHarness(t, true)
	conv := h.conversation(t, nil, "alice", "bob")
	inbox(t, h, "alice")
	inbox(t, h, "bob")

	t.Run("caller cancels while ringing", func(t *testing.T) {
		call, err := h.callSvc.Start(as("alice"), &model.StartCallRequest{ConversationID: conv.ID, CalleeID: "bob"})
		require.NoError(t, err)
		ended, err := h.callSvc.End(as("alice"), call.ID, "")
		require.NoError(t, err)
		assert.Equal(t, model.EndReasonHangup, ended.EndReason)
	})

	t.Run("media failure while active", func(t *testing.T) {
		call, err := h.callSvc.Start(as("alice"), &model.StartCallRequest{ConversationID: conv.ID, CalleeID: "bob"})
		require.NoError(t, err)
		_, err = h.callSvc.Accept(as("bob"), call.ID)
		require.NoError(t, err)
		ended, err := h.callSvc.End(as("bob"), call.ID, model.EndReasonFailed)
		require.NoError(t, err)
		assert.Equal(t, model.CallStatusEnded, ended.Status)
		assert.Equal(t, model.EndReasonFailed, ended.EndReason)
	})

	t.Run("unsupported reason", func(t *testing.T) {
		call, err := h.callSvc.Start(as("alice"), &model.StartCallRequest{ConversationID: conv.ID, CalleeID: "bob"})
		require.NoError(t, err)
		_, err = h.callSvc.End(as("alice"), call.ID, model.EndReasonMissed)
		assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
	})

	t.Run("third party", func(t *testing.T) {
		call, err := h.callSvc.Start(as("alice"), &model.StartCallRequest{ConversationID: conv.ID, CalleeID: "bob"})
		require.NoError(t, err)
		_, err = h.callSvc.End(as("mallory"), call.ID, model.EndReasonHangup)
		assert.ErrorIs(t, err, apperr.ErrUnauthorized)
		_, err = h.callSvc.Get(as("mallory"), call.ID)
		assert.ErrorIs(t, err, apperr.ErrUnauthorized)
	})
}

func TestCall_ExpireRinging(t *testing.T) {
	h := newHarness(t, true)
	conv := h.conversation(t, nil, "alice", "bob")
	inbox(t, h, "alice")
	inbox(t, h, "bob")

	stale, err := h.callSvc.Start(as("alice"), &model.StartCallRequest{ConversationID: conv.ID, CalleeID: "bob"})
	require.NoError(t, err)
	h.clock.Advance(20 * time.Second)
	fresh, err := h.callSvc.Start(as("alice"), &model.StartCallRequest{ConversationID: conv.ID, CalleeID: "bob"})
	require.NoError(t, err)
	h.clock.Advance(15 * time.Second)

	n, err := h.callSvc.ExpireRinging(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := h.callSvc.Get(as("bob"), stale.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusEnded, got.Status)
	assert.Equal(t, model.EndReasonMissed, got.EndReason)

	got, err = h.callSvc.Get(as("bob"), fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusRinging, got.Status)

	assert.Contains(t, h.notifier.kinds(), notify.KindMissedCall)
}
