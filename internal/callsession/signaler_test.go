package callsession

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/apperr"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/eventbus"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/handler"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/middleware"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/model"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/notify"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/presence"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/service"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/store"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/store/storetest"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/logger"
)

const testSecret = "callsession-secret"

type coordinator struct {
	server   *httptest.Server
	presence *presence.Memory
	resolver *service.ConversationService
	calls    *service.CallService
}

func newCoordinator(t *testing.T) *coordinator {
	t.Helper()
	db := storetest.Open(t)
	log := logger.NewNop()
	auth := middleware.Authenticator{}
	bus := eventbus.NewLocal()
	reg := presence.NewMemory(time.Minute)

	conversations := store.NewConversationRepository(db)
	participants := store.NewParticipantStore(db)
	messages := store.NewMessageRepository(db)

	resolver := service.NewConversationService(conversations, participants, messages,
		store.NewListingRepository(db), auth, service.ConversationOptions{Atomic: true}, log)
	msgs := service.NewMessageService(conversations, participants, messages, resolver,
		bus, notify.Nop{}, auth, service.MessageOptions{}, log)
	calls := service.NewCallService(store.NewCallRepository(db), participants, reg, bus,
		notify.Nop{}, auth, service.CallOptions{}, log)

	router := handler.NewRouter(handler.RouterConfig{
		JWTSecret:         testSecret,
		RateLimitRequests: 1000,
		RateLimitWindow:   time.Minute,
		Health:            handler.NewHealthHandler(nil, log),
		Conversations:     handler.NewConversationHandler(resolver, log),
		Messages:          handler.NewMessageHandler(msgs, log),
		Stream:            handler.NewStreamHandler(msgs, time.Hour, log),
		Calls:             handler.NewCallHandler(calls, log),
		WS:                handler.NewWSHandler(calls, bus, reg, handler.WSOptions{}, log),
	}, log)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	return &coordinator{server: server, presence: reg, resolver: resolver, calls: calls}
}

type endpoint struct {
	session  *Session
	signaler *WSSignaler
	mu       sync.Mutex
	peers    []*fakePeer
	refused  []model.CommandError
}

func (c *coordinator) connect(t *testing.T, ctx context.Context, userID string) *endpoint {
	t.Helper()
	tok, err := middleware.IssueToken(testSecret, userID)
	require.NoError(t, err)

	sig, err := DialWS(ctx, WSConfig{BaseURL: c.server.URL, Token: tok, DialTimeout: 2 * time.Second}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { sig.Close() })

	e := &endpoint{signaler: sig}
	sig.OnCommandError = func(ce model.CommandError) {
		e.mu.Lock()
		e.refused = append(e.refused, ce)
		e.mu.Unlock()
	}
	factory := func([]MediaTrack) (PeerConnection, error) {
		p := &fakePeer{}
		e.mu.Lock()
		e.peers = append(e.peers, p)
		e.mu.Unlock()
		return p, nil
	}
	e.session = New(userID, sig, factory, nil, Options{}, logger.NewNop())

	go sig.Run(ctx, func(ev model.UserEvent) { e.session.HandleEvent(ctx, ev) }) //nolint:errcheck

	require.Eventually(t, func() bool {
		online, _ := c.presence.Online(context.Background(), userID)
		return online
	}, 2*time.Second, 5*time.Millisecond)
	return e
}

func (e *endpoint) peer() *fakePeer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peers[len(e.peers)-1]
}

func (e *endpoint) waitFor(t *testing.T, status model.CallStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return e.session.State() == status },
		2*time.Second, 5*time.Millisecond, "waiting for %s", status)
}

func TestWSSignaler_CallThroughCoordinator(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newCoordinator(t)
	alice := c.connect(t, ctx, "alice")
	bob := c.connect(t, ctx, "bob")

	conv, err := c.resolver.FindOrCreate(middleware.WithUserID(ctx, "alice"), nil, "bob")
	require.NoError(t, err)

	call, err := alice.session.Dial(ctx, conv.ID, "bob", model.MediaAudio, nil)
	require.NoError(t, err)
	assert.Equal(t, model.CallStatusRinging, call.Status)

	bob.waitFor(t, model.CallStatusRinging)
	assert.Equal(t, call.ID, bob.session.Call().ID)

	require.NoError(t, bob.session.Accept(ctx, nil))
	assert.Equal(t, "offer-sdp", bob.peer().snapshot().answeredOffer)

	alice.waitFor(t, model.CallStatusAccepted)
	require.Eventually(t, func() bool { return alice.peer().snapshot().remoteAnswer == "answer-sdp" },
		2*time.Second, 5*time.Millisecond)

	alice.peer().onState(ConnectionConnected)
	bob.peer().onState(ConnectionConnected)
	assert.Equal(t, model.CallStatusActive, alice.session.State())
	assert.Equal(t, model.CallStatusActive, bob.session.State())

	require.NoError(t, alice.session.Hangup(ctx))
	bob.waitFor(t, model.CallStatusEnded)
	assert.Equal(t, model.EndReasonHangup, bob.session.EndReason())
	assert.True(t, bob.peer().snapshot().closed)

	require.Eventually(t, func() bool {
		stored, err := c.calls.Get(middleware.WithUserID(ctx, "bob"), call.ID)
		return err == nil && stored.Status == model.CallStatusEnded
	}, 2*time.Second, 5*time.Millisecond)
}

func TestWSSignaler_ReportsRefusedCommands(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newCoordinator(t)
	alice := c.connect(t, ctx, "alice")

	require.NoError(t, alice.signaler.Accept(ctx, "00000000-0000-0000-0000-000000000000"))

	require.Eventually(t, func() bool {
		alice.mu.Lock()
		defer alice.mu.Unlock()
		return len(alice.refused) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, string(apperr.KindNotFound), alice.refused[0].Code)
}

func TestWSSignaler_StartCallMapsCoordinatorErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newCoordinator(t)
	alice := c.connect(t, ctx, "alice")

	conv, err := c.resolver.FindOrCreate(middleware.WithUserID(ctx, "alice"), nil, "bob")
	require.NoError(t, err)

	// bob has no relay endpoint, so the coordinator refuses to ring.
	_, err = alice.session.Dial(ctx, conv.ID, "bob", model.MediaAudio, nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindSignalingUnavailable, apperr.KindOf(err))
	assert.Equal(t, model.CallStatusEnded, alice.session.State())
	assert.True(t, alice.peer().snapshot().closed)
}

func TestDialWS_RejectsBadToken(t *testing.T) {
	c := newCoordinator(t)

	_, err := DialWS(context.Background(), WSConfig{BaseURL: c.server.URL, Token: "bogus", DialTimeout: time.Second}, logger.NewNop())
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthenticated, apperr.KindOf(err))
}

func TestWSURL(t *testing.T) {
	got, err := wsURL("https://api.example.com/", "tok")
	require.NoError(t, err)
	assert.Equal(t, "wss://api.example.com/api/v1/ws?access_token=tok", got)

	got, err = wsURL("http://localhost:8080", "a b")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/api/v1/ws?access_token=a+b", got)
}

func TestDecodeError_FallsBackToStatus(t *testing.T) {
	rec := httptest.NewRecorder()
	rec.WriteHeader(http.StatusBadGateway)
	rec.WriteString("upstream down")

	err := decodeError(rec.Result())
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "502")
}
