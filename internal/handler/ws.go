package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/apperr"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/eventbus"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/middleware"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/model"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/presence"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/service"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/logger"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 << 10
	sendBuffer     = 256
)

// WSOptions configures the relay endpoint.
type WSOptions struct {
	AllowedOrigins []string
	SignalRate     float64
	SignalBurst    int
}

// WSHandler upgrades authenticated clients to relay endpoints: the
// connection registers presence, receives the user's call events and
// carries signaling commands.
type WSHandler struct {
	calls    *service.CallService
	relay    eventbus.Relay
	presence presence.Registry
	opts     WSOptions
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(calls *service.CallService, relay eventbus.Relay, registry presence.Registry, opts WSOptions, log *logger.Logger) *WSHandler {
	if opts.SignalRate <= 0 {
		opts.SignalRate = 20
	}
	if opts.SignalBurst <= 0 {
		opts.SignalBurst = 40
	}
	h := &WSHandler{
		calls:    calls,
		relay:    relay,
		presence: registry,
		opts:     opts,
		logger:   log.Named("ws"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// checkOrigin validates the request origin against allowed origins.
func (h *WSHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Connect handles GET /api/v1/ws
func (h *WSHandler) Connect(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == "" {
		writeAppError(w, r, h.logger, apperr.ErrUnauthenticated)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsClient{
		handler:    h,
		conn:       conn,
		userID:     userID,
		endpointID: uuid.NewString(),
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
		limiter:    rate.NewLimiter(rate.Limit(h.opts.SignalRate), h.opts.SignalBurst),
		log:        h.logger.With(zap.String("user_id", userID)),
	}
	c.serve(r.Context())
}

type wsClient struct {
	handler    *WSHandler
	conn       *websocket.Conn
	userID     string
	endpointID string
	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	limiter    *rate.Limiter
	log        *logger.Logger
}

func (c *wsClient) serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	h := c.handler
	sub, err := h.relay.SubscribeUser(ctx, c.userID, c.enqueue)
	if err != nil {
		c.log.Error("failed to subscribe relay endpoint", zap.Error(err))
		c.conn.Close()
		return
	}
	defer sub.Close()

	if err := h.presence.Register(ctx, c.userID, c.endpointID); err != nil {
		c.log.Warn("presence registration failed", zap.Error(err))
	}
	defer func() {
		if err := h.presence.Unregister(context.WithoutCancel(ctx), c.userID, c.endpointID); err != nil {
			c.log.Warn("presence unregistration failed", zap.Error(err))
		}
	}()

	go c.writePump()
	c.readPump(ctx)
	c.shutdown()
}

// enqueue hands an event to the write pump. An endpoint that cannot keep up
// is disconnected; it re-registers and reloads call state on reconnect.
func (c *wsClient) enqueue(event model.UserEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	c.push(data)
}

func (c *wsClient) push(data []byte) {
	select {
	case <-c.done:
	case c.send <- data:
	default:
		metrics.NotificationsDropped.WithLabelValues("ws_overflow").Inc()
		c.log.Warn("relay endpoint too slow, disconnecting")
		c.shutdown()
	}
}

func (c *wsClient) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *wsClient) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
		if err := c.handler.presence.Refresh(ctx, c.userID, c.endpointID); err != nil {
			c.log.Debug("presence refresh failed", zap.Error(err))
		}
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("relay endpoint closed", zap.Error(err))
			}
			return
		}

		var frame model.RelayCommand
		if err := json.Unmarshal(data, &frame); err != nil {
			c.reject("", apperr.New(apperr.KindInvalidArgument, "malformed frame"))
			continue
		}
		if err := c.dispatch(ctx, &frame); err != nil {
			c.reject(frame.CallID, err)
		}
	}
}

func (c *wsClient) dispatch(ctx context.Context, frame *model.RelayCommand) error {
	if frame.CallID == "" {
		return apperr.New(apperr.KindInvalidArgument, "call_id is required")
	}
	calls := c.handler.calls

	var err error
	switch frame.Type {
	case model.CommandSignal:
		if !c.limiter.Allow() {
			return apperr.New(apperr.KindInvalidArgument, "signaling rate exceeded")
		}
		err = calls.SendSignal(ctx, frame.CallID, frame.Kind, frame.Payload)
	case model.CommandAccept:
		_, err = calls.Accept(ctx, frame.CallID)
	case model.CommandReject:
		_, err = calls.Reject(ctx, frame.CallID)
	case model.CommandEnd:
		_, err = calls.End(ctx, frame.CallID, frame.Reason)
	default:
		err = apperr.New(apperr.KindInvalidArgument, "unknown frame type")
	}
	return err
}

func (c *wsClient) reject(callID string, err error) {
	msg := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) {
		msg = ae.Msg
	}
	data, merr := json.Marshal(&model.CommandError{
		Type:    model.EventCommandError,
		CallID:  callID,
		Code:    string(apperr.KindOf(err)),
		Message: msg,
	})
	if merr != nil {
		return
	}
	c.push(data)
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.shutdown()
	}()

	for {
		select {
		case <-c.done:
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
