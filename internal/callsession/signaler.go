package callsession

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/apperr"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/model"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/logger"
)

const signalerWriteWait = 10 * time.Second

// WSConfig locates the coordinator.
type WSConfig struct {
	// BaseURL is the API origin, for example https://api.example.com.
	BaseURL string
	Token   string
	// HTTPTimeout bounds requests made over plain HTTP.
	HTTPTimeout time.Duration
	// DialTimeout bounds the total time spent retrying the WebSocket dial.
	DialTimeout time.Duration
}

// WSSignaler talks to the coordinator over its relay WebSocket. Calls are
// started over HTTP since the coordinator answers with the new record.
type WSSignaler struct {
	cfg    WSConfig
	http   *http.Client
	conn   *websocket.Conn
	logger *logger.Logger

	writeMu sync.Mutex
	// OnCommandError observes commands the coordinator refused.
	OnCommandError func(model.CommandError)
}

// DialWS connects to the relay endpoint, retrying with exponential backoff.
func DialWS(ctx context.Context, cfg WSConfig, log *logger.Logger) (*WSSignaler, error) {
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	endpoint, err := wsURL(cfg.BaseURL, cfg.Token)
	if err != nil {
		return nil, err
	}

	var conn *websocket.Conn
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = cfg.DialTimeout
	err = backoff.Retry(func() error {
		c, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
		if err != nil {
			// the coordinator refused the credentials; retrying will not help
			if resp != nil && resp.StatusCode == http.StatusUnauthorized {
				return backoff.Permanent(apperr.Wrap(apperr.KindUnauthenticated, "relay dial refused", err))
			}
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, err
	}

	return &WSSignaler{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.HTTPTimeout},
		conn:   conn,
		logger: log.Named("signaler"),
	}, nil
}

func wsURL(base, token string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path += "/api/v1/ws"
	q := u.Query()
	q.Set("access_token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run delivers coordinator events to fn until the connection closes or ctx
// is cancelled.
func (s *WSSignaler) Run(ctx context.Context, fn func(model.UserEvent)) error {
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		var head struct {
			Type model.EventType `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			s.logger.Debug("dropping malformed frame", zap.Error(err))
			continue
		}

		if head.Type == model.EventCommandError {
			var ce model.CommandError
			if err := json.Unmarshal(data, &ce); err != nil {
				continue
			}
			s.logger.Warn("command refused",
				zap.String("call_id", ce.CallID),
				zap.String("code", ce.Code),
				zap.String("message", ce.Message),
			)
			if s.OnCommandError != nil {
				s.OnCommandError(ce)
			}
			continue
		}

		var ev model.UserEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.logger.Debug("dropping malformed event", zap.Error(err))
			continue
		}
		fn(ev)
	}
}

// Close closes the relay connection.
func (s *WSSignaler) Close() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck
	return s.conn.Close()
}

// StartCall posts a new call to the coordinator.
func (s *WSSignaler) StartCall(ctx context.Context, req *model.StartCallRequest) (*model.Call, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(s.cfg.BaseURL, "/")+"/api/v1/calls", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.cfg.Token)

	resp, err := s.http.Do(httpReq)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindSignalingUnavailable, "coordinator unreachable", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, decodeError(resp)
	}
	var call model.Call
	if err := json.NewDecoder(resp.Body).Decode(&call); err != nil {
		return nil, fmt.Errorf("decode call: %w", err)
	}
	return &call, nil
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error   string         `json:"error"`
		Code    string         `json:"code"`
		Details map[string]any `json:"details"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &body); err != nil || body.Code == "" {
		return apperr.New(apperr.KindInternal, fmt.Sprintf("coordinator returned %d", resp.StatusCode))
	}
	return &apperr.Error{Kind: apperr.Kind(body.Code), Msg: body.Error, Detail: body.Details}
}

func (s *WSSignaler) Accept(ctx context.Context, callID string) error {
	return s.send(ctx, &model.RelayCommand{Type: model.CommandAccept, CallID: callID})
}

func (s *WSSignaler) Reject(ctx context.Context, callID string) error {
	return s.send(ctx, &model.RelayCommand{Type: model.CommandReject, CallID: callID})
}

func (s *WSSignaler) End(ctx context.Context, callID string, reason model.EndReason) error {
	return s.send(ctx, &model.RelayCommand{Type: model.CommandEnd, CallID: callID, Reason: reason})
}

func (s *WSSignaler) SendSignal(ctx context.Context, callID string, kind model.SignalKind, payload string) error {
	return s.send(ctx, &model.RelayCommand{Type: model.CommandSignal, CallID: callID, Kind: kind, Payload: payload})
}

func (s *WSSignaler) send(ctx context.Context, cmd *model.RelayCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(signalerWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	if err := s.conn.WriteJSON(cmd); err != nil {
		return apperr.Wrap(apperr.KindSignalingUnavailable, "relay write failed", err)
	}
	return nil
}
