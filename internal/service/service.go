// Package service implements the conversation resolver, the messaging
// service and the call signaling coordinator.
package service

import (
	"context"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/apperr"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/model"
)

// Authenticator resolves the acting user. It fails with
// apperr.ErrUnauthenticated when the request carries no identity.
type Authenticator interface {
	CurrentUserID(ctx context.Context) (string, error)
}

// ListingDirectory is the read side of the listing collaborator.
type ListingDirectory interface {
	OwnerOf(ctx context.Context, listingID string) (string, error)
	Summaries(ctx context.Context, listingIDs []string) (map[string]model.ListingSummary, error)
}

// RetryPolicy bounds datastore retries.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used when a service is built without an explicit policy.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, InitialInterval: 50 * time.Millisecond, MaxInterval: time.Second}

// retry runs op until it succeeds, fails with a non-transient error, or the
// policy is exhausted. Only transient store failures are retried.
func (p RetryPolicy) retry(ctx context.Context, op func() error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.MaxElapsedTime = 0

	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)

	return backoff.Retry(func() error {
		err := op()
		if err != nil && apperr.KindOf(err) != apperr.KindTransient {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

// keyedMutex serializes work per key. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*refMutex)
	}
	m := k.locks[key]
	if m == nil {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

const snippetLength = 100

// snippetFor renders the conversation-list preview of a message.
func snippetFor(msg *model.Message) string {
	if msg == nil {
		return ""
	}
	content := msg.Content
	if content == "" {
		switch msg.MessageType {
		case model.MessageTypeImage:
			return "[image]"
		case model.MessageTypeAudio:
			return "[audio]"
		case model.MessageTypeFile:
			return "[file]"
		}
	}
	if utf8.RuneCountInString(content) <= snippetLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:snippetLength]) + "…"
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
