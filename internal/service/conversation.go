package service

import (
	"context"
	"errors"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/apperr"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/model"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/store"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/logger"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/metrics"
	"github.com/MOPROGRAM/sahaplatform-sub001/pkg/tracing"
)

// Resolution paths, used as metric labels.
const (
	pathAtomicFound     = "atomic_found"
	pathAtomicCreated   = "atomic_created"
	pathFallbackListing = "fallback_listing"
	pathFallbackShared  = "fallback_shared"
	pathFallbackCreated = "fallback_created"
)

// ConversationOptions configures the resolver.
type ConversationOptions struct {
	// Atomic enables the single-transaction find-or-create. When false, or when
	// the pair key table is missing, the lookup-then-create fallback runs.
	Atomic bool
	Retry  RetryPolicy
}

// ConversationService resolves, repairs and lists conversations.
type ConversationService struct {
	conversations *store.ConversationRepository
	participants  *store.ParticipantStore
	messages      *store.MessageRepository
	listings      ListingDirectory
	auth          Authenticator
	opts          ConversationOptions
	logger        *logger.Logger
	tracer        trace.Tracer

	group        singleflight.Group
	atomicOnce   sync.Once
	atomicActive bool
}

// NewConversationService creates a new conversation service.
func NewConversationService(
	conversations *store.ConversationRepository,
	participants *store.ParticipantStore,
	messages *store.MessageRepository,
	listings ListingDirectory,
	auth Authenticator,
	opts ConversationOptions,
	log *logger.Logger,
) *ConversationService {
	return &ConversationService{
		conversations: conversations,
		participants:  participants,
		messages:      messages,
		listings:      listings,
		auth:          auth,
		opts:          opts,
		logger:        log.Named("conversations"),
		tracer:        tracing.Tracer("service.conversations"),
	}
}

// FindOrCreate returns the conversation between the current user and
// counterpartyID about listingID, creating it with both participants when
// none exists. A nil listingID selects the direct/support conversation.
func (s *ConversationService) FindOrCreate(ctx context.Context, listingID *string, counterpartyID string) (*model.Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "ConversationService.FindOrCreate")
	defer span.End()

	userID, err := s.auth.CurrentUserID(ctx)
	if err != nil {
		return nil, err
	}
	if counterpartyID == "" || counterpartyID == userID {
		return nil, apperr.New(apperr.KindInvalidArgument, "counterparty must be another user")
	}
	if listingID != nil && *listingID == "" {
		listingID = nil
	}
	if listingID != nil {
		if _, err := s.listings.OwnerOf(ctx, *listingID); err != nil {
			return nil, err
		}
	}

	var (
		conv *model.Conversation
		path string
	)
	if s.atomicAvailable(ctx) {
		conv, path, err = s.findOrCreateAtomic(ctx, listingID, userID, counterpartyID)
	} else {
		conv, path, err = s.findOrCreateFallback(ctx, listingID, userID, counterpartyID)
	}
	if err != nil {
		s.logger.Error("failed to resolve conversation",
			zap.String("user_id", userID),
			zap.String("counterparty_id", counterpartyID),
			zap.Error(err),
		)
		return nil, err
	}

	metrics.ConversationsResolved.WithLabelValues(path).Inc()
	span.SetAttributes(attribute.String("conversation.id", conv.ID), attribute.String("resolve.path", path))
	if path == pathAtomicCreated || path == pathFallbackCreated {
		s.logger.Info("conversation created",
			zap.String("conversation_id", conv.ID),
			zap.String("path", path),
		)
	}

	return s.hydrate(ctx, conv)
}

func (s *ConversationService) atomicAvailable(ctx context.Context) bool {
	if !s.opts.Atomic {
		return false
	}
	s.atomicOnce.Do(func() {
		s.atomicActive = s.conversations.AtomicAvailable(ctx)
		if !s.atomicActive {
			s.logger.Warn("pair key table missing, using fallback resolution")
		}
	})
	return s.atomicActive
}

func (s *ConversationService) findOrCreateAtomic(ctx context.Context, listingID *string, userID, counterpartyID string) (*model.Conversation, string, error) {
	var (
		conv    *model.Conversation
		created bool
	)
	err := s.opts.Retry.retry(ctx, func() error {
		var err error
		conv, created, err = s.conversations.FindOrCreateAtomic(ctx, listingID, userID, counterpartyID)
		return err
	})
	if err != nil {
		return nil, "", err
	}
	if created {
		return conv, pathAtomicCreated, nil
	}
	return conv, pathAtomicFound, nil
}

type resolution struct {
	conv *model.Conversation
	path string
}

// findOrCreateFallback looks the pair up through the participant set and only
// then creates. Callers in this process that race on the same pair share one
// lookup; other processes may still create a duplicate, which the pair key
// claim folds back into the first conversation.
func (s *ConversationService) findOrCreateFallback(ctx context.Context, listingID *string, userID, counterpartyID string) (*model.Conversation, string, error) {
	key := store.PairKey(listingID, userID, counterpartyID)
	v, err, _ := s.group.Do(key, func() (interface{}, error) {
		conv, err := s.conversations.FindShared(ctx, userID, counterpartyID, listingID, true)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			return resolution{conv, pathFallbackListing}, nil
		}

		conv, err = s.conversations.FindShared(ctx, userID, counterpartyID, nil, false)
		if err != nil {
			return nil, err
		}
		if conv != nil {
			return resolution{conv, pathFallbackShared}, nil
		}

		conv, err = s.createWithParticipants(ctx, key, listingID, userID, counterpartyID)
		if err != nil {
			return nil, err
		}
		return resolution{conv, pathFallbackCreated}, nil
	})
	if err != nil {
		return nil, "", err
	}
	res := v.(resolution)
	return res.conv, res.path, nil
}

// createWithParticipants inserts the conversation row and then both
// participants. A conversation whose participants cannot be written is
// deleted so no zero- or one-member record survives.
func (s *ConversationService) createWithParticipants(ctx context.Context, key string, listingID *string, userID, counterpartyID string) (*model.Conversation, error) {
	var conv *model.Conversation
	err := s.opts.Retry.retry(ctx, func() error {
		var err error
		conv, err = s.conversations.Create(ctx, listingID)
		return err
	})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransient, "failed to create conversation", err)
	}

	err = s.opts.Retry.retry(ctx, func() error {
		return s.participants.Add(ctx, conv.ID, userID, counterpartyID)
	})
	if err != nil {
		if derr := s.conversations.Delete(context.WithoutCancel(ctx), conv.ID); derr != nil {
			s.logger.Error("failed to roll back conversation",
				zap.String("conversation_id", conv.ID), zap.Error(derr))
		}
		return nil, apperr.Wrap(apperr.KindTransient, "failed to create conversation", err)
	}

	owner, err := s.conversations.ClaimPairKey(ctx, key, conv.ID)
	switch {
	case err != nil:
		s.logger.Debug("pair key claim skipped", zap.String("conversation_id", conv.ID), zap.Error(err))
	case owner != conv.ID:
		winner, gerr := s.conversations.Get(ctx, owner)
		if gerr != nil {
			return conv, nil
		}
		if err := s.participants.Add(ctx, winner.ID, userID, counterpartyID); err != nil {
			return conv, nil
		}
		if err := s.conversations.Delete(ctx, conv.ID); err != nil {
			s.logger.Warn("failed to discard duplicate conversation",
				zap.String("conversation_id", conv.ID), zap.Error(err))
		}
		s.logger.Info("merged duplicate conversation",
			zap.String("duplicate_id", conv.ID), zap.String("conversation_id", winner.ID))
		return winner, nil
	}
	return conv, nil
}

// Repair reconstructs a missing counterparty for conversationID on behalf of
// the current user. It returns the user id it added.
func (s *ConversationService) Repair(ctx context.Context, conversationID string) (string, error) {
	userID, err := s.auth.CurrentUserID(ctx)
	if err != nil {
		return "", err
	}
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return "", err
	}
	member, err := s.participants.IsMember(ctx, conversationID, userID)
	if err != nil {
		return "", err
	}
	if !member {
		return "", apperr.ErrUnauthorized
	}
	return s.repair(ctx, conv, userID)
}

// repair runs the bounded reconstruction: the listing owner is the candidate
// when the conversation has a listing, otherwise the distinct other senders
// in the log. Exactly one candidate is added; anything else is unrepairable.
func (s *ConversationService) repair(ctx context.Context, conv *model.Conversation, currentUserID string) (string, error) {
	ctx, span := s.tracer.Start(ctx, "ConversationService.Repair")
	defer span.End()

	members, err := s.participants.List(ctx, conv.ID)
	if err != nil {
		return "", err
	}

	var candidates []string
	if conv.ListingID != nil {
		owner, err := s.listings.OwnerOf(ctx, *conv.ListingID)
		switch {
		case err == nil:
			if owner != currentUserID {
				candidates = append(candidates, owner)
			}
		case errors.Is(err, apperr.ErrNotFound):
		default:
			return "", err
		}
	}
	if len(candidates) == 0 {
		senders, err := s.messages.DistinctSenders(ctx, conv.ID, currentUserID)
		if err != nil {
			return "", err
		}
		candidates = senders
	}

	var missing []string
	for _, c := range candidates {
		if !contains(members, c) {
			missing = append(missing, c)
		}
	}

	if len(missing) != 1 {
		metrics.RepairsTotal.WithLabelValues("unrepairable").Inc()
		s.logger.Warn("conversation unrepairable",
			zap.String("conversation_id", conv.ID),
			zap.Strings("candidates", missing),
		)
		return "", apperr.ErrUnrepairable.
			WithDetail("conversation_id", conv.ID).
			WithDetail("candidates", missing)
	}

	repaired := missing[0]
	err = s.opts.Retry.retry(ctx, func() error {
		return s.participants.Add(ctx, conv.ID, repaired)
	})
	if err != nil {
		metrics.RepairsTotal.WithLabelValues("failed").Inc()
		return "", err
	}

	metrics.RepairsTotal.WithLabelValues("repaired").Inc()
	s.logger.Info("conversation repaired",
		zap.String("conversation_id", conv.ID),
		zap.String("participant_id", repaired),
	)
	return repaired, nil
}

// Get returns a conversation the current user participates in.
func (s *ConversationService) Get(ctx context.Context, conversationID string) (*model.Conversation, error) {
	userID, err := s.auth.CurrentUserID(ctx)
	if err != nil {
		return nil, err
	}
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	member, err := s.participants.IsMember(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, apperr.ErrUnauthorized
	}
	return s.hydrate(ctx, conv)
}

// List returns the current user's conversations, most recent message first.
func (s *ConversationService) List(ctx context.Context, limit, offset int) (*model.ListConversationsResponse, error) {
	userID, err := s.auth.CurrentUserID(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	convs, total, err := s.conversations.ListForUser(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(convs))
	var listingIDs []string
	for _, c := range convs {
		ids = append(ids, c.ID)
		if c.ListingID != nil {
			listingIDs = append(listingIDs, *c.ListingID)
		}
	}
	members, err := s.participants.ListMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	listings, err := s.listings.Summaries(ctx, listingIDs)
	if err != nil {
		s.logger.Warn("listing summaries unavailable", zap.Error(err))
		listings = nil
	}

	for i := range convs {
		convs[i].Participants = summaries(members[convs[i].ID])
		if convs[i].ListingID != nil {
			if l, ok := listings[*convs[i].ListingID]; ok {
				convs[i].Listing = &l
			}
		}
	}

	return &model.ListConversationsResponse{
		Conversations: convs,
		Total:         total,
		HasMore:       offset+len(convs) < total,
	}, nil
}

func (s *ConversationService) hydrate(ctx context.Context, conv *model.Conversation) (*model.Conversation, error) {
	members, err := s.participants.List(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	conv.Participants = summaries(members)

	if conv.ListingID != nil {
		listings, err := s.listings.Summaries(ctx, []string{*conv.ListingID})
		if err != nil {
			s.logger.Warn("listing summary unavailable",
				zap.String("listing_id", *conv.ListingID), zap.Error(err))
		} else if l, ok := listings[*conv.ListingID]; ok {
			conv.Listing = &l
		}
	}
	return conv, nil
}

func summaries(ids []string) []model.ParticipantSummary {
	out := make([]model.ParticipantSummary, len(ids))
	for i, id := range ids {
		out[i] = model.ParticipantSummary{UserID: id}
	}
	return out
}
