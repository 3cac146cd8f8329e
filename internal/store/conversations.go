package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/apperr"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/model"
)

// errKeyTaken aborts a find-or-create transaction that lost the race for a pair key.
var errKeyTaken = errors.New("conversation key already claimed")

// PairKey returns the identity of a conversation between two users about a
// listing. The user order does not matter.
func PairKey(listingID *string, userA, userB string) string {
	listing := "-"
	if listingID != nil && *listingID != "" {
		listing = *listingID
	}
	if userB < userA {
		userA, userB = userB, userA
	}
	return fmt.Sprintf("%s:%s:%s", listing, userA, userB)
}

// ConversationRepository provides CRUD and lookups over conversation records.
type ConversationRepository struct {
	db *gorm.DB
}

// NewConversationRepository creates a ConversationRepository.
func NewConversationRepository(db *gorm.DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

// AtomicAvailable reports whether the pair key table backing FindOrCreateAtomic exists.
func (r *ConversationRepository) AtomicAvailable(ctx context.Context) bool {
	return r.db.WithContext(ctx).Migrator().HasTable(&model.ConversationKey{})
}

// FindOrCreateAtomic resolves the conversation for (listing, userA, userB) in a
// single transaction, creating the conversation and both participant rows when
// none exists. Concurrent callers converge on the row whose pair key committed
// first. created reports whether this call created it.
func (r *ConversationRepository) FindOrCreateAtomic(ctx context.Context, listingID *string, userA, userB string) (*model.Conversation, bool, error) {
	key := PairKey(listingID, userA, userB)

	var (
		conv    model.Conversation
		created bool
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing model.ConversationKey
		res := tx.Where("pair_key = ?", key).Limit(1).Find(&existing)
		if res.Error != nil {
			return res.Error
		}
		now := time.Now().UTC()

		if res.RowsAffected > 0 {
			if err := tx.Where("id = ?", existing.ConversationID).Take(&conv).Error; err != nil {
				return err
			}
			// Heal membership on the way through; the key guarantees who belongs here.
			return addParticipants(tx, conv.ID, now, userA, userB)
		}

		conv = model.Conversation{
			ID:        uuid.Must(uuid.NewV7()).String(),
			ListingID: listingID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		claim := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&model.ConversationKey{
			PairKey:        key,
			ConversationID: conv.ID,
			CreatedAt:      now,
		})
		if claim.Error != nil {
			return claim.Error
		}
		if claim.RowsAffected == 0 {
			return errKeyTaken
		}
		if err := addParticipants(tx, conv.ID, now, userA, userB); err != nil {
			return err
		}
		created = true
		return nil
	})

	if errors.Is(err, errKeyTaken) {
		winner, lerr := r.FindByPairKey(ctx, key)
		return winner, false, lerr
	}
	if err != nil {
		return nil, false, translate("find or create conversation", err)
	}
	return &conv, created, nil
}

// FindByPairKey loads the conversation registered under a pair key.
func (r *ConversationRepository) FindByPairKey(ctx context.Context, key string) (*model.Conversation, error) {
	var conv model.Conversation
	err := r.db.WithContext(ctx).
		Table("conversations AS c").
		Select("c.*").
		Joins("JOIN conversation_keys k ON k.conversation_id = c.id").
		Where("k.pair_key = ?", key).
		Take(&conv).Error
	if err != nil {
		return nil, translate("find conversation by key", err)
	}
	return &conv, nil
}

// ClaimPairKey registers key for conversationID unless already taken, and
// returns the conversation id now owning the key.
func (r *ConversationRepository) ClaimPairKey(ctx context.Context, key, conversationID string) (string, error) {
	db := r.db.WithContext(ctx)
	res := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&model.ConversationKey{
		PairKey:        key,
		ConversationID: conversationID,
		CreatedAt:      time.Now().UTC(),
	})
	if res.Error != nil {
		return "", translate("claim conversation key", res.Error)
	}
	if res.RowsAffected > 0 {
		return conversationID, nil
	}
	var existing model.ConversationKey
	if err := db.Where("pair_key = ?", key).Take(&existing).Error; err != nil {
		return "", translate("load conversation key", err)
	}
	return existing.ConversationID, nil
}

// FindShared returns the most recently updated conversation in which both users
// participate. With matchListing set, only conversations about listingID (or
// direct conversations when listingID is nil) qualify. A nil result means none.
func (r *ConversationRepository) FindShared(ctx context.Context, userA, userB string, listingID *string, matchListing bool) (*model.Conversation, error) {
	q := r.db.WithContext(ctx).
		Table("conversations AS c").
		Select("c.*").
		Joins("JOIN conversation_participants pa ON pa.conversation_id = c.id AND pa.user_id = ?", userA).
		Joins("JOIN conversation_participants pb ON pb.conversation_id = c.id AND pb.user_id = ?", userB)
	if matchListing {
		if listingID == nil {
			q = q.Where("c.listing_id IS NULL")
		} else {
			q = q.Where("c.listing_id = ?", *listingID)
		}
	}

	var convs []model.Conversation
	if err := q.Order("c.updated_at DESC").Limit(1).Find(&convs).Error; err != nil {
		return nil, translate("find shared conversation", err)
	}
	if len(convs) == 0 {
		return nil, nil
	}
	return &convs[0], nil
}

// Create inserts a bare conversation row.
func (r *ConversationRepository) Create(ctx context.Context, listingID *string) (*model.Conversation, error) {
	now := time.Now().UTC()
	conv := &model.Conversation{
		ID:        uuid.Must(uuid.NewV7()).String(),
		ListingID: listingID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.db.WithContext(ctx).Create(conv).Error; err != nil {
		return nil, translate("create conversation", err)
	}
	return conv, nil
}

// Delete removes a conversation row and anything hanging off it. Reserved for
// rolling back half-created or terminally broken records.
func (r *ConversationRepository) Delete(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("conversation_id = ?", id).Delete(&model.Participant{}).Error; err != nil {
			return err
		}
		if err := tx.Where("conversation_id = ?", id).Delete(&model.ConversationKey{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&model.Conversation{}).Error
	})
	return translate("delete conversation", err)
}

// Get loads a conversation by id.
func (r *ConversationRepository) Get(ctx context.Context, id string) (*model.Conversation, error) {
	var conv model.Conversation
	if err := r.db.WithContext(ctx).Where("id = ?", id).Take(&conv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.KindNotFound, "conversation not found")
		}
		return nil, translate("get conversation", err)
	}
	return &conv, nil
}

// ListForUser returns the user's conversations, most recent activity first.
func (r *ConversationRepository) ListForUser(ctx context.Context, userID string, limit, offset int) ([]model.Conversation, int, error) {
	base := r.db.WithContext(ctx).
		Table("conversations AS c").
		Joins("JOIN conversation_participants p ON p.conversation_id = c.id AND p.user_id = ?", userID)

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, translate("count conversations", err)
	}

	var convs []model.Conversation
	err := base.Session(&gorm.Session{}).
		Select("c.*").
		Order("CASE WHEN c.last_message_time IS NULL THEN 1 ELSE 0 END ASC").
		Order("c.last_message_time DESC").
		Order("c.updated_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&convs).Error
	if err != nil {
		return nil, 0, translate("list conversations", err)
	}
	return convs, int(total), nil
}

// UpdateLastMessage refreshes the denormalized last-message cache. The cached
// time never moves backwards: an older message leaves the cache as is.
func (r *ConversationRepository) UpdateLastMessage(ctx context.Context, id, snippet string, at time.Time) error {
	at = at.UTC()
	err := r.db.WithContext(ctx).
		Model(&model.Conversation{}).
		Where("id = ? AND (last_message_time IS NULL OR last_message_time <= ?)", id, at).
		Updates(map[string]any{
			"last_message":      snippet,
			"last_message_time": at,
			"updated_at":        time.Now().UTC(),
			"cache_stale":       false,
		}).Error
	return translate("update last message", err)
}

// MarkCacheStale flags a conversation for the reconciler.
func (r *ConversationRepository) MarkCacheStale(ctx context.Context, id string) error {
	err := r.db.WithContext(ctx).
		Model(&model.Conversation{}).
		Where("id = ?", id).
		Update("cache_stale", true).Error
	return translate("mark cache stale", err)
}

// ListStale returns ids of conversations whose cache needs recomputing.
func (r *ConversationRepository) ListStale(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&model.Conversation{}).
		Where("cache_stale = ?", true).
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, translate("list stale conversations", err)
	}
	return ids, nil
}

// SetCache overwrites the cache from an authoritative recomputation.
func (r *ConversationRepository) SetCache(ctx context.Context, id, snippet string, at *time.Time) error {
	err := r.db.WithContext(ctx).
		Model(&model.Conversation{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"last_message":      snippet,
			"last_message_time": at,
			"cache_stale":       false,
		}).Error
	return translate("set conversation cache", err)
}
