package store

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/MOPROGRAM/sahaplatform-sub001/internal/apperr"
	"github.com/MOPROGRAM/sahaplatform-sub001/internal/model"
)

// Listing is the read-only projection of the listing collaborator's table.
type Listing struct {
	ID           string `gorm:"column:id;primaryKey"`
	OwnerID      string `gorm:"column:owner_id"`
	Title        string `gorm:"column:title"`
	ThumbnailURL string `gorm:"column:thumbnail_url"`
}

func (Listing) TableName() string {
	return "listings"
}

// ListingRepository reads listing ownership and summaries.
type ListingRepository struct {
	db *gorm.DB
}

// NewListingRepository creates a ListingRepository.
func NewListingRepository(db *gorm.DB) *ListingRepository {
	return &ListingRepository{db: db}
}

// OwnerOf returns the owner user id of a listing.
func (r *ListingRepository) OwnerOf(ctx context.Context, listingID string) (string, error) {
	var l Listing
	err := r.db.WithContext(ctx).Select("id", "owner_id").Where("id = ?", listingID).Take(&l).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", apperr.New(apperr.KindNotFound, "listing not found")
		}
		return "", translate("get listing owner", err)
	}
	return l.OwnerID, nil
}

// Summaries returns list-view summaries keyed by listing id. Unknown ids are skipped.
func (r *ListingRepository) Summaries(ctx context.Context, listingIDs []string) (map[string]model.ListingSummary, error) {
	out := make(map[string]model.ListingSummary, len(listingIDs))
	if len(listingIDs) == 0 {
		return out, nil
	}
	var rows []Listing
	if err := r.db.WithContext(ctx).Where("id IN ?", listingIDs).Find(&rows).Error; err != nil {
		return nil, translate("list listing summaries", err)
	}
	for _, l := range rows {
		out[l.ID] = model.ListingSummary{
			ID:           l.ID,
			Title:        l.Title,
			ThumbnailURL: l.ThumbnailURL,
			OwnerID:      l.OwnerID,
		}
	}
	return out, nil
}
