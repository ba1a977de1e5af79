package badger

import (
	"context"
	"time"

	"github.com/storywell/storywell-api/internal/common"
	"github.com/storywell/storywell-api/internal/interfaces"
	"github.com/storywell/storywell-api/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// TokenRegistry implements interfaces.DeviceTokenRegistry over a Store.
// Token is the primary key, so re-registration under a new owner is a
// plain upsert that naturally transfers ownership (spec §4.1).
type TokenRegistry struct {
	store  *Store
	logger *common.Logger
}

func NewTokenRegistry(store *Store, logger *common.Logger) *TokenRegistry {
	return &TokenRegistry{store: store, logger: logger}
}

func (r *TokenRegistry) Register(ctx context.Context, ownerID, token string, platform models.Platform) error {
	now := time.Now()
	dt := &models.DeviceToken{
		Token:      token,
		OwnerID:    ownerID,
		Platform:   platform,
		Active:     true,
		CreatedAt:  now,
		LastUsedAt: now,
	}

	var existing models.DeviceToken
	err := r.store.DB().Get(token, &existing)
	if err == nil {
		dt.CreatedAt = existing.CreatedAt
		if existing.OwnerID != ownerID {
			r.logger.Info().Str("token", token).Str("previous_owner", existing.OwnerID).
				Str("new_owner", ownerID).Msg("device token ownership transferred")
		}
		return r.store.DB().Update(token, dt)
	}
	if err != badgerhold.ErrNotFound {
		return err
	}
	return r.store.DB().Insert(token, dt)
}

func (r *TokenRegistry) Unregister(ctx context.Context, ownerID, token string) error {
	var existing models.DeviceToken
	if err := r.store.DB().Get(token, &existing); err != nil {
		if err == badgerhold.ErrNotFound {
			return models.ErrNotFound
		}
		return err
	}
	if existing.OwnerID != ownerID {
		return models.ErrNotOwned
	}
	existing.Active = false
	return r.store.DB().Update(token, &existing)
}

func (r *TokenRegistry) ListActive(ctx context.Context, ownerID string) ([]*models.DeviceToken, error) {
	var tokens []*models.DeviceToken
	query := badgerhold.Where("OwnerID").Eq(ownerID).And("Active").Eq(true)
	if err := r.store.DB().Find(&tokens, query); err != nil {
		return nil, err
	}
	return tokens, nil
}

func (r *TokenRegistry) InvalidateMany(ctx context.Context, tokens []string) error {
	for _, token := range tokens {
		var existing models.DeviceToken
		if err := r.store.DB().Get(token, &existing); err != nil {
			if err == badgerhold.ErrNotFound {
				continue
			}
			return err
		}
		existing.Active = false
		if err := r.store.DB().Update(token, &existing); err != nil {
			return err
		}
	}
	return nil
}

var _ interfaces.DeviceTokenRegistry = (*TokenRegistry)(nil)
