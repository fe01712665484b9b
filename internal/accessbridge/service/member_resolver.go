package service

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/forgefit/accessbridge/internal/accessbridge/store"
	"github.com/forgefit/accessbridge/internal/metrics"
)

// MemberCache is an optional read-through cache in front of the person
// mapping store. Only positive resolutions are cached.
type MemberCache interface {
	Get(ctx context.Context, key string) (memberID string, ok bool, err error)
	Set(ctx context.Context, key, memberID string) error
}

type MemberResolver struct {
	store  store.PersonMappingStore
	cache  MemberCache
	logger zerolog.Logger
}

// NewMemberResolver wraps st. cache may be nil.
func NewMemberResolver(st store.PersonMappingStore, cache MemberCache, logger zerolog.Logger) *MemberResolver {
	return &MemberResolver{store: st, cache: cache, logger: logger}
}

// Resolve maps a vendor subject to a member id, by person id first and card
// number second. Cache failures fall through to the store.
func (r *MemberResolver) Resolve(ctx context.Context, branchID, personID, cardNo string) (string, bool, error) {
	personID = strings.TrimSpace(personID)
	cardNo = strings.TrimSpace(cardNo)
	if personID == "" && cardNo == "" {
		return "", false, nil
	}

	key := memberCacheKey(branchID, personID, cardNo)
	if r.cache != nil {
		memberID, ok, err := r.cache.Get(ctx, key)
		switch {
		case err != nil:
			metrics.MemberCacheLookups.WithLabelValues("error").Inc()
			r.logger.Warn().Err(err).Str("key", key).Msg("member cache get failed")
		case ok:
			metrics.MemberCacheLookups.WithLabelValues("hit").Inc()
			return memberID, true, nil
		default:
			metrics.MemberCacheLookups.WithLabelValues("miss").Inc()
		}
	}

	memberID, found, err := r.store.LookupMember(ctx, branchID, personID, cardNo)
	if err != nil || !found {
		return "", false, err
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, key, memberID); err != nil {
			r.logger.Warn().Err(err).Str("key", key).Msg("member cache set failed")
		}
	}
	return memberID, true, nil
}

func memberCacheKey(branchID, personID, cardNo string) string {
	return "member:" + branchID + ":" + personID + "|" + cardNo
}
