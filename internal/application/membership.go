package application

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/joi-assistant/joi/internal/domain/entity"
)

// MemberLister fetches group member lists from the mesh.
type MemberLister interface {
	Members(ctx context.Context, groupID string) (*entity.GroupMembers, error)
}

// MembershipCache holds the group member lists the assistant uses to union
// group knowledge scopes into DM conversations. A failed refresh keeps the
// previous snapshot; an empty cache grants no memberships.
type MembershipCache struct {
	client MemberLister
	ttl    time.Duration
	logger *zap.Logger

	mu        sync.Mutex
	groups    entity.GroupMembers
	fetchedAt time.Time
	now       func() time.Time
}

// NewMembershipCache creates an empty cache with the given freshness bound.
func NewMembershipCache(client MemberLister, ttl time.Duration, logger *zap.Logger) *MembershipCache {
	return &MembershipCache{
		client: client,
		ttl:    ttl,
		logger: logger,
		groups: entity.GroupMembers{},
		now:    time.Now,
	}
}

// Refresh replaces the snapshot with the mesh's current view. An empty
// response is treated as a transient transport failure and ignored.
func (m *MembershipCache) Refresh(ctx context.Context) error {
	members, err := m.client.Members(ctx, "")
	if err != nil {
		m.logger.Warn("membership refresh failed, keeping stale cache", zap.Error(err))
		return err
	}
	if len(*members) == 0 {
		m.logger.Warn("membership refresh returned no groups, keeping stale cache")
		return nil
	}

	m.mu.Lock()
	m.groups = *members
	m.fetchedAt = m.now()
	m.mu.Unlock()

	m.logger.Debug("membership cache refreshed", zap.Int("groups", len(*members)))
	return nil
}

// GroupsFor returns the ids of groups the sender belongs to. Lookups accept
// either identifier form since envelopes may carry a number or a UUID.
func (m *MembershipCache) GroupsFor(senderID string) []string {
	if senderID == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var groups []string
	for groupID, members := range m.groups {
		for _, member := range members {
			if member.Number == senderID || member.UUID == senderID {
				groups = append(groups, groupID)
				break
			}
		}
	}
	return groups
}

// Fresh reports whether the snapshot is within its freshness bound.
func (m *MembershipCache) Fresh() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.fetchedAt.IsZero() && m.now().Sub(m.fetchedAt) <= m.ttl
}
