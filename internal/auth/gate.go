package auth

import (
	"context"
	"fmt"

	"github.com/manpreetbhatti/scrawl/internal/canvas"
)

// IdentityResolver is the credential service
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, token string) (string, error)
}

type MembershipStore interface {
	HasMembership(ctx context.Context, roomID, userID string) (bool, error)
}

// Gate admits a token holder into a room when they hold a membership
// record for it. Admission is read-only.
type Gate struct {
	identities  IdentityResolver
	memberships MembershipStore
}

func NewGate(identities IdentityResolver, memberships MembershipStore) *Gate {
	return &Gate{identities: identities, memberships: memberships}
}

func (g *Gate) Admit(ctx context.Context, token, roomID string) (string, error) {
	identity, err := g.identities.ResolveIdentity(ctx, token)
	if err != nil {
		return "", err
	}

	member, err := g.memberships.HasMembership(ctx, roomID, identity)
	if err != nil {
		return "", fmt.Errorf("checking membership: %w: %w", canvas.ErrStoreUnavailable, err)
	}
	if !member {
		return "", canvas.ErrNotAMember
	}
	return identity, nil
}
