package gateway

import (
	"errors"

	"github.com/PathWise-Solutions-Inc/Proposal-Writer-sub000/internal/auth"
)

// ErrRoomAccessDenied is returned by a RoomAccessPolicy to refuse a join.
var ErrRoomAccessDenied = errors.New("room access denied")

// RoomAccessPolicy decides whether an authenticated user may join a
// proposal room. The product currently lets any authenticated user into
// any proposal; that stays the default, but the decision point is
// swappable so a real authorization backend can slot in without touching
// the relay.
type RoomAccessPolicy interface {
	CanJoin(identity auth.Identity, proposalID string) error
}

// AllowAllPolicy admits every authenticated user to every room.
type AllowAllPolicy struct{}

func (AllowAllPolicy) CanJoin(auth.Identity, string) error { return nil }
