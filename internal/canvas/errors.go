package canvas

import "errors"

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrNotAMember       = errors.New("not a member of this room")
	ErrRoomFull         = errors.New("room is full")
	ErrAlreadyMember    = errors.New("already a member of this room")
	ErrRoomNotFound     = errors.New("room not found")
	ErrStoreUnavailable = errors.New("store unavailable")

	// A save targeted a sent element or someone else's draft
	ErrElementLocked  = errors.New("element is locked")
	ErrInvalidElement = errors.New("invalid element")
)

// Wire reasons reported to peers
const (
	ReasonInvalidToken     = "invalid-token"
	ReasonNotAMember       = "not-a-member"
	ReasonRoomFull         = "room-full"
	ReasonAlreadyMember    = "already-member"
	ReasonRoomNotFound     = "room-not-found"
	ReasonStoreUnavailable = "store-unavailable"
	ReasonElementLocked    = "element-locked"
	ReasonInvalidElement   = "invalid-element"
	ReasonInternal         = "internal"
)

var reasons = []struct {
	err    error
	reason string
}{
	{ErrInvalidToken, ReasonInvalidToken},
	{ErrNotAMember, ReasonNotAMember},
	{ErrRoomFull, ReasonRoomFull},
	{ErrAlreadyMember, ReasonAlreadyMember},
	{ErrRoomNotFound, ReasonRoomNotFound},
	{ErrStoreUnavailable, ReasonStoreUnavailable},
	{ErrElementLocked, ReasonElementLocked},
	{ErrInvalidElement, ReasonInvalidElement},
}

// Reason maps an error onto the reason string sent over the wire
func Reason(err error) string {
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return ReasonInternal
}
