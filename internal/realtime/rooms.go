package realtime

import (
	"sort"
	"strings"
)

// RoomIndex maps room keys to the user IDs subscribed to them, with a
// reverse index for disconnect cleanup. Rooms are created on first join and
// dropped once their member set is empty. Not goroutine-safe; the Router owns it.
type RoomIndex struct {
	members map[string]map[string]struct{}
	byUser  map[string]map[string]struct{}
}

// NewRoomIndex returns an empty index.
func NewRoomIndex() *RoomIndex {
	return &RoomIndex{
		members: make(map[string]map[string]struct{}),
		byUser:  make(map[string]map[string]struct{}),
	}
}

// Join adds userID to roomKey. Re-joining is a no-op.
func (x *RoomIndex) Join(roomKey, userID string) error {
	roomKey = strings.TrimSpace(roomKey)
	if roomKey == "" {
		return ErrInvalidRoom
	}
	if userID == "" {
		return ErrInvalidIdentity
	}

	if _, ok := x.members[roomKey]; !ok {
		x.members[roomKey] = make(map[string]struct{})
	}
	x.members[roomKey][userID] = struct{}{}

	if _, ok := x.byUser[userID]; !ok {
		x.byUser[userID] = make(map[string]struct{})
	}
	x.byUser[userID][roomKey] = struct{}{}
	return nil
}

// Leave removes userID from roomKey. Leaving a room the user is not in is a no-op.
func (x *RoomIndex) Leave(roomKey, userID string) error {
	roomKey = strings.TrimSpace(roomKey)
	if roomKey == "" {
		return ErrInvalidRoom
	}

	if users, ok := x.members[roomKey]; ok {
		delete(users, userID)
		if len(users) == 0 {
			delete(x.members, roomKey)
		}
	}
	if rooms, ok := x.byUser[userID]; ok {
		delete(rooms, roomKey)
		if len(rooms) == 0 {
			delete(x.byUser, userID)
		}
	}
	return nil
}

// IsMember reports whether userID is in roomKey.
func (x *RoomIndex) IsMember(roomKey, userID string) bool {
	_, ok := x.members[roomKey][userID]
	return ok
}

// MembersOf returns the user IDs in roomKey, sorted. Unknown rooms yield an empty slice.
func (x *RoomIndex) MembersOf(roomKey string) []string {
	return sortedKeys(x.members[roomKey])
}

// RoomsContaining returns every room key userID belongs to, sorted.
func (x *RoomIndex) RoomsContaining(userID string) []string {
	return sortedKeys(x.byUser[userID])
}

// Len returns the number of non-empty rooms.
func (x *RoomIndex) Len() int {
	return len(x.members)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
