package types

import (
	"encoding/json"
	"time"
)

// PublicSlug is the slug of the process-wide public room.
const (
	PublicSlug = "public"
	PublicName = "Public chat"
)

// RoomKind distinguishes the three conversation surfaces.
type RoomKind string

const (
	RoomPublic  RoomKind = "public"
	RoomPrivate RoomKind = "private"
	RoomDirect  RoomKind = "direct"
)

// Role is a user's standing in a single room.
type Role string

const (
	RoleOwner   Role = "owner"
	RoleAdmin   Role = "admin"
	RoleMember  Role = "member"
	RoleViewer  Role = "viewer"
	RoleBlocked Role = "blocked"
)

// ReadRoles may read non-public rooms; WriteRoles may also post to them.
var (
	ReadRoles  = []Role{RoleOwner, RoleAdmin, RoleMember, RoleViewer}
	WriteRoles = []Role{RoleOwner, RoleAdmin, RoleMember}
)

// CanRead reports whether the role belongs to ReadRoles.
func (r Role) CanRead() bool {
	return r.in(ReadRoles)
}

// CanWrite reports whether the role belongs to WriteRoles.
func (r Role) CanWrite() bool {
	return r.in(WriteRoles)
}

func (r Role) in(set []Role) bool {
	for _, candidate := range set {
		if r == candidate {
			return true
		}
	}
	return false
}

// IsValid reports whether r is one of the known roles.
func (r Role) IsValid() bool {
	return r == RoleBlocked || r.CanRead()
}

// Room identifies a conversation surface. DirectPairKey is only set for
// direct rooms and holds the canonical "low:high" participant pair.
type Room struct {
	ID            int64    `json:"id"`
	Slug          string   `json:"slug"`
	Name          string   `json:"name"`
	Kind          RoomKind `json:"kind"`
	DirectPairKey string   `json:"directPairKey,omitempty"`
	CreatedBy     *int64   `json:"createdBy,omitempty"`
}

// IsDirect reports whether the room is a 1:1 conversation.
func (r *Room) IsDirect() bool {
	return r != nil && r.Kind == RoomDirect
}

// RoleAssignment is the (room, user, role) relation.
type RoleAssignment struct {
	ID               int64     `json:"id"`
	RoomID           int64     `json:"roomId"`
	UserID           int64     `json:"userId"`
	Role             Role      `json:"role"`
	UsernameSnapshot string    `json:"username"`
	GrantedBy        *int64    `json:"grantedBy,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Message is an immutable chat line. UserID is nil for rows written before
// authors were tracked; Username is always populated.
type Message struct {
	ID         int64     `json:"id"`
	RoomSlug   string    `json:"roomSlug"`
	UserID     *int64    `json:"userId,omitempty"`
	Username   string    `json:"username"`
	Content    string    `json:"content"`
	ProfilePic string    `json:"profilePic,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Profile carries optional presentation data for a user.
type Profile struct {
	Image    string     `json:"image,omitempty"`
	Bio      string     `json:"bio,omitempty"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// User is the identity a connection acts as. A nil *User is anonymous.
type User struct {
	ID       int64    `json:"id"`
	Username string   `json:"username"`
	Profile  *Profile `json:"profile,omitempty"`
}

// IsAuthenticated reports whether u identifies a real account.
func (u *User) IsAuthenticated() bool {
	return u != nil && u.ID > 0
}

// ProfileImage returns the stored image reference or "".
func (u *User) ProfileImage() string {
	if u == nil || u.Profile == nil {
		return ""
	}
	return u.Profile.Image
}

// UnreadState is the per-user direct-message unread summary.
type UnreadState struct {
	Dialogs int            `json:"dialogs"`
	Slugs   []string       `json:"slugs"`
	Counts  map[string]int `json:"counts"`
}

// EmptyUnreadState returns a zero state with non-nil collections so it
// serializes as [] and {}.
func EmptyUnreadState() UnreadState {
	return UnreadState{Slugs: []string{}, Counts: map[string]int{}}
}

// ActiveRoom marks the room one connection of a user has focused.
type ActiveRoom struct {
	RoomSlug string `json:"roomSlug"`
	ConnID   string `json:"connId"`
}

// OnlineUser is one row of the presence snapshot.
type OnlineUser struct {
	Username     string  `json:"username"`
	ProfileImage *string `json:"profileImage"`
}

// Event is the envelope carried on broker topics.
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewEvent marshals payload into an Event of the given type.
func NewEvent(eventType string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: eventType, Payload: data}, nil
}

// Broker event types.
const (
	EventChatMessage    = "chat_message"
	EventInboxItem      = "direct_inbox_item"
	EventPresenceUpdate = "presence.update"
)
