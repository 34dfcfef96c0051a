package models

import "time"

type Role string

const (
	RoleNone   Role = "none"
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
)

// CanRead reports whether the role may receive room content.
func (r Role) CanRead() bool { return r == RoleViewer || r == RoleEditor }

// CanEdit reports whether the role may take the edit lock.
func (r Role) CanEdit() bool { return r == RoleEditor }

// Room is the durable record. PINs are stored as bcrypt hashes; ReadPINHash
// is empty for publicly readable rooms.
type Room struct {
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	EditPINHash string    `json:"-"`
	ReadPINHash string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// RequiresReadAuth reports whether unauthenticated viewers are refused.
func (r *Room) RequiresReadAuth() bool { return r.ReadPINHash != "" }

type CreateRoomRequest struct {
	EditPIN string `json:"editPin"`
	ReadPIN string `json:"readPin,omitempty"`
}

type CreateRoomResponse struct {
	ID string `json:"id"`
}

// RoomView is the GET /room/{id} body. Content is nil when the room is
// read-protected and the caller has no read access.
type RoomView struct {
	ID               string    `json:"id"`
	Content          *string   `json:"content"`
	RequiresReadAuth bool      `json:"requiresReadAuth"`
	CreatedAt        time.Time `json:"created_at"`
}

type PINRequest struct {
	PIN string `json:"pin"`
}

type AuthResponse struct {
	Authorized bool   `json:"authorized"`
	Role       Role   `json:"role,omitempty"`
	Token      string `json:"token,omitempty"`
}

type UpdateContentRequest struct {
	Content string `json:"content"`
	PIN     string `json:"pin"`
}

type ContentResponse struct {
	Content string `json:"content"`
}

type SuccessResponse struct {
	Success bool `json:"success"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
