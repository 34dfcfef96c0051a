package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"shareroom/internal/auth"
	"shareroom/internal/database"
	"shareroom/internal/models"
	"shareroom/internal/persistence"
	ws "shareroom/internal/websocket"
	"shareroom/pkg/logger"

	"github.com/google/uuid"
)

const roomIDLength = 10

// DeletionPublisher tells other relay instances that a room is gone.
type DeletionPublisher interface {
	PublishDeleted(ctx context.Context, roomID string) error
}

type RoomService struct {
	db        database.RoomRepository
	pipeline  *persistence.Pipeline
	hubs      *ws.Manager
	auth      *auth.Service
	publisher DeletionPublisher
}

func NewRoomService(db database.RoomRepository, pipeline *persistence.Pipeline, hubs *ws.Manager, authService *auth.Service, publisher DeletionPublisher) *RoomService {
	return &RoomService{
		db:        db,
		pipeline:  pipeline,
		hubs:      hubs,
		auth:      authService,
		publisher: publisher,
	}
}

func NewRoomID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:roomIDLength]
}

func (s *RoomService) CreateRoom(ctx context.Context, req *models.CreateRoomRequest) (*models.Room, error) {
	editHash, err := auth.HashPIN(req.EditPIN)
	if err != nil {
		return nil, fmt.Errorf("edit pin: %w", err)
	}

	var readHash string
	if req.ReadPIN != "" {
		if readHash, err = auth.HashPIN(req.ReadPIN); err != nil {
			return nil, fmt.Errorf("read pin: %w", err)
		}
	}

	room, err := s.db.CreateRoom(ctx, &models.Room{
		ID:          NewRoomID(),
		EditPINHash: editHash,
		ReadPINHash: readHash,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("Room %s created (read protected: %t)", room.ID, room.RequiresReadAuth())
	return room, nil
}

// ResolveRole returns the role a caller holding token has in the room. An
// empty or invalid token falls back to the room's default role.
func (s *RoomService) ResolveRole(ctx context.Context, roomID, token string) (*models.Room, models.Role, error) {
	room, err := s.db.GetRoomByID(ctx, roomID)
	if err != nil {
		return nil, models.RoleNone, err
	}

	role := auth.DefaultRole(room)
	if token != "" {
		granted, err := s.auth.RoleFromToken(roomID, token)
		if err != nil {
			logger.Debug("Ignoring token for room %s: %v", roomID, err)
		} else {
			role = granted
		}
	}
	return room, role, nil
}

// GetRoom returns the room as seen by a caller holding token. Content is
// withheld when the caller cannot read the room.
func (s *RoomService) GetRoom(ctx context.Context, roomID, token string) (*models.RoomView, error) {
	room, role, err := s.ResolveRole(ctx, roomID, token)
	if err != nil {
		return nil, err
	}

	view := &models.RoomView{
		ID:               room.ID,
		RequiresReadAuth: room.RequiresReadAuth(),
		CreatedAt:        room.CreatedAt,
	}
	if role.CanRead() {
		content, err := s.Content(ctx, roomID)
		if err != nil {
			return nil, err
		}
		view.Content = &content
	}
	return view, nil
}

// Content returns the freshest copy of the room's content: the live actor,
// then the fast tier, then the durable record.
func (s *RoomService) Content(ctx context.Context, roomID string) (string, error) {
	if hub, ok := s.hubs.Lookup(roomID); ok {
		content, err := hub.Content(ctx)
		if err == nil {
			return content, nil
		}
		if !errors.Is(err, ws.ErrHubClosed) {
			return "", err
		}
	}
	return s.pipeline.Load(ctx, roomID)
}

// Authorize exchanges a PIN for a role and a room token.
func (s *RoomService) Authorize(ctx context.Context, roomID, pin string) (*models.AuthResponse, error) {
	role, err := s.auth.Authorize(ctx, roomID, pin)
	if err != nil {
		return &models.AuthResponse{Authorized: false}, err
	}

	token, err := s.auth.IssueToken(roomID, role)
	if err != nil {
		return nil, fmt.Errorf("issue token: %w", err)
	}
	return &models.AuthResponse{Authorized: true, Role: role, Token: token}, nil
}

// UpdateContent replaces the content of a room for an edit-PIN holder. A
// live room applies it like an edit from the relay; otherwise both tiers are
// written directly.
func (s *RoomService) UpdateContent(ctx context.Context, roomID string, req *models.UpdateContentRequest) error {
	if err := s.auth.RequireEditor(ctx, roomID, req.PIN); err != nil {
		return err
	}

	if hub, ok := s.hubs.Lookup(roomID); ok {
		err := hub.Update(ctx, req.Content)
		if !errors.Is(err, ws.ErrHubClosed) {
			return err
		}
	}

	// the editor may be connected to another relay
	label, held, err := s.pipeline.LockHolder(ctx, roomID)
	if err != nil {
		return err
	}
	if held {
		return fmt.Errorf("%w: %s", ws.ErrLockHeld, label)
	}

	if err := s.pipeline.Save(ctx, roomID, req.Content); err != nil {
		if errors.Is(err, database.ErrRoomNotFound) {
			return err
		}
		logger.Error("Fast tier write for room %s failed: %v", roomID, err)
	}
	return s.pipeline.Backup(ctx, roomID, req.Content)
}

// DeleteRoom removes the room from both tiers and closes its connections
// here and on every other instance.
func (s *RoomService) DeleteRoom(ctx context.Context, roomID, pin string) error {
	if err := s.auth.RequireEditor(ctx, roomID, pin); err != nil {
		return err
	}

	if err := s.db.DeleteRoom(ctx, roomID); err != nil {
		return err
	}
	// The local actor goes first so it cannot write the content back; actors
	// on other relays find the fast tier refusing their writes.
	s.hubs.Discard(ctx, roomID)
	if err := s.pipeline.Purge(ctx, roomID); err != nil {
		logger.Error("Error purging fast tier for room %s: %v", roomID, err)
	}

	if s.publisher != nil {
		if err := s.publisher.PublishDeleted(ctx, roomID); err != nil {
			logger.Error("Error publishing deletion of room %s: %v", roomID, err)
		}
	}
	logger.Info("Room %s deleted", roomID)
	return nil
}
