package auth

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"shareroom/internal/config"
	"shareroom/internal/database"
	"shareroom/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidPIN   = errors.New("pin must be exactly 6 digits")
	ErrUnauthorized = errors.New("unauthorized")
)

var pinPattern = regexp.MustCompile(`^[0-9]{6}$`)

// Service resolves room PINs into roles and issues room access tokens.
type Service struct {
	db  database.RoomRepository
	cfg *config.Config
}

func NewService(db database.RoomRepository, cfg *config.Config) *Service {
	return &Service{
		db:  db,
		cfg: cfg,
	}
}

func ValidatePIN(pin string) error {
	if !pinPattern.MatchString(pin) {
		return ErrInvalidPIN
	}
	return nil
}

// HashPIN validates and hashes a PIN for storage.
func HashPIN(pin string) (string, error) {
	if err := ValidatePIN(pin); err != nil {
		return "", err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(pin), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash pin: %w", err)
	}
	return string(hash), nil
}

// RoleForPIN checks pin against the room's PINs. The edit PIN wins when both
// PINs are equal.
func RoleForPIN(room *models.Room, pin string) models.Role {
	if pin == "" {
		return models.RoleNone
	}
	if bcrypt.CompareHashAndPassword([]byte(room.EditPINHash), []byte(pin)) == nil {
		return models.RoleEditor
	}
	if room.ReadPINHash != "" && bcrypt.CompareHashAndPassword([]byte(room.ReadPINHash), []byte(pin)) == nil {
		return models.RoleViewer
	}
	return models.RoleNone
}

// DefaultRole is the role of a caller that presented no credentials.
func DefaultRole(room *models.Room) models.Role {
	if room.RequiresReadAuth() {
		return models.RoleNone
	}
	return models.RoleViewer
}

// Authorize loads the room and resolves pin into a role. A PIN matching
// neither room PIN yields ErrUnauthorized.
func (s *Service) Authorize(ctx context.Context, roomID, pin string) (models.Role, error) {
	room, err := s.db.GetRoomByID(ctx, roomID)
	if err != nil {
		return models.RoleNone, err
	}
	role := RoleForPIN(room, pin)
	if role == models.RoleNone {
		return models.RoleNone, ErrUnauthorized
	}
	return role, nil
}

// RequireEditor succeeds only for the room's edit PIN.
func (s *Service) RequireEditor(ctx context.Context, roomID, pin string) error {
	role, err := s.Authorize(ctx, roomID, pin)
	if err != nil {
		return err
	}
	if !role.CanEdit() {
		return ErrUnauthorized
	}
	return nil
}

// IssueToken signs a token granting role in roomID.
func (s *Service) IssueToken(roomID string, role models.Role) (string, error) {
	claims := jwt.MapClaims{
		"room": roomID,
		"role": string(role),
		"exp":  time.Now().Add(s.cfg.JWT.ExpiresIn).Unix(),
		"iat":  time.Now().Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.cfg.JWT.Secret)
}

func (s *Service) ValidateToken(tokenString string) (*jwt.MapClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.MapClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.cfg.JWT.Secret, nil
	})

	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*jwt.MapClaims); ok && token.Valid {
		return claims, nil
	}

	return nil, fmt.Errorf("invalid token")
}

// RoleFromToken returns the role a token grants in roomID. Tokens for
// another room, or with an unknown role, are rejected.
func (s *Service) RoleFromToken(roomID, tokenString string) (models.Role, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return models.RoleNone, err
	}

	room, _ := (*claims)["room"].(string)
	if room != roomID {
		return models.RoleNone, fmt.Errorf("token issued for another room")
	}

	switch role := models.Role(fmt.Sprint((*claims)["role"])); role {
	case models.RoleViewer, models.RoleEditor:
		return role, nil
	default:
		return models.RoleNone, fmt.Errorf("invalid role in token")
	}
}
