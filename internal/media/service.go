// Package media is the video collaborator: it mints room ids and participant
// access tokens and tells the media server when a room opens or closes.
package media

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"schoolhub/pkg/interfaces"
)

var _ interfaces.MediaService = (*Service)(nil)

var ErrEmptySecret = errors.New("media secret cannot be empty")

type Config struct {
	Secret   string
	TokenTTL time.Duration
	// BaseURL of the media server; empty keeps start/end local (no webhook)
	BaseURL string
}

// TokenClaims grant one participant access to one room
type TokenClaims struct {
	Room string `json:"room"`
	jwt.RegisteredClaims
}

type Service struct {
	secret  []byte
	ttl     time.Duration
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
	now     func() time.Time
}

func NewService(config Config, logger zerolog.Logger) (*Service, error) {
	if config.Secret == "" {
		return nil, ErrEmptySecret
	}
	if config.TokenTTL <= 0 {
		config.TokenTTL = 2 * time.Hour
	}
	return &Service{
		secret:  []byte(config.Secret),
		ttl:     config.TokenTTL,
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
		now:     time.Now,
	}, nil
}

func (s *Service) GenerateRoomID() string {
	return uuid.NewString()
}

// GenerateToken mints a bounded-lifetime access token for participantID in roomID
func (s *Service) GenerateToken(roomID, participantID string) (string, time.Time, error) {
	if roomID == "" || participantID == "" {
		return "", time.Time{}, fmt.Errorf("room and participant are required")
	}
	now := s.now()
	expiresAt := now.Add(s.ttl)
	claims := TokenClaims{
		Room: roomID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   participantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign media token: %w", err)
	}
	return token, expiresAt, nil
}

// VerifyToken is what the media server runs on a presented token
func (s *Service) VerifyToken(raw string) (*TokenClaims, error) {
	var claims TokenClaims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, fmt.Errorf("invalid media token: %w", err)
	}
	return &claims, nil
}

func (s *Service) StartSession(ctx context.Context, roomID string) error {
	return s.notify(ctx, roomID, "start")
}

func (s *Service) EndSession(ctx context.Context, roomID string) error {
	return s.notify(ctx, roomID, "end")
}

// notify posts to {base}/rooms/{room}/{action}; any non-2xx is an error so the
// scheduler retries the start
func (s *Service) notify(ctx context.Context, roomID, action string) error {
	if s.baseURL == "" {
		s.logger.Debug().Str("room_id", roomID).Str("action", action).Msg("media webhook disabled")
		return nil
	}

	endpoint := fmt.Sprintf("%s/rooms/%s/%s", s.baseURL, url.PathEscape(roomID), action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build media request: %w", err)
	}
	token, _, err := s.GenerateToken(roomID, "schoolhub")
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("media %s %s: %w", action, roomID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("media %s %s: unexpected status %d", action, roomID, resp.StatusCode)
	}
	s.logger.Info().Str("room_id", roomID).Str("action", action).Msg("media room notified")
	return nil
}
