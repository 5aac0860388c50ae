package services

import (
	"errors"
	"time"

	"github.com/Hood-Codivo/streamcast/internal/core/domain"
	"github.com/Hood-Codivo/streamcast/internal/core/ports"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenSession = errors.New("token issued for a different session")
)

// JoinClaims binds a join token to one session id. A viewer presenting a
// valid token skips manual approval on approval-gated sessions.
type JoinClaims struct {
	SessionID string `json:"session_id"`
	jwt.RegisteredClaims
}

type tokenService struct {
	secret []byte
}

func NewTokenService(jwtSecret string) ports.TokenService {
	return &tokenService{secret: []byte(jwtSecret)}
}

func (s *tokenService) IssueJoinToken(session domain.SessionID, ttl time.Duration) (string, error) {
	claims := &JoinClaims{
		SessionID: string(session),
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *tokenService) ValidateJoinToken(tokenString string, session domain.SessionID) error {
	token, err := jwt.ParseWithClaims(tokenString, &JoinClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return ErrInvalidToken
	}

	claims, ok := token.Claims.(*JoinClaims)
	if !ok {
		return ErrInvalidToken
	}
	if claims.SessionID != string(session) {
		return ErrTokenSession
	}
	return nil
}
