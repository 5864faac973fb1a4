// Package approval implements the per-stage approval checkpoint: auto or human review with
// signed decision links, decision redemption and the timeout sweep.
package approval

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"podcast-pipeline/internal/models"
)

var (
	// ErrInvalidToken covers bad signatures, malformed tokens and action mismatches.
	ErrInvalidToken = errors.New("invalid approval token")
	// ErrExpired is returned for tokens past their exp or decisions past the approval deadline.
	ErrExpired = errors.New("approval token expired")
	// ErrNotPending is returned when the job is not waiting on this stage's decision.
	ErrNotPending = errors.New("approval not pending")

	errNoSecret = errors.New("approval secret not set")
)

// Action is a reviewer decision.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// ParseAction validates a decision action.
func ParseAction(v string) (Action, error) {
	switch Action(v) {
	case ActionApprove, ActionReject:
		return Action(v), nil
	}
	return "", fmt.Errorf("%w: unknown action %q", ErrInvalidToken, v)
}

// Claims are carried by a decision token.
type Claims struct {
	JobID  string       `json:"job_id"`
	Stage  models.Stage `json:"stage"`
	Action Action       `json:"action"`
	jwt.RegisteredClaims
}

// Tokens issues and verifies HS256 decision tokens.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(secret string, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &Tokens{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for one job, stage and action.
func (t *Tokens) Issue(jobID string, stage models.Stage, action Action) (string, error) {
	if len(t.secret) == 0 {
		return "", errNoSecret
	}
	now := t.now()
	claims := &Claims{
		JobID:  jobID,
		Stage:  stage,
		Action: action,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry and returns the claims.
func (t *Tokens) Verify(token string) (*Claims, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	if len(t.secret) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, errNoSecret)
	}
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.JobID == "" {
		return nil, fmt.Errorf("%w: missing job id", ErrInvalidToken)
	}
	if _, ok := models.ParseStage(string(claims.Stage)); !ok {
		return nil, fmt.Errorf("%w: unknown stage %q", ErrInvalidToken, claims.Stage)
	}
	if _, err := ParseAction(string(claims.Action)); err != nil {
		return nil, err
	}
	return claims, nil
}
