// Package token mints and verifies the signed, single-use, time-boxed tokens
// that represent a proposed CRM mutation awaiting user confirmation.
//
// Verification is stateless by design: a token's validity is self-contained
// in its HMAC signature and expiry claim, so the issuer scales horizontally
// with no shared store. Single-use enforcement is deliberately NOT done here;
// the orchestrator owns the replay check against a TTL-bounded used-token set.
package token

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Fixed claims asserted on every verification to prevent cross-service reuse.
const (
	Issuer    = "sakha-chatbot"
	Audience  = "sakha-actions"
	tokenType = "pending-action"
)

// Typed verification failures. All are security errors: rejected, logged for
// audit, never retried.
var (
	ErrParameterTooLarge = errors.New("token: confirmation payload is too large")
	ErrInvalidSignature  = errors.New("token: signature verification failed")
	ErrExpired           = errors.New("token: confirmation token has expired")
	ErrIssuerMismatch    = errors.New("token: issuer mismatch")
	ErrAudienceMismatch  = errors.New("token: audience mismatch")
	ErrWrongType         = errors.New("token: unexpected token type")
	ErrSubjectMismatch   = errors.New("token: confirmation does not belong to this user")
	ErrCSRFMismatch      = errors.New("token: csrf binding mismatch")
	ErrMalformed         = errors.New("token: malformed confirmation token")
)

// PendingAction is the decoded, verified content of an action token.
type PendingAction struct {
	Subject    string
	Action     string
	Parameters map[string]any
	TokenID    string
	IssuedAt   time.Time
	ExpiresAt  time.Time
}

// Issued is returned from Issue alongside the opaque token string.
type Issued struct {
	Token     string    `json:"token"`
	TokenID   string    `json:"token_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// claims is the JWT payload for a pending action.
type claims struct {
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Type       string         `json:"type"`
	CSRF       string         `json:"csrf,omitempty"`
	jwt.RegisteredClaims
}

// Service signs and verifies pending-action tokens with HMAC-SHA256.
type Service struct {
	secret         []byte
	ttl            time.Duration
	parameterLimit int
	now            func() time.Time
}

// NewService creates a token Service. The secret must be non-empty; length
// is validated at config load time.
func NewService(secret string, ttl time.Duration, parameterLimit int) (*Service, error) {
	if secret == "" {
		return nil, fmt.Errorf("token: signing secret is required")
	}
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	if parameterLimit <= 0 {
		parameterLimit = 4096
	}
	return &Service{
		secret:         []byte(secret),
		ttl:            ttl,
		parameterLimit: parameterLimit,
		now:            time.Now,
	}, nil
}

// SetClock overrides the service's time source. Tests only.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// TTL returns the configured token lifetime.
func (s *Service) TTL() time.Duration { return s.ttl }

// Issue mints a pending-action token for the given subject. When a CSRF
// token is supplied, its SHA-256 hash is bound into the signed payload so
// the token can only be redeemed alongside the same CSRF value.
func (s *Service) Issue(subject, action string, parameters map[string]any, csrfToken string) (Issued, error) {
	if parameters != nil {
		serialized, err := json.Marshal(parameters)
		if err != nil {
			return Issued{}, fmt.Errorf("token: serializing parameters: %w", err)
		}
		if len(serialized) > s.parameterLimit {
			return Issued{}, ErrParameterTooLarge
		}
	}

	now := s.now()
	tokenID := uuid.New().String()
	expiresAt := now.Add(s.ttl)

	c := claims{
		Action:     action,
		Parameters: parameters,
		Type:       tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ID:        tokenID,
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if csrfToken != "" {
		c.CSRF = hashCSRF(csrfToken)
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.secret)
	if err != nil {
		return Issued{}, fmt.Errorf("token: signing: %w", err)
	}

	return Issued{Token: signed, TokenID: tokenID, ExpiresAt: expiresAt}, nil
}

// Verify checks the token's signature and claims and returns the decoded
// pending action. expectedSubject must match the authenticated caller; when
// csrfToken is supplied its hash must match the bound hash. No field is
// trusted before the signature validates.
func (s *Service) Verify(raw, expectedSubject, csrfToken string) (*PendingAction, error) {
	parsed, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	},
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, classifyParseError(err)
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return nil, ErrMalformed
	}
	if c.Type != tokenType {
		return nil, ErrWrongType
	}
	if c.ID == "" || c.Subject == "" || c.Action == "" {
		return nil, ErrMalformed
	}
	if c.Subject != expectedSubject {
		return nil, ErrSubjectMismatch
	}
	if c.CSRF != "" || csrfToken != "" {
		if subtle.ConstantTimeCompare([]byte(c.CSRF), []byte(hashCSRF(csrfToken))) != 1 {
			return nil, ErrCSRFMismatch
		}
	}

	return &PendingAction{
		Subject:    c.Subject,
		Action:     c.Action,
		Parameters: c.Parameters,
		TokenID:    c.ID,
		IssuedAt:   c.IssuedAt.Time,
		ExpiresAt:  c.ExpiresAt.Time,
	}, nil
}

// classifyParseError maps jwt library failures onto the package's typed errors.
func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return ErrInvalidSignature
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return ErrIssuerMismatch
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return ErrAudienceMismatch
	default:
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
}

func hashCSRF(csrfToken string) string {
	sum := sha256.Sum256([]byte(csrfToken))
	return hex.EncodeToString(sum[:])
}
