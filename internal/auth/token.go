package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer            = "ledgerlink"
	secretEnvVariable = "LEDGERLINK_AUTH_SECRET"
	clockSkew         = 5 * time.Second
)

var (
	// ErrInvalidToken covers every verification failure; callers get no detail.
	ErrInvalidToken = errors.New("invalid token")

	errMissingSecret = errors.New("auth secret is not configured")
)

// Claims is the session carried by a bearer token. CompanyID scopes the
// session to one company; operators may omit it.
type Claims struct {
	CompanyID string   `json:"company_id,omitempty"`
	Roles     []string `json:"roles"`
	jwt.RegisteredClaims
}

// signingKey is resolved lazily from the environment unless SetSecret ran.
var signingKey struct {
	sync.Mutex
	loaded bool
	value  []byte
}

// SetSecret installs the HMAC key from configuration. An empty value makes
// the next use fall back to LEDGERLINK_AUTH_SECRET.
func SetSecret(raw string) {
	signingKey.Lock()
	defer signingKey.Unlock()
	raw = strings.TrimSpace(raw)
	signingKey.loaded = raw != ""
	signingKey.value = []byte(raw)
}

// ResetSecretForTests forgets the installed key.
func ResetSecretForTests() { SetSecret("") }

func key() ([]byte, error) {
	signingKey.Lock()
	defer signingKey.Unlock()
	if !signingKey.loaded {
		raw := strings.TrimSpace(os.Getenv(secretEnvVariable))
		if raw == "" {
			return nil, errMissingSecret
		}
		signingKey.value, signingKey.loaded = []byte(raw), true
	}
	return signingKey.value, nil
}

// GenerateToken signs an HS256 session token valid for ttl.
func GenerateToken(subject, companyID string, roles []string, ttl time.Duration) (string, error) {
	subject = strings.TrimSpace(subject)
	switch {
	case subject == "":
		return "", fmt.Errorf("%w: subject is required", ErrInvalidInput)
	case ttl <= 0:
		return "", fmt.Errorf("%w: ttl must be positive", ErrInvalidInput)
	}
	k, err := key()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	c := Claims{
		CompanyID: strings.TrimSpace(companyID),
		Roles:     normalizeRoles(roles),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(k)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseAndValidate verifies signature, issuer and lifetime.
func ParseAndValidate(token string) (*Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrInvalidToken
	}
	k, err := key()
	if err != nil {
		return nil, err
	}
	c := &Claims{}
	_, err = jwt.ParseWithClaims(token, c,
		func(*jwt.Token) (any, error) { return k, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(clockSkew),
	)
	if err != nil || strings.TrimSpace(c.Subject) == "" {
		return nil, ErrInvalidToken
	}
	c.Roles = normalizeRoles(c.Roles)
	return c, nil
}

// normalizeRoles lower-cases, trims and dedupes, keeping first occurrence order.
func normalizeRoles(roles []string) []string {
	var out []string
	for _, r := range roles {
		r = strings.ToLower(strings.TrimSpace(r))
		if r == "" || contains(out, r) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
