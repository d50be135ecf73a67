// Package authgate is the AuthGate collaborator: verifies user-bearer JWTs,
// hashed API keys, sandbox ownership, and agent tokens. JWT handling is
// promoted from an indirect go-oidc dependency shared across the example
// pack to a direct one here (github.com/go-jose/go-jose/v4); API-key and
// password hashing follow the teacher's bcrypt usage in internal/auth/auth.go.
package authgate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/sandboxd/sandboxd/internal/apierr"
	"github.com/sandboxd/sandboxd/internal/logging"
	"github.com/sandboxd/sandboxd/internal/pgstore"
)

// apiKeyPattern matches the isk_ + 64 lowercase hex char credential format.
var apiKeyPattern = regexp.MustCompile(`^isk_[0-9a-f]{64}$`)

const keyPrefixLen = 12 // "isk_" + 8 hex chars, per spec.md §6

// Gate implements the three verification flows of spec.md §4.1.
type Gate struct {
	store     *pgstore.Store
	jwtSecret []byte
}

// New builds a Gate bound to the given persistent store and shared JWT secret.
func New(store *pgstore.Store, jwtSecret string) *Gate {
	return &Gate{store: store, jwtSecret: []byte(jwtSecret)}
}

// UserClaims is the payload of a user-bearer JWT.
type UserClaims struct {
	jwt.Claims
	UserID string `json:"userId"`
	Email  string `json:"email"`
}

// AgentClaims is the payload of an agent token.
type AgentClaims struct {
	jwt.Claims
	SandboxID string `json:"sandboxId"`
	Type      string `json:"type"` // "agent" or "warm"
	UserID    string `json:"userId,omitempty"`
	Tier      string `json:"tier,omitempty"`
}

func (g *Gate) sign(claims interface{}) (string, error) {
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.HS256, Key: g.jwtSecret}, (&jose.SignerOptions{}).WithType("JWT"))
	if err != nil {
		return "", fmt.Errorf("build signer: %w", err)
	}
	token, err := jwt.Signed(signer).Claims(claims).Serialize()
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return token, nil
}

// MintUserToken issues a user-bearer JWT.
func (g *Gate) MintUserToken(userID, email string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := UserClaims{
		Claims: jwt.Claims{
			Subject:  userID,
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(ttl)),
			ID:       uuid.NewString(),
		},
		UserID: userID,
		Email:  email,
	}
	return g.sign(claims)
}

// VerifyUserToken parses and verifies a user-bearer JWT, returning its claims.
func (g *Gate) VerifyUserToken(raw string) (*UserClaims, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, apierr.Wrap(apierr.Unauthenticated, "invalid token", err)
	}
	var claims UserClaims
	if err := tok.Claims(g.jwtSecret, &claims); err != nil {
		return nil, apierr.Wrap(apierr.Unauthenticated, "invalid token", err)
	}
	if err := claims.Validate(jwt.Expected{Time: time.Now()}); err != nil {
		return nil, apierr.Wrap(apierr.Unauthenticated, "expired or invalid token", err)
	}
	if claims.UserID == "" || claims.Email == "" {
		return nil, apierr.New(apierr.Unauthenticated, "token missing required claims")
	}
	return &claims, nil
}

// MintAgentToken issues a sandbox-scoped agent token, 24h lifetime per
// SandboxManager.create (spec.md §4.6).
func (g *Gate) MintAgentToken(sandboxID, typ, userID, tier string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AgentClaims{
		Claims: jwt.Claims{
			Subject:  sandboxID,
			IssuedAt: jwt.NewNumericDate(now),
			Expiry:   jwt.NewNumericDate(now.Add(ttl)),
			ID:       uuid.NewString(),
		},
		SandboxID: sandboxID,
		Type:      typ,
		UserID:    userID,
		Tier:      tier,
	}
	return g.sign(claims)
}

// VerifyAgentToken verifies an agent token and checks its sandbox-id claim
// matches the sandbox-id presented in the URL.
func (g *Gate) VerifyAgentToken(raw, urlSandboxID string) (*AgentClaims, error) {
	tok, err := jwt.ParseSigned(raw, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return nil, apierr.Wrap(apierr.Unauthenticated, "invalid agent token", err)
	}
	var claims AgentClaims
	if err := tok.Claims(g.jwtSecret, &claims); err != nil {
		return nil, apierr.Wrap(apierr.Unauthenticated, "invalid agent token", err)
	}
	if err := claims.Validate(jwt.Expected{Time: time.Now()}); err != nil {
		return nil, apierr.Wrap(apierr.Unauthenticated, "expired agent token", err)
	}
	if claims.Type != "agent" && claims.Type != "warm" {
		return nil, apierr.New(apierr.Unauthenticated, "invalid agent token type")
	}
	if claims.SandboxID != urlSandboxID {
		return nil, apierr.New(apierr.Unauthenticated, "agent token sandbox mismatch")
	}
	return &claims, nil
}

// VerifiedKey is the result of a successful API-key verification.
type VerifiedKey struct {
	UserID       string
	CredentialID string
	Email        string
}

// VerifyAPIKey implements the prefix-lookup + constant-time-compare flow.
func (g *Gate) VerifyAPIKey(ctx context.Context, presented string) (*VerifiedKey, error) {
	if !apiKeyPattern.MatchString(presented) {
		return nil, apierr.New(apierr.InvalidInput, "malformed api key")
	}
	prefix := presented[:keyPrefixLen]
	candidates, err := g.store.GetCredentialByPrefix(prefix)
	if err != nil {
		return nil, fmt.Errorf("lookup credential prefix: %w", err)
	}
	for _, c := range candidates {
		if bcrypt.CompareHashAndPassword([]byte(c.KeyHash), []byte(presented)) == nil {
			if err := g.store.TouchCredentialLastUsed(c.ID); err != nil {
				// Non-critical side effect: log and continue per spec.md §7.
				logging.WithComponent("authgate").Warn().Err(err).Str("credential_id", c.ID).Msg("failed to touch credential last-used")
			}
			user, err := g.store.GetUser(c.UserID)
			if err != nil {
				return nil, fmt.Errorf("load user for credential: %w", err)
			}
			if user == nil {
				return nil, apierr.New(apierr.InvalidCredentials, "invalid api key")
			}
			return &VerifiedKey{UserID: user.ID, CredentialID: c.ID, Email: user.Email}, nil
		}
	}
	return nil, apierr.New(apierr.InvalidCredentials, "invalid api key")
}

// MintAPIKey generates a fresh `isk_` + 64 lowercase hex char credential,
// per spec.md §6's format. The full key is returned to the caller exactly
// once; only its prefix and bcrypt hash are meant to be persisted.
func MintAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return "isk_" + hex.EncodeToString(b), nil
}

// HashAPIKey bcrypt-hashes a freshly minted API key for storage.
func HashAPIKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// KeyPrefix returns the first keyPrefixLen characters used for lookup.
func KeyPrefix(key string) string {
	if len(key) < keyPrefixLen {
		return key
	}
	return key[:keyPrefixLen]
}

// CheckSandboxOwnership verifies that sandboxUserID equals the verified
// caller's user id, used by every ownership-gated SandboxManager operation.
func CheckSandboxOwnership(sandboxUserID, callerUserID string) error {
	if sandboxUserID != callerUserID {
		return apierr.New(apierr.Forbidden, "not the owner of this sandbox")
	}
	return nil
}
