package acme

import (
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	jose "github.com/go-jose/go-jose/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/acmemail/internal/email"
	"github.com/blockadesystems/acmemail/internal/logging"
	"github.com/blockadesystems/acmemail/internal/model"
)

var logger *zap.Logger

func init() {
	logger = logging.For("acme")
}

// ChallengeTypeEmailReply00 is the RFC 8823 challenge type.
const ChallengeTypeEmailReply00 = "email-reply-00"

var (
	// ErrInvalidAccountKey is returned for keys that cannot be thumbprinted.
	ErrInvalidAccountKey = errors.New("acme: invalid account key")
	// ErrInvalidToken is returned for empty or non base64url token parts.
	ErrInvalidToken = errors.New("acme: invalid token")
)

// EmailReply00 is an email-reply-00 challenge of which both token halves are known.
type EmailReply00 struct {
	token1           string
	token2           string
	sender           string
	keyAuthorization string
}

var _ email.Challenge = (*EmailReply00)(nil)

// NewEmailReply00 creates the challenge. token1 comes from the challenge email, token2 from
// the ACME challenge object; sender is the address the CA sends from and may be empty.
func NewEmailReply00(token1, token2, sender string, accountKey *jose.JSONWebKey) (*EmailReply00, error) {
	if err := CheckToken("token1", token1); err != nil {
		return nil, err
	}
	if err := CheckToken("token2", token2); err != nil {
		return nil, err
	}
	thumbprint, err := Thumbprint(accountKey)
	if err != nil {
		return nil, err
	}
	if sender != "" {
		if sender, err = model.NormalizeAddress(sender); err != nil {
			return nil, fmt.Errorf("acme: invalid expected sender: %w", err)
		}
	}
	return &EmailReply00{
		token1:           token1,
		token2:           token2,
		sender:           sender,
		keyAuthorization: token1 + token2 + "." + thumbprint,
	}, nil
}

// FromRecord builds the challenge for a stored record and the token1 taken from the
// challenge email.
func FromRecord(rec *model.EmailChallenge, token1 string) (*EmailReply00, error) {
	if rec == nil {
		return nil, errors.New("acme: challenge record is nil")
	}
	key, err := ParseAccountKey(rec.AccountKeyJWK)
	if err != nil {
		return nil, err
	}
	return NewEmailReply00(token1, rec.Token2, rec.ExpectedSender, key)
}

func (c *EmailReply00) Token1() string         { return c.token1 }
func (c *EmailReply00) Token2() string         { return c.token2 }
func (c *EmailReply00) ExpectedSender() string { return c.sender }

// Token returns the full challenge token.
func (c *EmailReply00) Token() string {
	return c.token1 + c.token2
}

// KeyAuthorization returns token || "." || base64url(thumbprint(accountKey)).
func (c *EmailReply00) KeyAuthorization() string {
	return c.keyAuthorization
}

// Authorization returns base64url(SHA-256(KeyAuthorization)), the value sent back in the
// reply body.
func (c *EmailReply00) Authorization() string {
	sum := sha256.Sum256([]byte(c.keyAuthorization))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// ParseAccountKey decodes a JWK and returns its public part.
func ParseAccountKey(raw string) (*jose.JSONWebKey, error) {
	var key jose.JSONWebKey
	if err := json.Unmarshal([]byte(raw), &key); err != nil {
		logger.Debug("failed to parse account key", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccountKey, err)
	}
	if !key.Valid() {
		return nil, fmt.Errorf("%w: key material is not valid", ErrInvalidAccountKey)
	}
	if !key.IsPublic() {
		pub := key.Public()
		return &pub, nil
	}
	return &key, nil
}

// Thumbprint returns the base64url encoded RFC 7638 SHA-256 thumbprint of key.
func Thumbprint(key *jose.JSONWebKey) (string, error) {
	if key == nil {
		return "", fmt.Errorf("%w: no key", ErrInvalidAccountKey)
	}
	sum, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidAccountKey, err)
	}
	return base64.RawURLEncoding.EncodeToString(sum), nil
}

// CheckToken fails with ErrInvalidToken unless token is non-empty base64url. name labels the error.
func CheckToken(name, token string) error {
	if token == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidToken, name)
	}
	if strings.TrimLeft(token, "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_") != "" {
		return fmt.Errorf("%w: %s is not base64url", ErrInvalidToken, name)
	}
	return nil
}
