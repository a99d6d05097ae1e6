// Package auth resolves session tokens to identities and decides who may
// enter a room.
package auth

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/segmentio/ksuid"

	"github.com/manpreetbhatti/scrawl/internal/canvas"
)

var (
	ErrMalformedToken   = errors.New("malformed token")
	ErrInvalidSignature = errors.New("invalid token signature")
	ErrTokenExpired     = errors.New("token has expired")
)

// Claims is the CBOR payload of a session token
type Claims struct {
	// Identity the token was minted for
	Subject string `cbor:"1,keyasint"`

	// Unique token id (ksuid)
	ID string `cbor:"2,keyasint"`

	// Unix seconds
	IssuedAt  int64 `cbor:"3,keyasint"`
	ExpiresAt int64 `cbor:"4,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("auth: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("auth: CBOR decoder initialization failed: " + err.Error())
	}
}

var encoding = base64.RawURLEncoding

// KeyFromSeed derives the signing key from a 32-byte seed
func KeyFromSeed(seed []byte) (ed25519.PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key seed has %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// GenerateSeed returns a fresh random seed for KeyFromSeed
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generating signing key seed: %w", err)
	}
	return seed, nil
}

// Issuer mints session tokens
type Issuer struct {
	key ed25519.PrivateKey
	ttl time.Duration
}

func NewIssuer(key ed25519.PrivateKey, ttl time.Duration) *Issuer {
	return &Issuer{key: key, ttl: ttl}
}

func (i *Issuer) Mint(identity string) (string, error) {
	return i.MintAt(identity, time.Now())
}

// MintAt is like Mint but with an explicit issue time
func (i *Issuer) MintAt(identity string, now time.Time) (string, error) {
	if identity == "" {
		return "", errors.New("minting token: empty identity")
	}

	claims := Claims{
		Subject:   identity,
		ID:        ksuid.New().String(),
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(i.ttl).Unix(),
	}
	payload, err := encMode.Marshal(&claims)
	if err != nil {
		return "", fmt.Errorf("encoding token claims: %w", err)
	}
	signature := ed25519.Sign(i.key, payload)

	return encoding.EncodeToString(payload) + "." + encoding.EncodeToString(signature), nil
}

// Verifier checks session tokens against the issuer's public key
type Verifier struct {
	key ed25519.PublicKey
	now func() time.Time
}

func NewVerifier(key ed25519.PublicKey) *Verifier {
	return &Verifier{key: key, now: time.Now}
}

// Verify checks the signature and expiry and returns the claims
func (v *Verifier) Verify(token string) (*Claims, error) {
	encodedPayload, encodedSignature, ok := strings.Cut(token, ".")
	if !ok {
		return nil, ErrMalformedToken
	}
	payload, err := encoding.DecodeString(encodedPayload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	signature, err := encoding.DecodeString(encodedSignature)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return nil, ErrMalformedToken
	}

	if !ed25519.Verify(v.key, payload, signature) {
		return nil, ErrInvalidSignature
	}

	var claims Claims
	if err := decMode.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if claims.Subject == "" {
		return nil, ErrMalformedToken
	}
	if v.now().Unix() >= claims.ExpiresAt {
		return nil, ErrTokenExpired
	}

	return &claims, nil
}

// ResolveIdentity returns the identity a token was minted for. Every failure
// is reported as canvas.ErrInvalidToken.
func (v *Verifier) ResolveIdentity(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing token", canvas.ErrInvalidToken)
	}
	claims, err := v.Verify(token)
	if err != nil {
		return "", fmt.Errorf("%w: %w", canvas.ErrInvalidToken, err)
	}
	return claims.Subject, nil
}
