// Package token issues the bearer credentials attached to outbound relay calls.
//
// A token for a call that stays inside one cell is sealed with XChaCha20-Poly1305 under a
// key derived for the issuing cell. A token that crosses cells is readable by the target
// and carries a BLAKE3 keyed MAC under a key derived for the target cell. Both keys come
// from the unit secret through HKDF-SHA256, so every engine of the unit can verify them.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/personium/personium-core-sub028/errors"
)

// Token string prefixes
const (
	PrefixLocal     = "AL~"
	PrefixTransCell = "AT~"
)

// KeySize is the size of every derived key
const KeySize = 32

// MinSecretSize is the shortest unit secret accepted
const MinSecretSize = 16

// DefaultTTL is the lifetime of issued tokens
const DefaultTTL = time.Hour

var (
	hkdfInfoLocal     = []byte("personium.token.local.v1")
	hkdfInfoTransCell = []byte("personium.token.transcell.v1")
	macDomain         = []byte("personium.token.mac.v1")
)

// ErrInvalidToken is returned by the parsers for anything that does not verify
var ErrInvalidToken = errors.New("invalid token")

// Claims is the payload of both token shapes
type Claims struct {
	Issuer    string   `json:"iss"`
	Subject   string   `json:"sub"`
	Target    string   `json:"target"`
	Schema    string   `json:"schema,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	IssuedAt  int64    `json:"iat"`
	ExpiresAt int64    `json:"exp"`
	ID        string   `json:"jti"`
}

// Expired reports whether the claims are past their expiry at now
func (c *Claims) Expired(now time.Time) bool {
	return now.Unix() >= c.ExpiresAt
}

// Builder issues tokens. It is safe for concurrent use.
type Builder struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Builder
type Option func(*Builder)

// WithTTL sets the token lifetime
func WithTTL(ttl time.Duration) Option {
	return func(b *Builder) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(b *Builder) {
		if now != nil {
			b.now = now
		}
	}
}

// WithLogger sets the logger used for issuance failures
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

// NewBuilder creates a Builder from the unit secret
func NewBuilder(secret []byte, opts ...Option) (*Builder, error) {
	if len(secret) < MinSecretSize {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Builder", "NewBuilder",
			fmt.Sprintf("secret must be at least %d bytes", MinSecretSize))
	}
	b := &Builder{
		secret: append([]byte(nil), secret...),
		ttl:    DefaultTTL,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "token")
	return b, nil
}

// Build returns a bearer token for subject acting from issuer against target, or "" when
// subject, issuer or target is missing. Calls within one cell get a local token.
func (b *Builder) Build(issuer, target, subject, schema string, roles []string) string {
	if subject == "" || issuer == "" || target == "" {
		return ""
	}
	now := b.now()
	claims := Claims{
		Issuer:    issuer,
		Subject:   subject,
		Target:    target,
		Schema:    schema,
		Roles:     roles,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(b.ttl).Unix(),
		ID:        uuid.NewString(),
	}

	var (
		tok string
		err error
	)
	if sameCell(issuer, target) {
		tok, err = b.sealLocal(claims)
	} else {
		tok, err = b.signTransCell(claims)
	}
	if err != nil {
		b.logger.Warn("Token issuance failed", "issuer", issuer, "target", target, "error", err)
		return ""
	}
	return tok
}

// ParseLocal opens a local token issued for cellURL
func (b *Builder) ParseLocal(tok, cellURL string) (*Claims, error) {
	body, ok := strings.CutPrefix(tok, PrefixLocal)
	if !ok {
		return nil, errors.WrapInvalid(ErrInvalidToken, "Builder", "ParseLocal", "check prefix")
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil || len(raw) < chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, errors.WrapInvalid(ErrInvalidToken, "Builder", "ParseLocal", "decode token")
	}

	key, err := b.deriveKey(hkdfInfoLocal, cellURL)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.WrapFatal(err, "Builder", "ParseLocal", "create cipher")
	}
	nonce := raw[:chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, raw[chacha20poly1305.NonceSizeX:], []byte(normalize(cellURL)))
	if err != nil {
		return nil, errors.WrapInvalid(ErrInvalidToken, "Builder", "ParseLocal", "open token")
	}
	return b.decodeClaims(plaintext, "ParseLocal")
}

// ParseTransCell verifies a trans-cell token addressed to targetURL
func (b *Builder) ParseTransCell(tok, targetURL string) (*Claims, error) {
	body, ok := strings.CutPrefix(tok, PrefixTransCell)
	if !ok {
		return nil, errors.WrapInvalid(ErrInvalidToken, "Builder", "ParseTransCell", "check prefix")
	}
	payloadPart, macPart, ok := strings.Cut(body, ".")
	if !ok {
		return nil, errors.WrapInvalid(ErrInvalidToken, "Builder", "ParseTransCell", "split token")
	}
	payload, err := base64.RawURLEncoding.DecodeString(payloadPart)
	if err != nil {
		return nil, errors.WrapInvalid(ErrInvalidToken, "Builder", "ParseTransCell", "decode payload")
	}
	mac, err := base64.RawURLEncoding.DecodeString(macPart)
	if err != nil {
		return nil, errors.WrapInvalid(ErrInvalidToken, "Builder", "ParseTransCell", "decode mac")
	}

	key, err := b.deriveKey(hkdfInfoTransCell, targetURL)
	if err != nil {
		return nil, err
	}
	expected, err := computeMAC(key, payload)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(mac, expected) != 1 {
		return nil, errors.WrapInvalid(ErrInvalidToken, "Builder", "ParseTransCell", "verify mac")
	}

	claims, err := b.decodeClaims(payload, "ParseTransCell")
	if err != nil {
		return nil, err
	}
	if !sameCell(claims.Target, targetURL) {
		return nil, errors.WrapInvalid(ErrInvalidToken, "Builder", "ParseTransCell", "check target")
	}
	return claims, nil
}

func (b *Builder) sealLocal(claims Claims) (string, error) {
	plaintext, err := json.Marshal(claims)
	if err != nil {
		return "", errors.WrapInvalid(err, "Builder", "sealLocal", "encode claims")
	}
	key, err := b.deriveKey(hkdfInfoLocal, claims.Target)
	if err != nil {
		return "", err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", errors.WrapFatal(err, "Builder", "sealLocal", "create cipher")
	}

	out := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return "", errors.WrapTransient(err, "Builder", "sealLocal", "generate nonce")
	}
	out = aead.Seal(out, out[:chacha20poly1305.NonceSizeX], plaintext, []byte(normalize(claims.Target)))
	return PrefixLocal + base64.RawURLEncoding.EncodeToString(out), nil
}

func (b *Builder) signTransCell(claims Claims) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", errors.WrapInvalid(err, "Builder", "signTransCell", "encode claims")
	}
	key, err := b.deriveKey(hkdfInfoTransCell, claims.Target)
	if err != nil {
		return "", err
	}
	mac, err := computeMAC(key, payload)
	if err != nil {
		return "", err
	}
	return PrefixTransCell + base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(mac), nil
}

func (b *Builder) decodeClaims(data []byte, method string) (*Claims, error) {
	var c Claims
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.WrapInvalid(ErrInvalidToken, "Builder", method, "decode claims")
	}
	if c.Expired(b.now()) {
		return nil, errors.WrapInvalid(ErrInvalidToken, "Builder", method, "check expiry")
	}
	return &c, nil
}

// deriveKey binds a key to one cell URL
func (b *Builder) deriveKey(info []byte, cellURL string) ([]byte, error) {
	full := make([]byte, 0, len(info)+1+len(cellURL))
	full = append(full, info...)
	full = append(full, 0)
	full = append(full, normalize(cellURL)...)

	reader := hkdf.New(sha256.New, b.secret, nil, full)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, errors.WrapFatal(err, "Builder", "deriveKey", "hkdf")
	}
	return key, nil
}

func computeMAC(key, payload []byte) ([]byte, error) {
	hasher, err := blake3.NewKeyed(key)
	if err != nil {
		return nil, errors.WrapFatal(err, "Builder", "computeMAC", "init keyed hash")
	}
	hasher.Write(macDomain)
	hasher.Write(payload)
	return hasher.Sum(nil), nil
}

func normalize(cellURL string) string {
	return strings.TrimSuffix(cellURL, "/")
}

func sameCell(a, b string) bool {
	return normalize(a) == normalize(b)
}

// SplitRoles turns the comma separated role list carried on events into a slice
func SplitRoles(roles string) []string {
	if strings.TrimSpace(roles) == "" {
		return nil
	}
	parts := strings.Split(roles, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
