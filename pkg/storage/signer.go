package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const blobAudience = "docucert-blob"

// ErrInvalidReference is returned for tampered, malformed or expired download references.
var ErrInvalidReference = errors.New("invalid or expired download reference")

type blobClaims struct {
	jwt.RegisteredClaims
	Key      string `json:"key"`
	Filename string `json:"fn,omitempty"`
}

// SignedReference is a resolved download reference.
type SignedReference struct {
	Key       string
	Filename  string
	ExpiresAt time.Time
}

// URLSigner issues HS256-signed, expiring references to stored objects.
type URLSigner struct {
	secret  []byte
	baseURL string
	now     func() time.Time
}

// NewURLSigner creates a signer producing URLs under baseURL.
func NewURLSigner(secret, baseURL string) (*URLSigner, error) {
	if secret == "" {
		return nil, errors.New("storage signing secret is required")
	}
	return &URLSigner{
		secret:  []byte(secret),
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}, nil
}

// SignedURL returns {baseURL}/blobs/{token} valid for ttl.
func (s *URLSigner) SignedURL(key, filename string, ttl time.Duration) (string, time.Time, error) {
	if err := ValidateKey(key); err != nil {
		return "", time.Time{}, err
	}
	if ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("signed url ttl must be positive, got %v", ttl)
	}
	now := s.now()
	expiresAt := now.Add(ttl)
	claims := &blobClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Audience:  jwt.ClaimStrings{blobAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Key:      key,
		Filename: filename,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign download reference: %w", err)
	}
	return s.baseURL + "/blobs/" + token, expiresAt, nil
}

// Resolve validates the token from a /blobs/{token} path.
func (s *URLSigner) Resolve(token string) (*SignedReference, error) {
	parsed, err := jwt.ParseWithClaims(token, &blobClaims{}, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(blobAudience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	claims, ok := parsed.Claims.(*blobClaims)
	if !ok || ValidateKey(claims.Key) != nil {
		return nil, ErrInvalidReference
	}
	return &SignedReference{
		Key:       claims.Key,
		Filename:  claims.Filename,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
