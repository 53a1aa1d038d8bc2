package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

type signingKey struct {
	PrivateKey *rsa.PrivateKey
	JWK        jose.JSONWebKey
	Kid        string
	CreatedAt  time.Time
}

// SigningKeys manages the RSA keys access tokens are signed with and their
// JSON Web Key Set exposure. The previous key stays published so tokens
// signed just before a rotation still validate.
type SigningKeys struct {
	mu          sync.RWMutex
	current     signingKey
	previous    []signingKey
	rotateEvery time.Duration
	storePath   string
	logger      *slog.Logger
}

// NewSigningKeys loads keys from disk or creates a fresh pair.
func NewSigningKeys(storePath string, rotateEvery time.Duration, logger *slog.Logger) (*SigningKeys, error) {
	keys := &SigningKeys{
		rotateEvery: rotateEvery,
		storePath:   storePath,
		logger:      logger,
	}

	if storePath != "" {
		if err := keys.loadFromDisk(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	if keys.current.PrivateKey == nil {
		if err := keys.rotate(); err != nil {
			return nil, err
		}
	}

	return keys, nil
}

// StartRotation launches the background rotation ticker.
func (k *SigningKeys) StartRotation(stop <-chan struct{}) {
	if k.rotateEvery <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(k.rotateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := k.rotate(); err != nil {
					k.logger.Error("jwks rotate", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Sign signs claims and returns the token string with its kid.
func (k *SigningKeys) Sign(claims jwt.MapClaims) (string, string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	k.mu.RLock()
	defer k.mu.RUnlock()
	token.Header["kid"] = k.current.Kid
	signed, err := token.SignedString(k.current.PrivateKey)
	if err != nil {
		return "", "", err
	}
	return signed, k.current.Kid, nil
}

// Keyfunc resolves the verification key during JWT validation.
func (k *SigningKeys) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	k.mu.RLock()
	defer k.mu.RUnlock()
	if kid == "" || kid == k.current.Kid {
		return &k.current.PrivateKey.PublicKey, nil
	}
	for _, prev := range k.previous {
		if prev.Kid == kid {
			return &prev.PrivateKey.PublicKey, nil
		}
	}
	return &k.current.PrivateKey.PublicKey, nil
}

// PublicJWKS exposes the public keys for the jwks endpoint.
func (k *SigningKeys) PublicJWKS() jose.JSONWebKeySet {
	k.mu.RLock()
	defer k.mu.RUnlock()
	keys := []jose.JSONWebKey{
		k.current.JWK.Public(),
	}
	for _, prev := range k.previous {
		keys = append(keys, prev.JWK.Public())
	}
	return jose.JSONWebKeySet{Keys: keys}
}

func (k *SigningKeys) rotate() error {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return err
	}
	kid := randomKID()
	jwk := jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.RS256), Use: "sig"}

	k.mu.Lock()
	if k.current.PrivateKey != nil {
		k.previous = append([]signingKey{k.current}, k.previous...)
		if len(k.previous) > 1 {
			k.previous = k.previous[:1]
		}
	}
	k.current = signingKey{PrivateKey: key, JWK: jwk, Kid: kid, CreatedAt: time.Now()}
	k.mu.Unlock()

	if k.storePath != "" {
		if err := k.persist(); err != nil {
			return err
		}
	}
	return nil
}

func (k *SigningKeys) persist() error {
	k.mu.RLock()
	defer k.mu.RUnlock()

	keys := []jose.JSONWebKey{k.current.JWK}
	for _, prev := range k.previous {
		keys = append(keys, prev.JWK)
	}
	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: keys}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(k.storePath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(k.storePath, payload, 0o600)
}

func (k *SigningKeys) loadFromDisk() error {
	payload, err := os.ReadFile(k.storePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return err
	}
	if len(set.Keys) == 0 {
		return errors.New("no keys in jwks")
	}
	var prev []signingKey
	for i, key := range set.Keys {
		priv, ok := key.Key.(*rsa.PrivateKey)
		if !ok {
			continue
		}
		pair := signingKey{PrivateKey: priv, JWK: key, Kid: key.KeyID, CreatedAt: time.Now()}
		if i == 0 {
			k.current = pair
		} else {
			prev = append(prev, pair)
		}
	}
	k.previous = prev
	return nil
}

func randomKID() string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "kid"
	}
	return hex.EncodeToString(buf)
}
