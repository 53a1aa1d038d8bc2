package server

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/golang-jwt/jwt/v5"
)

func TestSignAndVerifyRoundTrip(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	keys, err := NewSigningKeys("", 0, logger)
	if err != nil {
		t.Fatalf("NewSigningKeys: %v", err)
	}

	signed, kid, err := keys.Sign(jwt.MapClaims{"sub": "alice"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if kid == "" {
		t.Fatalf("no kid returned")
	}

	tok, err := jwt.Parse(signed, keys.Keyfunc, jwt.WithValidMethods([]string{"RS256"}))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if sub, _ := tok.Claims.(jwt.MapClaims)["sub"].(string); sub != "alice" {
		t.Fatalf("sub = %q", sub)
	}
	if tok.Header["kid"] != kid {
		t.Fatalf("kid = %v, want %s", tok.Header["kid"], kid)
	}
}

func TestRotationKeepsPreviousKey(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	keys, err := NewSigningKeys("", 0, logger)
	if err != nil {
		t.Fatalf("NewSigningKeys: %v", err)
	}

	signed, oldKid, err := keys.Sign(jwt.MapClaims{"sub": "alice"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := keys.rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	// A token signed before the rotation still validates.
	if _, err := jwt.Parse(signed, keys.Keyfunc, jwt.WithValidMethods([]string{"RS256"})); err != nil {
		t.Fatalf("pre-rotation token rejected: %v", err)
	}

	set := keys.PublicJWKS()
	if len(set.Keys) != 2 {
		t.Fatalf("published %d keys, want current plus previous", len(set.Keys))
	}
	found := false
	for _, k := range set.Keys {
		if k.KeyID == oldKid {
			found = true
		}
		if !k.IsPublic() {
			t.Fatalf("published jwks contains a private key")
		}
	}
	if !found {
		t.Fatalf("previous kid %s dropped from the jwks", oldKid)
	}
}

func TestKeysPersistAcrossRestarts(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "jwks.json")

	first, err := NewSigningKeys(path, 0, logger)
	if err != nil {
		t.Fatalf("NewSigningKeys: %v", err)
	}
	signed, kid, err := first.Sign(jwt.MapClaims{"sub": "alice"})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	second, err := NewSigningKeys(path, 0, logger)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, err := jwt.Parse(signed, second.Keyfunc, jwt.WithValidMethods([]string{"RS256"})); err != nil {
		t.Fatalf("token signed before restart rejected: %v", err)
	}
	_, newKid, err := second.Sign(jwt.MapClaims{"sub": "bob"})
	if err != nil {
		t.Fatalf("Sign after reload: %v", err)
	}
	if newKid != kid {
		t.Fatalf("reload minted a new key: %s != %s", newKid, kid)
	}
}
