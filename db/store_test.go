package db

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/onnwee/chzzk-relay/credstore"
	"github.com/onnwee/chzzk-relay/crypto"
)

func setupStore(t *testing.T, sealer crypto.Sealer) *CredentialStore {
	t.Helper()
	db := openTestDB(t)
	ctx := context.Background()
	if err := Migrate(ctx, db); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	s := NewCredentialStore(db, sealer)
	s.Provider = "test-" + t.Name()
	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), `DELETE FROM oauth_tokens WHERE provider=$1`, s.Provider)
		_, _ = db.ExecContext(context.Background(), `DELETE FROM oauth_grants WHERE provider=$1`, s.Provider)
	})
	return s
}

func testSealer(t *testing.T) crypto.Sealer {
	t.Helper()
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	s, err := crypto.NewAESSealer(base64.StdEncoding.EncodeToString(key))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestCredentialStore_NotFound(t *testing.T) {
	s := setupStore(t, nil)
	ctx := context.Background()
	if _, err := s.LoadCredential(ctx); !errors.Is(err, credstore.ErrNotFound) {
		t.Errorf("LoadCredential() error = %v, want ErrNotFound", err)
	}
	if _, err := s.LoadGrant(ctx); !errors.Is(err, credstore.ErrNotFound) {
		t.Errorf("LoadGrant() error = %v, want ErrNotFound", err)
	}
}

func TestCredentialStore_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		sealer func(t *testing.T) crypto.Sealer
	}{
		{name: "plaintext", sealer: func(*testing.T) crypto.Sealer { return nil }},
		{name: "sealed", sealer: testSealer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := setupStore(t, tt.sealer(t))
			ctx := context.Background()
			want := credstore.AccessCredential{AccessToken: "T1", RefreshToken: "R1", TokenType: "Bearer", ExpiresIn: 86400}

			if err := s.SaveCredential(ctx, want); err != nil {
				t.Fatalf("SaveCredential() error = %v", err)
			}
			// overwrite is idempotent
			if err := s.SaveCredential(ctx, want); err != nil {
				t.Fatalf("second SaveCredential() error = %v", err)
			}
			got, err := s.LoadCredential(ctx)
			if err != nil {
				t.Fatalf("LoadCredential() error = %v", err)
			}
			if *got != want {
				t.Errorf("LoadCredential() = %+v, want %+v", *got, want)
			}

			var stored string
			var version int
			if err := s.DB.QueryRowContext(ctx, `SELECT access_token, encryption_version FROM oauth_tokens WHERE provider=$1`, s.Provider).Scan(&stored, &version); err != nil {
				t.Fatal(err)
			}
			if s.Sealer != nil && (stored == "T1" || version != 1) {
				t.Errorf("token stored in plaintext with sealer configured (version %d)", version)
			}
			if s.Sealer == nil && (stored != "T1" || version != 0) {
				t.Errorf("stored = %q version = %d, want plaintext", stored, version)
			}
		})
	}
}

func TestCredentialStore_SealedWithoutKey(t *testing.T) {
	s := setupStore(t, testSealer(t))
	ctx := context.Background()
	if err := s.SaveCredential(ctx, credstore.AccessCredential{AccessToken: "T1"}); err != nil {
		t.Fatal(err)
	}
	s.Sealer = nil
	if _, err := s.LoadCredential(ctx); err == nil || errors.Is(err, credstore.ErrNotFound) {
		t.Errorf("LoadCredential() error = %v, want decryption configuration error", err)
	}
}

func TestCredentialStore_Grant(t *testing.T) {
	s := setupStore(t, nil)
	ctx := context.Background()
	if err := s.SaveGrant(ctx, credstore.AuthorizationGrant{Code: "abc", State: "0"}); err != nil {
		t.Fatalf("SaveGrant() error = %v", err)
	}
	if err := s.SaveGrant(ctx, credstore.AuthorizationGrant{Code: "def", State: "1"}); err != nil {
		t.Fatalf("SaveGrant() overwrite error = %v", err)
	}
	g, err := s.LoadGrant(ctx)
	if err != nil {
		t.Fatalf("LoadGrant() error = %v", err)
	}
	if g.Code != "def" || g.State != "1" {
		t.Errorf("LoadGrant() = %+v", *g)
	}
}
