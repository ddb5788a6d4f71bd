package main

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"strings"
	"testing"

	"github.com/onnwee/chzzk-relay/config"
	"github.com/onnwee/chzzk-relay/credstore"
)

func TestOpenStoreFileBackend(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		CredentialBackend: config.BackendFile,
		CredentialFile:    filepath.Join(dir, "access_token.json"),
		GrantFile:         filepath.Join(dir, "auth_data.json"),
		EncryptionKey:     base64.StdEncoding.EncodeToString([]byte(strings.Repeat("k", 32))),
	}
	store, database, err := openStore(context.Background(), cfg)
	if err != nil {
		t.Fatalf("openStore() error = %v", err)
	}
	if database != nil {
		t.Error("file backend should not open a database")
	}
	fs, ok := store.(*credstore.FileStore)
	if !ok {
		t.Fatalf("store = %T, want *credstore.FileStore", store)
	}
	if fs.Sealer == nil {
		t.Error("expected sealer when ENCRYPTION_KEY is set")
	}
}

func TestOpenStoreInvalidKey(t *testing.T) {
	cfg := &config.Config{CredentialBackend: config.BackendFile, EncryptionKey: "not-base64!"}
	if _, _, err := openStore(context.Background(), cfg); err == nil {
		t.Fatal("expected error for invalid ENCRYPTION_KEY")
	}
}
