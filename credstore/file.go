package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/onnwee/chzzk-relay/crypto"
)

const credentialLabel = "chzzk:credential"

// sealedFile is the on-disk shape of a credential written with a Sealer.
// encryption_version=1 marks sealed content; plaintext files carry no version.
type sealedFile struct {
	EncryptionVersion int    `json:"encryption_version"`
	Ciphertext        string `json:"ciphertext"`
}

// FileStore keeps the credential and grant as JSON files.
type FileStore struct {
	CredentialPath string
	GrantPath      string
	// Sealer encrypts the credential file when non-nil.
	Sealer crypto.Sealer
}

// NewFileStore returns a FileStore for the given artifact paths.
func NewFileStore(credentialPath, grantPath string, sealer crypto.Sealer) *FileStore {
	return &FileStore{CredentialPath: credentialPath, GrantPath: grantPath, Sealer: sealer}
}

func (s *FileStore) LoadCredential(_ context.Context) (*AccessCredential, error) {
	b, err := readArtifact(s.CredentialPath)
	if err != nil {
		return nil, err
	}
	var sf sealedFile
	if err := json.Unmarshal(b, &sf); err == nil && sf.EncryptionVersion == 1 {
		if s.Sealer == nil {
			return nil, fmt.Errorf("credential %s is encrypted but ENCRYPTION_KEY not configured", s.CredentialPath)
		}
		plain, err := crypto.OpenString(s.Sealer, sf.Ciphertext, credentialLabel)
		if err != nil {
			return nil, fmt.Errorf("open credential: %w", err)
		}
		b = []byte(plain)
	}
	return decodeCredential(b)
}

func (s *FileStore) SaveCredential(_ context.Context, cred AccessCredential) error {
	b, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return err
	}
	if s.Sealer != nil {
		ct, err := crypto.SealString(s.Sealer, string(b), credentialLabel)
		if err != nil {
			return fmt.Errorf("seal credential: %w", err)
		}
		if b, err = json.MarshalIndent(sealedFile{EncryptionVersion: 1, Ciphertext: ct}, "", "  "); err != nil {
			return err
		}
	}
	if err := writeArtifact(s.CredentialPath, b); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	slog.Info("access credential cached", slog.String("path", s.CredentialPath), slog.Bool("sealed", s.Sealer != nil), slog.String("component", "credstore"))
	return nil
}

func (s *FileStore) LoadGrant(_ context.Context) (*AuthorizationGrant, error) {
	b, err := readArtifact(s.GrantPath)
	if err != nil {
		return nil, err
	}
	var g AuthorizationGrant
	if err := json.Unmarshal(b, &g); err != nil {
		return nil, fmt.Errorf("decode grant: %w", err)
	}
	if g.Code == "" {
		return nil, fmt.Errorf("decode grant: empty code in %s", s.GrantPath)
	}
	return &g, nil
}

func (s *FileStore) SaveGrant(_ context.Context, grant AuthorizationGrant) error {
	b, err := json.Marshal(grant)
	if err != nil {
		return err
	}
	if err := writeArtifact(s.GrantPath, b); err != nil {
		return fmt.Errorf("write grant: %w", err)
	}
	return nil
}

func readArtifact(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// writeArtifact replaces path atomically (temp file + rename) with mode 0600.
func writeArtifact(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
