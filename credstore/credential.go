// Package credstore persists the single cached access credential and reads the
// one-time authorization grant written by the OAuth callback.
//
// Two backends implement Store: FileStore (JSON artifacts on disk, the default)
// and db.CredentialStore (Postgres). Both optionally seal secrets with a
// crypto.Sealer when ENCRYPTION_KEY is configured.
package credstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

// ErrNotFound is returned when the requested artifact does not exist yet.
var ErrNotFound = errors.New("credstore: artifact not found")

// Store reads and writes the cached credential and the authorization grant.
type Store interface {
	LoadCredential(ctx context.Context) (*AccessCredential, error)
	SaveCredential(ctx context.Context, cred AccessCredential) error
	LoadGrant(ctx context.Context) (*AuthorizationGrant, error)
	SaveGrant(ctx context.Context, grant AuthorizationGrant) error
}

// AccessCredential is the bearer credential minted by the platform token endpoint.
// Only AccessToken is interpreted; the other fields are carried through as-is.
type AccessCredential struct {
	AccessToken  string  `json:"accessToken"`
	TokenType    string  `json:"tokenType,omitempty"`
	ExpiresIn    Seconds `json:"expiresIn,omitempty"`
	RefreshToken string  `json:"refreshToken,omitempty"`
}

// OAuth2Token converts the credential for use with golang.org/x/oauth2 transports.
// Expiry is left zero: the cached credential is reused until the exchange is re-run.
func (c AccessCredential) OAuth2Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		TokenType:    c.TokenType,
		RefreshToken: c.RefreshToken,
	}
}

// AuthorizationGrant is the code/state pair delivered to the redirect callback.
type AuthorizationGrant struct {
	Code  string `json:"code"`
	State string `json:"state"`
}

// Seconds is a lifetime in seconds. The platform sends it as a numeric string,
// so both JSON numbers and strings are accepted; it is written as a number.
type Seconds int64

// Duration converts s for logging and comparisons.
func (s Seconds) Duration() time.Duration { return time.Duration(s) * time.Second }

func (s *Seconds) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*s = 0
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var str string
		if err := json.Unmarshal(b, &str); err != nil {
			return err
		}
		if str == "" {
			*s = 0
			return nil
		}
		b = []byte(str)
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("expiresIn: %w", err)
	}
	*s = Seconds(n)
	return nil
}

// decodeCredential accepts both the flat credential object and the
// {"content":{...}} envelope returned verbatim by the token endpoint.
func decodeCredential(b []byte) (*AccessCredential, error) {
	var probe struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(b, &probe); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	if len(probe.Content) > 0 && !bytes.Equal(probe.Content, []byte("null")) {
		b = probe.Content
	}
	var cred AccessCredential
	if err := json.Unmarshal(b, &cred); err != nil {
		return nil, fmt.Errorf("decode credential: %w", err)
	}
	if cred.AccessToken == "" {
		return nil, errors.New("decode credential: empty accessToken")
	}
	return &cred, nil
}
