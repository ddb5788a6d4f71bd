package chzzkapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"

	"github.com/onnwee/chzzk-relay/credstore"
)

// DefaultAuthorizeURL is the account-interlock page that starts the redirect flow.
const DefaultAuthorizeURL = "https://chzzk.naver.com/account-interlock"

type tokenRequest struct {
	GrantType    string `json:"grantType"`
	ClientID     string `json:"clientId"`
	ClientSecret string `json:"clientSecret"`
	Code         string `json:"code"`
	State        string `json:"state"`
}

// BuildAuthorizeURL constructs the account-interlock URL for the code grant.
// The platform uses camelCase parameter names rather than the RFC 6749 ones.
func BuildAuthorizeURL(authorizeURL, clientID, redirectURI, state string) (string, error) {
	if clientID == "" || redirectURI == "" {
		return "", errors.New("missing clientID or redirectURI")
	}
	if authorizeURL == "" {
		authorizeURL = DefaultAuthorizeURL
	}
	u, err := url.Parse(authorizeURL)
	if err != nil {
		return "", err
	}
	v := u.Query()
	v.Set("clientId", clientID)
	v.Set("redirectUri", redirectURI)
	v.Set("state", state)
	u.RawQuery = v.Encode()
	return u.String(), nil
}

// ExchangeCode exchanges an authorization grant for an access credential via POST /auth/v1/token.
// A non-2xx response is returned as *APIError carrying the response body.
func (c *Client) ExchangeCode(ctx context.Context, code, state string) (*credstore.AccessCredential, error) {
	if c.ClientID == "" || c.ClientSecret == "" || code == "" {
		return nil, errors.New("missing required parameter for auth code exchange")
	}
	body, err := json.Marshal(tokenRequest{
		GrantType:    "authorization_code",
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Code:         code,
		State:        state,
	})
	if err != nil {
		return nil, err
	}
	req, err := withContext(ctx, http.MethodPost, c.url("/auth/v1/token"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	var cred credstore.AccessCredential
	if err := do(c.http(), req, "token exchange", &cred); err != nil {
		return nil, err
	}
	if cred.AccessToken == "" {
		return nil, errors.New("empty accessToken in chzzk token response")
	}
	return &cred, nil
}
