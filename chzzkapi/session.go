package chzzkapi

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"golang.org/x/oauth2"

	"github.com/onnwee/chzzk-relay/credstore"
)

// SessionDescriptor identifies where to open the real-time transport.
type SessionDescriptor struct {
	URL string `json:"url"`
}

// CreateClientSession requests a session URL with application credentials
// (GET /open/v1/sessions/auth/client). The user access token is not involved.
func (c *Client) CreateClientSession(ctx context.Context) (*SessionDescriptor, error) {
	if c.ClientID == "" || c.ClientSecret == "" {
		return nil, errors.New("missing client id/secret for chzzk client session")
	}
	req, err := withContext(ctx, http.MethodGet, c.url("/open/v1/sessions/auth/client"), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Client-Id", c.ClientID)
	req.Header.Set("Client-Secret", c.ClientSecret)
	var sd SessionDescriptor
	if err := do(c.http(), req, "client session", &sd); err != nil {
		return nil, err
	}
	if sd.URL == "" {
		return nil, errors.New("empty url in chzzk session response")
	}
	return &sd, nil
}

// SubscribeChat subscribes the session identified by sessionKey to chat events
// (POST /open/v1/sessions/events/subscribe/chat?sessionKey=...). The bearer header
// is attached by an oauth2 transport wrapping the client's HTTP client.
func (c *Client) SubscribeChat(ctx context.Context, cred credstore.AccessCredential, sessionKey string) error {
	if sessionKey == "" {
		return errors.New("sessionKey empty")
	}
	if cred.AccessToken == "" {
		return errors.New("access token empty")
	}
	u := c.url("/open/v1/sessions/events/subscribe/chat") + "?" + url.Values{"sessionKey": {sessionKey}}.Encode()
	req, err := withContext(ctx, http.MethodPost, u, nil)
	if err != nil {
		return err
	}
	hc := oauth2.NewClient(context.WithValue(ctx, oauth2.HTTPClient, c.http()), oauth2.StaticTokenSource(cred.OAuth2Token()))
	hc.Timeout = c.http().Timeout
	return do[struct{}](hc, req, "chat subscribe", nil)
}
