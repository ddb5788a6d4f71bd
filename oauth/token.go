// Package oauth acquires the CHZZK access credential. It returns the cached
// credential when one exists and otherwise exchanges the one-time authorization
// grant written by the redirect callback, persisting the result.
//
// Acquisition is one-shot: nothing is retried and the cached credential is
// reused without checking its expiry. An operator re-runs the redirect flow
// to supersede it.
package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/chzzk-relay/chzzkapi"
	"github.com/onnwee/chzzk-relay/credstore"
	"github.com/onnwee/chzzk-relay/telemetry"
)

// ErrAuthenticationRequired means no grant exists yet: the operator must
// complete the authorization redirect flow before retrying.
var ErrAuthenticationRequired = errors.New("authentication required: complete the authorization flow at /auth/start and restart")

// TokenExchangeError reports a token endpoint rejection. Body is the upstream response.
type TokenExchangeError struct {
	StatusCode int
	Body       string
}

func (e *TokenExchangeError) Error() string {
	return fmt.Sprintf("token exchange failed: status %d: %s", e.StatusCode, e.Body)
}

// Exchanger trades an authorization grant for an access credential.
type Exchanger interface {
	ExchangeCode(ctx context.Context, code, state string) (*credstore.AccessCredential, error)
}

// Service implements access token acquisition over a credential store.
type Service struct {
	Store     credstore.Store
	Exchanger Exchanger
}

// NewService wires a Service. client is usually a *chzzkapi.Client.
func NewService(store credstore.Store, client Exchanger) *Service {
	return &Service{Store: store, Exchanger: client}
}

// AcquireAccessToken returns the cached credential, or exchanges the stored grant for a new one.
func (s *Service) AcquireAccessToken(ctx context.Context) (*credstore.AccessCredential, error) {
	log := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "oauth"))

	cred, err := s.Store.LoadCredential(ctx)
	if err == nil {
		log.Debug("access credential loaded from cache")
		return cred, nil
	}
	if !errors.Is(err, credstore.ErrNotFound) {
		return nil, fmt.Errorf("load cached credential: %w", err)
	}

	grant, err := s.Store.LoadGrant(ctx)
	if errors.Is(err, credstore.ErrNotFound) {
		return nil, ErrAuthenticationRequired
	}
	if err != nil {
		return nil, fmt.Errorf("load authorization grant: %w", err)
	}

	ctx, span := telemetry.StartSpan(ctx, "oauth", "token-exchange")
	defer span.End()

	cred, err = s.Exchanger.ExchangeCode(ctx, grant.Code, grant.State)
	if err != nil {
		telemetry.RecordError(span, err)
		telemetry.RecordTokenExchange(false)
		var apiErr *chzzkapi.APIError
		if errors.As(err, &apiErr) {
			return nil, &TokenExchangeError{StatusCode: apiErr.StatusCode, Body: apiErr.Body}
		}
		return nil, fmt.Errorf("token exchange: %w", err)
	}
	telemetry.RecordTokenExchange(true)

	if err := s.Store.SaveCredential(ctx, *cred); err != nil {
		return nil, fmt.Errorf("persist credential: %w", err)
	}
	log.Info("access credential acquired via grant exchange", slog.Duration("lifetime", cred.ExpiresIn.Duration()))
	telemetry.SetSpanSuccess(span)
	return cred, nil
}
