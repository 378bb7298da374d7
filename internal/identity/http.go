package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// HTTPConfig configures the identity provider admin API client.
type HTTPConfig struct {
	// BaseURL of the admin API, e.g. https://id.example.com/api/v2
	BaseURL string

	// OAuth2 client credentials used to obtain an admin token.
	// Requests are sent unauthenticated when ClientID is empty.
	TokenURL     string
	ClientID     string
	ClientSecret string
	Audience     string
	Scopes       []string

	// Timeout bounds each HTTP round trip including the token exchange.
	// Default: 10 seconds
	Timeout time.Duration
}

// Validate checks that the configuration is valid.
func (c *HTTPConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("identity base URL is required")
	}
	if c.ClientID != "" && c.TokenURL == "" {
		return fmt.Errorf("identity token URL is required when a client ID is set")
	}
	return nil
}

// HTTPClient implements Client against a REST admin API:
//
//	GET  {base}/users?email=...  -> 200 [{"id","email"}]
//	POST {base}/users            -> 201 {"id","email"}, 409 on duplicate email
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates an identity client. The transport is instrumented
// with OpenTelemetry and authenticated with the client credentials grant.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	base := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   cfg.Timeout,
	}

	httpClient := base
	if cfg.ClientID != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		if cfg.Audience != "" {
			cc.EndpointParams = url.Values{"audience": {cfg.Audience}}
		}

		// The token source caches the token and refreshes it on expiry
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		httpClient = cc.Client(ctx)
		httpClient.Timeout = cfg.Timeout
	}

	return &HTTPClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		http:    httpClient,
	}, nil
}

type createRequest struct {
	Email         string `json:"email"`
	GivenName     string `json:"given_name"`
	FamilyName    string `json:"family_name"`
	EmailVerified bool   `json:"email_verified"`
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// FindByEmail looks up an identity by email.
func (c *HTTPClient) FindByEmail(ctx context.Context, email string) (*Identity, error) {
	endpoint := c.baseURL + "/users?" + url.Values{"email": {email}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to find identity: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrIdentityNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, statusError("find identity", resp)
	}

	var found []Identity
	if err := json.NewDecoder(resp.Body).Decode(&found); err != nil {
		return nil, fmt.Errorf("failed to decode identities: %w", err)
	}

	for i := range found {
		if strings.EqualFold(found[i].Email, email) {
			return &found[i], nil
		}
	}

	return nil, ErrIdentityNotFound
}

// Create registers a new identity with an unverified email.
func (c *HTTPClient) Create(ctx context.Context, email string, profile Profile) (*Identity, error) {
	body, err := json.Marshal(createRequest{
		Email:      email,
		GivenName:  profile.FirstName,
		FamilyName: profile.LastName,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode identity: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/users", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusConflict:
		return nil, ErrIdentityConflict
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return nil, fmt.Errorf("%w: %s", ErrInvalidIdentity, statusError("create identity", resp).Message)
	default:
		return nil, statusError("create identity", resp)
	}

	var created Identity
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, fmt.Errorf("failed to decode identity: %w", err)
	}
	if created.Ref == "" {
		return nil, fmt.Errorf("identity provider returned an empty id")
	}

	log.Debug().
		Str("identity_ref", created.Ref).
		Msg("Created identity")

	return &created, nil
}

func statusError(op string, resp *http.Response) *StatusError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var parsed errorResponse
	message := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &parsed) == nil {
		if parsed.Message != "" {
			message = parsed.Message
		} else if parsed.Error != "" {
			message = parsed.Error
		}
	}

	return &StatusError{Op: op, StatusCode: resp.StatusCode, Message: message}
}
