package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/cory-johannsen/kairi/internal/config"
)

// Endpoint is the service metadata returned by the REST root.
type Endpoint struct {
	Revolt   string   `json:"revolt"`
	Features Features `json:"features"`
	WS       string   `json:"ws"`
	App      string   `json:"app"`
	Vapid    string   `json:"vapid"`
}

// Features lists the optional services the chat instance advertises.
type Features struct {
	Captcha    Captcha      `json:"captcha"`
	Email      bool         `json:"email"`
	InviteOnly bool         `json:"invite_only"`
	Autumn     Service      `json:"autumn"`
	January    Service      `json:"january"`
	Voso       VoiceService `json:"voso"`
}

// Captcha describes the instance's captcha requirement.
type Captcha struct {
	Enabled bool   `json:"enabled"`
	Key     string `json:"key,omitempty"`
}

// Service is an auxiliary HTTP service (file server, link embedder).
type Service struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// VoiceService is the voice server, which has its own socket.
type VoiceService struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	WS      string `json:"ws"`
}

// EndpointResolver obtains the WebSocket URL for a session.
type EndpointResolver interface {
	Resolve(ctx context.Context) (Endpoint, error)
}

// maxEndpointBody bounds how much of the REST response is read.
const maxEndpointBody = 1 << 20

// HTTPResolver resolves the endpoint with one GET against the REST root.
// It never retries; retry policy belongs to the caller.
type HTTPResolver struct {
	client  *http.Client
	baseURL string
	token   string
}

// NewHTTPResolver creates a resolver for cfg.APIURL authenticated with cfg.Token.
//
// Precondition: cfg.APIURL must be an absolute http(s) URL.
// Postcondition: Returns a non-nil resolver. A nil client uses http.DefaultClient.
func NewHTTPResolver(cfg config.GatewayConfig, client *http.Client) *HTTPResolver {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPResolver{
		client:  client,
		baseURL: strings.TrimRight(cfg.APIURL, "/") + "/",
		token:   cfg.Token,
	}
}

// Resolve issues GET <base>/ with the x-bot-token header.
//
// Postcondition: Returns an Endpoint with a non-empty WS, or a *ResolutionError.
func (r *HTTPResolver) Resolve(ctx context.Context) (Endpoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL, nil)
	if err != nil {
		return Endpoint{}, &ResolutionError{URL: r.baseURL, Err: err}
	}
	req.Header.Set("x-bot-token", r.token)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return Endpoint{}, &ResolutionError{URL: r.baseURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxEndpointBody))
	if err != nil {
		return Endpoint{}, &ResolutionError{URL: r.baseURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("reading body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Endpoint{}, &ResolutionError{
			URL:        r.baseURL,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", truncate(body, 256)),
		}
	}

	var ep Endpoint
	if err := json.Unmarshal(body, &ep); err != nil {
		return Endpoint{}, &ResolutionError{URL: r.baseURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding body: %w", err)}
	}
	if ep.WS == "" {
		return Endpoint{}, &ResolutionError{URL: r.baseURL, StatusCode: resp.StatusCode, Err: errors.New("response has no ws url")}
	}
	return ep, nil
}

// StaticResolver returns a fixed endpoint. It skips the REST call when the
// WebSocket URL is already known.
type StaticResolver struct {
	Endpoint Endpoint
}

// Resolve implements EndpointResolver.
func (s StaticResolver) Resolve(ctx context.Context) (Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return Endpoint{}, err
	}
	if s.Endpoint.WS == "" {
		return Endpoint{}, &ResolutionError{URL: "static", Err: errors.New("no ws url configured")}
	}
	return s.Endpoint, nil
}
