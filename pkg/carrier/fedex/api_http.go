package fedex

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

	"github.com/parcelgrid/carrierbridge/pkg/carrier"
	"github.com/parcelgrid/carrierbridge/pkg/carrier/token"
)

const (
	productionBaseURL = "https://apis.fedex.com"
	sandboxBaseURL    = "https://apis-sandbox.fedex.com"
)

// HTTPAPIClient is the production implementation of APIClient using
// the FedEx REST APIs with OAuth client-credentials auth.
type HTTPAPIClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	tokenKey     string
	tokens       *token.Store
	httpClient   *http.Client
}

// HTTPAPIClientConfig holds configuration for the HTTP client.
type HTTPAPIClientConfig struct {
	BaseURL      string
	Environment  carrier.Environment
	ClientID     string
	ClientSecret string
	StoreScope   string
	Tokens       *token.Store
	Timeout      time.Duration
}

// NewHTTPAPIClient creates a new HTTP-based API client for production use.
func NewHTTPAPIClient(cfg HTTPAPIClientConfig) *HTTPAPIClient {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = productionBaseURL
		if cfg.Environment == carrier.EnvSandbox {
			baseURL = sandboxBaseURL
		}
	}

	return &HTTPAPIClient{
		baseURL:      baseURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		tokenKey:     token.CacheKey(carrierName, cfg.StoreScope),
		tokens:       cfg.Tokens,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// exchange performs the FedEx OAuth client-credentials grant. FedEx
// takes the credentials form-encoded in the body, not basic auth.
func (c *HTTPAPIClient) exchange(ctx context.Context) (*token.Grant, error) {
	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/oauth/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, carrier.NewError(carrierName, carrier.KindTransient, "OAUTH_UNREACHABLE", "token endpoint unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, carrier.NewError(carrierName, carrier.KindTransient, "OAUTH_READ", "reading token response").WithCause(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp.StatusCode, body)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, carrier.NewError(carrierName, carrier.KindParse, "OAUTH_DECODE", "decoding token response").WithCause(err)
	}
	return &token.Grant{AccessToken: tr.AccessToken, ExpiresIn: tr.ExpiresIn}, nil
}

// GetRates fetches rates, refreshing an expired token and retrying
// exactly once.
func (c *HTTPAPIClient) GetRates(ctx context.Context, req *RateRequest) (*RateResponse, error) {
	var out RateResponse
	err := c.tokens.WithToken(ctx, c.tokenKey, c.exchange, func(tok string) error {
		return c.doJSON(ctx, http.MethodPost, "/rate/v1/rates/quotes", tok, req, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateShipment books a shipment. Not auto-retried; on 401/403 the
// token is evicted and the auth error surfaced.
func (c *HTTPAPIClient) CreateShipment(ctx context.Context, req *ShipmentRequest) (*ShipmentResponse, error) {
	tok, err := c.tokens.Get(ctx, c.tokenKey, c.exchange)
	if err != nil {
		return nil, err
	}

	var out ShipmentResponse
	err = c.doJSON(ctx, http.MethodPost, "/ship/v1/shipments", tok, req, &out)
	if err != nil {
		if carrier.IsAuth(err) {
			c.tokens.Invalidate(c.tokenKey)
		}
		return nil, err
	}
	return &out, nil
}

// CancelShipment voids a shipment. Same no-retry policy as booking.
func (c *HTTPAPIClient) CancelShipment(ctx context.Context, trackingNumber string) (*CancelResponse, error) {
	tok, err := c.tokens.Get(ctx, c.tokenKey, c.exchange)
	if err != nil {
		return nil, err
	}

	body := map[string]string{"trackingNumber": trackingNumber}
	var out CancelResponse
	err = c.doJSON(ctx, http.MethodPut, "/ship/v1/shipments/cancel", tok, body, &out)
	if err != nil {
		if carrier.IsAuth(err) {
			c.tokens.Invalidate(c.tokenKey)
		}
		return nil, err
	}
	return &out, nil
}

func (c *HTTPAPIClient) doJSON(ctx context.Context, method, path, bearer string, body, out interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return carrier.NewError(carrierName, carrier.KindValidation, "MARSHAL", "marshaling request body").WithCause(err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("X-Locale", "en_US")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return carrier.NewError(carrierName, carrier.KindTransient, "UNREACHABLE", "carrier unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return carrier.NewError(carrierName, carrier.KindTransient, "READ", "reading response").WithCause(err)
	}

	decoded, err := carrier.DecompressResponse(raw)
	if err != nil {
		return carrier.NewError(carrierName, carrier.KindParse, "DECOMPRESS", "decompressing response").WithCause(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.parseError(resp.StatusCode, decoded)
	}

	if err := json.Unmarshal(decoded, out); err != nil {
		return carrier.NewError(carrierName, carrier.KindParse, "DECODE", "decoding response").WithCause(err)
	}
	return nil
}

func (c *HTTPAPIClient) parseError(status int, body []byte) error {
	kind := carrier.KindForStatus(status)

	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.FirstMessage() != "" {
		return carrier.NewError(carrierName, kind, apiErr.FirstCode(), apiErr.FirstMessage()).WithStatusCode(status)
	}
	return carrier.NewError(carrierName, kind, fmt.Sprintf("HTTP_%d", status), fmt.Sprintf("HTTP %d", status)).WithStatusCode(status)
}

var _ APIClient = (*HTTPAPIClient)(nil)
