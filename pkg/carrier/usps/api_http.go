package usps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/parcelgrid/carrierbridge/pkg/carrier"
	"github.com/parcelgrid/carrierbridge/pkg/carrier/token"
)

const (
	productionBaseURL = "https://apis.usps.com"
	sandboxBaseURL    = "https://apis-tem.usps.com"

	// USPS does not return an expiry for payment authorization
	// tokens; they are documented as valid for eight hours.
	paymentTokenLifetimeSeconds = 8 * 60 * 60
)

// HTTPAPIClient is the production implementation of APIClient using
// the USPS REST APIs.
//
// Two tokens are in play: the OAuth bearer token for every call, and a
// payment authorization token required by the Labels API. Both live in
// the shared token store under independent cache keys so refreshing
// one never disturbs the other.
type HTTPAPIClient struct {
	baseURL       string
	clientID      string
	clientSecret  string
	crid          string
	mid           string
	accountNumber string
	tokenKey      string
	paymentKey    string
	tokens        *token.Store
	httpClient    *http.Client
}

// HTTPAPIClientConfig holds configuration for the HTTP client.
type HTTPAPIClientConfig struct {
	BaseURL       string
	Environment   carrier.Environment
	ClientID      string
	ClientSecret  string
	CRID          string
	MID           string
	AccountNumber string
	StoreScope    string
	Tokens        *token.Store
	Timeout       time.Duration
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
		baseURL:       baseURL,
		clientID:      cfg.ClientID,
		clientSecret:  cfg.ClientSecret,
		crid:          cfg.CRID,
		mid:           cfg.MID,
		accountNumber: cfg.AccountNumber,
		tokenKey:      token.CacheKey(carrierName, cfg.StoreScope),
		paymentKey:    token.CacheKey(carrierName, "payment/"+cfg.StoreScope),
		tokens:        cfg.Tokens,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// exchange performs the USPS OAuth client-credentials grant. USPS
// takes the credentials as a JSON body.
func (c *HTTPAPIClient) exchange(ctx context.Context) (*token.Grant, error) {
	body, err := json.Marshal(tokenRequest{
		ClientID:     c.clientID,
		ClientSecret: c.clientSecret,
		GrantType:    "client_credentials",
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/oauth2/v3/token", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, carrier.NewError(carrierName, carrier.KindTransient, "OAUTH_UNREACHABLE", "token endpoint unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, carrier.NewError(carrierName, carrier.KindTransient, "OAUTH_READ", "reading token response").WithCause(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp.StatusCode, raw)
	}

	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, carrier.NewError(carrierName, carrier.KindParse, "OAUTH_DECODE", "decoding token response").WithCause(err)
	}
	return &token.Grant{AccessToken: tr.AccessToken, ExpiresIn: tr.ExpiresIn}, nil
}

// exchangePayment acquires a payment authorization token. It needs a
// live bearer token of its own, so a bearer refresh can happen inside
// a payment refresh without either cache entry clobbering the other.
func (c *HTTPAPIClient) exchangePayment(ctx context.Context) (*token.Grant, error) {
	bearer, err := c.tokens.Get(ctx, c.tokenKey, c.exchange)
	if err != nil {
		return nil, err
	}

	payload := paymentAuthRequest{
		Roles: []paymentRole{
			{RoleName: "PAYER", CRID: c.crid, MID: c.mid, AccountType: "EPS", AccountNumber: c.accountNumber},
			{RoleName: "LABEL_OWNER", CRID: c.crid, MID: c.mid, AccountType: "EPS", AccountNumber: c.accountNumber},
		},
	}

	var out paymentAuthResponse
	if err := c.doJSON(ctx, http.MethodPost, "/payments/v3/payment-authorization", bearer, "", payload, &out); err != nil {
		return nil, err
	}
	if out.PaymentAuthorizationToken == "" {
		return nil, carrier.NewError(carrierName, carrier.KindParse, "NO_PAYMENT_TOKEN",
			"payment authorization response contains no token")
	}
	return &token.Grant{AccessToken: out.PaymentAuthorizationToken, ExpiresIn: paymentTokenLifetimeSeconds}, nil
}

// GetRates fetches rates, refreshing an expired bearer token and
// retrying exactly once.
func (c *HTTPAPIClient) GetRates(ctx context.Context, req *RateRequest) (*RateResponse, error) {
	var out RateResponse
	err := c.tokens.WithToken(ctx, c.tokenKey, c.exchange, func(tok string) error {
		return c.doJSON(ctx, http.MethodPost, "/prices/v3/total-rates/search", tok, "", req, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateLabel purchases postage. Not auto-retried; on 401/403 both
// tokens are evicted and the auth error surfaced.
func (c *HTTPAPIClient) CreateLabel(ctx context.Context, req *LabelAPIRequest) (*LabelAPIResponse, error) {
	bearer, err := c.tokens.Get(ctx, c.tokenKey, c.exchange)
	if err != nil {
		return nil, err
	}
	payment, err := c.tokens.Get(ctx, c.paymentKey, c.exchangePayment)
	if err != nil {
		return nil, err
	}

	var out LabelAPIResponse
	err = c.doJSON(ctx, http.MethodPost, "/labels/v3/label", bearer, payment, req, &out)
	if err != nil {
		if carrier.IsAuth(err) {
			c.tokens.Invalidate(c.tokenKey)
			c.tokens.Invalidate(c.paymentKey)
		}
		return nil, err
	}
	return &out, nil
}

// VoidLabel cancels an unused label. Same no-retry policy as purchase.
func (c *HTTPAPIClient) VoidLabel(ctx context.Context, trackingNumber string) error {
	bearer, err := c.tokens.Get(ctx, c.tokenKey, c.exchange)
	if err != nil {
		return err
	}
	payment, err := c.tokens.Get(ctx, c.paymentKey, c.exchangePayment)
	if err != nil {
		return err
	}

	err = c.doJSON(ctx, http.MethodDelete, "/labels/v3/label/"+trackingNumber, bearer, payment, nil, nil)
	if err != nil {
		if carrier.IsAuth(err) {
			c.tokens.Invalidate(c.tokenKey)
			c.tokens.Invalidate(c.paymentKey)
		}
		return err
	}
	return nil
}

func (c *HTTPAPIClient) doJSON(ctx context.Context, method, path, bearer, paymentToken string, body, out interface{}) error {
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
	if paymentToken != "" {
		req.Header.Set("X-Payment-Authorization-Token", paymentToken)
	}

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

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(decoded, out); err != nil {
		return carrier.NewError(carrierName, carrier.KindParse, "DECODE", "decoding response").WithCause(err)
	}
	return nil
}

func (c *HTTPAPIClient) parseError(status int, body []byte) error {
	kind := carrier.KindForStatus(status)

	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message() != "" {
		return carrier.NewError(carrierName, kind, apiErr.Code(), apiErr.Message()).WithStatusCode(status)
	}
	return carrier.NewError(carrierName, kind, fmt.Sprintf("HTTP_%d", status), fmt.Sprintf("HTTP %d", status)).WithStatusCode(status)
}

var _ APIClient = (*HTTPAPIClient)(nil)
