// Package robinhood implements the typed REST client for the Robinhood
// brokerage API: session grants, MFA challenges, and position lookups.
package robinhood

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the production API origin.
const DefaultBaseURL = "https://api.robinhood.com"

const challengeHeader = "X-ROBINHOOD-CHALLENGE-RESPONSE-ID"

// Client talks to the brokerage over a shared keep-alive HTTP client.
// TLS verification stays on; the upstream certificate chain is trusted
// like any other public endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

type Option func(*Client)

// WithBaseURL points the client at a different API origin.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(baseURL, "/") }
}

// WithHTTPClient swaps the underlying HTTP client, e.g. to add an
// instrumented transport.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) { c.httpClient = httpClient }
}

func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login issues the OAuth token grant. When challengeID is non-empty it
// rides along as the challenge response header. The decoded body is
// returned as-is so callers can distinguish token envelopes from
// challenge and MFA prompts.
func (c *Client) Login(ctx context.Context, payload LoginPayload, challengeID string) (map[string]any, error) {
	if payload.GrantType == GrantTypeRefreshToken {
		payload.Username = ""
		payload.Password = ""
	}

	var headers map[string]string
	if challengeID != "" {
		headers = map[string]string{challengeHeader: challengeID}
	}

	body, _, err := c.apiCall(ctx, http.MethodPost, "/oauth2/token/", headers, payload)
	return body, err
}

// RespondToChallenge completes an SMS challenge handshake.
func (c *Client) RespondToChallenge(ctx context.Context, challengeCode, challengeID string) error {
	payload := map[string]string{"response": challengeCode}
	_, _, err := c.apiCall(ctx, http.MethodPost, "/challenge/"+challengeID+"/respond/", nil, payload)
	return err
}

// GetPositions returns the caller's non-zero positions.
func (c *Client) GetPositions(ctx context.Context, accessToken string) (*PositionsResponse, error) {
	var out PositionsResponse
	if err := c.getModel(ctx, "/positions/?nonzero=true", accessToken, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetInstrumentByURL resolves an instrument URL, as returned inside a
// position row, to its ticker symbol. The URL must live under this
// client's base URL; only its path is re-issued.
func (c *Client) GetInstrumentByURL(ctx context.Context, instrumentURL, accessToken string) (*InstrumentResponse, error) {
	endpoint, found := strings.CutPrefix(instrumentURL, c.baseURL)
	if !found {
		return nil, fmt.Errorf("robinhood: instrument url %q is not under %s", instrumentURL, c.baseURL)
	}

	var out InstrumentResponse
	if err := c.getModel(ctx, endpoint, accessToken, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetNameBySymbol looks up an asset's display name by ticker symbol.
func (c *Client) GetNameBySymbol(ctx context.Context, symbol, accessToken string) (*NameResponse, error) {
	var out NameResponse
	if err := c.getModel(ctx, "/instruments/?symbol="+symbol, accessToken, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) getModel(ctx context.Context, endpoint, accessToken string, out any) error {
	headers := map[string]string{"Authorization": "Bearer " + accessToken}
	_, raw, err := c.apiCall(ctx, http.MethodGet, endpoint, headers, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return &TransportError{Status: http.StatusOK, Body: string(raw)}
	}
	return nil
}

// apiCall performs one request and applies the shared response rules:
// non-JSON bodies are transport errors regardless of status; for error
// statuses a 401 maps to ErrUnauthorized, a challenge envelope is passed
// through as a non-error, a {detail} body becomes an APIError, and
// anything else a TransportError.
func (c *Client) apiCall(ctx context.Context, method, endpoint string, headers map[string]string, jsonBody any) (map[string]any, []byte, error) {
	var reqBody io.Reader
	if jsonBody != nil {
		encoded, err := json.Marshal(jsonBody)
		if err != nil {
			return nil, nil, fmt.Errorf("robinhood: encoding request body: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("robinhood: building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if jsonBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("robinhood: %s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("robinhood: reading response body: %w", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, nil, &TransportError{Status: resp.StatusCode, Body: string(raw)}
	}

	if resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, nil, ErrUnauthorized
		}
		if HasChallenge(decoded) {
			return decoded, raw, nil
		}
		if detail, ok := decoded["detail"].(string); ok {
			return nil, nil, &APIError{Status: resp.StatusCode, Detail: detail}
		}
		return nil, nil, &TransportError{Status: resp.StatusCode, Body: string(raw)}
	}

	return decoded, raw, nil
}
