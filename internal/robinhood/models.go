package robinhood

import "encoding/json"

// Grant types accepted by POST /oauth2/token/.
const (
	GrantTypePassword     = "password"
	GrantTypeRefreshToken = "refresh_token"
)

// Standard payload values for this brokerage.
const (
	ScopeInternal    = "internal"
	ChallengeTypeSMS = "sms"
	TokenExpiresIn   = 86400
)

// LoginPayload is the body of POST /oauth2/token/. Optional fields are
// omitted from the wire form when unset.
type LoginPayload struct {
	ClientID      string `json:"client_id"`
	ExpiresIn     int    `json:"expires_in"`
	GrantType     string `json:"grant_type"`
	Username      string `json:"username,omitempty"`
	Password      string `json:"password,omitempty"`
	Scope         string `json:"scope"`
	ChallengeType string `json:"challenge_type"`
	RefreshToken  string `json:"refresh_token,omitempty"`
	DeviceToken   string `json:"device_token"`
	MFACode       string `json:"mfa_code,omitempty"`
}

// SuccessfulLoginResponse is the token envelope for a completed password
// or refresh grant.
type SuccessfulLoginResponse struct {
	AccessToken  string `json:"access_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token"`
	MFACode      string `json:"mfa_code,omitempty"`
	BackupCode   string `json:"backup_code,omitempty"`
}

// Position is one non-zero position row from GET /positions/.
// Quantity and price stay strings on the wire; callers parse them into
// decimals.
type Position struct {
	InstrumentURL   string `json:"instrument"`
	InstrumentID    string `json:"instrument_id"`
	AverageBuyPrice string `json:"average_buy_price"`
	Quantity        string `json:"quantity"`
}

// PositionsResponse wraps GET /positions/ results.
type PositionsResponse struct {
	Results []Position `json:"results"`
}

// InstrumentResponse is the slice of GET /instruments/{id}/ the service
// needs: the ticker symbol.
type InstrumentResponse struct {
	Symbol string `json:"symbol"`
}

// NameResult is one entry of a GET /instruments/?symbol= lookup.
type NameResult struct {
	Name       string `json:"name"`
	SimpleName string `json:"simple_name"`
}

// NameResponse wraps GET /instruments/?symbol= results.
type NameResponse struct {
	Results []NameResult `json:"results"`
}

// HasTokens reports whether a login body carries session tokens, which
// distinguishes an immediate success from a challenge or MFA prompt.
func HasTokens(body map[string]any) bool {
	_, access := body["access_token"]
	_, refresh := body["refresh_token"]
	return access || refresh
}

// HasChallenge reports whether a login body is a challenge envelope.
func HasChallenge(body map[string]any) bool {
	_, ok := body["challenge"]
	return ok
}

// ParseTokens coerces a login body into the success envelope. Bodies
// missing either token fail with a TransportError.
func ParseTokens(body map[string]any) (*SuccessfulLoginResponse, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	var tokens SuccessfulLoginResponse
	if err := json.Unmarshal(raw, &tokens); err != nil {
		return nil, &TransportError{Body: string(raw)}
	}
	if tokens.AccessToken == "" || tokens.RefreshToken == "" {
		return nil, &TransportError{Body: string(raw)}
	}
	return &tokens, nil
}
