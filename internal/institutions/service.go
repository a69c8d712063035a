// Package institutions defines the brokerage-linking service contract:
// login, MFA verification, holdings retrieval, and token refresh, plus
// the registry that routes an institution_id to its implementation.
package institutions

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// ErrAlreadyLinked is returned when a user attempts to link an
// institution they already hold an active connection with.
var ErrAlreadyLinked = errors.New("institutions: account connection already active")

// ErrNotLinked is returned when MFA verification runs without a prior
// login attempt.
var ErrNotLinked = errors.New("institutions: no account connection for this user")

// Credentials are the user-supplied brokerage username and password.
// They travel in plaintext only between the caller and the brokerage;
// at rest they are always ciphertext.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// MFAProof is a tagged second-factor submission. Exactly one variant is
// valid per request; the HTTP boundary rejects anything else.
type MFAProof interface {
	SMS() string
	mfaProof()
}

// WithChallenge carries an SMS code preceded by a challenge handshake.
type WithChallenge struct {
	SMSCode     string `json:"sms_code"`
	ChallengeID string `json:"challenge_id"`
}

func (p WithChallenge) SMS() string { return p.SMSCode }
func (WithChallenge) mfaProof()     {}

// WithoutChallenge carries a standalone SMS code.
type WithoutChallenge struct {
	SMSCode string `json:"sms_code"`
}

func (p WithoutChallenge) SMS() string { return p.SMSCode }
func (WithoutChallenge) mfaProof()     {}

// LoginResult reports how a login attempt ended. When Linked is true
// the connection is active and holdings were captured. Otherwise
// Envelope holds the brokerage's raw challenge or MFA prompt for the
// caller to relay.
type LoginResult struct {
	Linked   bool
	Envelope map[string]any
}

// Holding is one position from a brokerage snapshot. Quantities and
// prices are fixed-precision; a missing average buy price stays null
// rather than becoming zero.
type Holding struct {
	AssetSymbol     string
	Quantity        decimal.Decimal
	AverageBuyPrice decimal.NullDecimal
	AssetName       string
}

// HoldingsReport is a full brokerage snapshot for one connection.
type HoldingsReport struct {
	Holdings        []Holding
	InstitutionName string
}

// RefreshedTokens carries re-encrypted session tokens ready for
// persistence. Plaintext tokens never leave the service.
type RefreshedTokens struct {
	EncryptedJSONWebToken string
	EncryptedRefreshToken string
}

// Service is the capability set every supported institution implements.
type Service interface {
	InstitutionName() string
	Login(ctx context.Context, credentials Credentials, userID int64, institutionID string) (*LoginResult, error)
	VerifyMFA(ctx context.Context, proof MFAProof, userID int64, institutionID string) error
	GetRecentHoldings(ctx context.Context, encryptedAccessToken string) (*HoldingsReport, error)
	RefreshToken(ctx context.Context, encryptedRefreshToken string) (*RefreshedTokens, error)
}

// Registry maps institution_id to the service that handles it.
type Registry struct {
	services map[string]Service
}

func NewRegistry() *Registry {
	return &Registry{services: make(map[string]Service)}
}

func (r *Registry) Register(institutionID string, service Service) {
	r.services[institutionID] = service
}

// Lookup returns the service for an institution_id, if one is
// registered.
func (r *Registry) Lookup(institutionID string) (Service, bool) {
	service, ok := r.services[institutionID]
	return service, ok
}
