package api

import (
	"time"

	"github.com/pelleum/account-connections/internal/institutions"
)

// InstitutionRecord is one supported institution in a listing.
type InstitutionRecord struct {
	InstitutionID string    `json:"institution_id"`
	Name          string    `json:"name"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type SupportedInstitutions struct {
	SupportedInstitutions []InstitutionRecord `json:"supported_institutions"`
}

type SupportedInstitutionsResponse struct {
	Records SupportedInstitutions `json:"records"`
}

// ConnectionRecord is one account connection joined with the
// institution's display name.
type ConnectionRecord struct {
	ConnectionID  int64     `json:"connection_id"`
	InstitutionID string    `json:"institution_id"`
	UserID        int64     `json:"user_id"`
	IsActive      bool      `json:"is_active"`
	Name          string    `json:"name"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type UserActiveConnections struct {
	ActiveConnections []ConnectionRecord `json:"active_connections"`
}

type UserActiveConnectionsResponse struct {
	Records UserActiveConnections `json:"records"`
}

// SuccessfulConnectionResponse confirms a completed account link.
type SuccessfulConnectionResponse struct {
	AccountConnectionStatus string    `json:"account_connection_status"`
	ConnectedAt             time.Time `json:"connected_at"`
}

// LoginRequest carries the brokerage credentials to relay.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// VerifyRequest completes an MFA login. Exactly one variant must be
// present.
type VerifyRequest struct {
	WithChallenge    *institutions.WithChallenge    `json:"with_challenge"`
	WithoutChallenge *institutions.WithoutChallenge `json:"without_challenge"`
}

// proof returns the submitted MFA variant, rejecting bodies that carry
// zero or both variants or leave required fields empty.
func (r VerifyRequest) proof() (institutions.MFAProof, bool) {
	switch {
	case r.WithChallenge != nil && r.WithoutChallenge != nil:
		return nil, false
	case r.WithChallenge != nil:
		if r.WithChallenge.SMSCode == "" || r.WithChallenge.ChallengeID == "" {
			return nil, false
		}
		return *r.WithChallenge, true
	case r.WithoutChallenge != nil:
		if r.WithoutChallenge.SMSCode == "" {
			return nil, false
		}
		return *r.WithoutChallenge, true
	default:
		return nil, false
	}
}
