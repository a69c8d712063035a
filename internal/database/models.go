package database

import (
	"time"

	"github.com/shopspring/decimal"
)

// Institution is one supported brokerage. Rows are seeded at startup
// and never mutated afterwards.
type Institution struct {
	InstitutionID string
	Name          string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Connection links one user to one institution. The credential and
// token fields hold ciphertext, never plaintext; nil means the column
// is NULL.
type Connection struct {
	ConnectionID  int64
	InstitutionID string
	UserID        int64
	Username      *string
	Password      *string
	JSONWebToken  *string
	RefreshToken  *string
	IsActive      bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasRefreshToken reports whether the row carries a refresh token
// ciphertext.
func (c *Connection) HasRefreshToken() bool {
	return c.RefreshToken != nil && *c.RefreshToken != ""
}

// ConnectionWithInstitution is a connection row joined with the
// institution's display name.
type ConnectionWithInstitution struct {
	Connection
	InstitutionName string
}

// Instrument maps a brokerage's opaque instrument identifier to its
// symbol and display name.
type Instrument struct {
	InstrumentID string
	Name         string
	Symbol       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Asset is one tracked brokerage holding. Monetary columns are NUMERIC
// and surface as fixed-precision decimals.
type Asset struct {
	AssetID           int64
	UserID            int64
	InstitutionID     string
	ThesisID          *int64
	AssetSymbol       string
	Name              string
	Quantity          decimal.Decimal
	AverageBuyPrice   decimal.NullDecimal
	PositionValue     decimal.NullDecimal
	TotalContribution decimal.NullDecimal
	SkinRating        *float64
	IsUpToDate        bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// User mirrors the platform's users table. This service only reads it
// for authentication.
type User struct {
	UserID         int64
	Email          string
	Username       string
	HashedPassword string
	IsActive       bool
	IsSuperuser    bool
	IsVerified     bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
