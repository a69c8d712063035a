package institutions

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/pelleum/account-connections/internal/database"
	"github.com/pelleum/account-connections/internal/robinhood"
)

// ConnectionStore is the connection persistence the service needs.
type ConnectionStore interface {
	UpsertConnection(ctx context.Context, params database.UpsertConnectionParams) (*database.Connection, error)
	RetrieveConnection(ctx context.Context, filter database.ConnectionFilter) (*database.Connection, error)
}

// AssetStore persists brokerage holdings.
type AssetStore interface {
	UpsertAsset(ctx context.Context, params database.UpsertAssetParams) (*database.Asset, error)
}

// InstrumentStore caches instrument-to-symbol resolutions.
type InstrumentStore interface {
	ListInstruments(ctx context.Context, instrumentIDs []string) ([]database.Instrument, error)
	CreateInstrument(ctx context.Context, instrumentID, name, symbol string) error
}

// BrokerageClient is the slice of the Robinhood API the service calls.
type BrokerageClient interface {
	Login(ctx context.Context, payload robinhood.LoginPayload, challengeID string) (map[string]any, error)
	RespondToChallenge(ctx context.Context, challengeCode, challengeID string) error
	GetPositions(ctx context.Context, accessToken string) (*robinhood.PositionsResponse, error)
	GetInstrumentByURL(ctx context.Context, instrumentURL, accessToken string) (*robinhood.InstrumentResponse, error)
	GetNameBySymbol(ctx context.Context, symbol, accessToken string) (*robinhood.NameResponse, error)
}

// Encryptor protects credentials and tokens at rest.
type Encryptor interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

const robinhoodInstitutionName = "Robinhood"

// RobinhoodService implements Service against the Robinhood API.
type RobinhoodService struct {
	client      BrokerageClient
	connections ConnectionStore
	assets      AssetStore
	instruments InstrumentStore
	encryption  Encryptor

	clientID    string
	deviceToken string
}

// RobinhoodParams wires a RobinhoodService. All fields are required.
type RobinhoodParams struct {
	Client      BrokerageClient
	Connections ConnectionStore
	Assets      AssetStore
	Instruments InstrumentStore
	Encryption  Encryptor
	ClientID    string
	DeviceToken string
}

func NewRobinhoodService(params RobinhoodParams) *RobinhoodService {
	return &RobinhoodService{
		client:      params.Client,
		connections: params.Connections,
		assets:      params.Assets,
		instruments: params.Instruments,
		encryption:  params.Encryption,
		clientID:    params.ClientID,
		deviceToken: params.DeviceToken,
	}
}

// InstitutionName returns the display name this service reports in
// holdings snapshots.
func (s *RobinhoodService) InstitutionName() string { return robinhoodInstitutionName }

// Login starts linking a Robinhood account. Accounts without MFA link
// immediately: tokens are stored and current holdings captured.
// Accounts with MFA (or a pending challenge) store encrypted
// credentials on an inactive connection and pass the brokerage's
// envelope back for the second step.
func (s *RobinhoodService) Login(ctx context.Context, credentials Credentials, userID int64, institutionID string) (*LoginResult, error) {
	previous, err := s.connections.RetrieveConnection(ctx, database.ConnectionFilter{
		UserID:        &userID,
		InstitutionID: &institutionID,
	})
	if err != nil {
		return nil, err
	}
	if previous != nil && previous.IsActive {
		return nil, fmt.Errorf("user %d already linked to %s: %w", userID, robinhoodInstitutionName, ErrAlreadyLinked)
	}

	payload := s.passwordPayload(credentials.Username, credentials.Password, "")

	body, err := s.client.Login(ctx, payload, "")
	if err != nil {
		return nil, err
	}

	if robinhood.HasTokens(body) {
		tokens, err := robinhood.ParseTokens(body)
		if err != nil {
			return nil, err
		}

		connection, err := s.upsertConnection(ctx, userID, institutionID, &credentials, tokens)
		if err != nil {
			return nil, err
		}

		report, err := s.GetRecentHoldings(ctx, *connection.JSONWebToken)
		if err != nil {
			return nil, err
		}
		if err := s.upsertAssets(ctx, userID, institutionID, report.Holdings); err != nil {
			return nil, err
		}
		return &LoginResult{Linked: true}, nil
	}

	// MFA or challenge required: keep the credentials so verification
	// can replay them, and relay the brokerage's envelope.
	if _, err := s.upsertConnection(ctx, userID, institutionID, &credentials, nil); err != nil {
		return nil, err
	}
	return &LoginResult{Linked: false, Envelope: body}, nil
}

// VerifyMFA completes the second login step with an SMS code, with or
// without a preceding challenge handshake. On success the connection
// stores tokens only; the replayed credentials are cleared.
func (s *RobinhoodService) VerifyMFA(ctx context.Context, proof MFAProof, userID int64, institutionID string) error {
	previous, err := s.connections.RetrieveConnection(ctx, database.ConnectionFilter{
		UserID:        &userID,
		InstitutionID: &institutionID,
	})
	if err != nil {
		return err
	}
	if previous == nil {
		return fmt.Errorf("user %d has no %s connection to verify: %w", userID, robinhoodInstitutionName, ErrNotLinked)
	}
	if previous.IsActive {
		return fmt.Errorf("user %d already linked to %s: %w", userID, robinhoodInstitutionName, ErrAlreadyLinked)
	}
	if previous.Username == nil || previous.Password == nil {
		return fmt.Errorf("connection %d has no stored credentials to replay", previous.ConnectionID)
	}

	username, err := s.encryption.Decrypt(*previous.Username)
	if err != nil {
		return err
	}
	password, err := s.encryption.Decrypt(*previous.Password)
	if err != nil {
		return err
	}

	payload := s.passwordPayload(username, password, proof.SMS())

	var body map[string]any
	switch p := proof.(type) {
	case WithChallenge:
		if err := s.client.RespondToChallenge(ctx, p.SMSCode, p.ChallengeID); err != nil {
			return err
		}
		body, err = s.client.Login(ctx, payload, p.ChallengeID)
	case WithoutChallenge:
		body, err = s.client.Login(ctx, payload, "")
	default:
		return fmt.Errorf("unsupported MFA proof type %T", proof)
	}
	if err != nil {
		return err
	}

	tokens, err := robinhood.ParseTokens(body)
	if err != nil {
		return err
	}

	connection, err := s.upsertConnection(ctx, userID, institutionID, nil, tokens)
	if err != nil {
		return err
	}

	report, err := s.GetRecentHoldings(ctx, *connection.JSONWebToken)
	if err != nil {
		return err
	}
	return s.upsertAssets(ctx, userID, institutionID, report.Holdings)
}

// GetRecentHoldings pulls the connection's current positions. Symbol
// and name resolution goes through the instrument cache; misses cost
// two extra brokerage calls and are cached for next time.
func (s *RobinhoodService) GetRecentHoldings(ctx context.Context, encryptedAccessToken string) (*HoldingsReport, error) {
	accessToken, err := s.encryption.Decrypt(encryptedAccessToken)
	if err != nil {
		return nil, err
	}

	positions, err := s.client.GetPositions(ctx, accessToken)
	if err != nil {
		return nil, err
	}

	instrumentIDs := make([]string, 0, len(positions.Results))
	for _, position := range positions.Results {
		instrumentIDs = append(instrumentIDs, position.InstrumentID)
	}
	tracked, err := s.instruments.ListInstruments(ctx, instrumentIDs)
	if err != nil {
		return nil, err
	}
	trackedByID := make(map[string]database.Instrument, len(tracked))
	for _, instrument := range tracked {
		trackedByID[instrument.InstrumentID] = instrument
	}

	holdings := make([]Holding, 0, len(positions.Results))
	for _, position := range positions.Results {
		quantity, err := decimal.NewFromString(position.Quantity)
		if err != nil {
			return nil, fmt.Errorf("unparseable quantity %q for instrument %s: %w", position.Quantity, position.InstrumentID, err)
		}
		var averageBuyPrice decimal.NullDecimal
		if position.AverageBuyPrice != "" {
			price, err := decimal.NewFromString(position.AverageBuyPrice)
			if err != nil {
				return nil, fmt.Errorf("unparseable average buy price %q for instrument %s: %w", position.AverageBuyPrice, position.InstrumentID, err)
			}
			averageBuyPrice = decimal.NullDecimal{Decimal: price, Valid: true}
		}

		if instrument, ok := trackedByID[position.InstrumentID]; ok {
			holdings = append(holdings, Holding{
				AssetSymbol:     instrument.Symbol,
				Quantity:        quantity,
				AverageBuyPrice: averageBuyPrice,
				AssetName:       instrument.Name,
			})
			continue
		}

		symbol, name, err := s.resolveInstrument(ctx, position, accessToken)
		if err != nil {
			return nil, err
		}
		holdings = append(holdings, Holding{
			AssetSymbol:     symbol,
			Quantity:        quantity,
			AverageBuyPrice: averageBuyPrice,
			AssetName:       name,
		})

		if err := s.instruments.CreateInstrument(ctx, position.InstrumentID, name, symbol); err != nil {
			return nil, err
		}
	}

	return &HoldingsReport{Holdings: holdings, InstitutionName: robinhoodInstitutionName}, nil
}

// RefreshToken exchanges the stored refresh token for fresh session
// tokens and returns both re-encrypted.
func (s *RobinhoodService) RefreshToken(ctx context.Context, encryptedRefreshToken string) (*RefreshedTokens, error) {
	refreshToken, err := s.encryption.Decrypt(encryptedRefreshToken)
	if err != nil {
		return nil, err
	}

	payload := robinhood.LoginPayload{
		ClientID:      s.clientID,
		ExpiresIn:     robinhood.TokenExpiresIn,
		GrantType:     robinhood.GrantTypeRefreshToken,
		Scope:         robinhood.ScopeInternal,
		ChallengeType: robinhood.ChallengeTypeSMS,
		RefreshToken:  refreshToken,
		DeviceToken:   s.deviceToken,
	}

	body, err := s.client.Login(ctx, payload, "")
	if err != nil {
		return nil, err
	}
	tokens, err := robinhood.ParseTokens(body)
	if err != nil {
		return nil, err
	}

	encryptedJWT, err := s.encryption.Encrypt(tokens.AccessToken)
	if err != nil {
		return nil, err
	}
	encryptedRefresh, err := s.encryption.Encrypt(tokens.RefreshToken)
	if err != nil {
		return nil, err
	}
	return &RefreshedTokens{
		EncryptedJSONWebToken: encryptedJWT,
		EncryptedRefreshToken: encryptedRefresh,
	}, nil
}

func (s *RobinhoodService) passwordPayload(username, password, mfaCode string) robinhood.LoginPayload {
	return robinhood.LoginPayload{
		ClientID:      s.clientID,
		ExpiresIn:     robinhood.TokenExpiresIn,
		GrantType:     robinhood.GrantTypePassword,
		Username:      username,
		Password:      password,
		Scope:         robinhood.ScopeInternal,
		ChallengeType: robinhood.ChallengeTypeSMS,
		DeviceToken:   s.deviceToken,
		MFACode:       mfaCode,
	}
}

// resolveInstrument resolves symbol and display name for an instrument
// the cache has not seen.
func (s *RobinhoodService) resolveInstrument(ctx context.Context, position robinhood.Position, accessToken string) (symbol, name string, err error) {
	instrument, err := s.client.GetInstrumentByURL(ctx, position.InstrumentURL, accessToken)
	if err != nil {
		return "", "", err
	}

	names, err := s.client.GetNameBySymbol(ctx, instrument.Symbol, accessToken)
	if err != nil {
		return "", "", err
	}
	if len(names.Results) == 0 {
		return "", "", fmt.Errorf("no name results for symbol %s", instrument.Symbol)
	}

	name = names.Results[0].Name
	if name == "" {
		name = names.Results[0].SimpleName
	}
	if name == "" {
		name = instrument.Symbol
	}
	return instrument.Symbol, name, nil
}

// upsertConnection encrypts whatever secrets are present and writes the
// connection row. Passing tokens activates the connection; passing no
// credentials clears any stored ones.
func (s *RobinhoodService) upsertConnection(ctx context.Context, userID int64, institutionID string, credentials *Credentials, tokens *robinhood.SuccessfulLoginResponse) (*database.Connection, error) {
	params := database.UpsertConnectionParams{
		InstitutionID: institutionID,
		UserID:        userID,
		IsActive:      tokens != nil,
	}

	if credentials != nil {
		encryptedUsername, err := s.encryption.Encrypt(credentials.Username)
		if err != nil {
			return nil, err
		}
		encryptedPassword, err := s.encryption.Encrypt(credentials.Password)
		if err != nil {
			return nil, err
		}
		params.Username = &encryptedUsername
		params.Password = &encryptedPassword
	}

	if tokens != nil {
		encryptedJWT, err := s.encryption.Encrypt(tokens.AccessToken)
		if err != nil {
			return nil, err
		}
		encryptedRefresh, err := s.encryption.Encrypt(tokens.RefreshToken)
		if err != nil {
			return nil, err
		}
		params.JSONWebToken = &encryptedJWT
		params.RefreshToken = &encryptedRefresh
	}

	return s.connections.UpsertConnection(ctx, params)
}

func (s *RobinhoodService) upsertAssets(ctx context.Context, userID int64, institutionID string, holdings []Holding) error {
	for _, holding := range holdings {
		_, err := s.assets.UpsertAsset(ctx, database.UpsertAssetParams{
			UserID:          userID,
			InstitutionID:   institutionID,
			Name:            holding.AssetName,
			AssetSymbol:     holding.AssetSymbol,
			Quantity:        holding.Quantity,
			AverageBuyPrice: holding.AverageBuyPrice,
		})
		if err != nil {
			return err
		}
	}
	return nil
}
