package institutions

import (
	"bytes"
	"context"
	"encoding/base64"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelleum/account-connections/internal/database"
	"github.com/pelleum/account-connections/internal/encryption"
	"github.com/pelleum/account-connections/internal/robinhood"
)

const (
	testInstitutionID = "f7e6a329-14c6-4cbe-a4b1-a8e3b6e2b0f3"
	testUserID        = int64(7)
)

type fakeConnectionStore struct {
	connections []*database.Connection
	upserts     []database.UpsertConnectionParams
	nextID      int64
}

func (f *fakeConnectionStore) RetrieveConnection(_ context.Context, filter database.ConnectionFilter) (*database.Connection, error) {
	for _, connection := range f.connections {
		if filter.UserID != nil && connection.UserID != *filter.UserID {
			continue
		}
		if filter.InstitutionID != nil && connection.InstitutionID != *filter.InstitutionID {
			continue
		}
		if filter.IsActive != nil && connection.IsActive != *filter.IsActive {
			continue
		}
		return connection, nil
	}
	return nil, nil
}

func (f *fakeConnectionStore) UpsertConnection(_ context.Context, params database.UpsertConnectionParams) (*database.Connection, error) {
	f.upserts = append(f.upserts, params)
	for _, connection := range f.connections {
		if connection.UserID == params.UserID && connection.InstitutionID == params.InstitutionID {
			connection.Username = params.Username
			connection.Password = params.Password
			connection.JSONWebToken = params.JSONWebToken
			connection.RefreshToken = params.RefreshToken
			connection.IsActive = params.IsActive
			return connection, nil
		}
	}
	f.nextID++
	connection := &database.Connection{
		ConnectionID:  f.nextID,
		InstitutionID: params.InstitutionID,
		UserID:        params.UserID,
		Username:      params.Username,
		Password:      params.Password,
		JSONWebToken:  params.JSONWebToken,
		RefreshToken:  params.RefreshToken,
		IsActive:      params.IsActive,
	}
	f.connections = append(f.connections, connection)
	return connection, nil
}

type fakeAssetStore struct {
	upserts []database.UpsertAssetParams
}

func (f *fakeAssetStore) UpsertAsset(_ context.Context, params database.UpsertAssetParams) (*database.Asset, error) {
	f.upserts = append(f.upserts, params)
	return &database.Asset{
		AssetID:       int64(len(f.upserts)),
		UserID:        params.UserID,
		InstitutionID: params.InstitutionID,
		Name:          params.Name,
		AssetSymbol:   params.AssetSymbol,
	}, nil
}

type fakeInstrumentStore struct {
	instruments map[string]database.Instrument
	created     []database.Instrument
}

func (f *fakeInstrumentStore) ListInstruments(_ context.Context, instrumentIDs []string) ([]database.Instrument, error) {
	var found []database.Instrument
	for _, id := range instrumentIDs {
		if instrument, ok := f.instruments[id]; ok {
			found = append(found, instrument)
		}
	}
	return found, nil
}

func (f *fakeInstrumentStore) CreateInstrument(_ context.Context, instrumentID, name, symbol string) error {
	instrument := database.Instrument{InstrumentID: instrumentID, Name: name, Symbol: symbol}
	if f.instruments == nil {
		f.instruments = make(map[string]database.Instrument)
	}
	f.instruments[instrumentID] = instrument
	f.created = append(f.created, instrument)
	return nil
}

type loginCall struct {
	payload     robinhood.LoginPayload
	challengeID string
}

type fakeBrokerageClient struct {
	loginBody map[string]any
	loginErr  error
	positions *robinhood.PositionsResponse

	instrumentsByURL map[string]*robinhood.InstrumentResponse
	namesBySymbol    map[string]*robinhood.NameResponse

	loginCalls      []loginCall
	challengeCalls  []loginCall
	instrumentCalls int
	callOrder       []string
}

func (f *fakeBrokerageClient) Login(_ context.Context, payload robinhood.LoginPayload, challengeID string) (map[string]any, error) {
	f.callOrder = append(f.callOrder, "login")
	f.loginCalls = append(f.loginCalls, loginCall{payload: payload, challengeID: challengeID})
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return f.loginBody, nil
}

func (f *fakeBrokerageClient) RespondToChallenge(_ context.Context, challengeCode, challengeID string) error {
	f.callOrder = append(f.callOrder, "challenge")
	f.challengeCalls = append(f.challengeCalls, loginCall{payload: robinhood.LoginPayload{MFACode: challengeCode}, challengeID: challengeID})
	return nil
}

func (f *fakeBrokerageClient) GetPositions(_ context.Context, _ string) (*robinhood.PositionsResponse, error) {
	return f.positions, nil
}

func (f *fakeBrokerageClient) GetInstrumentByURL(_ context.Context, instrumentURL, _ string) (*robinhood.InstrumentResponse, error) {
	f.instrumentCalls++
	instrument, ok := f.instrumentsByURL[instrumentURL]
	if !ok {
		return nil, &robinhood.APIError{Status: 404, Detail: "instrument not found"}
	}
	return instrument, nil
}

func (f *fakeBrokerageClient) GetNameBySymbol(_ context.Context, symbol, _ string) (*robinhood.NameResponse, error) {
	names, ok := f.namesBySymbol[symbol]
	if !ok {
		return nil, &robinhood.APIError{Status: 404, Detail: "symbol not found"}
	}
	return names, nil
}

type serviceFixture struct {
	service     *RobinhoodService
	client      *fakeBrokerageClient
	connections *fakeConnectionStore
	assets      *fakeAssetStore
	instruments *fakeInstrumentStore
	encryptor   *encryption.AESService
}

func newFixture(t *testing.T) *serviceFixture {
	t.Helper()
	key := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{0x24}, 32))
	encryptor, err := encryption.NewAESService(key)
	require.NoError(t, err)

	client := &fakeBrokerageClient{}
	connections := &fakeConnectionStore{}
	assets := &fakeAssetStore{}
	instruments := &fakeInstrumentStore{}

	return &serviceFixture{
		service: NewRobinhoodService(RobinhoodParams{
			Client:      client,
			Connections: connections,
			Assets:      assets,
			Instruments: instruments,
			Encryption:  encryptor,
			ClientID:    "client-id",
			DeviceToken: "device-token",
		}),
		client:      client,
		connections: connections,
		assets:      assets,
		instruments: instruments,
		encryptor:   encryptor,
	}
}

func (f *serviceFixture) encrypt(t *testing.T, plaintext string) *string {
	t.Helper()
	ciphertext, err := f.encryptor.Encrypt(plaintext)
	require.NoError(t, err)
	return &ciphertext
}

func (f *serviceFixture) decrypt(t *testing.T, ciphertext *string) string {
	t.Helper()
	require.NotNil(t, ciphertext)
	plaintext, err := f.encryptor.Decrypt(*ciphertext)
	require.NoError(t, err)
	return plaintext
}

func tokensBody(accessToken, refreshToken string) map[string]any {
	return map[string]any{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"expires_in":    float64(86400),
		"token_type":    "Bearer",
		"scope":         "internal",
	}
}

func singlePosition() *robinhood.PositionsResponse {
	return &robinhood.PositionsResponse{Results: []robinhood.Position{{
		InstrumentURL:   "https://api.robinhood.com/instruments/inst-1/",
		InstrumentID:    "inst-1",
		AverageBuyPrice: "120.50",
		Quantity:        "3.0000",
	}}}
}

func TestLoginWithoutMFALinksImmediately(t *testing.T) {
	fixture := newFixture(t)
	fixture.client.loginBody = tokensBody("access-1", "refresh-1")
	fixture.client.positions = singlePosition()
	fixture.client.instrumentsByURL = map[string]*robinhood.InstrumentResponse{
		"https://api.robinhood.com/instruments/inst-1/": {Symbol: "TSLA"},
	}
	fixture.client.namesBySymbol = map[string]*robinhood.NameResponse{
		"TSLA": {Results: []robinhood.NameResult{{Name: "Tesla, Inc.", SimpleName: "Tesla"}}},
	}

	result, err := fixture.service.Login(context.Background(), Credentials{Username: "user", Password: "hunter2"}, testUserID, testInstitutionID)
	require.NoError(t, err)
	assert.True(t, result.Linked)
	assert.Nil(t, result.Envelope)

	require.Len(t, fixture.client.loginCalls, 1)
	call := fixture.client.loginCalls[0]
	assert.Equal(t, robinhood.GrantTypePassword, call.payload.GrantType)
	assert.Equal(t, "user", call.payload.Username)
	assert.Equal(t, "hunter2", call.payload.Password)
	assert.Empty(t, call.payload.MFACode)
	assert.Empty(t, call.challengeID)

	require.Len(t, fixture.connections.connections, 1)
	connection := fixture.connections.connections[0]
	assert.True(t, connection.IsActive)
	assert.Equal(t, "user", fixture.decrypt(t, connection.Username))
	assert.Equal(t, "hunter2", fixture.decrypt(t, connection.Password))
	assert.Equal(t, "access-1", fixture.decrypt(t, connection.JSONWebToken))
	assert.Equal(t, "refresh-1", fixture.decrypt(t, connection.RefreshToken))

	require.Len(t, fixture.assets.upserts, 1)
	asset := fixture.assets.upserts[0]
	assert.Equal(t, testUserID, asset.UserID)
	assert.Equal(t, testInstitutionID, asset.InstitutionID)
	assert.Equal(t, "TSLA", asset.AssetSymbol)
	assert.Equal(t, "Tesla, Inc.", asset.Name)
	assert.True(t, asset.Quantity.Equal(decimal.RequireFromString("3.0000")))
	require.True(t, asset.AverageBuyPrice.Valid)
	assert.True(t, asset.AverageBuyPrice.Decimal.Equal(decimal.RequireFromString("120.50")))

	require.Len(t, fixture.instruments.created, 1)
	assert.Equal(t, "inst-1", fixture.instruments.created[0].InstrumentID)
}

func TestLoginAlreadyLinked(t *testing.T) {
	fixture := newFixture(t)
	fixture.connections.connections = []*database.Connection{{
		ConnectionID:  1,
		InstitutionID: testInstitutionID,
		UserID:        testUserID,
		IsActive:      true,
	}}

	_, err := fixture.service.Login(context.Background(), Credentials{Username: "user", Password: "hunter2"}, testUserID, testInstitutionID)
	require.ErrorIs(t, err, ErrAlreadyLinked)
	assert.Empty(t, fixture.client.loginCalls)
}

func TestLoginMFAPromptStoresCredentials(t *testing.T) {
	fixture := newFixture(t)
	fixture.client.loginBody = map[string]any{
		"detail":       "Request blocked, challenge type required.",
		"mfa_required": true,
	}

	result, err := fixture.service.Login(context.Background(), Credentials{Username: "user", Password: "hunter2"}, testUserID, testInstitutionID)
	require.NoError(t, err)
	assert.False(t, result.Linked)
	assert.Equal(t, fixture.client.loginBody, result.Envelope)

	require.Len(t, fixture.connections.connections, 1)
	connection := fixture.connections.connections[0]
	assert.False(t, connection.IsActive)
	assert.Equal(t, "user", fixture.decrypt(t, connection.Username))
	assert.Equal(t, "hunter2", fixture.decrypt(t, connection.Password))
	assert.Nil(t, connection.JSONWebToken)
	assert.Nil(t, connection.RefreshToken)
	assert.Empty(t, fixture.assets.upserts)
}

func TestVerifyMFANotLinked(t *testing.T) {
	fixture := newFixture(t)

	err := fixture.service.VerifyMFA(context.Background(), WithoutChallenge{SMSCode: "123456"}, testUserID, testInstitutionID)
	require.ErrorIs(t, err, ErrNotLinked)
}

func TestVerifyMFAAlreadyActive(t *testing.T) {
	fixture := newFixture(t)
	fixture.connections.connections = []*database.Connection{{
		ConnectionID:  1,
		InstitutionID: testInstitutionID,
		UserID:        testUserID,
		IsActive:      true,
	}}

	err := fixture.service.VerifyMFA(context.Background(), WithoutChallenge{SMSCode: "123456"}, testUserID, testInstitutionID)
	require.ErrorIs(t, err, ErrAlreadyLinked)
}

func TestVerifyMFAWithChallenge(t *testing.T) {
	fixture := newFixture(t)
	fixture.connections.connections = []*database.Connection{{
		ConnectionID:  1,
		InstitutionID: testInstitutionID,
		UserID:        testUserID,
		Username:      fixture.encrypt(t, "user"),
		Password:      fixture.encrypt(t, "hunter2"),
		IsActive:      false,
	}}
	fixture.client.loginBody = tokensBody("access-2", "refresh-2")
	fixture.client.positions = &robinhood.PositionsResponse{}

	err := fixture.service.VerifyMFA(context.Background(), WithChallenge{SMSCode: "123456", ChallengeID: "chal-9"}, testUserID, testInstitutionID)
	require.NoError(t, err)

	// The challenge must be answered before the login retry.
	require.Equal(t, []string{"challenge", "login"}, fixture.client.callOrder)
	require.Len(t, fixture.client.challengeCalls, 1)
	assert.Equal(t, "123456", fixture.client.challengeCalls[0].payload.MFACode)
	assert.Equal(t, "chal-9", fixture.client.challengeCalls[0].challengeID)

	require.Len(t, fixture.client.loginCalls, 1)
	call := fixture.client.loginCalls[0]
	assert.Equal(t, "chal-9", call.challengeID)
	assert.Equal(t, "user", call.payload.Username)
	assert.Equal(t, "hunter2", call.payload.Password)
	assert.Equal(t, "123456", call.payload.MFACode)

	connection := fixture.connections.connections[0]
	assert.True(t, connection.IsActive)
	assert.Equal(t, "access-2", fixture.decrypt(t, connection.JSONWebToken))
	assert.Equal(t, "refresh-2", fixture.decrypt(t, connection.RefreshToken))

	// Verification replaces the whole row: replayed credentials are gone.
	assert.Nil(t, connection.Username)
	assert.Nil(t, connection.Password)
}

func TestVerifyMFAWithoutChallenge(t *testing.T) {
	fixture := newFixture(t)
	fixture.connections.connections = []*database.Connection{{
		ConnectionID:  1,
		InstitutionID: testInstitutionID,
		UserID:        testUserID,
		Username:      fixture.encrypt(t, "user"),
		Password:      fixture.encrypt(t, "hunter2"),
		IsActive:      false,
	}}
	fixture.client.loginBody = tokensBody("access-3", "refresh-3")
	fixture.client.positions = &robinhood.PositionsResponse{}

	err := fixture.service.VerifyMFA(context.Background(), WithoutChallenge{SMSCode: "654321"}, testUserID, testInstitutionID)
	require.NoError(t, err)

	assert.Empty(t, fixture.client.challengeCalls)
	require.Len(t, fixture.client.loginCalls, 1)
	assert.Empty(t, fixture.client.loginCalls[0].challengeID)
	assert.Equal(t, "654321", fixture.client.loginCalls[0].payload.MFACode)
}

func TestVerifyMFAMissingStoredCredentials(t *testing.T) {
	fixture := newFixture(t)
	fixture.connections.connections = []*database.Connection{{
		ConnectionID:  1,
		InstitutionID: testInstitutionID,
		UserID:        testUserID,
		IsActive:      false,
	}}

	err := fixture.service.VerifyMFA(context.Background(), WithoutChallenge{SMSCode: "123456"}, testUserID, testInstitutionID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no stored credentials")
}

func TestGetRecentHoldingsCacheHit(t *testing.T) {
	fixture := newFixture(t)
	fixture.client.positions = singlePosition()
	fixture.instruments.instruments = map[string]database.Instrument{
		"inst-1": {InstrumentID: "inst-1", Name: "Tesla, Inc.", Symbol: "TSLA"},
	}

	report, err := fixture.service.GetRecentHoldings(context.Background(), *fixture.encrypt(t, "access-1"))
	require.NoError(t, err)

	assert.Equal(t, "Robinhood", report.InstitutionName)
	require.Len(t, report.Holdings, 1)
	assert.Equal(t, "TSLA", report.Holdings[0].AssetSymbol)
	assert.Equal(t, "Tesla, Inc.", report.Holdings[0].AssetName)
	assert.Zero(t, fixture.client.instrumentCalls)
	assert.Empty(t, fixture.instruments.created)
}

func TestGetRecentHoldingsResolvesAndCaches(t *testing.T) {
	fixture := newFixture(t)
	fixture.client.positions = &robinhood.PositionsResponse{Results: []robinhood.Position{{
		InstrumentURL: "https://api.robinhood.com/instruments/inst-2/",
		InstrumentID:  "inst-2",
		Quantity:      "1",
	}}}
	fixture.client.instrumentsByURL = map[string]*robinhood.InstrumentResponse{
		"https://api.robinhood.com/instruments/inst-2/": {Symbol: "AAPL"},
	}
	fixture.client.namesBySymbol = map[string]*robinhood.NameResponse{
		"AAPL": {Results: []robinhood.NameResult{{SimpleName: "Apple"}}},
	}

	report, err := fixture.service.GetRecentHoldings(context.Background(), *fixture.encrypt(t, "access-1"))
	require.NoError(t, err)

	require.Len(t, report.Holdings, 1)
	holding := report.Holdings[0]
	assert.Equal(t, "AAPL", holding.AssetSymbol)
	assert.Equal(t, "Apple", holding.AssetName)
	assert.False(t, holding.AverageBuyPrice.Valid)

	require.Len(t, fixture.instruments.created, 1)
	assert.Equal(t, database.Instrument{InstrumentID: "inst-2", Name: "Apple", Symbol: "AAPL"}, fixture.instruments.created[0])
}

func TestGetRecentHoldingsBadQuantity(t *testing.T) {
	fixture := newFixture(t)
	fixture.client.positions = &robinhood.PositionsResponse{Results: []robinhood.Position{{
		InstrumentURL: "https://api.robinhood.com/instruments/inst-1/",
		InstrumentID:  "inst-1",
		Quantity:      "not-a-number",
	}}}
	fixture.instruments.instruments = map[string]database.Instrument{
		"inst-1": {InstrumentID: "inst-1", Name: "Tesla, Inc.", Symbol: "TSLA"},
	}

	_, err := fixture.service.GetRecentHoldings(context.Background(), *fixture.encrypt(t, "access-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inst-1")
}

func TestRefreshTokenUsesRefreshGrant(t *testing.T) {
	fixture := newFixture(t)
	fixture.client.loginBody = tokensBody("access-next", "refresh-next")

	refreshed, err := fixture.service.RefreshToken(context.Background(), *fixture.encrypt(t, "refresh-old"))
	require.NoError(t, err)

	require.Len(t, fixture.client.loginCalls, 1)
	payload := fixture.client.loginCalls[0].payload
	assert.Equal(t, robinhood.GrantTypeRefreshToken, payload.GrantType)
	assert.Equal(t, "refresh-old", payload.RefreshToken)
	assert.Empty(t, payload.Username)
	assert.Empty(t, payload.Password)

	assert.Equal(t, "access-next", fixture.decrypt(t, &refreshed.EncryptedJSONWebToken))
	assert.Equal(t, "refresh-next", fixture.decrypt(t, &refreshed.EncryptedRefreshToken))
}
