package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelleum/account-connections/internal/database"
)

const testSecret = "test-signing-secret"

type fakeUserStore struct {
	users map[string]*database.User
	err   error
}

func (f *fakeUserStore) RetrieveWithFilter(_ context.Context, filter database.UserFilter) (*database.User, error) {
	if f.err != nil {
		return nil, f.err
	}
	if filter.Username == nil {
		return nil, nil
	}
	return f.users[*filter.Username], nil
}

func signToken(t *testing.T, method jwt.SigningMethod, secret, username string, expires time.Time) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   username,
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func authHandler(store UserStore) (http.Handler, *[]*database.User) {
	var seen []*database.User
	handler := Auth(store, testSecret, "HS256")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _ := UserFromContext(r.Context())
		seen = append(seen, user)
		w.WriteHeader(http.StatusOK)
	}))
	return handler, &seen
}

func doRequest(handler http.Handler, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/institutions", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func TestAuthResolvesUser(t *testing.T) {
	store := &fakeUserStore{users: map[string]*database.User{
		"alice": {UserID: 42, Username: "alice", IsActive: true},
	}}
	handler, seen := authHandler(store)

	token := signToken(t, jwt.SigningMethodHS256, testSecret, "alice", time.Now().Add(time.Hour))
	recorder := doRequest(handler, token)

	assert.Equal(t, http.StatusOK, recorder.Code)
	require.Len(t, *seen, 1)
	assert.Equal(t, int64(42), (*seen)[0].UserID)
}

func TestAuthMissingHeader(t *testing.T) {
	handler, seen := authHandler(&fakeUserStore{})

	recorder := doRequest(handler, "")

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Equal(t, "Bearer", recorder.Header().Get("WWW-Authenticate"))
	assert.JSONEq(t, `{"detail": "Could not validate credentials"}`, recorder.Body.String())
	assert.Empty(t, *seen)
}

func TestAuthBadSignature(t *testing.T) {
	handler, _ := authHandler(&fakeUserStore{})

	token := signToken(t, jwt.SigningMethodHS256, "some-other-secret", "alice", time.Now().Add(time.Hour))
	recorder := doRequest(handler, token)

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestAuthExpiredToken(t *testing.T) {
	store := &fakeUserStore{users: map[string]*database.User{
		"alice": {UserID: 42, Username: "alice", IsActive: true},
	}}
	handler, _ := authHandler(store)

	token := signToken(t, jwt.SigningMethodHS256, testSecret, "alice", time.Now().Add(-time.Minute))
	recorder := doRequest(handler, token)

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestAuthRejectsForeignSigningMethod(t *testing.T) {
	store := &fakeUserStore{users: map[string]*database.User{
		"alice": {UserID: 42, Username: "alice", IsActive: true},
	}}
	handler, _ := authHandler(store)

	token := signToken(t, jwt.SigningMethodHS512, testSecret, "alice", time.Now().Add(time.Hour))
	recorder := doRequest(handler, token)

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestAuthUnknownUser(t *testing.T) {
	handler, _ := authHandler(&fakeUserStore{})

	token := signToken(t, jwt.SigningMethodHS256, testSecret, "ghost", time.Now().Add(time.Hour))
	recorder := doRequest(handler, token)

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
}

func TestAuthInactiveUser(t *testing.T) {
	store := &fakeUserStore{users: map[string]*database.User{
		"alice": {UserID: 42, Username: "alice", IsActive: false},
	}}
	handler, _ := authHandler(store)

	token := signToken(t, jwt.SigningMethodHS256, testSecret, "alice", time.Now().Add(time.Hour))
	recorder := doRequest(handler, token)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.JSONEq(t, `{"detail": "Inactive user"}`, recorder.Body.String())
}

func TestCORSPreflight(t *testing.T) {
	handler := CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("preflight must not reach the handler")
	}))

	req := httptest.NewRequest(http.MethodOptions, "/institutions", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "*", recorder.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, recorder.Header().Get("Access-Control-Allow-Headers"), "Authorization")
}
