package access

import (
	"context"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/relabs-tech/devicecerts/core/csql"
)

func testIssuer() *TokenIssuer {
	return &TokenIssuer{Secret: []byte("unit-test-secret"), Issuer: "devicecerts", Expiry: time.Minute}
}

func TestAuthorization_HasRole(t *testing.T) {
	auth := &Authorization{Identity: "admin", Roles: []string{"admin"}}
	assert.True(t, auth.HasRole("admin"))
	assert.False(t, auth.HasRole("device"))

	auth = nil
	assert.False(t, auth.HasRole("admin"))
}

func TestTokenIssuer_RoundTrip(t *testing.T) {
	issuer := testIssuer()
	token, err := issuer.IssueToken("admin", []string{"admin"})
	require.NoError(t, err)

	auth, err := issuer.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", auth.Identity)
	assert.Equal(t, []string{"admin"}, auth.Roles)

	other := &TokenIssuer{Secret: []byte("another secret")}
	_, err = other.Validate(token)
	assert.Error(t, err, "token signed with a different secret must not validate")

	wrongIssuer := &TokenIssuer{Secret: issuer.Secret, Issuer: "someone-else"}
	_, err = wrongIssuer.Validate(token)
	assert.Error(t, err)
}

func TestTokenIssuer_DefaultExpiry(t *testing.T) {
	// non-positive expiry falls back to the default lifetime
	issuer := &TokenIssuer{Secret: []byte("s"), Expiry: -time.Minute}
	token, err := issuer.IssueToken("admin", nil)
	require.NoError(t, err)
	_, err = issuer.Validate(token)
	assert.NoError(t, err)
}

func newProtectedRouter(issuer *TokenIssuer) *mux.Router {
	router := mux.NewRouter()
	router.Use(NewJwtMiddelware(issuer))
	router.Handle("/protected", Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(AuthorizationFromContext(r.Context()).Identity))
	})))
	HandleAuthorizationRoute(router)
	return router
}

func TestJwtMiddleware(t *testing.T) {
	issuer := testIssuer()
	router := newProtectedRouter(issuer)
	token, err := issuer.IssueToken("operator", []string{"admin"})
	require.NoError(t, err)

	// no token
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/protected", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// bearer header
	req := httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "operator", rec.Body.String())

	// cookie
	req = httptest.NewRequest(http.MethodGet, "/authorization", nil)
	req.AddCookie(&http.Cookie{Name: "Kurbisio-JWT", Value: token})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "operator")

	// broken token
	req = httptest.NewRequest(http.MethodGet, "/protected", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMemoryAccounts(t *testing.T) {
	accounts := NewMemoryAccounts()
	ctx := context.Background()
	require.NoError(t, accounts.EnsureAccount(ctx, "admin", "admin123", "admin"))
	// a second ensure does not change the password
	require.NoError(t, accounts.EnsureAccount(ctx, "admin", "other-password"))

	auth, err := accounts.Verify(ctx, "admin", "admin123")
	require.NoError(t, err)
	assert.True(t, auth.HasRole("admin"))

	_, err = accounts.Verify(ctx, "admin", "other-password")
	assert.ErrorIs(t, err, ErrInvalidCredential)
	_, err = accounts.Verify(ctx, "nobody", "admin123")
	assert.ErrorIs(t, err, ErrInvalidCredential)

	accounts.Disable("admin")
	_, err = accounts.Verify(ctx, "admin", "admin123")
	assert.ErrorIs(t, err, ErrInactiveAccount)
}

func TestSQLAccounts_Verify(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`CREATE table IF NOT EXISTS unit.account`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	cdb, err := csql.WithSchema(db, "unit")
	require.NoError(t, err)
	accounts, err := NewSQLAccounts(cdb)
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte("admin123"), bcrypt.MinCost)
	require.NoError(t, err)
	query := regexp.QuoteMeta(`SELECT password_hash, active, properties FROM unit.account WHERE identity=$1;`)
	mock.ExpectQuery(query).WithArgs("admin").
		WillReturnRows(sqlmock.NewRows([]string{"password_hash", "active", "properties"}).
			AddRow(string(hash), true, []byte(`{"roles":["admin"]}`)))
	mock.ExpectQuery(query).WithArgs("admin").
		WillReturnRows(sqlmock.NewRows([]string{"password_hash", "active", "properties"}).
			AddRow(string(hash), true, []byte(`{"roles":["admin"]}`)))
	mock.ExpectQuery(query).WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"password_hash", "active", "properties"}))

	auth, err := accounts.Verify(context.Background(), "admin", "admin123")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, auth.Roles)

	_, err = accounts.Verify(context.Background(), "admin", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredential)

	_, err = accounts.Verify(context.Background(), "ghost", "admin123")
	assert.ErrorIs(t, err, ErrInvalidCredential)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLoginRoute(t *testing.T) {
	accounts := NewMemoryAccounts()
	require.NoError(t, accounts.EnsureAccount(context.Background(), "admin", "admin123", "admin"))
	issuer := testIssuer()
	router := mux.NewRouter()
	HandleLoginRoute(router, accounts, issuer)

	post := func(body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(body)))
		return rec
	}

	rec := post(`{"username":" admin ","password":"admin123"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var res loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "bearer", res.TokenType)
	auth, err := issuer.Validate(res.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "admin", auth.Identity)

	assert.Equal(t, http.StatusUnauthorized, post(`{"username":"admin","password":"wrong-password"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`{"username":"ad","password":"admin123"}`).Code)
	assert.Equal(t, http.StatusBadRequest, post(`not json`).Code)
}
