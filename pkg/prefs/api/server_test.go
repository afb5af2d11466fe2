package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roboricindustries/razzler/pkg/directory"
	"github.com/roboricindustries/razzler/pkg/prefs"
	"github.com/roboricindustries/razzler/pkg/pubsub"
	"github.com/roboricindustries/razzler/pkg/schemas/common"
	signal "github.com/roboricindustries/razzler/pkg/schemas/signal/v1"
)

type fixture struct {
	srv    *Server
	h      http.Handler
	mr     *miniredis.Miniredis
	broker *pubsub.MemoryBroker
	store  *prefs.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	dir := directory.NewStore(filepath.Join(t.TempDir(), "phonebook.json"), nil)
	_, err := dir.UpdateContact(ctx, "uuid-alice", "+447700900001", "alice")
	require.NoError(t, err)

	store, err := prefs.Open(ctx, filepath.Join(t.TempDir(), "prefs.db"), prefs.NewDefaults(""), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	broker := pubsub.NewMemoryBroker(nil)
	srv := New(Config{
		JWTSecret:      "secret",
		CountryPrefix:  "+44",
		AllowedOrigins: []string{"https://razzler.example"},
	}, store, dir, rdb, broker, nil)
	return &fixture{srv: srv, h: srv.Routes(), mr: mr, broker: broker, store: store}
}

func (f *fixture) do(t *testing.T, method, target, token string, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestOTPLoginFlow(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/login/issue_otp?user_number=07700900001", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	otp, err := f.mr.Get(OTPKey("uuid-alice"))
	require.NoError(t, err)
	assert.Len(t, otp, 6)
	assert.True(t, f.mr.TTL(OTPKey("uuid-alice")) > 0)

	published := f.broker.Drain(common.OutgoingMessages.Queue)
	require.Len(t, published, 1)
	var msg signal.OutgoingMessage
	require.NoError(t, json.Unmarshal(published[0], &msg))
	assert.Equal(t, "+447700900001", msg.Recipient)
	assert.Equal(t, "Your OTP is: "+otp, msg.Message)

	rec = f.do(t, http.MethodGet, "/login/verify_otp?user_number=%2B447700900001&otp=000000x", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	// a failed attempt burns the password
	assert.False(t, f.mr.Exists(OTPKey("uuid-alice")))

	require.NoError(t, f.mr.Set(OTPKey("uuid-alice"), "123456"))
	rec = f.do(t, http.MethodGet, "/login/verify_otp?user_number=07700900001&otp=123456", "", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	token, _ := decode(t, rec)["token"].(string)
	require.NotEmpty(t, token)

	uid, err := f.srv.parseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "uuid-alice", uid)
}

func TestIssueOTPUnknownUser(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/login/issue_otp?user_number=%2B15550000", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Zero(t, f.broker.Len(common.OutgoingMessages.Queue))

	rec = f.do(t, http.MethodGet, "/login/issue_otp", "", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPreferencesRequireToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/preferences", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/preferences", "not-a-jwt", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/preferences", nil)
	req.Header.Set("Authorization", "Basic abc")
	w := httptest.NewRecorder()
	f.h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		UserID:           "uuid-alice",
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)
	rec = f.do(t, http.MethodGet, "/preferences", expired, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Token has expired", decode(t, rec)["error"])
}

func TestPreferencesCRUD(t *testing.T) {
	f := newFixture(t)
	token, err := f.srv.issueToken("uuid-alice")
	require.NoError(t, err)

	rec := f.do(t, http.MethodPut, "/preferences", token, `{"personality":"a pirate"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/preferences", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "a pirate", body["personality"])
	assert.Equal(t, "uuid-alice", body["user_id"])
	assert.NotEmpty(t, body["reply"])

	rec = f.do(t, http.MethodPut, "/preferences", token, `{"insult":"nope"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, "/preferences", token, "")
	require.Equal(t, http.StatusOK, rec.Code)
	p, err := f.store.Get(context.Background(), "uuid-alice")
	require.NoError(t, err)
	assert.NotEqual(t, "a pirate", p.Personality)
}

func TestCORS(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodOptions, "/preferences", nil)
	req.Header.Set("Origin", "https://razzler.example")
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://razzler.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
