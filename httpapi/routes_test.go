package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollcall-app/rollcall/attend"
	"github.com/rollcall-app/rollcall/attend/attendtest"
	"github.com/rollcall-app/rollcall/attend/coordinator"
	"github.com/rollcall-app/rollcall/attend/devicecache"
	"github.com/rollcall-app/rollcall/attend/livecache"
	"github.com/rollcall-app/rollcall/attend/qrtoken"
	"github.com/rollcall-app/rollcall/core/auth"
	"github.com/rollcall-app/rollcall/core/healthcheck"
	"github.com/rollcall-app/rollcall/httpapi"
	"github.com/rollcall-app/rollcall/pkg/jwt"
)

const signingSecret = "0123456789abcdef0123456789abcdef"

var tripleA = attend.Triple{Department: "CSE", Semester: "5", Section: "A"}

type noDevices struct{}

func (noDevices) Lookup(context.Context, string, attend.Triple) (string, error) {
	return "", devicecache.ErrNoBinding
}
func (noDevices) Preload(context.Context, attend.Triple) error { return nil }

type apiFixture struct {
	srv   *httptest.Server
	store *attendtest.MemStore
	coord *coordinator.Coordinator
	jwt   *jwt.Service
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	minter, err := qrtoken.New(signingSecret)
	require.NoError(t, err)
	verifier, err := auth.NewVerifier(signingSecret)
	require.NoError(t, err)
	svc, err := jwt.NewFromString(signingSecret)
	require.NoError(t, err)

	store := attendtest.NewMemStore()
	cache := livecache.New(nil)
	coord := coordinator.New(store, cache, noDevices{}, minter)
	t.Cleanup(coord.Shutdown)

	r := httpapi.NewRouter(httpapi.Deps{
		Coordinator:    coord,
		Cache:          cache,
		Verifier:       verifier,
		Cluster:        healthcheck.Cluster{ID: "test"},
		AllowedOrigins: []string{"http://localhost:3000"},
	})

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &apiFixture{srv: srv, store: store, coord: coord, jwt: svc}
}

func (f *apiFixture) facultyToken(t *testing.T) string {
	t.Helper()
	tok, err := f.jwt.Generate(auth.Claims{
		StandardClaims: jwt.StandardClaims{
			Subject:   "fac-1",
			ExpiresAt: time.Now().Add(time.Hour).Unix(),
		},
		Role:     auth.RoleFaculty,
		Name:     "Dr. Rao",
		Email:    "rao@example.edu",
		Sections: []string{tripleA.Key()},
	})
	require.NoError(t, err)
	return tok
}

func (f *apiFixture) studentToken(t *testing.T, id, roll string) string {
	t.Helper()
	tok, err := f.jwt.Generate(auth.Claims{
		StandardClaims: jwt.StandardClaims{
			Subject:   id,
			ExpiresAt: time.Now().Add(time.Hour).Unix(),
		},
		Role:       auth.RoleStudent,
		Email:      id + "@example.edu",
		RollNumber: roll,
		Department: tripleA.Department,
		Semester:   tripleA.Semester,
		Section:    tripleA.Section,
	})
	require.NoError(t, err)
	return tok
}

// do performs an authenticated JSON request and decodes the response.
func (f *apiFixture) do(t *testing.T, method, path, token string, body, out any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, f.srv.URL+path, &buf)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func TestStatusEndpoint(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	var payload struct {
		Status  string `json:"status"`
		Uptime  string `json:"uptime"`
		Cluster struct {
			IsWorker bool   `json:"isWorker"`
			ID       string `json:"id"`
		} `json:"cluster"`
		Redis struct {
			Connected bool `json:"connected"`
			Fallback  bool `json:"fallback"`
		} `json:"redis"`
	}
	resp := f.do(t, http.MethodGet, "/status", "", nil, &payload)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", payload.Status)
	assert.Equal(t, "test", payload.Cluster.ID)
	assert.False(t, payload.Redis.Connected)
	assert.True(t, payload.Redis.Fallback)
}

func TestAuthRequired(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)

	resp := f.do(t, http.MethodGet, "/qr/session-status", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/qr/session-status", "not-a-token", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRoleGates(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	stuTok := f.studentToken(t, "stu-1", "01")
	facTok := f.facultyToken(t)

	// Student cannot start a session.
	resp := f.do(t, http.MethodPost, "/qr/start-session", stuTok, map[string]any{
		"triple": tripleA, "totalStudents": 2, "mode": "roll",
	}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Faculty cannot join one.
	resp = f.do(t, http.MethodPost, "/qr/join-session", facTok, map[string]any{}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSessionLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	facTok := f.facultyToken(t)
	stuTok := f.studentToken(t, "stu-1", "01")

	var s attend.Session
	resp := f.do(t, http.MethodPost, "/qr/start-session", facTok, map[string]any{
		"triple": tripleA, "totalStudents": 2, "mode": "roll",
	}, &s)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.NotEmpty(t, s.ID)
	assert.Equal(t, attend.StatusCreated, s.Status)

	var join struct {
		Session       attend.Session `json:"session"`
		AlreadyJoined bool           `json:"alreadyJoined"`
	}
	resp = f.do(t, http.MethodPost, "/qr/join-session", stuTok, map[string]any{}, &join)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, s.ID, join.Session.ID)
	assert.False(t, join.AlreadyJoined)

	ref := map[string]any{"sessionId": s.ID}
	resp = f.do(t, http.MethodPost, "/qr/lock-session", facTok, ref, &s)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, attend.StatusLocked, s.Status)

	resp = f.do(t, http.MethodPost, "/qr/start-attendance", facTok, ref, &s)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, attend.StatusActive, s.Status)

	// Scan with the live token.
	live, err := f.store.Get(context.Background(), s.ID)
	require.NoError(t, err)
	require.NotEmpty(t, live.CurrentToken)

	var scanned attend.Session
	resp = f.do(t, http.MethodPost, "/qr/scan-qr", stuTok, map[string]any{
		"token": live.CurrentToken, "fingerprint": "fp-1",
	}, &scanned)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, scanned.Counters.Present)

	var rec attend.Record
	resp = f.do(t, http.MethodPost, "/qr/end-session", facTok, ref, &rec)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"01"}, rec.Present)
	assert.Equal(t, []string{"02"}, rec.Absent)
}

func TestScanErrorsCarryCodes(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	facTok := f.facultyToken(t)
	stuTok := f.studentToken(t, "stu-1", "01")

	var s attend.Session
	f.do(t, http.MethodPost, "/qr/start-session", facTok, map[string]any{
		"triple": tripleA, "totalStudents": 2, "mode": "roll",
	}, &s)
	ref := map[string]any{"sessionId": s.ID}
	f.do(t, http.MethodPost, "/qr/join-session", stuTok, map[string]any{}, nil)
	f.do(t, http.MethodPost, "/qr/lock-session", facTok, ref, nil)
	f.do(t, http.MethodPost, "/qr/start-attendance", facTok, ref, nil)

	var apiErr struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	resp := f.do(t, http.MethodPost, "/qr/scan-qr", stuTok, map[string]any{
		"token": "garbage", "fingerprint": "fp-1",
	}, &apiErr)
	assert.Equal(t, http.StatusGone, resp.StatusCode)
	assert.Equal(t, "TOKEN_NOT_FOUND", apiErr.Code)

	// Transition guard: locking an active session.
	resp = f.do(t, http.MethodPost, "/qr/lock-session", facTok, ref, &apiErr)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "BAD_TRANSITION", apiErr.Code)
}

func TestValidateQR(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	stuTok := f.studentToken(t, "stu-1", "01")

	var res coordinator.ValidateResult
	resp := f.do(t, http.MethodPost, "/qr/validate-qr", stuTok, map[string]any{"token": "nope"}, &res)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, res.Valid)
	assert.Equal(t, "TOKEN_NOT_FOUND", res.Reason)
}

func TestSessionQRPNG(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	facTok := f.facultyToken(t)
	stuTok := f.studentToken(t, "stu-1", "01")

	var s attend.Session
	f.do(t, http.MethodPost, "/qr/start-session", facTok, map[string]any{
		"triple": tripleA, "totalStudents": 1, "mode": "roll",
	}, &s)
	ref := map[string]any{"sessionId": s.ID}
	f.do(t, http.MethodPost, "/qr/join-session", stuTok, map[string]any{}, nil)
	f.do(t, http.MethodPost, "/qr/lock-session", facTok, ref, nil)
	f.do(t, http.MethodPost, "/qr/start-attendance", facTok, ref, nil)

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("%s/qr/session-qr?sid=%s", f.srv.URL, s.ID), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+facTok)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
}

func TestProxyRemoval(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	facTok := f.facultyToken(t)
	stuTok := f.studentToken(t, "stu-1", "01")

	var s attend.Session
	f.do(t, http.MethodPost, "/qr/start-session", facTok, map[string]any{
		"triple": tripleA, "totalStudents": 2, "mode": "roll",
	}, &s)
	f.do(t, http.MethodPost, "/qr/join-session", stuTok, map[string]any{}, nil)

	var res coordinator.RemovalResult
	resp := f.do(t, http.MethodPost, "/proxy/remove-student", stuTok, map[string]any{
		"studentId": "stu-1", "rollNumber": "01", "triple": tripleA, "reason": "lost phone",
	}, &res)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, res.WasJoined)
	assert.False(t, res.WasAttended)

	// Mismatched credentials are rejected.
	resp = f.do(t, http.MethodPost, "/proxy/remove-student", stuTok, map[string]any{
		"studentId": "stu-2", "rollNumber": "02", "triple": tripleA,
	}, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSessionStatsOwnership(t *testing.T) {
	t.Parallel()

	f := newAPIFixture(t)
	facTok := f.facultyToken(t)
	stuTok := f.studentToken(t, "stu-1", "01")

	var s attend.Session
	f.do(t, http.MethodPost, "/qr/start-session", facTok, map[string]any{
		"triple": tripleA, "totalStudents": 2, "mode": "roll",
	}, &s)

	var stats coordinator.SessionStats
	resp := f.do(t, http.MethodGet, "/proxy/session-stats/"+s.ID, facTok, nil, &stats)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotNil(t, stats.Session)
	assert.Equal(t, s.ID, stats.Session.ID)

	// Students cannot read faculty stats.
	resp = f.do(t, http.MethodGet, "/proxy/session-stats/"+s.ID, stuTok, nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
