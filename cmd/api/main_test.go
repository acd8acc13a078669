package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwork/credit-ledger/internal/config"
	"github.com/mwork/credit-ledger/internal/domain/credit"
	"github.com/mwork/credit-ledger/internal/domain/credit/memstore"
	"github.com/mwork/credit-ledger/internal/pkg/jwt"
)

type fakePinger struct{ err error }

func (p fakePinger) PingContext(context.Context) error { return p.err }

func testRouter(t *testing.T, db pinger) (http.Handler, *jwt.Service) {
	t.Helper()
	cfg := &config.Config{Env: "test", LedgerOpTimeout: time.Second}
	jwtService := jwt.NewService("test-secret", time.Minute)
	svc := credit.NewService(memstore.New(), credit.Options{})
	return newRouter(cfg, db, svc, jwtService), jwtService
}

func TestHealth(t *testing.T) {
	router, _ := testRouter(t, fakePinger{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
}

func TestHealthDatabaseDown(t *testing.T) {
	router, _ := testRouter(t, fakePinger{err: errors.New("connection refused")})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestCreditRoutesMounted(t *testing.T) {
	router, jwtService := testRouter(t, nil)

	t.Run("requires auth", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/credits/balance", nil))
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("user balance", func(t *testing.T) {
		token, err := jwtService.GenerateAccessToken(uuid.New(), jwt.RoleUser)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/credits/balance", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("internal routes refuse users", func(t *testing.T) {
		token, err := jwtService.GenerateAccessToken(uuid.New(), jwt.RoleUser)
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodPost, "/api/internal/credits/sweep", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusForbidden, rr.Code)
	})
}
