package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/remoteobj/internal/observability"
	"github.com/danmuck/remoteobj/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

func adminRequest(t *testing.T, h http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminRoutesRequireTokenExceptHealth(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	svc, err := NewService(Config{PoolSize: 3, AdminToken: "secret"}, newBackend(t))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	h := svc.AdminHandler()

	if rec := adminRequest(t, h, "/health", ""); rec.Code != http.StatusOK {
		t.Fatalf("/health = %d", rec.Code)
	}
	for _, path := range []string{"/ready", "/pool", "/metrics"} {
		if rec := adminRequest(t, h, path, ""); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s without token = %d", path, rec.Code)
		}
		if rec := adminRequest(t, h, path, "wrong"); rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s with wrong token = %d", path, rec.Code)
		}
	}

	rec := adminRequest(t, h, "/pool", "secret")
	if rec.Code != http.StatusOK {
		t.Fatalf("/pool = %d", rec.Code)
	}
	var pool struct {
		Size      int `json:"size"`
		Available int `json:"available"`
		Busy      int `json:"busy"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &pool); err != nil {
		t.Fatalf("decode /pool: %v", err)
	}
	if pool.Size != 3 || pool.Available != 3 || pool.Busy != 0 {
		t.Fatalf("pool = %+v", pool)
	}

	if rec := adminRequest(t, h, "/metrics", "secret"); rec.Code != http.StatusOK {
		t.Fatalf("/metrics = %d", rec.Code)
	}
}

func TestAdminReadyFollowsAcceptLoop(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	svc, err := NewService(Config{PoolSize: 1}, newBackend(t))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	h := svc.AdminHandler()
	if rec := adminRequest(t, h, "/ready", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("/ready before serve = %d", rec.Code)
	}
	svc.ready.Store(true)
	if rec := adminRequest(t, h, "/ready", ""); rec.Code != http.StatusOK {
		t.Fatalf("/ready while serving = %d", rec.Code)
	}
}

func TestAdminRequestIDIsEchoedOrAssigned(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	svc, err := NewService(Config{PoolSize: 1}, newBackend(t))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	h := svc.AdminHandler()

	rec := adminRequest(t, h, "/health", "")
	if rec.Header().Get(observability.RequestIDHeader) == "" {
		t.Fatalf("no request id assigned")
	}
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(observability.RequestIDHeader, "trace-1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get(observability.RequestIDHeader); got != "trace-1" {
		t.Fatalf("request id = %q, want trace-1", got)
	}
}
