package echo

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/entitlements/pkg/entitlement"
	"github.com/mihaimyh/entitlements/storage/memory"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

// errorStorage is a mock storage that always fails on GetAccount
type errorStorage struct {
	*memory.Storage
}

func (s *errorStorage) GetAccount(_ context.Context, _ string) (*entitlement.Account, error) {
	return nil, errors.New("connection refused")
}

func setupStore(t *testing.T) *memory.Storage {
	t.Helper()

	store := memory.New()
	expired := testNow.Add(-time.Hour)
	ctx := context.Background()
	for _, acct := range []*entitlement.Account{
		{ID: "single", OneTimeExportCount: 2},
		{ID: "expired", CreditBalance: 5, CreditExpiry: &expired},
	} {
		if err := store.InsertAccount(ctx, acct); err != nil {
			t.Fatalf("Failed to insert account: %v", err)
		}
	}
	return store
}

func serve(t *testing.T, cfg Config, userID string) *httptest.ResponseRecorder {
	t.Helper()

	e := echo.New()
	e.Use(Middleware(cfg))
	e.POST("/export", func(c echo.Context) error {
		source, _ := c.Get(ExportSourceKey).(entitlement.ExportSource)
		return c.String(http.StatusOK, string(source))
	})

	req := httptest.NewRequest(http.MethodPost, "/export", http.NoBody)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func defaultConfig(accounts entitlement.AccountStore) Config {
	return Config{
		Accounts:  accounts,
		GetUserID: FromHeader("X-User-ID"),
		Now:       func() time.Time { return testNow },
	}
}

func TestMiddleware_Success(t *testing.T) {
	rec := serve(t, defaultConfig(setupStore(t)), "single")

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}
	if rec.Body.String() != "one_time" {
		t.Errorf("Expected 'one_time', got %s", rec.Body.String())
	}
}

func TestMiddleware_ExpiredCreditsBlocked(t *testing.T) {
	rec := serve(t, defaultConfig(setupStore(t)), "expired")

	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("Expected status 402, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), entitlement.ReasonNoEntitlement) {
		t.Errorf("body = %s", rec.Body.String())
	}
}

func TestMiddleware_CustomBlockedStatus(t *testing.T) {
	cfg := defaultConfig(setupStore(t))
	cfg.BlockedStatusCode = http.StatusForbidden

	rec := serve(t, cfg, "expired")
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected status 403, got %d", rec.Code)
	}
}

func TestMiddleware_Unauthorized(t *testing.T) {
	rec := serve(t, defaultConfig(setupStore(t)), "")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rec.Code)
	}
}

func TestMiddleware_Error(t *testing.T) {
	var gotErr error
	cfg := defaultConfig(&errorStorage{memory.New()})
	cfg.OnError = func(c echo.Context, err error) error {
		gotErr = err
		return c.NoContent(http.StatusServiceUnavailable)
	}

	rec := serve(t, cfg, "single")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected status 503, got %d", rec.Code)
	}
	if gotErr == nil {
		t.Error("OnError not called")
	}
}
