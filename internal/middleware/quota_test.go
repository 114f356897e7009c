package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/draftforge/draftforge/internal/config"
	"github.com/draftforge/draftforge/internal/models"
	"github.com/draftforge/draftforge/internal/quota"
	"github.com/draftforge/draftforge/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

func quotaTestConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{UpgradeURL: "https://draftforge.io/pricing"},
		Tiers: map[string]config.TierLimit{
			"free": {DailyQuota: 2, MonthlyQuota: 100},
		},
		Quota: config.QuotaConfig{Enabled: true},
	}
}

func quotaTestLedger(t *testing.T) *quota.Ledger {
	t.Helper()
	store, err := quota.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	return quota.NewLedger(store, nil, quotaTestConfig().Tiers)
}

// identify injects an authenticated API key the way APIKeyValidator would.
func identify(key *models.APIKey) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("api_key", key)
		c.Set("api_key_tier", key.Tier)
		c.Next()
	}
}

func TestQuotaCheckEnforcesDailyCap(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := quotaTestConfig()
	ledger := quotaTestLedger(t)
	key := &models.APIKey{ID: uuid.New(), Tier: "free"}

	router := gin.New()
	router.Use(identify(key))
	router.Use(QuotaCheck(ledger, cfg))
	router.POST("/generate", func(c *gin.Context) {
		c.Set("tokens_used", int64(500))
		c.JSON(http.StatusOK, gin.H{"success": true})
	})

	send := func() *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/generate", nil))
		return w
	}

	for i := 0; i < 2; i++ {
		if w := send(); w.Code != http.StatusOK {
			t.Fatalf("generation %d: status = %d, want 200", i+1, w.Code)
		}
	}

	w := send()
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}

	var body ratelimit.RejectionBody
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("rejection body is not valid JSON: %v", err)
	}
	if body.ErrorCode != ratelimit.CodeQuotaExceeded {
		t.Fatalf("error_code = %q, want %q", body.ErrorCode, ratelimit.CodeQuotaExceeded)
	}
	if body.Window != ratelimit.WindowDay {
		t.Fatalf("window = %q, want %q", body.Window, ratelimit.WindowDay)
	}
	if body.Limit != 2 {
		t.Fatalf("limit = %d, want the daily cap 2", body.Limit)
	}
	if body.UpgradeURL == "" {
		t.Fatal("quota rejection should point at the upgrade page")
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatal("Retry-After header missing")
	}
}

func TestQuotaCheckRollsBackFailedGeneration(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := quotaTestConfig()
	ledger := quotaTestLedger(t)
	key := &models.APIKey{ID: uuid.New(), Tier: "free"}

	failing := gin.New()
	failing.Use(identify(key))
	failing.Use(QuotaCheck(ledger, cfg))
	failing.POST("/generate", func(c *gin.Context) {
		c.JSON(http.StatusBadGateway, gin.H{"success": false})
	})

	// Failed generations do not burn quota, so the cap never trips
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		failing.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/generate", nil))
		if w.Code != http.StatusBadGateway {
			t.Fatalf("attempt %d: status = %d, want 502 from the handler", i+1, w.Code)
		}
	}
}

// ctxAwareStore refuses work on a dead context, the way gorm's WithContext
// does against a real database.
type ctxAwareStore struct {
	inner *quota.FileStore
}

func (s *ctxAwareStore) Load(ctx context.Context, accountID uuid.UUID) (*models.QuotaRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.inner.Load(ctx, accountID)
}

func (s *ctxAwareStore) Save(ctx context.Context, record *models.QuotaRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.inner.Save(ctx, record)
}

func TestQuotaCheckSettlesAfterClientDisconnect(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := quotaTestConfig()

	fileStore, err := quota.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	ledger := quota.NewLedger(&ctxAwareStore{inner: fileStore}, nil, cfg.Tiers)
	key := &models.APIKey{ID: uuid.New(), Tier: "free"}

	var cancel context.CancelFunc
	router := gin.New()
	router.Use(identify(key))
	router.Use(QuotaCheck(ledger, cfg))
	router.POST("/generate", func(c *gin.Context) {
		// Client hangs up mid-generation, gin cancels the request context
		cancel()
		c.JSON(http.StatusBadGateway, gin.H{"success": false})
	})

	// Well past the daily cap of 2: every disconnected failure must hand
	// its reserved slot back even though the request context is dead.
	for i := 0; i < 5; i++ {
		reqCtx, cancelReq := context.WithCancel(context.Background())
		cancel = cancelReq

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/generate", nil).WithContext(reqCtx)
		router.ServeHTTP(w, req)

		if w.Code == http.StatusTooManyRequests {
			t.Fatalf("attempt %d: quota exhausted by leaked reservations", i+1)
		}
		if w.Code != http.StatusBadGateway {
			t.Fatalf("attempt %d: status = %d, want 502 from the handler", i+1, w.Code)
		}
	}

	// The disconnects must not have opened the breaker either
	if ledger.Degraded() {
		t.Fatal("client disconnects counted as backend failures")
	}
}

func TestQuotaCheckRequiresIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(QuotaCheck(quotaTestLedger(t), quotaTestConfig()))
	router.POST("/generate", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/generate", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without an API key", w.Code)
	}
}

func TestQuotaCheckDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cfg := quotaTestConfig()
	cfg.Quota.Enabled = false

	router := gin.New()
	router.Use(QuotaCheck(quotaTestLedger(t), cfg))
	router.POST("/generate", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/generate", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 with quota disabled", w.Code)
	}
}
