package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/draftforge/draftforge/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type fakeKeyResolver struct {
	key      *models.APIKey
	lastUsed chan context.Context
}

func (f *fakeKeyResolver) Validate(ctx context.Context, key string) (*models.APIKey, error) {
	if f.key != nil && key == "df_valid" {
		return f.key, nil
	}
	return nil, nil
}

func (f *fakeKeyResolver) UpdateLastUsed(ctx context.Context, id uuid.UUID) {
	f.lastUsed <- ctx
}

func keyRouter(resolver *fakeKeyResolver) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(APIKeyValidator(resolver))
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"tier": c.GetString("api_key_tier")})
	})
	return router
}

func TestAPIKeyValidatorResolvesIdentity(t *testing.T) {
	resolver := &fakeKeyResolver{
		key:      &models.APIKey{ID: uuid.New(), Tier: "pro", IsActive: true},
		lastUsed: make(chan context.Context, 1),
	}
	router := keyRouter(resolver)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-API-Key", "df_valid")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if body := w.Body.String(); body != `{"tier":"pro"}` {
		t.Fatalf("body = %s, want resolved tier", body)
	}
}

func TestAPIKeyValidatorRejectsUnknownKey(t *testing.T) {
	resolver := &fakeKeyResolver{lastUsed: make(chan context.Context, 1)}
	router := keyRouter(resolver)

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-API-Key", "df_bogus")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

// The background last-used write must not inherit the request's
// cancellation: a client that disconnects right after the response would
// otherwise silently stop the timestamps from ever updating.
func TestAPIKeyValidatorLastUsedSurvivesRequestCancel(t *testing.T) {
	resolver := &fakeKeyResolver{
		key:      &models.APIKey{ID: uuid.New(), Tier: "free", IsActive: true},
		lastUsed: make(chan context.Context, 1),
	}
	router := keyRouter(resolver)

	reqCtx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/ping", nil).WithContext(reqCtx)
	req.Header.Set("X-API-Key", "df_valid")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	// Client goes away as soon as it has the response
	cancel()

	select {
	case ctx := <-resolver.lastUsed:
		if ctx.Err() != nil {
			t.Fatalf("last-used context canceled with the request: %v", ctx.Err())
		}
	case <-time.After(time.Second):
		t.Fatal("UpdateLastUsed was never called")
	}
}
