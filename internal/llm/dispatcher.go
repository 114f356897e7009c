package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/draftforge/draftforge/internal/circuitbreaker"
	"github.com/draftforge/draftforge/internal/config"
	"github.com/draftforge/draftforge/internal/healthcheck"
	"github.com/draftforge/draftforge/internal/loadbalancer"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrNoHealthyProviders is returned when every provider endpoint is down
	ErrNoHealthyProviders = errors.New("no healthy llm providers available")

	// ErrProviderUnavailable is returned while the provider circuit is open
	ErrProviderUnavailable = errors.New("llm provider temporarily unavailable")
)

// Dispatcher is the single gate for outbound LLM calls. Every call passes
// the token bucket first - cost control - then gets routed to a healthy
// provider endpoint behind a circuit breaker. Bucket rejections are
// surfaced, never retried here: they are the system's cost boundary.
type Dispatcher struct {
	bucket  *Bucket
	breaker *circuitbreaker.CircuitBreaker
	lb      loadbalancer.Strategy
	checker *healthcheck.Checker
	client  *http.Client
}

func NewDispatcher(cfg config.LLMConfig) (*Dispatcher, error) {
	lb, err := loadbalancer.NewStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		bucket: NewBucket(cfg.BucketCapacity, cfg.RefillRate, cfg.MaxQueueSize, cfg.MaxWait()),
		breaker: circuitbreaker.New(circuitbreaker.Config{
			MaxFailures:     5,
			Timeout:         30 * time.Second,
			HalfOpenSuccess: 1,
		}),
		lb:     lb,
		client: &http.Client{Timeout: 120 * time.Second},
	}

	if len(cfg.Providers) > 0 {
		d.checker = healthcheck.NewChecker(&healthcheck.Config{
			Targets: cfg.Providers,
		})
		d.checker.Start()
	} else {
		log.Warn("llm dispatcher: no providers configured, generating canned responses")
	}

	return d, nil
}

// Do admits the call through the token bucket and forwards it upstream.
// Returned errors: ErrQueueFull, ErrAcquireTimeout, ctx errors (admission),
// ErrNoHealthyProviders, ErrProviderUnavailable, or the transport error.
func (d *Dispatcher) Do(ctx context.Context, req Request) (*Response, error) {
	if err := d.bucket.Acquire(ctx); err != nil {
		return nil, err
	}

	if d.checker == nil {
		return cannedResponse(req), nil
	}

	targets := d.checker.GetHealthyTargets()
	if len(targets) == 0 {
		return nil, ErrNoHealthyProviders
	}

	target := d.lb.Next(targets)
	if target == "" {
		return nil, ErrNoHealthyProviders
	}

	if lc, ok := d.lb.(*loadbalancer.LeastConnections); ok {
		lc.Increment(target)
		defer lc.Decrement(target)
	}

	var resp *Response
	err := d.breaker.Call(func() error {
		r, callErr := d.call(ctx, target, req)
		if callErr != nil {
			return callErr
		}
		resp = r
		return nil
	})

	if err != nil {
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return nil, ErrProviderUnavailable
		}
		return nil, err
	}

	resp.Provider = target
	return resp, nil
}

func (d *Dispatcher) call(ctx context.Context, target string, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, target+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(httpResp.Body, 512))
		return nil, fmt.Errorf("provider returned %d: %s", httpResp.StatusCode, data)
	}

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("failed to decode provider response: %w", err)
	}

	return &resp, nil
}

// cannedResponse keeps local development working without a provider.
func cannedResponse(req Request) *Response {
	return &Response{
		Content:    fmt.Sprintf("[draft %s] %s", req.Kind, req.Prompt),
		TokensUsed: int64(len(req.Prompt)/4 + 64),
		Provider:   "local",
	}
}

// BucketStats exposes the admission bucket for the status endpoint.
func (d *Dispatcher) BucketStats() Stats {
	return d.bucket.Stats()
}

func (d *Dispatcher) BreakerMetrics() circuitbreaker.Metrics {
	return d.breaker.Metrics()
}

// ProviderHealth returns per-endpoint probe status, nil when no providers
// are configured.
func (d *Dispatcher) ProviderHealth() map[string]*healthcheck.Status {
	if d.checker == nil {
		return nil
	}
	return d.checker.GetAllStatus()
}

// ProviderOverallHealth rolls the per-endpoint statuses into one word.
// Reports healthy when no providers are configured.
func (d *Dispatcher) ProviderOverallHealth() healthcheck.HealthStatus {
	if d.checker == nil {
		return healthcheck.Healthy
	}
	return d.checker.OverallHealth()
}

func (d *Dispatcher) Close() {
	d.bucket.Close()
	if d.checker != nil {
		d.checker.Stop()
	}
}
