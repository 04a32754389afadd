package analytics

import (
	"context"
	"fmt"
	"time"

	imetrics "TradePipe/internal/service/metrics"
	xhttp "TradePipe/pkg/http"
)

// HTTPServiceBase is the shared JSON-over-HTTP plumbing for analytics clients.
type HTTPServiceBase struct {
	baseURL string
	client  *xhttp.Client
	metrics *imetrics.InferenceMetrics
}

func NewHTTPServiceBase(baseURL string, timeout time.Duration, m *imetrics.InferenceMetrics) *HTTPServiceBase {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HTTPServiceBase{
		baseURL: baseURL,
		client:  xhttp.NewClient(xhttp.WithTimeout(timeout)),
		metrics: m,
	}
}

// PostJSON posts payload to path under baseURL and decodes JSON into dest.
func (b *HTTPServiceBase) PostJSON(ctx context.Context, path string, payload interface{}, dest interface{}) error {
	if b.client == nil || b.baseURL == "" {
		return fmt.Errorf("analytics http client not initialized")
	}
	start := time.Now()
	err := b.client.SendAndParse(ctx, &xhttp.RequestOptions{
		Method: xhttp.MethodPost,
		URL:    b.baseURL + path,
		Headers: map[string]string{
			"Content-Type": "application/json",
		},
		Body: payload,
	}, dest)
	b.metrics.ObserveLatency(path, time.Since(start).Seconds())
	if err != nil {
		b.metrics.IncError(path)
		return fmt.Errorf("post %s: %w", path, err)
	}
	return nil
}

// PostJSONWithRetry retries temporary failures with a linear backoff, never
// past ctx's deadline.
func (b *HTTPServiceBase) PostJSONWithRetry(ctx context.Context, path string, payload interface{}, dest interface{}, attempts int) error {
	if attempts <= 1 {
		return b.PostJSON(ctx, path, payload, dest)
	}
	var err error
	for i := 1; i <= attempts; i++ {
		err = b.PostJSON(ctx, path, payload, dest)
		if err == nil || !xhttp.IsTemporary(err) || i == attempts {
			return err
		}
		select {
		case <-time.After(time.Duration(i) * 50 * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
