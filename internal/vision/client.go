package vision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/salmarket/escrowd/internal/circuitbreaker"
	"github.com/salmarket/escrowd/internal/logging"
	"github.com/salmarket/escrowd/internal/metrics"
	"github.com/salmarket/escrowd/internal/retry"
)

const breakerKey = "vision"

var ErrClassifierUnavailable = errors.New("vision: classifier unavailable")

// Classifier runs object detection on an image. expectedCategory is a
// hint some implementations use; the HTTP client ignores it.
type Classifier interface {
	Detect(ctx context.Context, imageURL, expectedCategory string) (*DetectResponse, error)
}

// DetectResponse is the classifier's answer.
type DetectResponse struct {
	Detections       []Detection `json:"detections"`
	ProcessingTimeMs int64       `json:"processing_time_ms"`
}

type detectRequest struct {
	ImageURL string `json:"image_url"`
}

// HTTPClient calls the remote detection API with bearer auth.
type HTTPClient struct {
	http    *resty.Client
	url     string
	policy  retry.Policy
	breaker *circuitbreaker.Breaker
}

// NewHTTPClient creates a client posting to url. Each attempt is bounded
// by timeout; failed attempts are retried per policy.
func NewHTTPClient(url, apiKey string, timeout time.Duration, policy retry.Policy, breaker *circuitbreaker.Breaker) *HTTPClient {
	rc := resty.New().
		SetTimeout(timeout).
		SetAuthToken(apiKey).
		SetHeader("Content-Type", "application/json")
	return &HTTPClient{http: rc, url: url, policy: policy, breaker: breaker}
}

// Detect posts the image URL and returns the detections. Transport errors,
// timeouts and 5xx responses are retried; 4xx responses are not.
func (c *HTTPClient) Detect(ctx context.Context, imageURL, _ string) (*DetectResponse, error) {
	var out *DetectResponse

	policy := c.policy
	policy.OnRetry = func(attempt int, err error, sleep time.Duration) {
		logging.L(ctx).Warn("vision detect failed, retrying",
			"attempt", attempt, "error", err, "backoff", sleep)
	}

	err := policy.Do(ctx, func(ctx context.Context) error {
		call := func() error {
			resp, err := c.detectOnce(ctx, imageURL)
			if err != nil {
				return err
			}
			out = resp
			return nil
		}
		if c.breaker == nil {
			return call()
		}
		err := c.breaker.Execute(breakerKey, call)
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrClassifierUnavailable, err)
	}
	return out, nil
}

func (c *HTTPClient) detectOnce(ctx context.Context, imageURL string) (*DetectResponse, error) {
	start := time.Now()
	var result DetectResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(detectRequest{ImageURL: imageURL}).
		SetResult(&result).
		Post(c.url)
	if err != nil {
		metrics.ObserveOutbound("vision", "detect", start, err)
		return nil, err
	}
	if resp.IsError() {
		err = fmt.Errorf("vision API returned %d: %s", resp.StatusCode(), truncate(resp.String(), 200))
		metrics.ObserveOutbound("vision", "detect", start, err)
		if resp.StatusCode() < http.StatusInternalServerError && resp.StatusCode() != http.StatusTooManyRequests {
			return nil, retry.Permanent(err)
		}
		return nil, err
	}
	metrics.ObserveOutbound("vision", "detect", start, nil)
	return &result, nil
}

// Verifier is the verification client used by the orchestrator: it runs a
// classifier and applies the decision policy, failing closed.
type Verifier struct {
	classifier Classifier
	logger     *slog.Logger
	now        func() time.Time
}

// NewVerifier wraps a classifier.
func NewVerifier(classifier Classifier, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{classifier: classifier, logger: logger, now: time.Now}
}

// Verify classifies the image and decides against expectedCategory. It
// never returns an error: an unreachable classifier yields an invalid
// result with confidence 0.
func (v *Verifier) Verify(ctx context.Context, imageURL, expectedCategory string) Result {
	if expectedCategory == "" {
		expectedCategory = GeneralCategory
	}

	resp, err := v.classifier.Detect(ctx, imageURL, expectedCategory)
	if err != nil && ctx.Err() != nil {
		metrics.VerificationsTotal.WithLabelValues("cancelled").Inc()
		return FailClosed(expectedCategory, err, v.now())
	}
	if err != nil {
		v.logger.Error("visual verification failed closed",
			"image_url", imageURL, "category", expectedCategory, "error", err)
		metrics.VerificationsTotal.WithLabelValues("classifier_error").Inc()
		return FailClosed(expectedCategory, err, v.now())
	}

	result := Decide(expectedCategory, resp.Detections, v.now())
	result.ProcessingTimeMs = resp.ProcessingTimeMs

	outcome := "invalid"
	if result.IsValid {
		outcome = "valid"
	}
	metrics.VerificationsTotal.WithLabelValues(outcome).Inc()
	metrics.VerificationConfidence.Observe(result.Confidence)
	return result
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
