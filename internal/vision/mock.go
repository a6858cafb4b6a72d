package vision

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"
)

// MockClassifier stands in for the detection API in demos. It reports a
// label matching the expected category, with a high confidence most of the
// time and a low one otherwise, alongside a generic "package" detection.
type MockClassifier struct {
	mu        sync.Mutex
	rng       *rand.Rand
	validRate float64
	latency   time.Duration
}

// NewMockClassifier returns a classifier that succeeds validRate of the
// time. seed makes runs reproducible.
func NewMockClassifier(validRate float64, seed uint64, latency time.Duration) *MockClassifier {
	return &MockClassifier{
		rng:       rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		validRate: validRate,
		latency:   latency,
	}
}

// Detect implements Classifier.
func (m *MockClassifier) Detect(ctx context.Context, _ string, expectedCategory string) (*DetectResponse, error) {
	if m.latency > 0 {
		t := time.NewTimer(m.latency)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	m.mu.Lock()
	valid := m.rng.Float64() < m.validRate
	var conf float64
	if valid {
		conf = 0.75 + m.rng.Float64()*0.20
	} else {
		conf = 0.30 + m.rng.Float64()*0.30
	}
	m.mu.Unlock()

	return &DetectResponse{
		Detections: []Detection{
			{Label: Synonyms(expectedCategory)[0], Confidence: conf},
			{Label: "package", Confidence: 0.85},
		},
		ProcessingTimeMs: m.latency.Milliseconds(),
	}, nil
}
