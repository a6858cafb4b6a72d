// Package vision turns the output of a black-box image classifier into a
// delivery verification decision.
package vision

import (
	"strings"
	"time"
)

// Threshold is the minimum matching confidence for a valid delivery.
// The comparison is inclusive.
const Threshold = 0.70

// GeneralCategory is used when an order has no category to check against.
const GeneralCategory = "general"

// Detection is one label reported by the classifier.
type Detection struct {
	Label       string       `json:"label"`
	Confidence  float64      `json:"confidence"`
	BoundingBox *BoundingBox `json:"bounding_box,omitempty"`
}

// BoundingBox locates a detection in the image, in pixels.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Result is the verification snapshot stored on the escrow transaction.
type Result struct {
	IsValid          bool        `json:"is_valid"`
	Confidence       float64     `json:"confidence"`
	Detections       []Detection `json:"detections"`
	ExpectedCategory string      `json:"expected_category"`
	CheckedAt        time.Time   `json:"checked_at"`
	ProcessingTimeMs int64       `json:"processing_time_ms,omitempty"`
	// Error is set when the classifier could not be reached and the result
	// was failed closed.
	Error string `json:"error,omitempty"`
}

// synonyms maps marketplace categories to classifier labels that count as
// a match. Categories are Indonesian; classifier labels are English.
var synonyms = map[string][]string{
	"sembako": {"rice", "sugar", "flour", "oil", "food", "grocery"},
	"minuman": {"bottle", "drink", "beverage", "water", "tea", "coffee"},
	"makanan": {"food", "noodle", "snack", "instant noodle"},
	"bumbu":   {"sauce", "condiment", "spice", "bottle"},
	"segar":   {"egg", "chicken", "meat", "vegetable", "fruit", "fresh"},
}

// Synonyms returns the labels accepted for category. A category not in the
// table is its own only synonym.
func Synonyms(category string) []string {
	key := strings.ToLower(strings.TrimSpace(category))
	if s, ok := synonyms[key]; ok {
		out := make([]string, len(s))
		copy(out, s)
		return out
	}
	return []string{key}
}

// Matches reports whether a detection label matches any synonym of
// category, as a case-insensitive substring in either direction.
func Matches(label, category string) bool {
	l := strings.ToLower(strings.TrimSpace(label))
	if l == "" {
		return false
	}
	for _, syn := range Synonyms(category) {
		if syn == "" {
			continue
		}
		if strings.Contains(l, syn) || strings.Contains(syn, l) {
			return true
		}
	}
	return false
}

// Decide applies the verification policy: the result's confidence is the
// highest confidence among matching detections, and the delivery is valid
// when that reaches Threshold. No matching detections means invalid with
// confidence 0.
func Decide(category string, detections []Detection, checkedAt time.Time) Result {
	best := 0.0
	for _, d := range detections {
		if !Matches(d.Label, category) {
			continue
		}
		if c := clamp(d.Confidence); c > best {
			best = c
		}
	}

	if detections == nil {
		detections = []Detection{}
	}
	return Result{
		IsValid:          best >= Threshold,
		Confidence:       best,
		Detections:       detections,
		ExpectedCategory: category,
		CheckedAt:        checkedAt,
	}
}

// FailClosed builds the invalid result recorded when classification
// failed outright.
func FailClosed(category string, cause error, checkedAt time.Time) Result {
	r := Result{
		IsValid:          false,
		Confidence:       0,
		Detections:       []Detection{},
		ExpectedCategory: category,
		CheckedAt:        checkedAt,
	}
	if cause != nil {
		r.Error = cause.Error()
	}
	return r
}

func clamp(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	default:
		return c
	}
}
