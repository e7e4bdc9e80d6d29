// File: internal/complexity/complexity_test.go
package complexity

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/xkilldash9x/helmsman/api/schemas"
)

func TestClassify(t *testing.T) {
	testCases := []struct {
		name string
		goal string
		want schemas.Complexity
	}{
		{"leading verb short", "click the submit button", schemas.ComplexitySimple},
		{"navigate", "go to the settings page", schemas.ComplexitySimple},
		{"scroll", "scroll down", schemas.ComplexitySimple},
		{"dismiss", "dismiss the popup", schemas.ComplexitySimple},
		{"single target phrasing", "please click on the red checkout button", schemas.ComplexitySimple},
		{"short no signal", "weather in oslo", schemas.ComplexitySimple},

		{"conjoined verbs", "click the menu and select dark mode", schemas.ComplexityComplex},
		{"multi field", "fill the form with name John and email j@x.com", schemas.ComplexityComplex},
		{"sequencing", "open the editor and then press save", schemas.ComplexityComplex},
		{"workflow keyword purchase", "purchase a pair of running shoes", schemas.ComplexityComplex},
		{"workflow keyword book", "book a table for two tonight", schemas.ComplexityComplex},
		{"long query", "find the cheapest direct flight from berlin to lisbon next weekend departing after noon", schemas.ComplexityComplex},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.goal, false, 0)
			assert.Equal(t, tc.want, got.Level, "goal: %q (reason: %s)", tc.goal, got.Reason)
			assert.NotEmpty(t, got.Reason)
			assert.Greater(t, got.Confidence, 0.0)
		})
	}
}

func TestClassifyHistoryAlwaysComplex(t *testing.T) {
	got := Classify("click the button", true, 0)
	assert.Equal(t, schemas.ComplexityComplex, got.Level)
	assert.Equal(t, 1.0, got.Confidence)
}

func TestClassifyEmptyGoalDefaultsComplex(t *testing.T) {
	got := Classify("   ", false, 0)
	assert.Equal(t, schemas.ComplexityComplex, got.Level)
}

func TestClassifySingleWordVerb(t *testing.T) {
	// One-word goals must not panic in the conjunction scan.
	got := Classify("scroll", false, 0)
	assert.Equal(t, schemas.ComplexitySimple, got.Level)
}
