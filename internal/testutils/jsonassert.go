// Package testutils carries the assertion helpers shared by package tests:
// a JSON-diff asserter for comparing record snapshots and a text-diff
// asserter for multi-line output.
package testutils

import (
	"encoding/json"
	"fmt"
	"sort"
	"testing"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// MustJSON marshals v or panics. Test-only convenience.
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

// JSONAssertOptions tunes the comparison.
type JSONAssertOptions struct {
	// IgnoreExtraKeys drops keys from actual that expected does not name.
	IgnoreExtraKeys bool `default:"true"`
	// IgnoredFields are removed from both sides before comparing, at any
	// nesting depth. Useful for timestamps.
	IgnoredFields []string `default:""`
	// IgnoreArrayOrder sorts arrays on both sides before comparing.
	IgnoreArrayOrder bool `default:"false"`
}

// JSONOption is a functional option for JSONAsserter.
type JSONOption func(*JSONAssertOptions)

// WithIgnoredFields removes the named fields everywhere before comparison.
func WithIgnoredFields(fields ...string) JSONOption {
	return func(opts *JSONAssertOptions) {
		opts.IgnoredFields = fields
	}
}

// WithIgnoreArrayOrder toggles order-insensitive array comparison.
func WithIgnoreArrayOrder(ignore bool) JSONOption {
	return func(opts *JSONAssertOptions) {
		opts.IgnoreArrayOrder = ignore
	}
}

// WithIgnoreExtraKeys toggles pruning of unexpected keys in actual.
func WithIgnoreExtraKeys(ignore bool) JSONOption {
	return func(opts *JSONAssertOptions) {
		opts.IgnoreExtraKeys = ignore
	}
}

// JSONAsserter compares JSON documents and reports a readable diff.
type JSONAsserter struct {
	t       *testing.T
	options JSONAssertOptions
}

// NewJSONAsserter creates an asserter with default options.
func NewJSONAsserter(t *testing.T, opts ...JSONOption) *JSONAsserter {
	options := JSONAssertOptions{}
	defaults.SetDefaults(&options)
	for _, opt := range opts {
		opt(&options)
	}
	return &JSONAsserter{t: t, options: options}
}

// Assert fails the test with a formatted diff when actualJSON does not match
// expectedJSON under the configured options.
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) {
	ja.t.Helper()
	if diff := ja.diff(actualJSON, expectedJSON); diff != "" {
		ja.t.Errorf("JSON assertion failed:\n%s", diff)
	}
}

// AssertValue marshals actual before comparing.
func (ja *JSONAsserter) AssertValue(actual any, expectedJSON string) {
	ja.t.Helper()
	ja.Assert(MustJSON(actual), expectedJSON)
}

func (ja *JSONAsserter) diff(actualJSON, expectedJSON string) string {
	var expected, actual any
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff cannot diff root-level arrays; wrap both sides.
	if isArray(expected) && isArray(actual) {
		expected = map[string]any{"array": expected}
		actual = map[string]any{"array": actual}
	}

	// Ignored fields must go before sorting: a field like a timestamp would
	// otherwise still influence the sort key of its parent element.
	if len(ja.options.IgnoredFields) > 0 {
		removeIgnoredFields(expected, ja.options.IgnoredFields)
		removeIgnoredFields(actual, ja.options.IgnoredFields)
	}
	if ja.options.IgnoreArrayOrder {
		sortArrays(expected)
		sortArrays(actual)
	}
	if ja.options.IgnoreExtraKeys {
		pruneExtraKeys(actual, expected)
	}

	expectedBytes, _ := json.Marshal(expected)
	actualBytes, _ := json.Marshal(actual)
	diff, err := gojsondiff.New().Compare(expectedBytes, actualBytes)
	if err != nil {
		return fmt.Sprintf("JSON comparison failed: %v", err)
	}
	if !diff.Modified() {
		return ""
	}
	f := formatter.NewAsciiFormatter(expected, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
		Coloring:       false,
	})
	formatted, _ := f.Format(diff)
	return formatted
}

func isArray(v any) bool {
	_, ok := v.([]any)
	return ok
}

func removeIgnoredFields(v any, fields []string) {
	switch val := v.(type) {
	case map[string]any:
		for _, field := range fields {
			delete(val, field)
		}
		for k := range val {
			removeIgnoredFields(val[k], fields)
		}
	case []any:
		for _, elem := range val {
			removeIgnoredFields(elem, fields)
		}
	}
}

func pruneExtraKeys(actual, expected any) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return
		}
		for k := range act {
			if _, exists := exp[k]; !exists {
				delete(act, k)
			}
		}
		for k := range exp {
			pruneExtraKeys(act[k], exp[k])
		}
	case []any:
		act, ok := actual.([]any)
		if !ok {
			return
		}
		for i := range exp {
			if i < len(act) {
				pruneExtraKeys(act[i], exp[i])
			}
		}
	}
}

// sortArrays sorts every array by the JSON form of its elements so order
// differences disappear.
func sortArrays(v any) {
	switch val := v.(type) {
	case map[string]any:
		for k := range val {
			sortArrays(val[k])
		}
	case []any:
		sort.Slice(val, func(i, j int) bool {
			iJSON, _ := json.Marshal(val[i])
			jJSON, _ := json.Marshal(val[j])
			return string(iJSON) < string(jJSON)
		})
		for _, elem := range val {
			sortArrays(elem)
		}
	}
}
