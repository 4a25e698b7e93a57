package github

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/itchyny/gojq"
)

// EventFilter is a jq query that is evaluated for every received webhook
// payload. Events for which it does not evaluate to true are dropped.
// The webhook event type is available in the query as $event_type.
type EventFilter struct {
	query string
	code  *gojq.Code
}

func NewEventFilter(query string) (*EventFilter, error) {
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("parsing jq query failed: %w", err)
	}

	code, err := gojq.Compile(parsed, gojq.WithVariables([]string{"$event_type"}))
	if err != nil {
		return nil, fmt.Errorf("compiling jq query failed: %w", err)
	}

	return &EventFilter{query: query, code: code}, nil
}

func (f *EventFilter) String() string {
	return f.query
}

// Match returns true if the query evaluates to true for the JSON payload.
func (f *EventFilter) Match(ctx context.Context, eventType string, payload []byte) (bool, error) {
	var input any

	if err := json.Unmarshal(payload, &input); err != nil {
		return false, fmt.Errorf("unmarshaling json failed: %w", err)
	}

	result, errs := goJQIterToSlice(f.code.RunWithContext(ctx, input, eventType))
	if len(errs) != 0 {
		return false, fmt.Errorf("json query returned errors, query: %q, errors: %s", f.query, errString(errs))
	}

	if len(result) != 1 {
		return false, fmt.Errorf("json query returned %d results, expected 1, query: %q", len(result), f.query)
	}

	val, ok := result[0].(bool)
	if !ok {
		return false, fmt.Errorf(
			"json query returned non-bool result: %+v (%T), query: %q",
			result[0], result[0], f.query,
		)
	}

	return val, nil
}

func goJQIterToSlice(iter gojq.Iter) ([]any, []error) {
	var result []any
	var errors []error

	for {
		res, ok := iter.Next()
		if !ok {
			return result, errors
		}

		if err, isErr := res.(error); isErr {
			errors = append(errors, err)
			continue
		}

		result = append(result, res)
	}
}

func errString(errs []error) string {
	var result strings.Builder
	for i, err := range errs {
		if i > 0 {
			result.WriteString("; ")
		}
		result.WriteString(fmt.Sprintf("error %d: %s", i, err))
	}

	return result.String()
}
