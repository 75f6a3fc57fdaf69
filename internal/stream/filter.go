package stream

import (
	"context"
	"fmt"

	"github.com/PaesslerAG/gval"
	"github.com/PaesslerAG/jsonpath"
)

// Predicate reports whether a record of type T should pass a Filter stage.
type Predicate[T any] func(T) bool

// Filter drops records for which pred returns false, preserving order.
func Filter[T any](records []T, pred Predicate[T]) []T {
	out := make([]T, 0, len(records))
	for _, r := range records {
		if pred(r) {
			out = append(out, r)
		}
	}
	return out
}

// CompileJSONPathPredicate builds a Predicate over map[string]interface{}
// records from a declarative jsonpath expression plus a gval comparison
// expression evaluated against the extracted value, e.g. path "$.priority"
// and expr "value == '1'". This is the declarative alternative to a
// hand-written Go closure, for filters configured at runtime rather than
// compiled in.
func CompileJSONPathPredicate(path, expr string) (Predicate[map[string]interface{}], error) {
	eval, err := gval.Full().NewEvaluable(expr)
	if err != nil {
		return nil, fmt.Errorf("compile filter expression %q: %w", expr, err)
	}
	return func(rec map[string]interface{}) bool {
		value, err := jsonpath.Get(path, rec)
		if err != nil {
			return false
		}
		result, err := eval.EvalBool(context.Background(), map[string]interface{}{"value": value})
		if err != nil {
			return false
		}
		return result
	}, nil
}

// TransformFn maps one record to another, possibly asynchronously.
type TransformFn[T, U any] func(context.Context, T) (U, error)

// Transform applies fn to every record, dropping any that error (callers
// wanting dead-letter semantics on transform errors should wrap fn).
func Transform[T, U any](ctx context.Context, records []T, fn TransformFn[T, U]) []U {
	out := make([]U, 0, len(records))
	for _, r := range records {
		u, err := fn(ctx, r)
		if err != nil {
			continue
		}
		out = append(out, u)
	}
	return out
}

// BatchUp accumulates records into size-cut batches, with the final,
// possibly-short batch flushed as the remainder (§4.6 Batch stage).
func BatchUp[T any](records []T, size int) [][]T {
	if size <= 0 {
		size = 1
	}
	var batches [][]T
	for i := 0; i < len(records); i += size {
		end := i + size
		if end > len(records) {
			end = len(records)
		}
		batches = append(batches, records[i:end])
	}
	return batches
}

// Debounce coalesces records sharing the same key, keeping only the last
// one observed per key (§4.6 Debounce stage applied to a closed window of
// records already collected by the caller).
func Debounce[T any](records []T, keyFn func(T) string) []T {
	latest := make(map[string]T)
	order := make([]string, 0, len(records))
	for _, r := range records {
		k := keyFn(r)
		if _, seen := latest[k]; !seen {
			order = append(order, k)
		}
		latest[k] = r
	}
	out := make([]T, 0, len(order))
	for _, k := range order {
		out = append(out, latest[k])
	}
	return out
}
