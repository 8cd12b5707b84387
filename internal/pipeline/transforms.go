package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/itchyny/gojq"
)

func init() {
	RegisterTransform("filter", newFilter)
	RegisterTransform("jq", newJQ)
	RegisterTransform("add_fields", newAddFields)
}

// filter keeps events for which condition evaluates to true. Event fields are
// the expression's variables.
type filter struct {
	program *vm.Program
}

func newFilter(bc BuildContext) (Transform, error) {
	cond := optString(bc.Options, "condition", "")
	if cond == "" {
		return nil, errors.New("'condition' is required")
	}
	program, err := expr.Compile(cond, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("invalid condition %q: %w", cond, err)
	}
	return &filter{program: program}, nil
}

func (f *filter) Apply(_ context.Context, ev Event) ([]Event, error) {
	out, err := expr.Run(f.program, map[string]any(ev))
	if err != nil {
		return nil, err
	}
	if keep, _ := out.(bool); keep {
		return []Event{ev}, nil
	}
	return nil, nil
}

// jqTransform replaces each event by the objects its query yields.
type jqTransform struct {
	code *gojq.Code
}

func newJQ(bc BuildContext) (Transform, error) {
	query := optString(bc.Options, "query", "")
	if query == "" {
		return nil, errors.New("'query' is required")
	}
	parsed, err := gojq.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("invalid query %q: %w", query, err)
	}
	code, err := gojq.Compile(parsed)
	if err != nil {
		return nil, fmt.Errorf("failed to compile query %q: %w", query, err)
	}
	return &jqTransform{code: code}, nil
}

func (j *jqTransform) Apply(ctx context.Context, ev Event) ([]Event, error) {
	iter := j.code.RunWithContext(ctx, map[string]any(ev))
	var out []Event
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		switch r := v.(type) {
		case error:
			return nil, fmt.Errorf("jq: %w", r)
		case map[string]any:
			out = append(out, Event(r))
		}
	}
	return out, nil
}

// addFields sets static fields on every event.
type addFields struct {
	fields    map[string]any
	overwrite bool
}

func newAddFields(bc BuildContext) (Transform, error) {
	fields := optMap(bc.Options, "fields")
	if len(fields) == 0 {
		return nil, errors.New("'fields' must not be empty")
	}
	overwrite, err := optBool(bc.Options, "overwrite", true)
	if err != nil {
		return nil, err
	}
	return &addFields{fields: fields, overwrite: overwrite}, nil
}

func (a *addFields) Apply(_ context.Context, ev Event) ([]Event, error) {
	for k, v := range a.fields {
		if _, exists := ev[k]; exists && !a.overwrite {
			continue
		}
		ev[k] = v
	}
	return []Event{ev}, nil
}
