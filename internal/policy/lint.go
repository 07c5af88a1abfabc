package policy

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/secondchance/internal/storage"
	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

//go:embed lint.rego
var lintPolicy string

const lintQuery = "data.secondchance.lint.warnings"

// LintWarning is a configuration problem found in a restriction
type LintWarning struct {
	AppID   string `json:"app_id"`
	Message string `json:"message"`
}

func (w LintWarning) String() string {
	return fmt.Sprintf("%s: %s", w.AppID, w.Message)
}

// Linter checks restriction records against the embedded Rego rules.
// Findings are warnings only; evaluation stays fail-open.
type Linter struct {
	query  rego.PreparedEvalQuery
	logger zerolog.Logger
}

// NewLinter compiles the lint policy
func NewLinter(logger zerolog.Logger) (*Linter, error) {
	module, err := ast.ParseModule("lint.rego", lintPolicy)
	if err != nil {
		return nil, fmt.Errorf("failed to parse lint policy: %w", err)
	}

	r := rego.New(
		rego.Query(lintQuery),
		rego.Module("lint.rego", lintPolicy),
	)

	query, err := r.PrepareForEval(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare lint query: %w", err)
	}

	l := &Linter{
		query:  query,
		logger: logger.With().Str("component", "lint").Logger(),
	}
	l.logger.Debug().Str("package", module.Package.Path.String()).Msg("Lint policy prepared")

	return l, nil
}

// Lint returns the warnings for records, sorted by app and message
func (l *Linter) Lint(ctx context.Context, records []storage.RestrictionRecord) ([]LintWarning, error) {
	startTime := time.Now()

	input, err := toInput(records)
	if err != nil {
		return nil, err
	}

	results, err := l.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("lint evaluation failed: %w", err)
	}

	l.logger.Debug().Dur("duration_ms", time.Since(startTime)).Int("restrictions", len(records)).Msg("Lint evaluated")

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	resultBytes, err := json.Marshal(results[0].Expressions[0].Value)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal lint result: %w", err)
	}

	var warnings []LintWarning
	if err := json.Unmarshal(resultBytes, &warnings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal lint result: %w", err)
	}

	sort.Slice(warnings, func(i, j int) bool {
		if warnings[i].AppID != warnings[j].AppID {
			return warnings[i].AppID < warnings[j].AppID
		}
		return warnings[i].Message < warnings[j].Message
	})

	return warnings, nil
}

// toInput converts records to the generic JSON shape the policy reads.
func toInput(records []storage.RestrictionRecord) (map[string]interface{}, error) {
	if records == nil {
		records = []storage.RestrictionRecord{}
	}

	data, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal restrictions: %w", err)
	}

	var restrictions []interface{}
	if err := json.Unmarshal(data, &restrictions); err != nil {
		return nil, fmt.Errorf("failed to build lint input: %w", err)
	}

	return map[string]interface{}{"restrictions": restrictions}, nil
}
