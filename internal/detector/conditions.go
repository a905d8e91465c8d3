package detector

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/kubilitics/kubilitics-anomaly/internal/config"
	"github.com/kubilitics/kubilitics-anomaly/internal/models"
)

// ConditionChecker selects the items a condition filter applies to.
type ConditionChecker interface {
	CheckItemCondition(ctx context.Context, itemIDs []int64, filter string) ([]int64, error)
}

// Env is the variable set visible to condition expressions.
type Env struct {
	ItemID    int64   `expr:"itemid"`
	Mean      float64 `expr:"mean"`
	TrendMean float64 `expr:"trend_mean"`
	Std       float64 `expr:"std"`
	Diff      float64 `expr:"diff"`
	RelDiff   float64 `expr:"rel_diff"`
}

// Condition is a compiled item condition: items matching Filter are kept
// only while the expression holds.
type Condition struct {
	Filter  string
	Expr    string
	program *vm.Program
}

// CompileConditions compiles every expression up front so a bad expression
// fails at startup rather than mid run.
func CompileConditions(conds []config.ItemCondition) ([]Condition, error) {
	out := make([]Condition, 0, len(conds))
	for i, c := range conds {
		program, err := expr.Compile(c.Expr, expr.Env(Env{}), expr.AsBool())
		if err != nil {
			return nil, fmt.Errorf("item_conds[%d]: %w", i, err)
		}
		out = append(out, Condition{Filter: c.Filter, Expr: c.Expr, program: program})
	}
	return out, nil
}

// Eval runs the condition against one score.
func (c Condition) Eval(s LevelScore) (bool, error) {
	res, err := expr.Run(c.program, Env{
		ItemID:    s.ItemID,
		Mean:      s.Mean,
		TrendMean: s.TrendMean,
		Std:       s.Std,
		Diff:      s.Diff,
		RelDiff:   s.RelDiff,
	})
	if err != nil {
		return false, fmt.Errorf("evaluate %q for item %d: %w", c.Expr, s.ItemID, err)
	}
	ok, _ := res.(bool)
	return ok, nil
}

// ApplyConditions drops the scored items that match a condition's filter but
// fail its expression.
func ApplyConditions(ctx context.Context, checker ConditionChecker, conds []Condition, scores []LevelScore) ([]LevelScore, error) {
	if len(conds) == 0 || len(scores) == 0 {
		return scores, nil
	}
	ids := make([]int64, len(scores))
	for i, s := range scores {
		ids[i] = s.ItemID
	}

	dropped := models.NewItemSet()
	for _, c := range conds {
		matched, err := checker.CheckItemCondition(ctx, ids, c.Filter)
		if err != nil {
			return nil, err
		}
		applies := models.NewItemSet(matched...)
		for _, s := range scores {
			if !applies.Has(s.ItemID) || dropped.Has(s.ItemID) {
				continue
			}
			ok, err := c.Eval(s)
			if err != nil {
				return nil, err
			}
			if !ok {
				dropped.Add(s.ItemID)
			}
		}
	}

	out := scores[:0:0]
	for _, s := range scores {
		if !dropped.Has(s.ItemID) {
			out = append(out, s)
		}
	}
	return out, nil
}
