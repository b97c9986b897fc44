package query

import (
	"slices"

	"github.com/superscale/tasksync/internal/models"
)

// Apply filters, orders and limits rows according to a normalized spec.
// Rows are ordered by the primary key after the explicit ordering so
// results are deterministic.
func Apply[R models.Row](s Spec, rows []R) []R {
	out := make([]R, 0, len(rows))
	for _, r := range rows {
		if s.Matches(r) {
			out = append(out, r)
		}
	}
	slices.SortStableFunc(out, func(a, b R) int {
		return s.compareRows(a, b)
	})
	if s.Limit > 0 && len(out) > s.Limit {
		out = out[:s.Limit]
	}
	return out
}

func (s Spec) compareRows(a, b models.Row) int {
	for _, o := range s.OrderBy {
		av, _ := a.Field(o.Column)
		bv, _ := b.Field(o.Column)
		cmp, _ := Compare(av, bv)
		if o.Desc {
			cmp = -cmp
		}
		if cmp != 0 {
			return cmp
		}
	}
	av, _ := a.Field("id")
	bv, _ := b.Field("id")
	cmp, _ := Compare(av, bv)
	return cmp
}
