package push

import (
	"context"
	"fmt"

	"github.com/superscale/tasksync/internal/auth"
	"github.com/superscale/tasksync/internal/models"
	"github.com/superscale/tasksync/internal/query"
	"github.com/superscale/tasksync/internal/store"
	"github.com/superscale/tasksync/internal/syncerr"
)

// QueryResult is the authoritative answer to a query spec.
type QueryResult struct {
	Spec query.Spec   `json:"spec"`
	Rows []models.Row `json:"rows"`
}

// Query runs spec for the identity. The whole query is denied if any row
// fails the select rule.
func (p *Processor) Query(ctx context.Context, id auth.Identity, spec query.Spec) (*QueryResult, error) {
	if id.IsZero() {
		return nil, syncerr.Unauthenticated("authentication required")
	}
	normalized, err := spec.Normalize()
	if err != nil {
		return nil, err
	}

	var rows []models.Row
	err = p.store.ExecTx(ctx, func(tx store.Tx) error {
		if orgID, ok := normalized.OrgScope(); ok {
			if err := auth.AssertOrgMember(ctx, tx, id.Subject, orgID); err != nil {
				return err
			}
		}
		rows, err = auth.NewGuard(tx, id, p.engine).Query(ctx, normalized)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("run query on %s: %w", normalized.Table, err)
	}
	if rows == nil {
		rows = []models.Row{}
	}
	return &QueryResult{Spec: normalized, Rows: rows}, nil
}

// Stats counts the live todos of an organization by status.
func (p *Processor) Stats(ctx context.Context, id auth.Identity, orgID string) (models.TodoStats, error) {
	var stats models.TodoStats
	spec := query.Spec{
		Table: models.TableTodos,
		Where: []query.Condition{{Column: "org_id", Op: query.OpEq, Value: orgID}},
	}
	res, err := p.Query(ctx, id, spec)
	if err != nil {
		return stats, err
	}
	for _, row := range res.Rows {
		if todo, ok := row.(*models.Todo); ok {
			stats.Add(todo)
		}
	}
	return stats, nil
}

// CheckMember fails with Forbidden unless the identity belongs to orgID.
func (p *Processor) CheckMember(ctx context.Context, id auth.Identity, orgID string) error {
	if id.IsZero() {
		return syncerr.Unauthenticated("authentication required")
	}
	return p.store.ExecTx(ctx, func(tx store.Tx) error {
		return auth.AssertOrgMember(ctx, tx, id.Subject, orgID)
	})
}
