package mutators

import (
	"context"
	"fmt"
	"strings"

	"github.com/superscale/tasksync/internal/models"
	"github.com/superscale/tasksync/internal/store"
	"github.com/superscale/tasksync/internal/syncerr"
)

// LeaveOrganization ends the actor's membership. The last owner cannot
// leave.
func LeaveOrganization(ctx context.Context, tx store.Tx, env Env, in LeaveOrgInput) error {
	if err := env.requireActor(); err != nil {
		return err
	}
	if err := check(in); err != nil {
		return err
	}

	m, err := tx.GetMembership(ctx, env.Actor, in.OrgID)
	if err != nil {
		return fmt.Errorf("get membership: %w", err)
	}
	if m.Role == models.OrgRoleOwner {
		members, err := tx.ListMemberships(ctx, in.OrgID)
		if err != nil {
			return fmt.Errorf("list memberships: %w", err)
		}
		owners := 0
		for _, other := range members {
			if other.Role == models.OrgRoleOwner {
				owners++
			}
		}
		if owners <= 1 {
			return syncerr.Validation("the last owner cannot leave the organization")
		}
	}

	if err := tx.DeleteMembership(ctx, env.Actor, in.OrgID, env.Now); err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	return nil
}

// UpdateUser changes the actor's display name.
func UpdateUser(ctx context.Context, tx store.Tx, env Env, in UpdateUserInput) error {
	if err := env.requireActor(); err != nil {
		return err
	}
	in.Name = strings.TrimSpace(in.Name)
	if err := check(in); err != nil {
		return err
	}

	user, err := tx.GetUser(ctx, env.Actor)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	user.Name = in.Name
	user.UpdatedAt = env.Now
	if err := tx.UpdateUser(ctx, user); err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	return nil
}
