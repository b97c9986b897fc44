package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/superscale/tasksync/internal/auth"
	"github.com/superscale/tasksync/internal/models"
	"github.com/superscale/tasksync/internal/syncerr"
)

// EnsureUser creates the user row for an authenticated identity, or
// refreshes its email and name when the identity carries them.
func (db *DB) EnsureUser(ctx context.Context, id auth.Identity) error {
	now := time.Now().UTC()
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO users (id, email, name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (id) DO UPDATE SET
			email = CASE WHEN EXCLUDED.email <> '' THEN EXCLUDED.email ELSE users.email END,
			name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE users.name END,
			updated_at = CASE
				WHEN (EXCLUDED.email <> '' AND EXCLUDED.email <> users.email)
					OR (EXCLUDED.name <> '' AND EXCLUDED.name <> users.name)
				THEN EXCLUDED.updated_at ELSE users.updated_at END
	`, id.Subject, id.Email, id.Name, now)
	if err != nil {
		return fmt.Errorf("ensure user %s: %w", id.Subject, err)
	}
	return nil
}

// CreateOrganization creates an organization with ownerID as its owner.
// The slug is stored lower-cased; a slug taken in any casing is a
// ConstraintViolation.
func (db *DB) CreateOrganization(ctx context.Context, org *models.Organization, ownerID string) error {
	org.Slug = strings.ToLower(strings.TrimSpace(org.Slug))
	if org.Slug == "" {
		return syncerr.Validation("organization slug is required")
	}
	return db.execTx(ctx, func(tx pgx.Tx) error {
		if err := insertRow(ctx, tx, org); err != nil {
			return classify(err, "create organization %s", org.Slug)
		}
		m := models.NewOrgMembership(ownerID, org.ID, models.OrgRoleOwner)
		if err := insertRow(ctx, tx, m); err != nil {
			return classify(err, "add owner to organization %s", org.Slug)
		}
		db.logger.Info().Str("org_id", org.ID).Str("owner", ownerID).Msg("organization created")
		return nil
	})
}

// AddMember adds a user to an organization.
func (db *DB) AddMember(ctx context.Context, m *models.OrgMembership) error {
	if err := insertRow(ctx, db.Pool, m); err != nil {
		return classify(err, "add member %s to %s", m.UserID, m.OrgID)
	}
	return nil
}

// PurgeStaleClients removes push bookkeeping for clients idle since before
// cutoff and returns how many were removed.
func (db *DB) PurgeStaleClients(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.Pool.Exec(ctx, "DELETE FROM sync_clients WHERE updated_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge stale clients: %w", err)
	}
	return res.RowsAffected(), nil
}
