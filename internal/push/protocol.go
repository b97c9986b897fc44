// Package push implements the server side of the sync protocol: it replays
// batches of client mutations authoritatively, one transaction per
// mutation, and serves permission-checked queries.
package push

import (
	"encoding/json"
	"fmt"

	"github.com/superscale/tasksync/internal/schema"
	"github.com/superscale/tasksync/internal/syncerr"
)

// Request-level errors. They reject the whole push.
var (
	ErrSchemaVersion  = fmt.Errorf("schema version mismatch")
	ErrBatchTooLarge  = fmt.Errorf("too many mutations in push")
	ErrMalformedBatch = fmt.Errorf("malformed push")
)

// DefaultMaxBatch is the default cap on mutations per push.
const DefaultMaxBatch = 100

// Mutation is one client mutation. IDs increase by one per client.
type Mutation struct {
	ID        int64           `json:"id"`
	ClientID  string          `json:"client_id"`
	Name      string          `json:"name"`
	Args      json.RawMessage `json:"args"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// PushRequest is the body of a push.
type PushRequest struct {
	ClientGroupID string     `json:"client_group_id"`
	SchemaVersion int        `json:"schema_version"`
	Mutations     []Mutation `json:"mutations"`
}

// Validate checks the request envelope.
func (r PushRequest) Validate(maxBatch int) error {
	if r.SchemaVersion != schema.Version {
		return fmt.Errorf("%w: client %d, server %d", ErrSchemaVersion, r.SchemaVersion, schema.Version)
	}
	if r.ClientGroupID == "" {
		return fmt.Errorf("%w: client_group_id is required", ErrMalformedBatch)
	}
	if maxBatch > 0 && len(r.Mutations) > maxBatch {
		return fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(r.Mutations), maxBatch)
	}
	for _, m := range r.Mutations {
		if m.ClientID == "" || m.Name == "" || m.ID < 1 {
			return fmt.Errorf("%w: mutation needs client_id, name and a positive id", ErrMalformedBatch)
		}
	}
	return nil
}

// MutationID identifies a mutation across the client group.
type MutationID struct {
	ClientID string `json:"client_id"`
	ID       int64  `json:"id"`
}

// Result is the outcome of one mutation.
type Result string

const (
	ResultApplied Result = "applied"
	ResultError   Result = "error"
)

// MutationResult reports a mutation's outcome.
type MutationResult struct {
	ID     MutationID   `json:"id"`
	Result Result       `json:"result"`
	Error  syncerr.Kind `json:"error,omitempty"`
	Detail string       `json:"detail,omitempty"`
}

// PushResponse lists outcomes in request order.
type PushResponse struct {
	Mutations []MutationResult `json:"mutations"`
}
