package memstore

import (
	"fmt"

	"github.com/superscale/tasksync/internal/models"
	"github.com/superscale/tasksync/internal/query"
	"github.com/superscale/tasksync/internal/schema"
)

// Put inserts or replaces a row as-is. Used to install authoritative rows
// received from the server.
func (tx *Tx) Put(row models.Row) error {
	if err := tx.write(row.TableName()); err != nil {
		return err
	}
	switch r := row.(type) {
	case *models.Organization:
		tx.data.organizations[r.ID] = r.Clone()
	case *models.OrgMembership:
		tx.data.memberships[r.ID] = r.Clone()
	case *models.User:
		tx.data.users[r.ID] = r.Clone()
	case *models.Todo:
		tx.data.todos[r.ID] = r.Clone()
	case *models.Tag:
		tx.data.tags[r.ID] = r.Clone()
	case *models.TodoTag:
		tx.data.todoTags[r.ID] = r.Clone()
	default:
		return fmt.Errorf("memstore: unsupported row type %T", row)
	}
	return nil
}

// Remove deletes a row regardless of its state.
func (tx *Tx) Remove(table, id string) error {
	if err := tx.write(table); err != nil {
		return err
	}
	switch table {
	case models.TableOrganizations:
		delete(tx.data.organizations, id)
	case models.TableOrgMembers:
		delete(tx.data.memberships, id)
	case models.TableUsers:
		delete(tx.data.users, id)
	case models.TableTodos:
		delete(tx.data.todos, id)
	case models.TableTags:
		delete(tx.data.tags, id)
	case models.TableTodoTags:
		delete(tx.data.todoTags, id)
	default:
		return fmt.Errorf("memstore: unknown table %q", table)
	}
	return nil
}

// Replace makes the local result of spec equal to rows: rows that match
// spec locally but are absent from rows are removed, and rows are
// installed.
func (tx *Tx) Replace(spec query.Spec, rows []models.Row) error {
	keep := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		keep[r.RowID()] = struct{}{}
	}

	for _, local := range query.Apply(spec, tx.rows(spec.Table)) {
		if _, ok := keep[local.RowID()]; ok {
			continue
		}
		if err := tx.Remove(spec.Table, local.RowID()); err != nil {
			return err
		}
	}
	for _, r := range rows {
		if err := tx.Put(r); err != nil {
			return err
		}
	}
	return nil
}

// Reset discards every row in the transaction and installs the committed
// rows of src. Client bookkeeping is kept. src must be a different store.
func (tx *Tx) Reset(src *Store) error {
	if tx.readOnly {
		return errReadOnly
	}
	data, err := src.committed()
	if err != nil {
		return err
	}
	clients := tx.data.clients
	tx.data = data.clone()
	tx.data.clients = clients
	for _, table := range schema.Tables() {
		tx.touched[table] = struct{}{}
	}
	return nil
}
