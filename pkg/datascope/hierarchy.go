package datascope

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
)

// StaticHierarchy is an in-memory department tree
type StaticHierarchy struct {
	children map[string][]string
}

// NewStaticHierarchy builds a hierarchy from child to parent edges. Roots
// have an empty parent.
func NewStaticHierarchy(parents map[string]string) *StaticHierarchy {
	children := make(map[string][]string)
	for child, parent := range parents {
		if parent == "" {
			continue
		}
		children[parent] = append(children[parent], child)
	}
	for _, ids := range children {
		sort.Strings(ids)
	}
	return &StaticHierarchy{children: children}
}

// DescendantIDs walks the tree breadth first. Cycles are tolerated; a
// department is never returned twice and never returned for itself.
func (h *StaticHierarchy) DescendantIDs(_ context.Context, departmentID string) ([]string, error) {
	var ids []string
	seen := map[string]struct{}{departmentID: {}}
	queue := []string{departmentID}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range h.children[current] {
			if _, ok := seen[child]; ok {
				continue
			}
			seen[child] = struct{}{}
			ids = append(ids, child)
			queue = append(queue, child)
		}
	}
	return ids, nil
}

// SQLHierarchy reads the departments table created by the rbac migrations
type SQLHierarchy struct {
	db *sql.DB
}

// NewSQLHierarchy creates a hierarchy over db
func NewSQLHierarchy(db *sql.DB) *SQLHierarchy {
	return &SQLHierarchy{db: db}
}

// UNION discards rows already produced, which ends the recursion on cycles
const descendantsQuery = `
	WITH RECURSIVE tree(id) AS (
		SELECT id FROM departments WHERE parent_id = $1
		UNION
		SELECT d.id FROM departments d JOIN tree t ON d.parent_id = t.id
	)
	SELECT id FROM tree WHERE id <> $1 ORDER BY id
`

// DescendantIDs returns the descendants of departmentID ordered by id
func (h *SQLHierarchy) DescendantIDs(ctx context.Context, departmentID string) ([]string, error) {
	rows, err := h.db.QueryContext(ctx, descendantsQuery, departmentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query departments: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan department: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read departments: %w", err)
	}
	return ids, nil
}

// Department is one row of the departments table
type Department struct {
	ID       string
	ParentID string
	Name     string
}

// UpsertDepartment creates or moves a department. An empty ParentID makes
// it a root.
func (h *SQLHierarchy) UpsertDepartment(ctx context.Context, d Department) error {
	var parent interface{}
	if d.ParentID != "" {
		parent = d.ParentID
	}
	_, err := h.db.ExecContext(ctx, `
		INSERT INTO departments (id, parent_id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET parent_id = excluded.parent_id, name = excluded.name
	`, d.ID, parent, d.Name)
	if err != nil {
		return fmt.Errorf("failed to upsert department: %w", err)
	}
	return nil
}
