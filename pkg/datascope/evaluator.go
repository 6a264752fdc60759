// Package datascope turns the data scope of an organization grant into a
// filter that data access code can apply to its queries.
//
//	scope, ok, err := guard.ScopeFor(ctx, principalID, orgID, "project:read")
//	...
//	filter, err := evaluator.Evaluate(ctx, scope, datascope.PrincipalContext{
//		PrincipalID:    principalID,
//		OrganizationID: orgID,
//		DepartmentID:   departmentID,
//	})
//	where, args := filter.SQL(datascope.DefaultColumns(), 1)
package datascope

import (
	"context"
	"errors"
	"fmt"

	"github.com/platinummonkey/gatehouse/pkg/rbac"
)

// ErrUnknownScope is returned for a data scope the evaluator does not know
var ErrUnknownScope = errors.New("unknown data scope")

// PrincipalContext is what the evaluator knows about the caller
type PrincipalContext struct {
	PrincipalID    string
	OrganizationID string
	DepartmentID   string
}

// FilterKind names the restriction a FilterDescriptor applies
type FilterKind string

const (
	KindNone         FilterKind = "none"
	KindOrganization FilterKind = "organization"
	KindDepartments  FilterKind = "departments"
	KindOwner        FilterKind = "owner"
	KindDeny         FilterKind = "deny"
)

// FilterDescriptor is a declarative row filter
type FilterDescriptor struct {
	Kind           FilterKind `json:"kind"`
	OrganizationID string     `json:"organization_id,omitempty"`
	DepartmentIDs  []string   `json:"department_ids,omitempty"`
	OwnerID        string     `json:"owner_id,omitempty"`
}

// Deny matches nothing
func Deny() FilterDescriptor {
	return FilterDescriptor{Kind: KindDeny}
}

// DepartmentHierarchy answers which departments sit below a department
type DepartmentHierarchy interface {
	// DescendantIDs returns every department transitively below
	// departmentID, excluding departmentID itself
	DescendantIDs(ctx context.Context, departmentID string) ([]string, error)
}

// Evaluator maps data scopes to filters. Its only I/O is the hierarchy
// lookup for DEPT_AND_SUB.
type Evaluator struct {
	hierarchy DepartmentHierarchy
}

// NewEvaluator creates an evaluator. A nil hierarchy treats every
// department as having no descendants.
func NewEvaluator(h DepartmentHierarchy) *Evaluator {
	return &Evaluator{hierarchy: h}
}

// Evaluate returns the filter for scope. Any context value the scope needs
// that is missing yields a deny filter.
func (e *Evaluator) Evaluate(ctx context.Context, scope rbac.DataScope, pc PrincipalContext) (FilterDescriptor, error) {
	switch scope {
	case rbac.DataScopeAll:
		return FilterDescriptor{Kind: KindNone}, nil

	case rbac.DataScopeOrg:
		if pc.OrganizationID == "" {
			return Deny(), nil
		}
		return FilterDescriptor{Kind: KindOrganization, OrganizationID: pc.OrganizationID}, nil

	case rbac.DataScopeDeptAndSub:
		if pc.DepartmentID == "" {
			return Deny(), nil
		}
		ids, err := e.departments(ctx, pc)
		if err != nil {
			return Deny(), err
		}
		return FilterDescriptor{Kind: KindDepartments, DepartmentIDs: ids}, nil

	case rbac.DataScopeSelf:
		if pc.PrincipalID == "" {
			return Deny(), nil
		}
		return FilterDescriptor{Kind: KindOwner, OwnerID: pc.PrincipalID}, nil
	}

	return Deny(), fmt.Errorf("%w: %q", ErrUnknownScope, scope)
}

// departments returns the principal's department followed by its
// descendants, without duplicates
func (e *Evaluator) departments(ctx context.Context, pc PrincipalContext) ([]string, error) {
	ids := []string{pc.DepartmentID}
	if e.hierarchy == nil {
		return ids, nil
	}

	descendants, err := e.hierarchy.DescendantIDs(ctx, pc.DepartmentID)
	if err != nil {
		return nil, &rbac.ResolutionError{
			Op:             "list descendants of department " + pc.DepartmentID,
			PrincipalID:    pc.PrincipalID,
			OrganizationID: pc.OrganizationID,
			Err:            err,
		}
	}

	seen := map[string]struct{}{pc.DepartmentID: {}}
	for _, id := range descendants {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}
