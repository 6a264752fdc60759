package rbac

import (
	"sort"
	"time"
)

// ResourceScope says where permissions on a resource may be granted
type ResourceScope string

const (
	ResourceScopeGlobal       ResourceScope = "GLOBAL"
	ResourceScopeOrganization ResourceScope = "ORGANIZATION"
	ResourceScopeBoth         ResourceScope = "BOTH"
)

// Valid reports whether s is a known resource scope
func (s ResourceScope) Valid() bool {
	switch s {
	case ResourceScopeGlobal, ResourceScopeOrganization, ResourceScopeBoth:
		return true
	}
	return false
}

// RoleScope says whether a role is held platform-wide or per organization
type RoleScope string

const (
	RoleScopeGlobal       RoleScope = "GLOBAL"
	RoleScopeOrganization RoleScope = "ORGANIZATION"
)

// Valid reports whether s is a known role scope
func (s RoleScope) Valid() bool {
	return s == RoleScopeGlobal || s == RoleScopeOrganization
}

// DataScope bounds which records an organization grant reaches
type DataScope string

const (
	DataScopeSelf       DataScope = "SELF"
	DataScopeOrg        DataScope = "ORG"
	DataScopeDeptAndSub DataScope = "DEPT_AND_SUB"
	DataScopeAll        DataScope = "ALL"
)

// Valid reports whether s is a known data scope
func (s DataScope) Valid() bool {
	switch s {
	case DataScopeSelf, DataScopeOrg, DataScopeDeptAndSub, DataScopeAll:
		return true
	}
	return false
}

// breadth orders data scopes from narrowest to widest
func (s DataScope) breadth() int {
	switch s {
	case DataScopeSelf:
		return 1
	case DataScopeDeptAndSub:
		return 2
	case DataScopeOrg:
		return 3
	case DataScopeAll:
		return 4
	}
	return 0
}

// Resource is a protected domain entity type, identified by its slug name
type Resource struct {
	ID          int64         `json:"id"`
	Name        string        `json:"name"`
	DisplayName string        `json:"display_name"`
	Scope       ResourceScope `json:"scope"`
	IsSystem    bool          `json:"is_system"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// Action is an operation on a resource. Coarse actions such as "manage" are
// ordinary rows.
type Action struct {
	ID          int64  `json:"id"`
	ResourceID  int64  `json:"resource_id"`
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	IsSystem    bool   `json:"is_system"`
}

// Permission is a (resource, action) pair addressed by its code
type Permission struct {
	ID          int64  `json:"id"`
	Code        string `json:"code"`
	ResourceID  int64  `json:"resource_id"`
	ActionID    int64  `json:"action_id"`
	DisplayName string `json:"display_name"`
	Category    string `json:"category,omitempty"`
	IsSystem    bool   `json:"is_system"`
}

// Role is a named bundle of permissions
type Role struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	Description string    `json:"description,omitempty"`
	Scope       RoleScope `json:"scope"`
	IsSystem    bool      `json:"is_system"`
	IsTemplate  bool      `json:"is_template"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RolePermission attaches a permission to a role with a data scope
type RolePermission struct {
	RoleID       int64     `json:"role_id"`
	PermissionID int64     `json:"permission_id"`
	DataScope    DataScope `json:"data_scope"`
}

// Grant is a role permission as seen by the resolver
type Grant struct {
	Code      string    `json:"code"`
	DataScope DataScope `json:"data_scope"`
}

// Membership binds a principal to one organization role
type Membership struct {
	PrincipalID    string `json:"principal_id"`
	OrganizationID string `json:"organization_id"`
	RoleName       string `json:"role_name"`
}

// Principal is an identity known to the catalog. Roles is the raw
// comma-separated list of global role names.
type Principal struct {
	ID    string `json:"id"`
	Roles string `json:"roles"`
}

// PermissionSet is an unordered set of permission codes
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from codes
func NewPermissionSet(codes ...string) PermissionSet {
	s := make(PermissionSet, len(codes))
	for _, code := range codes {
		s[code] = struct{}{}
	}
	return s
}

// Has reports whether code is in the set
func (s PermissionSet) Has(code string) bool {
	_, ok := s[code]
	return ok
}

// Len returns the number of codes
func (s PermissionSet) Len() int {
	return len(s)
}

// Codes returns the codes in sorted order
func (s PermissionSet) Codes() []string {
	codes := make([]string, 0, len(s))
	for code := range s {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}
