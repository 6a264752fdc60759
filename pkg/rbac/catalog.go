package rbac

import (
	"fmt"
	"regexp"
	"strings"
)

var slugPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// PermissionCode builds the canonical "resource:action" code
func PermissionCode(resource, action string) string {
	return resource + ":" + action
}

// ParsePermissionCode splits a code into its resource and action names
func ParsePermissionCode(code string) (resource, action string, err error) {
	parts := strings.Split(code, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: malformed permission code %q", ErrInvalid, code)
	}
	return parts[0], parts[1], nil
}

// ValidSlug reports whether name can be used as a resource or action name
func ValidSlug(name string) bool {
	return slugPattern.MatchString(name)
}

// ValidatePermission checks that perm is the code of action on resource
func ValidatePermission(resource Resource, action Action, perm Permission) error {
	if action.ResourceID != resource.ID {
		return fmt.Errorf("%w: action %q does not belong to resource %q", ErrInvalid, action.Name, resource.Name)
	}
	if want := PermissionCode(resource.Name, action.Name); perm.Code != want {
		return fmt.Errorf("%w: permission code %q, expected %q", ErrInvalid, perm.Code, want)
	}
	return nil
}

// CanHold reports whether a role of the given scope may be granted
// permissions on a resource of the given scope.
func CanHold(role RoleScope, resource ResourceScope) bool {
	switch role {
	case RoleScopeGlobal:
		return resource == ResourceScopeGlobal || resource == ResourceScopeBoth
	case RoleScopeOrganization:
		return resource == ResourceScopeOrganization || resource == ResourceScopeBoth
	}
	return false
}

// NormalizeRoleName strips a scope prefix, so "GLOBAL:admin" and "admin"
// name the same role. Every role lookup goes through here.
func NormalizeRoleName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndex(name, ":"); i >= 0 {
		name = strings.TrimSpace(name[i+1:])
	}
	return name
}

// ParseRoleNames turns a raw comma-separated role field into normalized,
// de-duplicated names in first-seen order.
func ParseRoleNames(raw string) []string {
	var names []string
	seen := make(map[string]struct{})
	for _, part := range strings.Split(raw, ",") {
		name := NormalizeRoleName(part)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}
