// Package navigation decides which sidebar groups a principal can see.
//
// A group lists the global role names allowed to see it. An empty list
// means everyone. Per-principal overrides win over roles in both
// directions, and an explicit hide always wins.
package navigation

import (
	"context"
	"fmt"

	"github.com/platinummonkey/gatehouse/pkg/rbac"
)

// Group is a navigation section
type Group struct {
	ID           string     `yaml:"id" json:"id"`
	Label        string     `yaml:"label" json:"label"`
	AllowedRoles []string   `yaml:"allowed_roles,omitempty" json:"allowed_roles,omitempty"`
	Overrides    []Override `yaml:"overrides,omitempty" json:"-"`
	Items        []Item     `yaml:"items,omitempty" json:"items,omitempty"`
	Groups       []Group    `yaml:"groups,omitempty" json:"groups,omitempty"`
}

// Item is a link inside a group. Items carry no role gating of their own.
type Item struct {
	ID       string `yaml:"id" json:"id"`
	Label    string `yaml:"label" json:"label"`
	Href     string `yaml:"href,omitempty" json:"href,omitempty"`
	Icon     string `yaml:"icon,omitempty" json:"icon,omitempty"`
	Children []Item `yaml:"children,omitempty" json:"children,omitempty"`
}

// Override forces a group's visibility for one principal
type Override struct {
	PrincipalID string `yaml:"principal_id" json:"principal_id"`
	Visible     bool   `yaml:"visible" json:"visible"`
}

// Source provides the navigation tree
type Source interface {
	Groups(ctx context.Context) ([]Group, error)
}

// RoleSource provides a principal's global role names.
// *rbac.Resolver implements it.
type RoleSource interface {
	GlobalRoleNames(ctx context.Context, principalID string) ([]string, error)
}

// StaticSource serves a fixed tree
type StaticSource []Group

// Groups returns the tree
func (s StaticSource) Groups(context.Context) ([]Group, error) {
	return []Group(s), nil
}

// Prune returns the groups visible to principalID holding roles. The
// result keeps the shape of groups; child groups are only considered
// under a visible parent.
func Prune(groups []Group, principalID string, roles []string) []Group {
	held := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		if name := rbac.NormalizeRoleName(role); name != "" {
			held[name] = struct{}{}
		}
	}
	return prune(groups, principalID, held)
}

func prune(groups []Group, principalID string, held map[string]struct{}) []Group {
	var visible []Group
	for _, g := range groups {
		if !isVisible(g, principalID, held) {
			continue
		}
		out := Group{
			ID:           g.ID,
			Label:        g.Label,
			AllowedRoles: append([]string(nil), g.AllowedRoles...),
			Items:        copyItems(g.Items),
			Groups:       prune(g.Groups, principalID, held),
		}
		visible = append(visible, out)
	}
	return visible
}

func isVisible(g Group, principalID string, held map[string]struct{}) bool {
	shown := false
	for _, o := range g.Overrides {
		if o.PrincipalID != principalID || principalID == "" {
			continue
		}
		if !o.Visible {
			return false
		}
		shown = true
	}
	if shown || len(g.AllowedRoles) == 0 {
		return true
	}

	for _, role := range g.AllowedRoles {
		if _, ok := held[rbac.NormalizeRoleName(role)]; ok {
			return true
		}
	}
	return false
}

func copyItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	for i, item := range items {
		out[i] = item
		out[i].Children = copyItems(item.Children)
	}
	return out
}

// Filter prunes a source's tree for each principal
type Filter struct {
	source Source
	roles  RoleSource
}

// NewFilter creates a filter
func NewFilter(source Source, roles RoleSource) *Filter {
	return &Filter{source: source, roles: roles}
}

// Visible returns the groups principalID can see. An anonymous principal
// sees only unrestricted groups.
func (f *Filter) Visible(ctx context.Context, principalID string) ([]Group, error) {
	groups, err := f.source.Groups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load navigation: %w", err)
	}

	var roles []string
	if principalID != "" {
		roles, err = f.roles.GlobalRoleNames(ctx, principalID)
		if err != nil {
			return nil, err
		}
	}
	return Prune(groups, principalID, roles), nil
}
