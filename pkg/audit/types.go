package audit

import (
	"time"
)

// EventType represents the category of audit event
type EventType string

const (
	// Authorization decisions
	EventTypeAuthzPermissionCheck EventType = "authz.permission_check"
	EventTypeAuthzAccessDenied    EventType = "authz.access_denied"

	// Grant changes
	EventTypeAuthzPermissionGrant  EventType = "authz.permission_grant"
	EventTypeAuthzPermissionRevoke EventType = "authz.permission_revoke"
	EventTypeAuthzGrantScopeChange EventType = "authz.grant_scope_change"
	EventTypeAuthzRoleChange       EventType = "authz.role_change"

	// Catalog mutations
	EventTypeCatalogResourceCreate   EventType = "catalog.resource_create"
	EventTypeCatalogActionCreate     EventType = "catalog.action_create"
	EventTypeCatalogPermissionCreate EventType = "catalog.permission_create"
	EventTypeCatalogPermissionDelete EventType = "catalog.permission_delete"
	EventTypeCatalogRoleCreate       EventType = "catalog.role_create"
	EventTypeCatalogRoleDelete       EventType = "catalog.role_delete"

	// Organization membership
	EventTypeAdminOrgMemberSet    EventType = "admin.org_member_set"
	EventTypeAdminOrgMemberRemove EventType = "admin.org_member_remove"

	// Operations
	EventTypeAdminCacheFlush EventType = "admin.cache_flush"
)

// EventStatus represents the outcome of an event
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// ResourceType represents the type of entity the event is about
type ResourceType string

const (
	ResourceTypeResource   ResourceType = "resource"
	ResourceTypeAction     ResourceType = "action"
	ResourceTypePermission ResourceType = "permission"
	ResourceTypeRole       ResourceType = "role"
	ResourceTypePrincipal  ResourceType = "principal"
	ResourceTypeMembership ResourceType = "membership"
	ResourceTypeCache      ResourceType = "cache"
)

// AuditEvent represents a single audit log entry
type AuditEvent struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	// Actor: the principal that was checked or that performed the mutation
	PrincipalID    string `json:"principal_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`

	// Subject
	ResourceType ResourceType `json:"resource_type,omitempty"`
	ResourceID   string       `json:"resource_id,omitempty"`
	Permission   string       `json:"permission,omitempty"`

	RequestID string `json:"request_id,omitempty"`

	Message      string                 `json:"message,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metadata     map[string]interface{} `json:"metadata,omitempty"`

	// Changes tracking (before/after for updates)
	Changes *ChangeDetails `json:"changes,omitempty"`
}

// ChangeDetails tracks before/after values for updates
type ChangeDetails struct {
	Before map[string]interface{} `json:"before,omitempty"`
	After  map[string]interface{} `json:"after,omitempty"`
}

// SearchFilter represents filters for searching audit logs
type SearchFilter struct {
	StartTime *time.Time
	EndTime   *time.Time

	PrincipalID    string
	OrganizationID string

	EventTypes []EventType
	Status     *EventStatus

	ResourceType ResourceType
	ResourceID   string
	Permission   string

	Limit  int
	Offset int

	// Ascending sorts oldest first. The default is newest first.
	Ascending bool
}

// RetentionPolicy defines how long audit logs are kept in the database
type RetentionPolicy struct {
	RetentionDays int

	// ArchiveEnabled uploads events to the archiver before they are purged
	ArchiveEnabled bool
}

// DefaultRetentionPolicy returns a 90 day policy without archiving
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{RetentionDays: 90}
}

// Cutoff returns the instant before which events are expired
func (p RetentionPolicy) Cutoff(now time.Time) time.Time {
	return now.AddDate(0, 0, -p.RetentionDays)
}
