package rbac

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/gatehouse/pkg/audit"
)

// setupTestDB returns a migrated in-memory sqlite database
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, RunMigrationsWith(context.Background(), db, MigrateOptions{Dialect: DialectSQLite}))
	return db
}

// scenarioIDs are the role ids created by seedScenario
type scenarioIDs struct {
	admin  int64
	user   int64
	member int64
}

// seedScenario builds the catalog used throughout the tests:
// GLOBAL:admin grants the five user permissions, GLOBAL:user grants the two
// profile permissions and ORGANIZATION:member grants project:read with ORG
// scope.
func seedScenario(t *testing.T, store *Store) scenarioIDs {
	t.Helper()
	ctx := context.Background()

	catalog := Catalog{
		Resources: []CatalogResource{
			{Resource: Resource{Name: "user", Scope: ResourceScopeGlobal}, Actions: systemActions("create", "read", "update", "delete", "ban")},
			{Resource: Resource{Name: "profile", Scope: ResourceScopeGlobal}, Actions: systemActions("read", "update")},
			{Resource: Resource{Name: "project", Scope: ResourceScopeOrganization}, Actions: systemActions("create", "read", "update", "delete")},
		},
		Roles: []CatalogRole{
			{
				Role: Role{Name: "GLOBAL:admin", Scope: RoleScopeGlobal},
				Grants: []Grant{
					{Code: "user:create", DataScope: DataScopeAll},
					{Code: "user:read", DataScope: DataScopeAll},
					{Code: "user:update", DataScope: DataScopeAll},
					{Code: "user:delete", DataScope: DataScopeAll},
					{Code: "user:ban", DataScope: DataScopeAll},
				},
			},
			{
				Role: Role{Name: "user", Scope: RoleScopeGlobal},
				Grants: []Grant{
					{Code: "profile:read", DataScope: DataScopeAll},
					{Code: "profile:update", DataScope: DataScopeAll},
				},
			},
			{
				Role:   Role{Name: "member", Scope: RoleScopeOrganization},
				Grants: []Grant{{Code: "project:read", DataScope: DataScopeOrg}},
			},
		},
	}
	require.NoError(t, SeedCatalog(ctx, store, catalog, nil))

	var ids scenarioIDs
	for name, dest := range map[string]*int64{"admin": &ids.admin, "user": &ids.user} {
		role, err := store.FindRoleByName(ctx, RoleScopeGlobal, name)
		require.NoError(t, err)
		require.NotNil(t, role)
		*dest = role.ID
	}
	member, err := store.FindRoleByName(ctx, RoleScopeOrganization, "member")
	require.NoError(t, err)
	require.NotNil(t, member)
	ids.member = member.ID
	return ids
}

// memoryAudit records events in memory
type memoryAudit struct {
	mu     sync.Mutex
	events []*audit.AuditEvent
	err    error
}

func (m *memoryAudit) Log(_ context.Context, event *audit.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.err
}

func (m *memoryAudit) Close() error { return nil }

func (m *memoryAudit) snapshot() []*audit.AuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*audit.AuditEvent(nil), m.events...)
}

func (m *memoryAudit) types() []audit.EventType {
	var types []audit.EventType
	for _, e := range m.snapshot() {
		types = append(types, e.EventType)
	}
	return types
}

var errStoreDown = errors.New("store down")

// fakeStore is an in-memory CatalogStore, MembershipStore and
// PrincipalSource with fault injection and call counting
type fakeStore struct {
	mu          sync.Mutex
	roles       []Role
	grants      map[int64][]Grant
	principals  map[string]Principal
	memberships map[CacheKey]Membership

	principalErr  error
	roleErr       error
	grantErr      error
	membershipErr error

	grantCalls int
	onGrants   func()
	gate       chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		grants:      make(map[int64][]Grant),
		principals:  make(map[string]Principal),
		memberships: make(map[CacheKey]Membership),
	}
}

func (f *fakeStore) addRole(id int64, scope RoleScope, name string, grants ...Grant) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roles = append(f.roles, Role{ID: id, Name: name, Scope: scope})
	f.grants[id] = grants
}

func (f *fakeStore) setPrincipal(id, roles string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.principals[id] = Principal{ID: id, Roles: roles}
}

func (f *fakeStore) setMembership(principalID, orgID, role string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberships[CacheKey{PrincipalID: principalID, OrganizationID: orgID}] = Membership{
		PrincipalID: principalID, OrganizationID: orgID, RoleName: role,
	}
}

func (f *fakeStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.grantCalls
}

func (f *fakeStore) FindRoleByName(_ context.Context, scope RoleScope, name string) (*Role, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roleErr != nil {
		return nil, f.roleErr
	}
	for _, r := range f.roles {
		if r.Scope == scope && NormalizeRoleName(r.Name) == NormalizeRoleName(name) {
			role := r
			return &role, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListRolePermissions(ctx context.Context, roleID int64) ([]Grant, error) {
	f.mu.Lock()
	f.grantCalls++
	gate, hook, err := f.gate, f.onGrants, f.grantErr
	grants := append([]Grant(nil), f.grants[roleID]...)
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return grants, nil
}

func (f *fakeStore) GetPrincipal(_ context.Context, principalID string) (*Principal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.principalErr != nil {
		return nil, f.principalErr
	}
	p, ok := f.principals[principalID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (f *fakeStore) FindMembership(_ context.Context, principalID, organizationID string) (*Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.membershipErr != nil {
		return nil, f.membershipErr
	}
	m, ok := f.memberships[CacheKey{PrincipalID: principalID, OrganizationID: organizationID}]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

// newScenarioFake mirrors seedScenario without a database
func newScenarioFake() *fakeStore {
	f := newFakeStore()
	f.addRole(1, RoleScopeGlobal, "GLOBAL:admin",
		Grant{Code: "user:create", DataScope: DataScopeAll},
		Grant{Code: "user:read", DataScope: DataScopeAll},
		Grant{Code: "user:update", DataScope: DataScopeAll},
		Grant{Code: "user:delete", DataScope: DataScopeAll},
		Grant{Code: "user:ban", DataScope: DataScopeAll},
	)
	f.addRole(2, RoleScopeGlobal, "user",
		Grant{Code: "profile:read", DataScope: DataScopeAll},
		Grant{Code: "profile:update", DataScope: DataScopeAll},
	)
	f.addRole(3, RoleScopeOrganization, "member",
		Grant{Code: "project:read", DataScope: DataScopeOrg},
	)
	return f
}
