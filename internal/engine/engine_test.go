/*******************************************************************************
* Copyright 2025 CloudOA Authors
* SPDX-License-Identifier: GPL-3.0-only
*******************************************************************************/

package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudoa/dirsync/internal/core"
	"github.com/cloudoa/dirsync/internal/ldap"
	"github.com/cloudoa/dirsync/internal/provider"
	"github.com/cloudoa/dirsync/internal/store"
	"github.com/cloudoa/dirsync/internal/test"
)

const baseDN = "dc=example,dc=org"

// fakeProvider returns a fixed snapshot.
type fakeProvider struct {
	kind  core.ProviderKind
	depts []core.Department
	users []core.User
	err   error
}

func (p *fakeProvider) Kind() core.ProviderKind { return p.kind }

func (p *fakeProvider) GetDepartments(context.Context) ([]core.Department, error) {
	return p.depts, p.err
}

func (p *fakeProvider) GetUsers(context.Context) ([]core.User, error) {
	return p.users, p.err
}

// testHarness wires an Engine to a FileStore, a fake provider and an
// in-memory LDAP tree.
type testHarness struct {
	engine   *Engine
	repo     *store.FileStore
	conn     *test.LDAPConnectionDouble
	provider *fakeProvider
	cfg      core.SyncConfig
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	repo, err := store.NewFileStore(filepath.Join(t.TempDir(), "dirsync.json"))
	require.NoError(t, err)

	conn := test.NewLDAPConnectionDouble()
	conn.AddObject(test.LDAPObject{
		DN:         baseDN,
		Attributes: map[string][]string{"objectClass": {"top", "dcObject", "organization"}},
	})

	ldapCfg := core.LDAPConfig{
		ID:        uuid.New(),
		ServerURI: "ldap://ldap.example.org",
		BindDN:    "cn=admin," + baseDN,
		BaseDN:    baseDN,
		Enabled:   true,
	}
	require.NoError(t, repo.UpsertLDAPConfig(ldapCfg))
	require.NoError(t, repo.UpsertProviderSettings(core.ProviderSettings{
		Kind: core.ProviderWeCom, Enabled: true, SyncEnabled: true,
		CorpID: "corp1", Secret: "secret1",
	}))

	cfg := core.SyncConfig{
		ID:              uuid.New(),
		Name:            "hq",
		ProviderKind:    core.ProviderWeCom,
		LDAPConfigID:    ldapCfg.ID,
		SyncUsers:       true,
		SyncDepartments: true,
		UserOU:          "people",
		DepartmentOU:    "departments",
		Frequency:       core.FrequencyManual,
		Enabled:         true,
	}
	require.NoError(t, repo.UpsertSyncConfig(cfg))

	fake := &fakeProvider{kind: core.ProviderWeCom}
	eng := New(repo)
	eng.NewProviderClient = func(core.ProviderSettings) (provider.Client, error) {
		return fake, nil
	}
	eng.ConnectDirectory = func(core.LDAPConfig) (Directory, error) {
		return ldap.NewClient(conn), nil
	}
	return &testHarness{engine: eng, repo: repo, conn: conn, provider: fake, cfg: cfg}
}

func (h *testHarness) deptDN(names ...string) string {
	dn := "ou=departments," + baseDN
	for _, name := range names {
		dn = "ou=" + name + "," + dn
	}
	return dn
}

var initialDepts = []core.Department{
	{ExtID: "1", Name: "总公司", ParentExtID: ""},
	{ExtID: "2", Name: "研发部", ParentExtID: "1"},
	{ExtID: "3", Name: "销售部", ParentExtID: "1"},
}

var initialUsers = []core.User{
	{ExtID: "dev1", Name: "张三", Email: "dev1@corp.example", DepartmentExtIDs: []string{"2"}},
	{ExtID: "sales1", Name: "李四", Mobile: "13800000003", DepartmentExtIDs: []string{"3"}},
	{ExtID: "lost1", Name: "王五", DepartmentExtIDs: []string{"999"}},
}

func TestSyncInitialRun(t *testing.T) {
	h := newTestHarness(t)
	h.provider.depts = initialDepts
	h.provider.users = initialUsers

	syncLog, err := h.engine.Sync(context.Background(), h.cfg.ID)
	require.NoError(t, err)
	assert.True(t, syncLog.Success)
	assert.NotNil(t, syncLog.FinishedAt)
	assert.Equal(t, 3, syncLog.DepartmentsSynced)
	assert.Equal(t, 3, syncLog.UsersSynced)

	// department tree mirrors the upstream hierarchy
	assert.True(t, h.conn.HasObject(h.deptDN("总公司")))
	assert.True(t, h.conn.HasObject(h.deptDN("总公司", "研发部")))
	assert.True(t, h.conn.HasObject(h.deptDN("总公司", "销售部")))
	dept, _ := h.conn.GetObject(h.deptDN("总公司", "研发部"))
	assert.Equal(t, []string{"企业微信部门ID: 2"}, dept.Attributes["description"])

	// users are placed under their primary department
	user, ok := h.conn.GetObject("uid=dev1," + h.deptDN("总公司", "研发部"))
	require.True(t, ok)
	assert.Equal(t, []string{"张三"}, user.Attributes["cn"])
	assert.Equal(t, []string{"dev1@corp.example"}, user.Attributes["mail"])
	assert.Equal(t, []string{"企业微信用户，用户ID：dev1"}, user.Attributes["description"])

	// a user whose departments are all unknown goes to the user base OU
	assert.True(t, h.conn.HasObject("uid=lost1,ou=people,"+baseDN))

	// the run was recorded
	logs, err := h.repo.ListSyncLogs(context.Background(), h.cfg.ID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	details, err := h.repo.ListSyncLogDetails(context.Background(), logs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 3, countDetails(details, core.ObjectTypeDepartment, core.ActionCreate))
	assert.Equal(t, 3, countDetails(details, core.ObjectTypeUser, core.ActionCreate))
	assert.Equal(t, 2, countDetails(details, core.ObjectTypeSystem, core.ActionInfo))

	cfg, err := h.repo.GetSyncConfig(context.Background(), h.cfg.ID)
	require.NoError(t, err)
	assert.NotNil(t, cfg.LastSyncTime)
}

func TestSyncIsIdempotent(t *testing.T) {
	h := newTestHarness(t)
	h.provider.depts = initialDepts
	h.provider.users = initialUsers

	_, err := h.engine.Sync(context.Background(), h.cfg.ID)
	require.NoError(t, err)
	countAfterFirst := h.conn.ObjectCount()

	syncLog, err := h.engine.Sync(context.Background(), h.cfg.ID)
	require.NoError(t, err)
	assert.True(t, syncLog.Success)
	assert.Equal(t, countAfterFirst, h.conn.ObjectCount())

	details, err := h.repo.ListSyncLogDetails(context.Background(), syncLog.ID)
	require.NoError(t, err)
	for _, d := range details {
		assert.Equal(t, core.ObjectTypeSystem, d.ObjectType, "unexpected mutation on second run: %+v", d)
	}
}

func TestSyncRenamePreservesIdentity(t *testing.T) {
	h := newTestHarness(t)
	h.provider.depts = initialDepts
	h.provider.users = initialUsers
	_, err := h.engine.Sync(context.Background(), h.cfg.ID)
	require.NoError(t, err)

	// rename 研发部 upstream, keeping its ext_id
	h.provider.depts = []core.Department{
		{ExtID: "1", Name: "总公司", ParentExtID: ""},
		{ExtID: "2", Name: "技术中心", ParentExtID: "1"},
		{ExtID: "3", Name: "销售部", ParentExtID: "1"},
	}
	syncLog, err := h.engine.Sync(context.Background(), h.cfg.ID)
	require.NoError(t, err)
	assert.True(t, syncLog.Success)

	assert.False(t, h.conn.HasObject(h.deptDN("总公司", "研发部")))
	dept, ok := h.conn.GetObject(h.deptDN("总公司", "技术中心"))
	require.True(t, ok)
	assert.Equal(t, []string{"企业微信部门ID: 2"}, dept.Attributes["description"])
	// the user moved along with its department
	assert.True(t, h.conn.HasObject("uid=dev1,"+h.deptDN("总公司", "技术中心")))

	// a pure rename is audited as an update (the LDAP-level move is an
	// implementation detail of keeping the DN consistent)
	details, err := h.repo.ListSyncLogDetails(context.Background(), syncLog.ID)
	require.NoError(t, err)
	require.Equal(t, 1, countDetails(details, core.ObjectTypeDepartment, core.ActionUpdate))
	assert.Equal(t, 0, countDetails(details, core.ObjectTypeDepartment, core.ActionMove))
	assert.Equal(t, 0, countDetails(details, core.ObjectTypeDepartment, core.ActionCreate))
	for _, d := range details {
		if d.ObjectType == core.ObjectTypeDepartment && d.Action == core.ActionUpdate {
			assert.Equal(t, "研发部", d.OldData["name"])
			assert.Equal(t, "技术中心", d.NewData["name"])
		}
	}
}

func TestSyncReparentDepartment(t *testing.T) {
	h := newTestHarness(t)
	h.provider.depts = initialDepts
	_, err := h.engine.Sync(context.Background(), h.cfg.ID)
	require.NoError(t, err)

	// move 销售部 under 研发部
	h.provider.depts = []core.Department{
		{ExtID: "1", Name: "总公司", ParentExtID: ""},
		{ExtID: "2", Name: "研发部", ParentExtID: "1"},
		{ExtID: "3", Name: "销售部", ParentExtID: "2"},
	}
	syncLog, err := h.engine.Sync(context.Background(), h.cfg.ID)
	require.NoError(t, err)
	assert.True(t, syncLog.Success)

	assert.False(t, h.conn.HasObject(h.deptDN("总公司", "销售部")))
	dept, ok := h.conn.GetObject(h.deptDN("总公司", "研发部", "销售部"))
	require.True(t, ok)
	assert.Equal(t, []string{"企业微信部门ID: 3"}, dept.Attributes["description"])

	details, err := h.repo.ListSyncLogDetails(context.Background(), syncLog.ID)
	require.NoError(t, err)
	require.Equal(t, 1, countDetails(details, core.ObjectTypeDepartment, core.ActionMove))
	for _, d := range details {
		if d.ObjectType == core.ObjectTypeDepartment && d.Action == core.ActionMove {
			assert.Equal(t, "1", d.OldData["parent_ext_id"])
			assert.Equal(t, "2", d.NewData["parent_ext_id"])
		}
	}
}

func TestSyncUserAttributeUpdate(t *testing.T) {
	h := newTestHarness(t)
	h.provider.depts = initialDepts
	h.provider.users = initialUsers
	_, err := h.engine.Sync(context.Background(), h.cfg.ID)
	require.NoError(t, err)

	h.provider.users = []core.User{
		{ExtID: "dev1", Name: "张三", Email: "zhangsan@corp.example", DepartmentExtIDs: []string{"2"}},
		{ExtID: "sales1", Name: "李四", Mobile: "13800000003", DepartmentExtIDs: []string{"3"}},
		{ExtID: "lost1", Name: "王五", DepartmentExtIDs: []string{"999"}},
	}
	syncLog, err := h.engine.Sync(context.Background(), h.cfg.ID)
	require.NoError(t, err)

	user, _ := h.conn.GetObject("uid=dev1," + h.deptDN("总公司", "研发部"))
	assert.Equal(t, []string{"zhangsan@corp.example"}, user.Attributes["mail"])

	details, err := h.repo.ListSyncLogDetails(context.Background(), syncLog.ID)
	require.NoError(t, err)
	require.Equal(t, 1, countDetails(details, core.ObjectTypeUser, core.ActionUpdate))
	for _, d := range details {
		if d.ObjectType == core.ObjectTypeUser && d.Action == core.ActionUpdate {
			assert.Equal(t, "dev1@corp.example", d.OldData["mail"])
			assert.Equal(t, "zhangsan@corp.example", d.NewData["mail"])
		}
	}
}

func TestSyncUserDepartmentChange(t *testing.T) {
	h := newTestHarness(t)
	h.provider.depts = initialDepts
	h.provider.users = initialUsers
	_, err := h.engine.Sync(context.Background(), h.cfg.ID)
	require.NoError(t, err)

	h.provider.users = []core.User{
		{ExtID: "dev1", Name: "张三", Email: "dev1@corp.example", DepartmentExtIDs: []string{"3"}},
		{ExtID: "sales1", Name: "李四", Mobile: "13800000003", DepartmentExtIDs: []string{"3"}},
		{ExtID: "lost1", Name: "王五", DepartmentExtIDs: []string{"999"}},
	}
	syncLog, err := h.engine.Sync(context.Background(), h.cfg.ID)
	require.NoError(t, err)
	assert.True(t, syncLog.Success)

	assert.False(t, h.conn.HasObject("uid=dev1,"+h.deptDN("总公司", "研发部")))
	assert.True(t, h.conn.HasObject("uid=dev1,"+h.deptDN("总公司", "销售部")))
}

func TestSyncLeavesVanishedObjectsInPlace(t *testing.T) {
	h := newTestHarness(t)
	h.provider.depts = initialDepts
	h.provider.users = initialUsers
	_, err := h.engine.Sync(context.Background(), h.cfg.ID)
	require.NoError(t, err)

	// 销售部 and sales1 disappear upstream; the sync is one-way and never
	// deletes, so both entries stay in the directory
	h.provider.depts = []core.Department{
		{ExtID: "1", Name: "总公司", ParentExtID: ""},
		{ExtID: "2", Name: "研发部", ParentExtID: "1"},
	}
	h.provider.users = []core.User{
		{ExtID: "dev1", Name: "张三", Email: "dev1@corp.example", DepartmentExtIDs: []string{"2"}},
		{ExtID: "lost1", Name: "王五", DepartmentExtIDs: []string{"999"}},
	}
	syncLog, err := h.engine.Sync(context.Background(), h.cfg.ID)
	require.NoError(t, err)
	assert.True(t, syncLog.Success)
	assert.Equal(t, 2, syncLog.DepartmentsSynced)
	assert.Equal(t, 2, syncLog.UsersSynced)

	assert.True(t, h.conn.HasObject(h.deptDN("总公司", "销售部")))
	assert.True(t, h.conn.HasObject("uid=sales1,"+h.deptDN("总公司", "销售部")))

	details, err := h.repo.ListSyncLogDetails(context.Background(), syncLog.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, countDetails(details, core.ObjectTypeDepartment, core.ActionDelete))
	assert.Equal(t, 0, countDetails(details, core.ObjectTypeUser, core.ActionDelete))
}

func TestSyncDuplicateDepartmentName(t *testing.T) {
	h := newTestHarness(t)
	h.provider.depts = []core.Department{
		{ExtID: "1", Name: "总公司", ParentExtID: ""},
		{ExtID: "2", Name: "研发部", ParentExtID: "1"},
		{ExtID: "3", Name: "研发部", ParentExtID: "1"},
	}

	syncLog, err := h.engine.Sync(context.Background(), h.cfg.ID)
	require.Error(t, err)
	assert.False(t, syncLog.Success)
	// all three departments were processed, even though one add collided
	assert.Equal(t, 3, syncLog.DepartmentsSynced)

	dept, ok := h.conn.GetObject(h.deptDN("总公司", "研发部"))
	require.True(t, ok)
	assert.Equal(t, []string{"企业微信部门ID: 2"}, dept.Attributes["description"])

	details, detErr := h.repo.ListSyncLogDetails(context.Background(), syncLog.ID)
	require.NoError(t, detErr)
	assert.Equal(t, 2, countDetails(details, core.ObjectTypeDepartment, core.ActionCreate))
	assert.Equal(t, 1, countDetails(details, core.ObjectTypeSystem, core.ActionError))
}

func TestSyncFailedMoveKeepsPreRunDN(t *testing.T) {
	h := newTestHarness(t)
	h.provider.depts = initialDepts
	h.provider.users = initialUsers
	_, err := h.engine.Sync(context.Background(), h.cfg.ID)
	require.NoError(t, err)

	// renaming 销售部 to 研发部 collides with the existing sibling: the
	// rename is refused and the copy fallback refuses the taken destination
	h.conn.RefuseRename = true
	h.provider.depts = []core.Department{
		{ExtID: "1", Name: "总公司", ParentExtID: ""},
		{ExtID: "2", Name: "研发部", ParentExtID: "1"},
		{ExtID: "3", Name: "研发部", ParentExtID: "1"},
	}
	syncLog, err := h.engine.Sync(context.Background(), h.cfg.ID)
	require.Error(t, err)
	assert.False(t, syncLog.Success)
	assert.Equal(t, 3, syncLog.DepartmentsSynced)

	// the department stays at its pre-run DN, identity intact
	dept, ok := h.conn.GetObject(h.deptDN("总公司", "销售部"))
	require.True(t, ok)
	assert.Equal(t, []string{"企业微信部门ID: 3"}, dept.Attributes["description"])
	// its member is still placed below the pre-run DN
	assert.True(t, h.conn.HasObject("uid=sales1,"+h.deptDN("总公司", "销售部")))
}

func TestSyncProviderFailureSealsFailedLog(t *testing.T) {
	h := newTestHarness(t)
	h.provider.err = errors.New("api quota exceeded")

	syncLog, err := h.engine.Sync(context.Background(), h.cfg.ID)
	require.Error(t, err)
	assert.False(t, syncLog.Success)
	require.NotNil(t, syncLog.FinishedAt)

	details, err := h.repo.ListSyncLogDetails(context.Background(), syncLog.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, countDetails(details, core.ObjectTypeSystem, core.ActionError))
	// LDAP was never touched
	assert.Equal(t, 1, h.conn.ObjectCount())
}

func TestSyncDisabledProviderFails(t *testing.T) {
	h := newTestHarness(t)
	require.NoError(t, h.repo.UpsertProviderSettings(core.ProviderSettings{
		Kind: core.ProviderWeCom, Enabled: true, SyncEnabled: false,
	}))

	syncLog, err := h.engine.Sync(context.Background(), h.cfg.ID)
	assert.ErrorContains(t, err, "disabled")
	assert.False(t, syncLog.Success)
}

func TestSyncUnknownConfig(t *testing.T) {
	h := newTestHarness(t)
	_, err := h.engine.Sync(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, store.ErrNotFound))

	// no log record was written for the unknown config
	logs, err := h.repo.ListSyncLogs(context.Background(), h.cfg.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, logs)
}

func TestSyncUsersOnly(t *testing.T) {
	h := newTestHarness(t)
	h.provider.depts = initialDepts
	h.provider.users = initialUsers
	_, err := h.engine.Sync(context.Background(), h.cfg.ID)
	require.NoError(t, err)

	// switch to users-only mode; departments stay untouched but are still
	// used for user placement
	cfg := h.cfg
	cfg.SyncDepartments = false
	require.NoError(t, h.repo.UpsertSyncConfig(cfg))

	h.provider.depts = nil //no longer fetched for placement decisions
	h.provider.users = []core.User{
		{ExtID: "dev2", Name: "赵六", DepartmentExtIDs: []string{"2"}},
	}
	syncLog, err := h.engine.Sync(context.Background(), h.cfg.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, syncLog.DepartmentsSynced)
	assert.True(t, h.conn.HasObject("uid=dev2,"+h.deptDN("总公司", "研发部")))
}

func countDetails(details []core.SyncLogDetail, objectType core.ObjectType, action core.Action) int {
	count := 0
	for _, d := range details {
		if d.ObjectType == objectType && d.Action == action {
			count++
		}
	}
	return count
}
