/*******************************************************************************
* Copyright 2025 CloudOA Authors
* SPDX-License-Identifier: GPL-3.0-only
*******************************************************************************/

package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sapcc/go-bits/errext"
	"github.com/sapcc/go-bits/logg"

	"github.com/cloudoa/dirsync/internal/core"
	"github.com/cloudoa/dirsync/internal/ldap"
)

// deptRecord is one entry of the department identity index.
type deptRecord struct {
	DN          string
	Name        string
	ParentExtID string
}

// run carries the state of one sync run.
type run struct {
	engine  *Engine
	cfg     core.SyncConfig
	syncLog core.SyncLog

	dir        Directory
	baseDN     string
	deptBaseDN string
	userBaseDN string
	errs       errext.ErrorSet
	// depts maps department ext_id to the current state of its OU, covering
	// both pre-existing and freshly created departments. The index never
	// points at a deleted DN: a failed move leaves the pre-run DN in place.
	depts map[string]deptRecord
}

// execute performs the run. Errors returned from here are fatal for the whole
// run; per-object errors are collected in r.errs instead.
func (r *run) execute(ctx context.Context) error {
	err := r.cfg.Validate()
	if err != nil {
		return r.fatal(ctx, err)
	}
	if !r.cfg.Enabled {
		return r.fatal(ctx, fmt.Errorf("sync config %q is disabled", r.cfg.Name))
	}

	settings, err := r.engine.Repo.GetProviderSettings(ctx, r.cfg.ProviderKind)
	if err != nil {
		return r.fatal(ctx, err)
	}
	if !settings.Enabled || !settings.SyncEnabled {
		return r.fatal(ctx, fmt.Errorf("provider %s is disabled", r.cfg.ProviderKind))
	}

	ldapCfg, err := r.engine.Repo.GetLDAPConfig(ctx, r.cfg.LDAPConfigID)
	if err != nil {
		return r.fatal(ctx, err)
	}
	if !ldapCfg.Enabled {
		return r.fatal(ctx, fmt.Errorf("ldap config %s is disabled", ldapCfg.ID))
	}
	err = ldapCfg.Validate()
	if err != nil {
		return r.fatal(ctx, err)
	}

	providerClient, err := r.engine.NewProviderClient(settings)
	if err != nil {
		return r.fatal(ctx, err)
	}

	// pull the full snapshot before touching LDAP, so that a provider outage
	// never results in a half-applied run
	var depts []core.Department
	if r.cfg.SyncDepartments || r.cfg.SyncUsers {
		depts, err = providerClient.GetDepartments(ctx)
		if err != nil {
			return r.fatal(ctx, fmt.Errorf("cannot fetch departments: %w", err))
		}
	}
	var users []core.User
	if r.cfg.SyncUsers {
		users, err = providerClient.GetUsers(ctx)
		if err != nil {
			return r.fatal(ctx, fmt.Errorf("cannot fetch users: %w", err))
		}
	}

	r.dir, err = r.engine.ConnectDirectory(ldapCfg)
	if err != nil {
		return r.fatal(ctx, fmt.Errorf("cannot connect to LDAP: %w", err))
	}
	defer r.dir.Close()
	r.baseDN = ldapCfg.BaseDN
	r.deptBaseDN = "ou=" + ldap.EscapeDNValue(r.cfg.DepartmentOU) + "," + r.baseDN
	r.userBaseDN = "ou=" + ldap.EscapeDNValue(r.cfg.UserOU) + "," + r.baseDN

	r.record(ctx, core.ObjectTypeSystem, core.ActionInfo, "", r.cfg.Name, nil, nil,
		fmt.Sprintf("sync started: %d departments, %d users upstream", len(depts), len(users)))

	if r.cfg.SyncDepartments {
		err = r.syncDepartments(ctx, depts)
	} else {
		err = r.seedDepartmentIndex()
	}
	if err != nil {
		return r.fatal(ctx, err)
	}
	if r.cfg.SyncUsers {
		err = r.syncUsers(ctx, users)
		if err != nil {
			return r.fatal(ctx, err)
		}
	}

	r.record(ctx, core.ObjectTypeSystem, core.ActionInfo, "", r.cfg.Name, nil, nil,
		fmt.Sprintf("sync finished: %d departments, %d users processed, %d errors",
			r.syncLog.DepartmentsSynced, r.syncLog.UsersSynced, len(r.errs)))
	return nil
}

// fatal records a run-level error row and passes the error through.
func (r *run) fatal(ctx context.Context, err error) error {
	r.record(ctx, core.ObjectTypeSystem, core.ActionError, "", r.cfg.Name, nil, nil, err.Error())
	return err
}

// record appends one audit row. Failures to persist the row are logged but do
// not abort the run.
func (r *run) record(ctx context.Context, objectType core.ObjectType, action core.Action, objectID, objectName string, oldData, newData map[string]string, details string) {
	err := r.engine.Repo.AppendSyncLogDetail(ctx, core.SyncLogDetail{
		ID:         uuid.New(),
		SyncLogID:  r.syncLog.ID,
		ObjectType: objectType,
		Action:     action,
		ObjectID:   objectID,
		ObjectName: objectName,
		OldData:    oldData,
		NewData:    newData,
		Details:    details,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		logg.Error("cannot append sync log detail: %s", err.Error())
	}
}

// mutationError collects a failed LDAP mutation: a system/error audit row
// plus an entry in the run's error set. The run continues with the next
// object.
func (r *run) mutationError(ctx context.Context, err error) {
	r.record(ctx, core.ObjectTypeSystem, core.ActionError, "", "", nil, nil, err.Error())
	r.errs.Add(err)
}

// buildDeptIndex scans the existing tree for tagged department OUs. Parent
// ext_ids are recovered by looking up each entry's parent DN within the
// scanned set.
func (r *run) buildDeptIndex() error {
	kind := r.cfg.ProviderKind
	existing, err := r.dir.SearchTaggedDepartments(r.baseDN, kind.DepartmentTagPrefix())
	if err != nil {
		return fmt.Errorf("cannot scan existing departments: %w", err)
	}

	dnToExtID := make(map[string]string, len(existing))
	for _, entry := range existing {
		extID := strings.TrimPrefix(entry.GetAttributeValue("description"), kind.DepartmentTagPrefix())
		if extID != "" {
			dnToExtID[entry.DN] = extID
		}
	}
	r.depts = make(map[string]deptRecord, len(existing))
	for _, entry := range existing {
		extID := dnToExtID[entry.DN]
		if extID == "" {
			continue
		}
		r.depts[extID] = deptRecord{
			DN:          entry.DN,
			Name:        entry.GetAttributeValue("ou"),
			ParentExtID: dnToExtID[parentDN(entry.DN)],
		}
	}
	return nil
}

// syncDepartments reconciles the department OU tree. A failure to ensure the
// base OU or to scan the existing tree is fatal for the run; per-department
// failures are recorded and skipped.
func (r *run) syncDepartments(ctx context.Context, depts []core.Department) error {
	kind := r.cfg.ProviderKind
	err := r.dir.EnsureOU(r.deptBaseDN)
	if err != nil {
		return fmt.Errorf("cannot ensure department base OU: %w", err)
	}
	err = r.buildDeptIndex()
	if err != nil {
		return err
	}

	for _, dept := range core.SortDepartmentsForSync(depts) {
		r.syncLog.DepartmentsSynced++

		targetParentDN := r.deptBaseDN
		if dept.ParentExtID != "" {
			if parent, ok := r.depts[dept.ParentExtID]; ok {
				targetParentDN = parent.DN
			}
		}
		desiredDN := "ou=" + ldap.EscapeDNValue(dept.Name) + "," + targetParentDN
		tag := kind.DepartmentTag(dept.ExtID)

		rec, exists := r.depts[dept.ExtID]
		if !exists {
			err := r.dir.AddObject(desiredDN, []string{"top", "organizationalUnit"}, map[string][]string{
				"ou":          {dept.Name},
				"description": {tag},
			})
			if err != nil {
				r.mutationError(ctx, err)
				continue
			}
			r.depts[dept.ExtID] = deptRecord{DN: desiredDN, Name: dept.Name, ParentExtID: dept.ParentExtID}
			r.record(ctx, core.ObjectTypeDepartment, core.ActionCreate, dept.ExtID, dept.Name,
				nil, map[string]string{"dn": desiredDN}, "created department")
			continue
		}

		renamed := rec.Name != dept.Name
		reparented := parentDN(rec.DN) != targetParentDN
		if !renamed && rec.DN == desiredDN {
			// already in place, nothing to do
			continue
		}
		if renamed {
			r.record(ctx, core.ObjectTypeDepartment, core.ActionUpdate, dept.ExtID, dept.Name,
				map[string]string{"name": rec.Name}, map[string]string{"name": dept.Name}, "renamed department")
		}
		if reparented {
			r.record(ctx, core.ObjectTypeDepartment, core.ActionMove, dept.ExtID, dept.Name,
				map[string]string{"dn": rec.DN, "parent_ext_id": rec.ParentExtID},
				map[string]string{"dn": desiredDN, "parent_ext_id": dept.ParentExtID}, "moved department")
		}

		err := r.dir.MoveObject(rec.DN, desiredDN)
		if err != nil {
			r.mutationError(ctx, err)
			// the object stays at its pre-run DN; keep its description tag
			// fresh so its identity survives the failed move
			modErr := r.dir.ModifyAttributes(rec.DN, map[string][]string{"description": {tag}})
			if modErr != nil {
				r.mutationError(ctx, modErr)
			}
			continue
		}
		r.rewriteDeptDNs(rec.DN, desiredDN)
		r.depts[dept.ExtID] = deptRecord{DN: desiredDN, Name: dept.Name, ParentExtID: dept.ParentExtID}
		err = r.dir.ModifyAttributes(desiredDN, map[string][]string{
			"ou":          {dept.Name},
			"description": {tag},
		})
		if err != nil {
			r.mutationError(ctx, err)
		}
	}
	return nil
}

// rewriteDeptDNs updates the index after a subtree move: the moved OU and
// every indexed OU below it get their DNs rewritten.
func (r *run) rewriteDeptDNs(oldDN, newDN string) {
	oldSuffix := "," + oldDN
	for extID, rec := range r.depts {
		switch {
		case rec.DN == oldDN:
			rec.DN = newDN
		case strings.HasSuffix(rec.DN, oldSuffix):
			rec.DN = strings.TrimSuffix(rec.DN, oldSuffix) + "," + newDN
		default:
			continue
		}
		r.depts[extID] = rec
	}
}

// seedDepartmentIndex fills the department index from the existing tree
// without modifying it. This is used when only users are synced, so that
// users can still be placed into previously synced department OUs.
func (r *run) seedDepartmentIndex() error {
	err := r.buildDeptIndex()
	if err != nil {
		logg.Error(err.Error())
		r.depts = make(map[string]deptRecord)
	}
	return nil
}

// syncUsers reconciles the user entries.
func (r *run) syncUsers(ctx context.Context, users []core.User) error {
	kind := r.cfg.ProviderKind
	err := r.dir.EnsureOU(r.userBaseDN)
	if err != nil {
		return fmt.Errorf("cannot ensure user base OU: %w", err)
	}

	// tagged users may live under department OUs, so the identity scan
	// covers the whole base DN
	existing, err := r.dir.SearchTaggedUsers(r.baseDN, kind.UserTagPrefix())
	if err != nil {
		return fmt.Errorf("cannot scan existing users: %w", err)
	}
	userIndex := make(map[string]ldap.Entry, len(existing))
	for _, entry := range existing {
		extID := resolveUserExtID(entry)
		if extID != "" {
			userIndex[extID] = entry
		}
	}

	for _, user := range users {
		r.syncLog.UsersSynced++

		targetParentDN := r.userBaseDN
		for _, deptExtID := range user.DepartmentExtIDs {
			if rec, ok := r.depts[deptExtID]; ok {
				targetParentDN = rec.DN
				break
			}
		}
		desiredDN := "uid=" + ldap.EscapeDNValue(user.ExtID) + "," + targetParentDN
		attrs := userAttributes(user, kind)

		entry, exists := userIndex[user.ExtID]
		if !exists {
			err := r.dir.AddUser(desiredDN, attrs)
			if err != nil {
				r.mutationError(ctx, err)
				continue
			}
			r.record(ctx, core.ObjectTypeUser, core.ActionCreate, user.ExtID, user.Name,
				nil, map[string]string{"dn": desiredDN}, "created user")
			continue
		}

		changed := changedUserAttributes(entry, attrs)
		dnChanged := entry.DN != desiredDN
		if len(changed) > 0 {
			r.record(ctx, core.ObjectTypeUser, core.ActionUpdate, user.ExtID, user.Name,
				oldValues(entry, changed), newValues(changed), "updated user attributes")
		}
		if dnChanged {
			r.record(ctx, core.ObjectTypeUser, core.ActionMove, user.ExtID, user.Name,
				map[string]string{"dn": entry.DN}, map[string]string{"dn": desiredDN}, "moved user")
		}

		targetDN := entry.DN
		if dnChanged {
			err := r.dir.MoveObject(entry.DN, desiredDN)
			if err != nil {
				// modify in place at the pre-run DN
				r.mutationError(ctx, err)
			} else {
				targetDN = desiredDN
			}
		}
		if len(changed) > 0 || targetDN != entry.DN {
			err := r.dir.ModifyAttributes(targetDN, changed)
			if err != nil {
				r.mutationError(ctx, err)
			}
		}
	}
	return nil
}

// userAttributes builds the desired LDAP attributes of a user.
func userAttributes(user core.User, kind core.ProviderKind) map[string][]string {
	attrs := map[string][]string{
		"uid":            {user.ExtID},
		"cn":             {user.Name},
		"sn":             {user.Name},
		"employeeNumber": {user.ExtID},
		"description":    {kind.UserTag(user.ExtID)},
	}
	if user.Email != "" {
		attrs["mail"] = []string{user.Email}
	}
	if user.Mobile != "" {
		attrs["telephoneNumber"] = []string{user.Mobile}
	}
	return attrs
}

// resolveUserExtID recovers the upstream ext_id from an existing LDAP entry,
// trying the userid attribute, then employeeNumber, then the uid (minus the
// provider prefix that early revisions wrote).
func resolveUserExtID(entry ldap.Entry) string {
	if id := entry.GetAttributeValue("userid"); id != "" {
		return id
	}
	if num := entry.GetAttributeValue("employeeNumber"); num != "" {
		return num
	}
	if uid := entry.GetAttributeValue("uid"); uid != "" {
		return core.ExtIDFromUID(uid)
	}
	return ""
}

// changedUserAttributes returns the subset of desired attributes whose values
// differ from the existing entry. The uid is excluded: it is the RDN and only
// changes through a move.
func changedUserAttributes(entry ldap.Entry, desired map[string][]string) map[string][]string {
	changed := make(map[string][]string)
	for name, values := range desired {
		if name == "uid" {
			continue
		}
		current := entry.Attributes[name]
		if !equalValues(current, values) {
			changed[name] = values
		}
	}
	return changed
}

func equalValues(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for idx := range a {
		if a[idx] != b[idx] {
			return false
		}
	}
	return true
}

func oldValues(entry ldap.Entry, changed map[string][]string) map[string]string {
	result := make(map[string]string, len(changed))
	for name := range changed {
		result[name] = entry.GetAttributeValue(name)
	}
	return result
}

func newValues(changed map[string][]string) map[string]string {
	result := make(map[string]string, len(changed))
	for name, values := range changed {
		if len(values) > 0 {
			result[name] = values[0]
		}
	}
	return result
}

// parentDN strips the leading RDN off a DN.
func parentDN(dn string) string {
	_, parent, _ := strings.Cut(dn, ",")
	return parent
}
