/*******************************************************************************
* Copyright 2025 CloudOA Authors
* SPDX-License-Identifier: GPL-3.0-only
*******************************************************************************/

package core

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestProviderTags(t *testing.T) {
	assert.Equal(t, "企业微信部门ID: 42", ProviderWeCom.DepartmentTag("42"))
	assert.Equal(t, "飞书部门ID: od-abc", ProviderFeishu.DepartmentTag("od-abc"))
	assert.Equal(t, "钉钉部门ID: 17", ProviderDingTalk.DepartmentTag("17"))

	assert.Equal(t, "企业微信用户，用户ID：zhangsan", ProviderWeCom.UserTag("zhangsan"))
	assert.Equal(t, "飞书用户，用户ID：ou-123", ProviderFeishu.UserTag("ou-123"))
	assert.Equal(t, "钉钉用户，用户ID：0836xx", ProviderDingTalk.UserTag("0836xx"))
}

func TestExtIDFromUID(t *testing.T) {
	// current trees carry the bare ext id
	assert.Equal(t, "0836xx", ExtIDFromUID("0836xx"))
	// older trees carried a provider prefix
	assert.Equal(t, "0836xx", ExtIDFromUID("dingtalk_0836xx"))
	assert.Equal(t, "zhangsan", ExtIDFromUID("wecom_zhangsan"))
}

func TestProviderKindValid(t *testing.T) {
	for _, kind := range AllProviderKinds {
		assert.True(t, kind.Valid())
	}
	assert.False(t, ProviderKind("ad").Valid())
}

func TestSortDepartmentsForSync(t *testing.T) {
	t.Run("parents precede children", func(t *testing.T) {
		input := []Department{
			{ExtID: "3", Name: "c", ParentExtID: "2"},
			{ExtID: "1", Name: "a", ParentExtID: ""},
			{ExtID: "2", Name: "b", ParentExtID: "1"},
		}
		sorted := SortDepartmentsForSync(input)
		assert.Equal(t, []string{"1", "2", "3"}, extIDs(sorted))
	})

	t.Run("child with smaller id than parent", func(t *testing.T) {
		input := []Department{
			{ExtID: "1", ParentExtID: "9"},
			{ExtID: "9", ParentExtID: ""},
		}
		sorted := SortDepartmentsForSync(input)
		assert.Equal(t, []string{"9", "1"}, extIDs(sorted))
	})

	t.Run("dangling parent is treated as root", func(t *testing.T) {
		input := []Department{
			{ExtID: "5", ParentExtID: "404"},
			{ExtID: "2", ParentExtID: ""},
		}
		sorted := SortDepartmentsForSync(input)
		assert.Equal(t, []string{"2", "5"}, extIDs(sorted))
	})

	t.Run("cycle members end up at the tail", func(t *testing.T) {
		input := []Department{
			{ExtID: "b", ParentExtID: "a"},
			{ExtID: "a", ParentExtID: "b"},
			{ExtID: "1", ParentExtID: ""},
		}
		sorted := SortDepartmentsForSync(input)
		assert.Equal(t, []string{"1", "a", "b"}, extIDs(sorted))
	})

	t.Run("ties break by ascending ext id", func(t *testing.T) {
		input := []Department{
			{ExtID: "20", ParentExtID: ""},
			{ExtID: "10", ParentExtID: ""},
			{ExtID: "11", ParentExtID: "10"},
			{ExtID: "12", ParentExtID: "10"},
		}
		sorted := SortDepartmentsForSync(input)
		assert.Equal(t, []string{"10", "11", "12", "20"}, extIDs(sorted))
	})

	t.Run("input is not mutated", func(t *testing.T) {
		input := []Department{
			{ExtID: "2", ParentExtID: "1"},
			{ExtID: "1", ParentExtID: ""},
		}
		_ = SortDepartmentsForSync(input)
		assert.Equal(t, "2", input[0].ExtID)
	})
}

func extIDs(depts []Department) []string {
	ids := make([]string, len(depts))
	for idx, d := range depts {
		ids[idx] = d.ExtID
	}
	return ids
}

func TestSyncConfigValidate(t *testing.T) {
	valid := SyncConfig{
		ID:              uuid.New(),
		Name:            "hq",
		ProviderKind:    ProviderWeCom,
		LDAPConfigID:    uuid.New(),
		SyncUsers:       true,
		SyncDepartments: true,
		UserOU:          "people",
		DepartmentOU:    "departments",
		Frequency:       FrequencyDaily,
		Enabled:         true,
	}
	assert.NoError(t, valid.Validate())

	broken := valid
	broken.ProviderKind = "ad"
	assert.ErrorContains(t, broken.Validate(), "unknown provider kind")

	broken = valid
	broken.Frequency = "biweekly"
	assert.ErrorContains(t, broken.Validate(), "unknown frequency")

	broken = valid
	broken.UserOU = ""
	assert.ErrorContains(t, broken.Validate(), "user_ou is empty")

	broken = valid
	broken.DepartmentOU = ""
	assert.ErrorContains(t, broken.Validate(), "department_ou is empty")
}

func TestLDAPConfigValidate(t *testing.T) {
	valid := LDAPConfig{
		ID:        uuid.New(),
		ServerURI: "ldap://ldap.example.org:389",
		BindDN:    "cn=admin,dc=example,dc=org",
		BaseDN:    "dc=example,dc=org",
	}
	assert.NoError(t, valid.Validate())

	broken := valid
	broken.ServerURI = ""
	assert.ErrorContains(t, broken.Validate(), "server_uri is missing")
}

func TestSortDepartmentsTieBreakWithMixedRoots(t *testing.T) {
	// the ordering is stable across runs for identical input
	input := []Department{
		{ExtID: "7", ParentExtID: "3"},
		{ExtID: "3", ParentExtID: ""},
		{ExtID: "5", ParentExtID: "3"},
		{ExtID: "4", ParentExtID: ""},
	}
	first := extIDs(SortDepartmentsForSync(input))
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, extIDs(SortDepartmentsForSync(input)))
	}
	assert.Equal(t, []string{"3", "4", "5", "7"}, first)
}
