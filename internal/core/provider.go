/*******************************************************************************
* Copyright 2025 CloudOA Authors
* SPDX-License-Identifier: GPL-3.0-only
*******************************************************************************/

package core

import "strings"

// ProviderKind identifies an upstream identity provider.
type ProviderKind string

const (
	// ProviderWeCom is WeCom (企业微信).
	ProviderWeCom ProviderKind = "wecom"
	// ProviderFeishu is Feishu/Lark (飞书).
	ProviderFeishu ProviderKind = "feishu"
	// ProviderDingTalk is DingTalk (钉钉).
	ProviderDingTalk ProviderKind = "dingtalk"
)

// AllProviderKinds lists every supported provider.
var AllProviderKinds = []ProviderKind{ProviderWeCom, ProviderFeishu, ProviderDingTalk}

// Valid reports whether k names a supported provider.
func (k ProviderKind) Valid() bool {
	switch k {
	case ProviderWeCom, ProviderFeishu, ProviderDingTalk:
		return true
	default:
		return false
	}
}

// Label returns the provider's display name. The labels are embedded in the
// identity tags written to LDAP, so they must never change for an existing
// provider: a changed label would orphan every object synced before the
// change.
func (k ProviderKind) Label() string {
	switch k {
	case ProviderWeCom:
		return "企业微信"
	case ProviderFeishu:
		return "飞书"
	case ProviderDingTalk:
		return "钉钉"
	default:
		return string(k)
	}
}

// DepartmentTagPrefix returns the description prefix shared by all
// departments synced from this provider.
func (k ProviderKind) DepartmentTagPrefix() string {
	return k.Label() + "部门ID: "
}

// DepartmentTag returns the identity tag written into the description
// attribute of a synced department.
func (k ProviderKind) DepartmentTag(extID string) string {
	return k.DepartmentTagPrefix() + extID
}

// UserTagPrefix returns the description prefix shared by all users synced
// from this provider.
func (k ProviderKind) UserTagPrefix() string {
	return k.Label() + "用户"
}

// UserTag returns the identity tag written into the description attribute of
// a synced user.
func (k ProviderKind) UserTag(extID string) string {
	return k.UserTagPrefix() + "，用户ID：" + extID
}

// ExtIDFromUID recovers an upstream ext_id from a uid attribute value.
// Trees written by earlier revisions prefixed the uid with the provider name
// ("dingtalk_0836xx"); current revisions write the bare ext_id.
func ExtIDFromUID(uid string) string {
	if idx := strings.Index(uid, "_"); idx >= 0 {
		return uid[idx+1:]
	}
	return uid
}

// ProviderSettings holds the credentials and flags for one provider tenant.
// Field usage varies by provider: WeCom uses CorpID/AgentID/Secret, Feishu
// uses AppID/AppSecret, DingTalk uses ClientID/ClientSecret (plus an
// optional AppID).
type ProviderSettings struct {
	Kind        ProviderKind `json:"kind" db:"kind"`
	Enabled     bool         `json:"enabled" db:"enabled"`
	SyncEnabled bool         `json:"sync_enabled" db:"sync_enabled"`

	CorpID       string `json:"corp_id,omitempty" db:"corp_id"`
	AgentID      string `json:"agent_id,omitempty" db:"agent_id"`
	Secret       string `json:"secret,omitempty" db:"secret"`
	AppID        string `json:"app_id,omitempty" db:"app_id"`
	AppSecret    string `json:"app_secret,omitempty" db:"app_secret"`
	ClientID     string `json:"client_id,omitempty" db:"client_id"`
	ClientSecret string `json:"client_secret,omitempty" db:"client_secret"`
}
