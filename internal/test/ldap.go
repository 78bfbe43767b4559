/*******************************************************************************
* Copyright 2025 CloudOA Authors
* SPDX-License-Identifier: GPL-3.0-only
*******************************************************************************/

package test

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	goldap "github.com/go-ldap/ldap/v3"
)

// LDAPObject is one entry held by LDAPConnectionDouble.
type LDAPObject struct {
	DN         string
	Attributes map[string][]string
}

// LDAPConnectionDouble is a test double for the ldap.Connection interface.
// Unlike a request-matching mock, it maintains an actual tree of objects, so
// that search-driven logic (existence checks, identity tag scans, the object
// class cascade) can be exercised against realistic server behavior.
type LDAPConnectionDouble struct {
	objects map[string]LDAPObject

	// RejectedObjectClasses simulates a server with missing schemas: add
	// requests whose objectClass set (comma-joined) appears here fail with
	// ObjectClassViolation.
	RejectedObjectClasses map[string]bool
	// RefuseRename simulates a server that rejects modifyDN, forcing the
	// copy-then-delete fallback.
	RefuseRename bool
	// FailDeleteDNs lists DNs whose deletion fails with UnwillingToPerform.
	FailDeleteDNs map[string]bool

	Closed bool
}

// NewLDAPConnectionDouble builds an LDAPConnectionDouble.
func NewLDAPConnectionDouble() *LDAPConnectionDouble {
	return &LDAPConnectionDouble{
		objects:               make(map[string]LDAPObject),
		RejectedObjectClasses: make(map[string]bool),
		FailDeleteDNs:         make(map[string]bool),
	}
}

// AddObject seeds an entry directly, bypassing the request path.
func (d *LDAPConnectionDouble) AddObject(obj LDAPObject) {
	d.objects[obj.DN] = obj
}

// GetObject returns the entry with the given DN, if any.
func (d *LDAPConnectionDouble) GetObject(dn string) (LDAPObject, bool) {
	obj, ok := d.objects[dn]
	return obj, ok
}

// HasObject reports whether an entry with the given DN exists.
func (d *LDAPConnectionDouble) HasObject(dn string) bool {
	_, ok := d.objects[dn]
	return ok
}

// ObjectCount returns the number of entries in the tree.
func (d *LDAPConnectionDouble) ObjectCount() int {
	return len(d.objects)
}

// Add implements the ldap.Connection interface.
func (d *LDAPConnectionDouble) Add(req goldap.AddRequest) error {
	if _, exists := d.objects[req.DN]; exists {
		return ldapError(goldap.LDAPResultEntryAlreadyExists)
	}
	if _, parent, ok := strings.Cut(req.DN, ","); ok {
		if _, exists := d.objects[parent]; !exists {
			return ldapError(goldap.LDAPResultNoSuchObject)
		}
	}
	attrs := make(map[string][]string, len(req.Attributes))
	for _, a := range req.Attributes {
		attrs[a.Type] = append([]string(nil), a.Vals...)
	}
	if d.RejectedObjectClasses[strings.Join(attrs["objectClass"], ",")] {
		return ldapError(goldap.LDAPResultObjectClassViolation)
	}
	d.objects[req.DN] = LDAPObject{DN: req.DN, Attributes: attrs}
	return nil
}

// Modify implements the ldap.Connection interface.
func (d *LDAPConnectionDouble) Modify(req goldap.ModifyRequest) error {
	obj, exists := d.objects[req.DN]
	if !exists {
		return ldapError(goldap.LDAPResultNoSuchObject)
	}
	for _, change := range req.Changes {
		switch change.Operation {
		case goldap.ReplaceAttribute:
			obj.Attributes[change.Modification.Type] = append([]string(nil), change.Modification.Vals...)
		case goldap.AddAttribute:
			obj.Attributes[change.Modification.Type] = append(obj.Attributes[change.Modification.Type], change.Modification.Vals...)
		case goldap.DeleteAttribute:
			delete(obj.Attributes, change.Modification.Type)
		}
	}
	d.objects[req.DN] = obj
	return nil
}

// ModifyDN implements the ldap.Connection interface.
func (d *LDAPConnectionDouble) ModifyDN(req goldap.ModifyDNRequest) error {
	obj, exists := d.objects[req.DN]
	if !exists {
		return ldapError(goldap.LDAPResultNoSuchObject)
	}
	if d.RefuseRename {
		return ldapError(goldap.LDAPResultUnwillingToPerform)
	}
	parent := req.NewSuperior
	if parent == "" {
		_, parent, _ = strings.Cut(req.DN, ",")
	}
	newDN := req.NewRDN + "," + parent
	if _, exists := d.objects[newDN]; exists {
		return ldapError(goldap.LDAPResultEntryAlreadyExists)
	}

	attrName, attrValue, _ := strings.Cut(req.NewRDN, "=")
	obj.Attributes[attrName] = []string{attrValue}
	obj.DN = newDN
	delete(d.objects, req.DN)
	d.objects[newDN] = obj

	// relocate the subtree below the renamed entry
	oldSuffix := "," + req.DN
	for dn, child := range d.objects {
		if strings.HasSuffix(dn, oldSuffix) {
			childNewDN := strings.TrimSuffix(dn, oldSuffix) + "," + newDN
			child.DN = childNewDN
			delete(d.objects, dn)
			d.objects[childNewDN] = child
		}
	}
	return nil
}

// Delete implements the ldap.Connection interface.
func (d *LDAPConnectionDouble) Delete(req goldap.DelRequest) error {
	if _, exists := d.objects[req.DN]; !exists {
		return ldapError(goldap.LDAPResultNoSuchObject)
	}
	if d.FailDeleteDNs[req.DN] {
		return ldapError(goldap.LDAPResultUnwillingToPerform)
	}
	delete(d.objects, req.DN)
	return nil
}

// Search implements the ldap.Connection interface.
func (d *LDAPConnectionDouble) Search(req goldap.SearchRequest) (*goldap.SearchResult, error) {
	if _, exists := d.objects[req.BaseDN]; !exists {
		return nil, ldapError(goldap.LDAPResultNoSuchObject)
	}

	var dns []string
	for dn := range d.objects {
		switch req.Scope {
		case goldap.ScopeBaseObject:
			if dn != req.BaseDN {
				continue
			}
		case goldap.ScopeSingleLevel:
			rest, found := strings.CutSuffix(dn, ","+req.BaseDN)
			if !found || strings.Contains(rest, ",") {
				continue
			}
		default:
			if dn != req.BaseDN && !strings.HasSuffix(dn, ","+req.BaseDN) {
				continue
			}
		}
		if matchesFilter(d.objects[dn], req.Filter) {
			dns = append(dns, dn)
		}
	}
	sort.Strings(dns)

	result := &goldap.SearchResult{}
	for _, dn := range dns {
		obj := d.objects[dn]
		entry := &goldap.Entry{DN: dn}
		for _, name := range sortedAttributeNames(obj.Attributes) {
			entry.Attributes = append(entry.Attributes, &goldap.EntryAttribute{
				Name:   name,
				Values: obj.Attributes[name],
			})
		}
		result.Entries = append(result.Entries, entry)
	}
	return result, nil
}

// Close implements the ldap.Connection interface.
func (d *LDAPConnectionDouble) Close() error {
	d.Closed = true
	return nil
}

func sortedAttributeNames(attrs map[string][]string) []string {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func ldapError(code uint16) error {
	return goldap.NewError(code, fmt.Errorf("simulated LDAP result code %d", code))
}

// matchesFilter evaluates the small filter dialect that the sync code
// generates: "(attr=value)" with optional leading/trailing wildcards, and
// conjunctions "(&(...)(...))" thereof.
func matchesFilter(obj LDAPObject, filter string) bool {
	filter = strings.TrimSpace(filter)
	if !strings.HasPrefix(filter, "(") || !strings.HasSuffix(filter, ")") {
		return false
	}
	inner := filter[1 : len(filter)-1]

	if strings.HasPrefix(inner, "&") {
		for _, sub := range splitFilterConjunction(inner[1:]) {
			if !matchesFilter(obj, sub) {
				return false
			}
		}
		return true
	}

	attr, pattern, ok := strings.Cut(inner, "=")
	if !ok {
		return false
	}
	values := attributeValuesFold(obj, attr)
	if pattern == "*" {
		return len(values) > 0
	}

	// escaped stars (\2a) survive this because only raw stars are wildcards
	prefix := strings.TrimPrefix(pattern, "*")
	hasLeadingStar := prefix != pattern
	rawCore := strings.TrimSuffix(prefix, "*")
	hasTrailingStar := rawCore != prefix
	core := unescapeFilterValue(rawCore)

	for _, v := range values {
		switch {
		case hasLeadingStar && hasTrailingStar:
			if strings.Contains(v, core) {
				return true
			}
		case hasTrailingStar:
			if strings.HasPrefix(v, core) {
				return true
			}
		case hasLeadingStar:
			if strings.HasSuffix(v, core) {
				return true
			}
		default:
			if v == core {
				return true
			}
		}
	}
	return false
}

func attributeValuesFold(obj LDAPObject, attr string) []string {
	for name, values := range obj.Attributes {
		if strings.EqualFold(name, attr) {
			return values
		}
	}
	return nil
}

func splitFilterConjunction(s string) []string {
	var parts []string
	depth := 0
	start := 0
	for idx, r := range s {
		switch r {
		case '(':
			if depth == 0 {
				start = idx
			}
			depth++
		case ')':
			depth--
			if depth == 0 {
				parts = append(parts, s[start:idx+1])
			}
		}
	}
	return parts
}

// unescapeFilterValue reverses goldap.EscapeFilter, which hex-escapes
// non-ASCII bytes and filter metacharacters.
func unescapeFilterValue(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+3 <= len(s) {
			if n, err := strconv.ParseUint(s[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(n))
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
