/*******************************************************************************
* Copyright 2025 CloudOA Authors
* SPDX-License-Identifier: GPL-3.0-only
*******************************************************************************/

package ldap

import (
	"fmt"
	"sort"
	"strings"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/sapcc/go-bits/logg"
)

// Entry is a simplified view of an LDAP object, as returned by the search
// methods on type Client.
type Entry struct {
	DN         string
	Attributes map[string][]string
}

// GetAttributeValue returns the first value of the named attribute, or the
// empty string.
func (e Entry) GetAttributeValue(name string) string {
	vals := e.Attributes[name]
	if len(vals) == 0 {
		return ""
	}
	return vals[0]
}

// userObjectClassCascade lists the object class combinations that AddUser
// tries in order, from richest to most minimal. Directory servers differ in
// which schemas they load, so we walk down the list until one combination is
// accepted.
var userObjectClassCascade = [][]string{
	{"top", "person", "organizationalPerson", "inetOrgPerson"},
	{"top", "organizationalPerson", "inetOrgPerson"},
	{"top", "inetOrgPerson"},
	{"top", "person", "organizationalPerson"},
	{"top", "organizationalPerson"},
	{"top", "person"},
	{"top", "account"},
	{"posixAccount"},
	{"top", "simpleSecurityObject"},
}

// accountAttributes are outside the account object class's schema. They are
// stripped from add requests for the account combination; posixAccount on the
// other hand requires cn, so the other fallbacks keep it.
var accountAttributes = map[string]bool{
	"cn": true,
	"sn": true,
}

func hasAccountClass(classes []string) bool {
	for _, c := range classes {
		if c == "account" {
			return true
		}
	}
	return false
}

// Client provides the directory operations that the sync engine needs,
// on top of a bound Connection.
type Client struct {
	conn Connection
}

// NewClient wraps an existing connection. Most callers use Connect() from
// this package to obtain the connection.
func NewClient(conn Connection) *Client {
	return &Client{conn: conn}
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Exists checks whether an object with the given DN exists.
func (c *Client) Exists(dn string) (bool, error) {
	req := goldap.NewSearchRequest(dn,
		goldap.ScopeBaseObject, goldap.NeverDerefAliases, 1, 0, false,
		"(objectClass=*)", []string{"1.1"}, nil)
	res, err := c.conn.Search(*req)
	if err != nil {
		if goldap.IsErrorWithCode(err, goldap.LDAPResultNoSuchObject) {
			return false, nil
		}
		return false, fmt.Errorf("cannot check existence of %s: %w", dn, err)
	}
	return len(res.Entries) > 0, nil
}

// EnsureOU creates an organizationalUnit at the given DN if it does not exist
// yet. The parent of the DN must already exist.
func (c *Client) EnsureOU(dn string) error {
	exists, err := c.Exists(dn)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	name, _, err := splitDN(dn)
	if err != nil {
		return err
	}
	req := goldap.NewAddRequest(dn, nil)
	req.Attribute("objectClass", []string{"top", "organizationalUnit"})
	req.Attribute("ou", []string{name})
	err = c.conn.Add(*req)
	if err != nil && !goldap.IsErrorWithCode(err, goldap.LDAPResultEntryAlreadyExists) {
		return fmt.Errorf("cannot create OU %s: %w", dn, err)
	}
	return nil
}

// AddObject creates an object with the given classes and attributes. An
// existing object at the DN is an error: the caller decides whether adopting
// the entry by modifying it in place is safe.
func (c *Client) AddObject(dn string, objectClasses []string, attrs map[string][]string) error {
	req := goldap.NewAddRequest(dn, nil)
	req.Attribute("objectClass", objectClasses)
	for _, name := range sortedKeys(attrs) {
		if name == "objectClass" {
			continue
		}
		req.Attribute(name, attrs[name])
	}

	err := c.conn.Add(*req)
	if err != nil {
		return fmt.Errorf("cannot create LDAP object %s: %w", dn, err)
	}
	return nil
}

// AddUser creates a user object, walking down the object class cascade until
// the directory accepts one combination. For the account combination, the
// attributes its schema does not allow are stripped from the request. If the
// object already exists, its attributes are updated in place instead.
func (c *Client) AddUser(dn string, attrs map[string][]string) error {
	var lastErr error
	for _, classes := range userObjectClassCascade {
		req := goldap.NewAddRequest(dn, nil)
		req.Attribute("objectClass", classes)
		isAccount := hasAccountClass(classes)
		for _, name := range sortedKeys(attrs) {
			if name == "objectClass" {
				continue
			}
			if isAccount && accountAttributes[name] {
				continue
			}
			req.Attribute(name, attrs[name])
		}

		err := c.conn.Add(*req)
		if err == nil {
			return nil
		}
		if goldap.IsErrorWithCode(err, goldap.LDAPResultEntryAlreadyExists) {
			return c.ModifyAttributes(dn, attrs)
		}
		lastErr = err
	}
	return fmt.Errorf("cannot create LDAP user %s with any object class combination: %w", dn, lastErr)
}

// ModifyAttributes replaces the given attributes on an existing object. The
// objectClass attribute is never touched: changing the structural class of an
// existing object is rejected by most servers.
func (c *Client) ModifyAttributes(dn string, attrs map[string][]string) error {
	req := goldap.NewModifyRequest(dn, nil)
	touched := false
	for _, name := range sortedKeys(attrs) {
		if name == "objectClass" {
			continue
		}
		req.Replace(name, attrs[name])
		touched = true
	}
	if !touched {
		return nil
	}
	err := c.conn.Modify(*req)
	if err != nil {
		return fmt.Errorf("cannot update LDAP object %s: %w", dn, err)
	}
	return nil
}

// DeleteObject removes the object with the given DN.
func (c *Client) DeleteObject(dn string) error {
	err := c.conn.Delete(*goldap.NewDelRequest(dn, nil))
	if err != nil {
		return fmt.Errorf("cannot delete LDAP object %s: %w", dn, err)
	}
	return nil
}

// MoveObject relocates an object to a new DN, preserving the object itself
// (and thus references to it) where the server allows. A plain rename is
// tried first; if the server refuses the subtree rename (OpenLDAP does so for
// non-leaf entries, by default), the object and its children are copied to
// the new location and the old subtree is deleted.
func (c *Client) MoveObject(oldDN, newDN string) error {
	if oldDN == newDN {
		return nil
	}
	_, oldParent, err := splitDN(oldDN)
	if err != nil {
		return err
	}
	_, newParent, err := splitDN(newDN)
	if err != nil {
		return err
	}

	req := goldap.NewModifyDNRequest(oldDN, firstDNComponent(newDN), true, "")
	if oldParent != newParent {
		req.NewSuperior = newParent
	}
	err = c.conn.ModifyDN(*req)
	if err == nil {
		return nil
	}
	logg.Info("rename of %s to %s failed (%s), falling back to copy and delete", oldDN, newDN, err.Error())
	return c.copyMove(oldDN, newDN)
}

// copyMove implements the copy-then-delete fallback for MoveObject. Children
// are moved recursively. A failure to delete the source is tolerated: the
// copy already exists at the destination, so the move has succeeded from the
// reconciler's point of view; the old entry stays behind as an unmanaged
// duplicate.
func (c *Client) copyMove(oldDN, newDN string) error {
	entry, err := c.getObject(oldDN)
	if err != nil {
		return fmt.Errorf("cannot read %s for moving: %w", oldDN, err)
	}
	exists, err := c.Exists(newDN)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("cannot move %s to %s: destination already exists", oldDN, newDN)
	}

	attrs := make(map[string][]string, len(entry.Attributes))
	var objectClasses []string
	for name, vals := range entry.Attributes {
		if strings.EqualFold(name, "objectClass") {
			objectClasses = vals
			continue
		}
		attrs[name] = vals
	}
	// the RDN attribute must match the new RDN value
	rdnAttr, rdnValue, _ := strings.Cut(firstDNComponent(newDN), "=")
	attrs[rdnAttr] = []string{rdnValue}

	req := goldap.NewAddRequest(newDN, nil)
	req.Attribute("objectClass", objectClasses)
	for _, name := range sortedKeys(attrs) {
		req.Attribute(name, attrs[name])
	}
	err = c.conn.Add(*req)
	if err != nil {
		return fmt.Errorf("cannot copy %s to %s: %w", oldDN, newDN, err)
	}

	children, err := c.searchLevel(oldDN)
	if err != nil {
		return fmt.Errorf("cannot list children of %s: %w", oldDN, err)
	}
	for _, child := range children {
		childNewDN := firstDNComponent(child.DN) + "," + newDN
		err := c.MoveObject(child.DN, childNewDN)
		if err != nil {
			logg.Error("while moving %s to %s: %s", oldDN, newDN, err.Error())
		}
	}

	err = c.DeleteObject(oldDN)
	if err != nil {
		logg.Error("stale source left behind after move of %s to %s: %s", oldDN, newDN, err.Error())
	}
	return nil
}

// SearchSubtree returns all entries below (and including) the given base DN
// that match the filter. A missing base DN yields an empty result, not an
// error.
func (c *Client) SearchSubtree(baseDN, filter string, attributes ...string) ([]Entry, error) {
	req := goldap.NewSearchRequest(baseDN,
		goldap.ScopeWholeSubtree, goldap.NeverDerefAliases, 0, 0, false,
		filter, attributes, nil)
	res, err := c.conn.Search(*req)
	if err != nil {
		if goldap.IsErrorWithCode(err, goldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		return nil, fmt.Errorf("cannot search below %s with filter %s: %w", baseDN, filter, err)
	}
	return convertEntries(res.Entries), nil
}

// SearchUserByUID returns the DN of the user entry with the given uid below
// baseDN, or the empty string if there is none.
func (c *Client) SearchUserByUID(baseDN, uid string) (string, error) {
	filter := fmt.Sprintf("(uid=%s)", goldap.EscapeFilter(uid))
	entries, err := c.SearchSubtree(baseDN, filter, "1.1")
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	return entries[0].DN, nil
}

// FindDepartmentByTag returns the DN of the organizationalUnit below baseDN
// whose description carries the given identity tag, or the empty string if
// there is none.
func (c *Client) FindDepartmentByTag(baseDN, tag string) (string, error) {
	filter := fmt.Sprintf("(&(objectClass=organizationalUnit)(description=%s))", goldap.EscapeFilter(tag))
	entries, err := c.SearchSubtree(baseDN, filter, "1.1")
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", nil
	}
	return entries[0].DN, nil
}

// SearchTaggedDepartments returns all organizationalUnits below baseDN whose
// description starts with the given identity tag prefix.
func (c *Client) SearchTaggedDepartments(baseDN, tagPrefix string) ([]Entry, error) {
	filter := fmt.Sprintf("(&(objectClass=organizationalUnit)(description=%s*))", goldap.EscapeFilter(tagPrefix))
	return c.SearchSubtree(baseDN, filter, "ou", "description")
}

// SearchTaggedUsers returns all person entries below baseDN whose description
// contains the given identity tag prefix.
func (c *Client) SearchTaggedUsers(baseDN, tagPrefix string) ([]Entry, error) {
	filter := fmt.Sprintf("(&(objectClass=person)(description=*%s*))", goldap.EscapeFilter(tagPrefix))
	return c.SearchSubtree(baseDN, filter, "uid", "cn", "sn", "mail", "telephoneNumber", "employeeNumber", "userid", "description")
}

// EscapeDNValue escapes an attribute value for use as part of a DN.
func EscapeDNValue(value string) string {
	return goldap.EscapeDN(value)
}

// getObject reads a single object with all its attributes.
func (c *Client) getObject(dn string) (Entry, error) {
	req := goldap.NewSearchRequest(dn,
		goldap.ScopeBaseObject, goldap.NeverDerefAliases, 1, 0, false,
		"(objectClass=*)", []string{"*"}, nil)
	res, err := c.conn.Search(*req)
	if err != nil {
		return Entry{}, err
	}
	if len(res.Entries) == 0 {
		return Entry{}, fmt.Errorf("no such object: %s", dn)
	}
	return convertEntries(res.Entries)[0], nil
}

// searchLevel lists the direct children of the given DN.
func (c *Client) searchLevel(dn string) ([]Entry, error) {
	req := goldap.NewSearchRequest(dn,
		goldap.ScopeSingleLevel, goldap.NeverDerefAliases, 0, 0, false,
		"(objectClass=*)", []string{"1.1"}, nil)
	res, err := c.conn.Search(*req)
	if err != nil {
		if goldap.IsErrorWithCode(err, goldap.LDAPResultNoSuchObject) {
			return nil, nil
		}
		return nil, err
	}
	return convertEntries(res.Entries), nil
}

func convertEntries(in []*goldap.Entry) []Entry {
	out := make([]Entry, len(in))
	for idx, e := range in {
		attrs := make(map[string][]string, len(e.Attributes))
		for _, a := range e.Attributes {
			attrs[a.Name] = a.Values
		}
		out[idx] = Entry{DN: e.DN, Attributes: attrs}
	}
	return out
}

// splitDN splits a DN into the value of its first RDN and the parent DN.
func splitDN(dn string) (rdnValue, parentDN string, err error) {
	rdn, parent, ok := strings.Cut(dn, ",")
	if !ok {
		return "", "", fmt.Errorf("malformed DN: %s", dn)
	}
	_, value, ok := strings.Cut(rdn, "=")
	if !ok {
		return "", "", fmt.Errorf("malformed RDN in DN: %s", dn)
	}
	return value, parent, nil
}

// firstDNComponent returns the leading RDN of a DN, e.g. "ou=Sales" for
// "ou=Sales,dc=example,dc=org".
func firstDNComponent(dn string) string {
	rdn, _, _ := strings.Cut(dn, ",")
	return rdn
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
