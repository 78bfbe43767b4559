/*******************************************************************************
* Copyright 2025 CloudOA Authors
* SPDX-License-Identifier: GPL-3.0-only
*******************************************************************************/

package ldap

import (
	"fmt"
	"strings"
	"time"

	goldap "github.com/go-ldap/ldap/v3"
	"github.com/sapcc/go-bits/logg"

	"github.com/cloudoa/dirsync/internal/core"
)

// Connection is an abstract interface for a bound connection to an LDAP
// server. It is used by type Client to inspect and effect changes in the LDAP
// database. In tests, this interface's real implementation can be swapped for
// a double.
type Connection interface {
	Search(goldap.SearchRequest) (*goldap.SearchResult, error)
	Add(goldap.AddRequest) error
	Modify(goldap.ModifyRequest) error
	ModifyDN(goldap.ModifyDNRequest) error
	Delete(goldap.DelRequest) error
	Close() error
}

// opTimeout bounds each individual operation on a live connection.
const opTimeout = 30 * time.Second

type connectionImpl struct {
	conn *goldap.Conn
}

// Connect establishes a connection to the LDAP server described by cfg and
// binds with its service credentials.
func Connect(cfg core.LDAPConfig) (Connection, error) {
	uri := cfg.ServerURI
	if !strings.Contains(uri, "://") {
		scheme := "ldap"
		if cfg.UseSSL {
			scheme = "ldaps"
		}
		uri = scheme + "://" + uri
	}

	conn, err := goldap.DialURL(uri)
	if err != nil {
		return nil, fmt.Errorf("cannot connect to LDAP server %s: %w", uri, err)
	}
	conn.SetTimeout(opTimeout)

	err = conn.Bind(cfg.BindDN, cfg.BindPassword)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("cannot bind to LDAP server %s as %s: %w", uri, cfg.BindDN, err)
	}

	logg.Info("connected to LDAP server %s", uri)
	return &connectionImpl{conn}, nil
}

// Search implements the Connection interface.
func (c *connectionImpl) Search(req goldap.SearchRequest) (*goldap.SearchResult, error) {
	return c.conn.Search(&req)
}

// Add implements the Connection interface.
func (c *connectionImpl) Add(req goldap.AddRequest) error {
	err := c.conn.Add(&req)
	if err == nil {
		logg.Info("LDAP object %s created", req.DN)
	}
	return err
}

// Modify implements the Connection interface.
func (c *connectionImpl) Modify(req goldap.ModifyRequest) error {
	err := c.conn.Modify(&req)
	if err == nil {
		logg.Info("LDAP object %s updated", req.DN)
	}
	return err
}

// ModifyDN implements the Connection interface.
func (c *connectionImpl) ModifyDN(req goldap.ModifyDNRequest) error {
	err := c.conn.ModifyDN(&req)
	if err == nil {
		logg.Info("LDAP object %s renamed to %s below %s", req.DN, req.NewRDN, req.NewSuperior)
	}
	return err
}

// Delete implements the Connection interface.
func (c *connectionImpl) Delete(req goldap.DelRequest) error {
	err := c.conn.Del(&req)
	if err == nil {
		logg.Info("LDAP object %s deleted", req.DN)
	}
	return err
}

// Close implements the Connection interface.
func (c *connectionImpl) Close() error {
	return c.conn.Close()
}
