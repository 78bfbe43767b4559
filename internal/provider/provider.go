/*******************************************************************************
* Copyright 2025 CloudOA Authors
* SPDX-License-Identifier: GPL-3.0-only
*******************************************************************************/

// Package provider contains the API clients for the upstream identity
// providers. Each client normalizes the provider's department and user
// records into the core types; downstream code never sees provider wire
// formats.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cloudoa/dirsync/internal/core"
)

// Client pulls the full directory snapshot from one provider tenant.
type Client interface {
	Kind() core.ProviderKind
	// GetDepartments returns all departments of the tenant. An empty tenant
	// yields an empty slice; a failed pull yields an error, never a silently
	// empty result.
	GetDepartments(ctx context.Context) ([]core.Department, error)
	// GetUsers returns all users of the tenant, deduplicated across
	// departments.
	GetUsers(ctx context.Context) ([]core.User, error)
}

// New builds the client for the given provider settings.
func New(settings core.ProviderSettings) (Client, error) {
	switch settings.Kind {
	case core.ProviderWeCom:
		return NewWeComClient(settings)
	case core.ProviderFeishu:
		return NewFeishuClient(settings)
	case core.ProviderDingTalk:
		return NewDingTalkClient(settings)
	default:
		return nil, fmt.Errorf("unknown provider kind %q", settings.Kind)
	}
}

// tokenRefreshMargin is subtracted from the provider-reported token TTL, so
// that a token is never used within 5 minutes of its expiry.
const tokenRefreshMargin = 5 * time.Minute

// tokenCache caches a provider access token until shortly before expiry.
type tokenCache struct {
	mu      sync.Mutex
	token   string
	expires time.Time
}

// get returns the cached token, refreshing it through fetch when missing or
// about to expire.
func (c *tokenCache) get(ctx context.Context, fetch func(context.Context) (token string, ttl time.Duration, err error)) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.expires) {
		return c.token, nil
	}
	token, ttl, err := fetch(ctx)
	if err != nil {
		return "", err
	}
	c.token = token
	c.expires = time.Now().Add(ttl - tokenRefreshMargin)
	return token, nil
}

func getJSON(ctx context.Context, hc *http.Client, uri string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return err
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	return doJSON(hc, req, out)
}

func postJSON(ctx context.Context, hc *http.Client, uri string, headers map[string]string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	return doJSON(hc, req, out)
}

func doJSON(hc *http.Client, req *http.Request, out any) error {
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s returned status %s", req.Method, req.URL.Path, resp.Status)
	}
	err = json.NewDecoder(resp.Body).Decode(out)
	if err != nil {
		return fmt.Errorf("cannot decode response of %s %s: %w", req.Method, req.URL.Path, err)
	}
	return nil
}
