/*******************************************************************************
* Copyright 2025 CloudOA Authors
* SPDX-License-Identifier: GPL-3.0-only
*******************************************************************************/

package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cloudoa/dirsync/internal/core"
)

// feishuPageSize is the page size for all paginated Feishu listings.
const feishuPageSize = "50"

// FeishuClient talks to the Feishu (飞书) contact API.
type FeishuClient struct {
	// BaseURL and HTTPClient are overridable for tests.
	BaseURL    string
	HTTPClient *http.Client

	appID     string
	appSecret string
	tok       tokenCache
}

// NewFeishuClient builds a FeishuClient from provider settings.
func NewFeishuClient(settings core.ProviderSettings) (*FeishuClient, error) {
	if settings.AppID == "" || settings.AppSecret == "" {
		return nil, errors.New("feishu: app_id and app_secret are required")
	}
	return &FeishuClient{
		BaseURL:    "https://open.feishu.cn",
		HTTPClient: http.DefaultClient,
		appID:      settings.AppID,
		appSecret:  settings.AppSecret,
	}, nil
}

// Kind implements the Client interface.
func (c *FeishuClient) Kind() core.ProviderKind {
	return core.ProviderFeishu
}

func (c *FeishuClient) authHeader(ctx context.Context) (map[string]string, error) {
	token, err := c.tok.get(ctx, func(ctx context.Context) (string, time.Duration, error) {
		body := map[string]string{"app_id": c.appID, "app_secret": c.appSecret}
		var resp struct {
			Code              int    `json:"code"`
			Msg               string `json:"msg"`
			TenantAccessToken string `json:"tenant_access_token"`
			Expire            int    `json:"expire"`
		}
		err := postJSON(ctx, c.HTTPClient, c.BaseURL+"/open-apis/auth/v3/tenant_access_token/internal", nil, body, &resp)
		if err != nil {
			return "", 0, fmt.Errorf("feishu: cannot get tenant access token: %w", err)
		}
		if resp.Code != 0 {
			return "", 0, fmt.Errorf("feishu: tenant_access_token failed: code %d: %s", resp.Code, resp.Msg)
		}
		return resp.TenantAccessToken, time.Duration(resp.Expire) * time.Second, nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"Authorization": "Bearer " + token}, nil
}

// GetDepartments implements the Client interface. The whole department tree
// is listed as the recursive children of the root department "0".
func (c *FeishuClient) GetDepartments(ctx context.Context) ([]core.Department, error) {
	headers, err := c.authHeader(ctx)
	if err != nil {
		return nil, err
	}

	var result []core.Department
	pageToken := ""
	for {
		query := url.Values{
			"department_id_type": {"open_department_id"},
			"fetch_child":        {"true"},
			"page_size":          {feishuPageSize},
		}
		if pageToken != "" {
			query.Set("page_token", pageToken)
		}
		var resp struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
			Data struct {
				HasMore   bool   `json:"has_more"`
				PageToken string `json:"page_token"`
				Items     []struct {
					OpenDepartmentID   string `json:"open_department_id"`
					Name               string `json:"name"`
					ParentDepartmentID string `json:"parent_department_id"`
				} `json:"items"`
			} `json:"data"`
		}
		err := getJSON(ctx, c.HTTPClient, c.BaseURL+"/open-apis/contact/v3/departments/0/children?"+query.Encode(), headers, &resp)
		if err != nil {
			return nil, fmt.Errorf("feishu: cannot list departments: %w", err)
		}
		if resp.Code != 0 {
			return nil, fmt.Errorf("feishu: departments/children failed: code %d: %s", resp.Code, resp.Msg)
		}

		for _, d := range resp.Data.Items {
			parent := d.ParentDepartmentID
			if parent == "0" {
				parent = ""
			}
			result = append(result, core.Department{
				ExtID:       d.OpenDepartmentID,
				Name:        d.Name,
				ParentExtID: parent,
			})
		}
		if !resp.Data.HasMore || resp.Data.PageToken == "" {
			break
		}
		pageToken = resp.Data.PageToken
	}
	if result == nil {
		result = []core.Department{}
	}
	return result, nil
}

// GetUsers implements the Client interface. Users are identified by open_id.
// The listing endpoint is per-department, so all departments (plus the root
// department "0") are walked and the users deduplicated by open_id.
func (c *FeishuClient) GetUsers(ctx context.Context) ([]core.User, error) {
	depts, err := c.GetDepartments(ctx)
	if err != nil {
		return nil, err
	}
	headers, err := c.authHeader(ctx)
	if err != nil {
		return nil, err
	}

	deptIDs := make([]string, 0, len(depts)+1)
	deptIDs = append(deptIDs, "0")
	for _, d := range depts {
		deptIDs = append(deptIDs, d.ExtID)
	}

	seen := make(map[string]bool)
	result := []core.User{}
	for _, deptID := range deptIDs {
		users, err := c.listDepartmentUsers(ctx, headers, deptID)
		if err != nil {
			return nil, err
		}
		for _, u := range users {
			if seen[u.ExtID] {
				continue
			}
			seen[u.ExtID] = true
			result = append(result, u)
		}
	}
	return result, nil
}

func (c *FeishuClient) listDepartmentUsers(ctx context.Context, headers map[string]string, deptID string) ([]core.User, error) {
	var result []core.User
	pageToken := ""
	for {
		query := url.Values{
			"user_id_type":       {"open_id"},
			"department_id_type": {"open_department_id"},
			"department_id":      {deptID},
			"page_size":          {feishuPageSize},
		}
		if pageToken != "" {
			query.Set("page_token", pageToken)
		}
		var resp struct {
			Code int    `json:"code"`
			Msg  string `json:"msg"`
			Data struct {
				HasMore   bool   `json:"has_more"`
				PageToken string `json:"page_token"`
				Items     []struct {
					OpenID          string   `json:"open_id"`
					Name            string   `json:"name"`
					Email           string   `json:"email"`
					EnterpriseEmail string   `json:"enterprise_email"`
					Mobile          string   `json:"mobile"`
					DepartmentIDs   []string `json:"department_ids"`
				} `json:"items"`
			} `json:"data"`
		}
		err := getJSON(ctx, c.HTTPClient, c.BaseURL+"/open-apis/contact/v3/users/find_by_department?"+query.Encode(), headers, &resp)
		if err != nil {
			return nil, fmt.Errorf("feishu: cannot list users of department %s: %w", deptID, err)
		}
		if resp.Code != 0 {
			return nil, fmt.Errorf("feishu: users/find_by_department failed for %s: code %d: %s", deptID, resp.Code, resp.Msg)
		}

		for _, u := range resp.Data.Items {
			email := u.Email
			if email == "" {
				email = u.EnterpriseEmail
			}
			userDepts := make([]string, 0, len(u.DepartmentIDs))
			for _, id := range u.DepartmentIDs {
				if id == "0" {
					continue
				}
				userDepts = append(userDepts, id)
			}
			result = append(result, core.User{
				ExtID:            u.OpenID,
				Name:             u.Name,
				Email:            email,
				Mobile:           u.Mobile,
				DepartmentExtIDs: userDepts,
			})
		}
		if !resp.Data.HasMore || resp.Data.PageToken == "" {
			break
		}
		pageToken = resp.Data.PageToken
	}
	return result, nil
}
