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
	"strconv"
	"time"

	"github.com/cloudoa/dirsync/internal/core"
)

// WeComClient talks to the WeCom (企业微信) contacts API.
type WeComClient struct {
	// BaseURL and HTTPClient are overridable for tests.
	BaseURL    string
	HTTPClient *http.Client

	corpID string
	secret string
	tok    tokenCache
}

// NewWeComClient builds a WeComClient from provider settings.
func NewWeComClient(settings core.ProviderSettings) (*WeComClient, error) {
	if settings.CorpID == "" || settings.Secret == "" {
		return nil, errors.New("wecom: corp_id and secret are required")
	}
	return &WeComClient{
		BaseURL:    "https://qyapi.weixin.qq.com",
		HTTPClient: http.DefaultClient,
		corpID:     settings.CorpID,
		secret:     settings.Secret,
	}, nil
}

// Kind implements the Client interface.
func (c *WeComClient) Kind() core.ProviderKind {
	return core.ProviderWeCom
}

func (c *WeComClient) accessToken(ctx context.Context) (string, error) {
	return c.tok.get(ctx, func(ctx context.Context) (string, time.Duration, error) {
		query := url.Values{"corpid": {c.corpID}, "corpsecret": {c.secret}}
		var resp struct {
			ErrCode     int    `json:"errcode"`
			ErrMsg      string `json:"errmsg"`
			AccessToken string `json:"access_token"`
			ExpiresIn   int    `json:"expires_in"`
		}
		err := getJSON(ctx, c.HTTPClient, c.BaseURL+"/cgi-bin/gettoken?"+query.Encode(), nil, &resp)
		if err != nil {
			return "", 0, fmt.Errorf("wecom: cannot get access token: %w", err)
		}
		if resp.ErrCode != 0 {
			return "", 0, fmt.Errorf("wecom: gettoken failed: errcode %d: %s", resp.ErrCode, resp.ErrMsg)
		}
		ttl := time.Duration(resp.ExpiresIn) * time.Second
		if ttl == 0 {
			ttl = 2 * time.Hour
		}
		return resp.AccessToken, ttl, nil
	})
}

type wecomDepartment struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	ParentID int64  `json:"parentid"`
}

// GetDepartments implements the Client interface.
func (c *WeComClient) GetDepartments(ctx context.Context) ([]core.Department, error) {
	depts, err := c.listDepartments(ctx)
	if err != nil {
		return nil, err
	}
	result := make([]core.Department, 0, len(depts))
	for _, d := range depts {
		parent := ""
		if d.ParentID != 0 {
			parent = strconv.FormatInt(d.ParentID, 10)
		}
		result = append(result, core.Department{
			ExtID:       strconv.FormatInt(d.ID, 10),
			Name:        d.Name,
			ParentExtID: parent,
		})
	}
	return result, nil
}

func (c *WeComClient) listDepartments(ctx context.Context) ([]wecomDepartment, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}
	query := url.Values{"access_token": {token}}
	var resp struct {
		ErrCode    int               `json:"errcode"`
		ErrMsg     string            `json:"errmsg"`
		Department []wecomDepartment `json:"department"`
	}
	err = getJSON(ctx, c.HTTPClient, c.BaseURL+"/cgi-bin/department/list?"+query.Encode(), nil, &resp)
	if err != nil {
		return nil, fmt.Errorf("wecom: cannot list departments: %w", err)
	}
	if resp.ErrCode != 0 {
		return nil, fmt.Errorf("wecom: department/list failed: errcode %d: %s", resp.ErrCode, resp.ErrMsg)
	}
	return resp.Department, nil
}

// GetUsers implements the Client interface. The WeCom API has no tenant-wide
// user listing, so users are fetched per department (without descending into
// children) and deduplicated by userid.
func (c *WeComClient) GetUsers(ctx context.Context) ([]core.User, error) {
	depts, err := c.listDepartments(ctx)
	if err != nil {
		return nil, err
	}
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var result []core.User
	for _, dept := range depts {
		query := url.Values{
			"access_token":  {token},
			"department_id": {strconv.FormatInt(dept.ID, 10)},
			"fetch_child":   {"0"},
		}
		var resp struct {
			ErrCode  int    `json:"errcode"`
			ErrMsg   string `json:"errmsg"`
			UserList []struct {
				UserID     string  `json:"userid"`
				Name       string  `json:"name"`
				Email      string  `json:"email"`
				BizMail    string  `json:"biz_mail"`
				Mobile     string  `json:"mobile"`
				Department []int64 `json:"department"`
			} `json:"userlist"`
		}
		err := getJSON(ctx, c.HTTPClient, c.BaseURL+"/cgi-bin/user/list?"+query.Encode(), nil, &resp)
		if err != nil {
			return nil, fmt.Errorf("wecom: cannot list users of department %d: %w", dept.ID, err)
		}
		if resp.ErrCode != 0 {
			return nil, fmt.Errorf("wecom: user/list failed for department %d: errcode %d: %s", dept.ID, resp.ErrCode, resp.ErrMsg)
		}

		for _, u := range resp.UserList {
			if seen[u.UserID] {
				continue
			}
			seen[u.UserID] = true
			email := u.Email
			if email == "" {
				email = u.BizMail
			}
			deptIDs := make([]string, 0, len(u.Department))
			for _, id := range u.Department {
				deptIDs = append(deptIDs, strconv.FormatInt(id, 10))
			}
			result = append(result, core.User{
				ExtID:            u.UserID,
				Name:             u.Name,
				Email:            email,
				Mobile:           u.Mobile,
				DepartmentExtIDs: deptIDs,
			})
		}
	}
	return result, nil
}
