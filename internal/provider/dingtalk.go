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

// dingtalkRootDeptID is the company root department. It is not itself synced;
// its direct children become root-level departments.
const dingtalkRootDeptID int64 = 1

// dingtalkUserPageSize is the page size for the paginated user listing.
const dingtalkUserPageSize = 100

// DingTalkClient talks to the DingTalk (钉钉) contacts API.
type DingTalkClient struct {
	// BaseURL and HTTPClient are overridable for tests.
	BaseURL    string
	HTTPClient *http.Client

	appKey    string
	appSecret string
	tok       tokenCache
}

// NewDingTalkClient builds a DingTalkClient from provider settings.
func NewDingTalkClient(settings core.ProviderSettings) (*DingTalkClient, error) {
	if settings.ClientID == "" || settings.ClientSecret == "" {
		return nil, errors.New("dingtalk: client_id and client_secret are required")
	}
	return &DingTalkClient{
		BaseURL:    "https://oapi.dingtalk.com",
		HTTPClient: http.DefaultClient,
		appKey:     settings.ClientID,
		appSecret:  settings.ClientSecret,
	}, nil
}

// Kind implements the Client interface.
func (c *DingTalkClient) Kind() core.ProviderKind {
	return core.ProviderDingTalk
}

func (c *DingTalkClient) accessToken(ctx context.Context) (string, error) {
	return c.tok.get(ctx, func(ctx context.Context) (string, time.Duration, error) {
		query := url.Values{"appkey": {c.appKey}, "appsecret": {c.appSecret}}
		var resp struct {
			ErrCode     int    `json:"errcode"`
			ErrMsg      string `json:"errmsg"`
			AccessToken string `json:"access_token"`
			ExpiresIn   int    `json:"expires_in"`
		}
		err := getJSON(ctx, c.HTTPClient, c.BaseURL+"/gettoken?"+query.Encode(), nil, &resp)
		if err != nil {
			return "", 0, fmt.Errorf("dingtalk: cannot get access token: %w", err)
		}
		if resp.ErrCode != 0 {
			return "", 0, fmt.Errorf("dingtalk: gettoken failed: errcode %d: %s", resp.ErrCode, resp.ErrMsg)
		}
		ttl := time.Duration(resp.ExpiresIn) * time.Second
		if ttl == 0 {
			ttl = 2 * time.Hour
		}
		return resp.AccessToken, ttl, nil
	})
}

type dingtalkDepartment struct {
	DeptID   int64  `json:"dept_id"`
	Name     string `json:"name"`
	ParentID int64  `json:"parent_id"`
}

// GetDepartments implements the Client interface. The listsub endpoint only
// returns direct children, so the tree is walked breadth-first from the
// company root.
func (c *DingTalkClient) GetDepartments(ctx context.Context) ([]core.Department, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	result := []core.Department{}
	queue := []int64{dingtalkRootDeptID}
	for len(queue) > 0 {
		deptID := queue[0]
		queue = queue[1:]

		children, err := c.listSubDepartments(ctx, token, deptID)
		if err != nil {
			return nil, err
		}
		for _, d := range children {
			parent := ""
			if d.ParentID != dingtalkRootDeptID {
				parent = strconv.FormatInt(d.ParentID, 10)
			}
			result = append(result, core.Department{
				ExtID:       strconv.FormatInt(d.DeptID, 10),
				Name:        d.Name,
				ParentExtID: parent,
			})
			queue = append(queue, d.DeptID)
		}
	}
	return result, nil
}

func (c *DingTalkClient) listSubDepartments(ctx context.Context, token string, deptID int64) ([]dingtalkDepartment, error) {
	query := url.Values{"access_token": {token}}
	body := map[string]any{"dept_id": deptID}
	var resp struct {
		ErrCode int                  `json:"errcode"`
		ErrMsg  string               `json:"errmsg"`
		Result  []dingtalkDepartment `json:"result"`
	}
	err := postJSON(ctx, c.HTTPClient, c.BaseURL+"/topapi/v2/department/listsub?"+query.Encode(), nil, body, &resp)
	if err != nil {
		return nil, fmt.Errorf("dingtalk: cannot list departments below %d: %w", deptID, err)
	}
	if resp.ErrCode != 0 {
		return nil, fmt.Errorf("dingtalk: department/listsub failed for %d: errcode %d: %s", deptID, resp.ErrCode, resp.ErrMsg)
	}
	return resp.Result, nil
}

// GetUsers implements the Client interface. Users are fetched per department
// with cursor pagination and deduplicated by userid. The company root is
// included so that users without a department assignment are not lost.
func (c *DingTalkClient) GetUsers(ctx context.Context) ([]core.User, error) {
	depts, err := c.GetDepartments(ctx)
	if err != nil {
		return nil, err
	}
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	deptIDs := make([]int64, 0, len(depts)+1)
	deptIDs = append(deptIDs, dingtalkRootDeptID)
	for _, d := range depts {
		id, err := strconv.ParseInt(d.ExtID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("dingtalk: unexpected department id %q", d.ExtID)
		}
		deptIDs = append(deptIDs, id)
	}

	seen := make(map[string]bool)
	result := []core.User{}
	for _, deptID := range deptIDs {
		users, err := c.listDepartmentUsers(ctx, token, deptID)
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

func (c *DingTalkClient) listDepartmentUsers(ctx context.Context, token string, deptID int64) ([]core.User, error) {
	var result []core.User
	cursor := int64(0)
	for {
		query := url.Values{"access_token": {token}}
		body := map[string]any{
			"dept_id": deptID,
			"cursor":  cursor,
			"size":    dingtalkUserPageSize,
		}
		var resp struct {
			ErrCode int    `json:"errcode"`
			ErrMsg  string `json:"errmsg"`
			Result  struct {
				HasMore    bool  `json:"has_more"`
				NextCursor int64 `json:"next_cursor"`
				List       []struct {
					UserID     string  `json:"userid"`
					Name       string  `json:"name"`
					Email      string  `json:"email"`
					OrgEmail   string  `json:"org_email"`
					Mobile     string  `json:"mobile"`
					DeptIDList []int64 `json:"dept_id_list"`
				} `json:"list"`
			} `json:"result"`
		}
		err := postJSON(ctx, c.HTTPClient, c.BaseURL+"/topapi/v2/user/list?"+query.Encode(), nil, body, &resp)
		if err != nil {
			return nil, fmt.Errorf("dingtalk: cannot list users of department %d: %w", deptID, err)
		}
		if resp.ErrCode != 0 {
			return nil, fmt.Errorf("dingtalk: user/list failed for department %d: errcode %d: %s", deptID, resp.ErrCode, resp.ErrMsg)
		}

		for _, u := range resp.Result.List {
			email := u.Email
			if email == "" {
				email = u.OrgEmail
			}
			userDepts := make([]string, 0, len(u.DeptIDList))
			for _, id := range u.DeptIDList {
				if id == dingtalkRootDeptID {
					continue
				}
				userDepts = append(userDepts, strconv.FormatInt(id, 10))
			}
			result = append(result, core.User{
				ExtID:            u.UserID,
				Name:             u.Name,
				Email:            email,
				Mobile:           u.Mobile,
				DepartmentExtIDs: userDepts,
			})
		}
		if !resp.Result.HasMore {
			break
		}
		cursor = resp.Result.NextCursor
	}
	return result, nil
}
