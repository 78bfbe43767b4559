/*******************************************************************************
* Copyright 2025 CloudOA Authors
* SPDX-License-Identifier: GPL-3.0-only
*******************************************************************************/

package core

import "sort"

// Department is an upstream department normalized across providers.
// ParentExtID is empty for root-level departments (each provider client maps
// its own root sentinel to the empty string).
type Department struct {
	ExtID       string `json:"ext_id"`
	Name        string `json:"name"`
	ParentExtID string `json:"parent_ext_id"`
}

// User is an upstream user normalized across providers. DepartmentExtIDs is
// ordered; the first entry that resolves to a synced department becomes the
// user's primary placement in LDAP.
type User struct {
	ExtID            string   `json:"ext_id"`
	Name             string   `json:"name"`
	Email            string   `json:"email,omitempty"`
	Mobile           string   `json:"mobile,omitempty"`
	DepartmentExtIDs []string `json:"department_ext_ids"`
}

// SortDepartmentsForSync orders departments so that every parent precedes
// all of its children, with ties broken by ascending ext_id. Departments
// whose parent is missing from the snapshot are treated as roots; members of
// reference cycles end up at the tail in ext_id order. The result is
// deterministic for a given input set.
//
// Provider ids are usually monotonic (a child's id is larger than its
// parent's), so a plain ext_id sort would mostly work, but the explicit
// topological pass also handles providers that reassign ids.
func SortDepartmentsForSync(depts []Department) []Department {
	sorted := make([]Department, len(depts))
	copy(sorted, depts)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ExtID < sorted[j].ExtID })

	inSnapshot := make(map[string]bool, len(sorted))
	for _, d := range sorted {
		inSnapshot[d.ExtID] = true
	}

	ordered := make([]Department, 0, len(sorted))
	placed := make(map[string]bool, len(sorted))
	for {
		progressed := false
		for _, d := range sorted {
			if placed[d.ExtID] {
				continue
			}
			if d.ParentExtID == "" || placed[d.ParentExtID] || !inSnapshot[d.ParentExtID] {
				ordered = append(ordered, d)
				placed[d.ExtID] = true
				progressed = true
			}
		}
		if !progressed {
			break
		}
	}

	// Whatever remains is part of a reference cycle. Append it as-is; the
	// reconciler attaches such departments under the base OU.
	for _, d := range sorted {
		if !placed[d.ExtID] {
			ordered = append(ordered, d)
		}
	}
	return ordered
}
