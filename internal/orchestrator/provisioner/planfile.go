// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package provisioner

import (
	"encoding/json"
	"fmt"

	"github.com/noldarim/shipyard/internal/orchestrator/models"
)

// showOutput is the subset of `show -json <planfile>` we read.
type showOutput struct {
	FormatVersion   string `json:"format_version"`
	ResourceChanges []struct {
		Address string `json:"address"`
		Type    string `json:"type"`
		Change  struct {
			Actions []string `json:"actions"`
		} `json:"change"`
	} `json:"resource_changes"`
}

// VersionInfo is the tool and provider version set of a workspace.
type VersionInfo struct {
	ToolVersion string            `json:"terraform_version"`
	Providers   map[string]string `json:"provider_selections"`
}

// Equal reports whether both version sets are identical.
func (v VersionInfo) Equal(other VersionInfo) bool {
	if v.ToolVersion != other.ToolVersion || len(v.Providers) != len(other.Providers) {
		return false
	}
	for k, ver := range v.Providers {
		if other.Providers[k] != ver {
			return false
		}
	}
	return true
}

// ParsePlanJSON extracts resource changes from `show -json` output.
func ParsePlanJSON(data []byte) (models.ResourceChanges, error) {
	var out showOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("parse plan json: %w", err)
	}
	changes := make(models.ResourceChanges, 0, len(out.ResourceChanges))
	for _, rc := range out.ResourceChanges {
		changes = append(changes, models.ResourceChange{
			Address: rc.Address,
			Type:    rc.Type,
			Action:  actionFor(rc.Change.Actions),
		})
	}
	return changes, nil
}

func actionFor(actions []string) models.ChangeAction {
	if len(actions) == 2 {
		return models.ActionReplace
	}
	if len(actions) == 1 {
		switch a := models.ChangeAction(actions[0]); a {
		case models.ActionCreate, models.ActionUpdate, models.ActionDelete, models.ActionRead, models.ActionNoop:
			return a
		}
	}
	return models.ActionNoop
}

// ParseVersionJSON decodes `version -json` output.
func ParseVersionJSON(data []byte) (VersionInfo, error) {
	var v VersionInfo
	if err := json.Unmarshal(data, &v); err != nil {
		return VersionInfo{}, fmt.Errorf("parse version json: %w", err)
	}
	if v.ToolVersion == "" {
		return VersionInfo{}, fmt.Errorf("version output has no tool version")
	}
	if v.Providers == nil {
		v.Providers = map[string]string{}
	}
	return v, nil
}
