// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noldarim/shipyard/internal/config"
)

func TestNewManager(t *testing.T) {
	tests := []struct {
		name     string
		config   *config.LogConfig
		errorMsg string
	}{
		{
			name: "console_json",
			config: &config.LogConfig{
				Level:  "info",
				Format: "json",
				Output: []config.LogOutputConfig{{Type: "console", Enabled: true}},
			},
		},
		{
			name: "rotating_file",
			config: &config.LogConfig{
				Level:  "debug",
				Format: "json",
				Output: []config.LogOutputConfig{{
					Type:    "file",
					Enabled: true,
					Path:    filepath.Join(t.TempDir(), "nested", "shipyard.log"),
					Rotate:  config.LogRotateConfig{MaxSizeMB: 1, MaxBackups: 1},
				}},
			},
		},
		{
			name: "no_outputs_falls_back",
			config: &config.LogConfig{
				Level:  "info",
				Format: "json",
			},
		},
		{
			name: "unknown_output",
			config: &config.LogConfig{
				Level:  "info",
				Output: []config.LogOutputConfig{{Type: "syslog", Enabled: true}},
			},
			errorMsg: "unsupported output type",
		},
		{
			name: "file_without_path",
			config: &config.LogConfig{
				Level:  "info",
				Output: []config.LogOutputConfig{{Type: "file", Enabled: true}},
			},
			errorMsg: "requires a path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewManager(tt.config)
			if tt.errorMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
				return
			}
			require.NoError(t, err)
			assert.NoError(t, m.Close())
		})
	}
}

func TestManager_FileOutputAndPackageLevels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shipyard.log")
	m, err := NewManager(&config.LogConfig{
		Level:  "trace",
		Format: "json",
		Output: []config.LogOutputConfig{{Type: "file", Enabled: true, Path: path}},
		Levels: map[string]string{"locks": "warn"},
	})
	require.NoError(t, err)

	locks := m.GetLogger("locks")
	assert.Equal(t, zerolog.WarnLevel, locks.GetLevel())

	locks.Info().Msg("lease renewed")
	locks.Warn().Str("resource_key", "infra/prod").Msg("force unlock")
	approvalLog := m.GetLogger("approval")
	approvalLog.Info().Msg("approval requested")
	require.NoError(t, m.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)

	assert.NotContains(t, out, "lease renewed")
	assert.Contains(t, out, `"pkg":"locks"`)
	assert.Contains(t, out, "force unlock")
	assert.Contains(t, out, "approval requested")
	assert.Equal(t, 2, strings.Count(strings.TrimSpace(out), "\n")+1)
}

func TestManager_GetLoggerIsCached(t *testing.T) {
	m, err := NewManager(&config.LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)

	first := m.GetLogger("provisioner")
	m.mu.RLock()
	assert.Len(t, m.packageLoggers, 1)
	m.mu.RUnlock()

	second := m.GetLogger("provisioner")
	assert.Equal(t, first.GetLevel(), second.GetLevel())
}

func TestManager_SetPackageLevel(t *testing.T) {
	m, err := NewManager(&config.LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)

	_ = m.GetLogger("credentials")
	m.SetPackageLevel("credentials", "error")

	assert.Equal(t, zerolog.ErrorLevel, m.GetLogger("credentials").GetLevel())
	assert.Equal(t, "error", m.config.Levels["credentials"])
}

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":   zerolog.TraceLevel,
		"DEBUG":   zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		"Error":   zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), in)
	}
}
