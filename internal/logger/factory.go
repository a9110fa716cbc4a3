// Copyright (C) 2025-2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package logger

import (
	"github.com/rs/zerolog"
)

// Static logger getters that map directly to config.yaml log.levels

// GetOrchestratorLogger returns a logger for the pipeline engine and services
func GetOrchestratorLogger() zerolog.Logger {
	return GetLogger("orchestrator")
}

// GetTemporalLogger returns a logger for Temporal components
func GetTemporalLogger() zerolog.Logger {
	return GetLogger("temporal")
}

// GetDatabaseLogger returns a logger for database operations
func GetDatabaseLogger() zerolog.Logger {
	return GetLogger("database")
}

// GetLockLogger returns a logger for state lock operations
func GetLockLogger() zerolog.Logger {
	return GetLogger("locks")
}

// GetProvisionerLogger returns a logger for provisioning tool invocations
func GetProvisionerLogger() zerolog.Logger {
	return GetLogger("provisioner")
}

// GetApprovalLogger returns a logger for the approval gate
func GetApprovalLogger() zerolog.Logger {
	return GetLogger("approval")
}

// GetCredentialsLogger returns a logger for the credential broker
func GetCredentialsLogger() zerolog.Logger {
	return GetLogger("credentials")
}

// GetAPILogger returns a logger for API operations
func GetAPILogger() zerolog.Logger {
	return GetLogger("api")
}
