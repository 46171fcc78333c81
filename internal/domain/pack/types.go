// Package pack defines the domain types for installable packs and their
// per-environment installation records.
package pack

import (
	"time"

	"loom/internal/domain/run"
)

// InstallStatus represents the lifecycle of a pack installation.
type InstallStatus string

const (
	StatusInstalling InstallStatus = "INSTALLING"
	StatusInstalled  InstallStatus = "INSTALLED"
	StatusFailed     InstallStatus = "FAILED"
	StatusUpgrading  InstallStatus = "UPGRADING"
)

// Pack is a registered, versioned bundle of schema and migrations.
type Pack struct {
	ID         string       `json:"id"`
	PackRef    string       `json:"pack_ref"`
	Name       string       `json:"name"`
	Version    string       `json:"version"`
	SchemaName string       `json:"schema_name"`
	Manifest   run.Document `json:"manifest"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Installation is the per-environment installation record for a pack.
// (env_id, pack_ref) is unique; the row is claimed at insert time by the
// installing run and only that run may finalize it.
type Installation struct {
	ID               string        `json:"id"`
	PackID           string        `json:"pack_id"`
	PackRef          string        `json:"pack_ref"`
	EnvID            string        `json:"env_id"`
	Status           InstallStatus `json:"status"`
	SchemaMode       string        `json:"schema_mode"`
	SchemaName       string        `json:"schema_name"`
	InstalledVersion string        `json:"installed_version,omitempty"`
	MigrationState   string        `json:"migration_state,omitempty"`
	InstalledByRunID string        `json:"installed_by_run_id,omitempty"`
	Error            run.Document  `json:"error,omitempty"`
	LastErrorAt      *time.Time    `json:"last_error_at,omitempty"`
	InstalledAt      *time.Time    `json:"installed_at,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}
