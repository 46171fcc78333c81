// Package pack provides the Postgres store for pack registration and the
// claim-based installation protocol.
package pack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	packdomain "loom/internal/domain/pack"
	"loom/internal/domain/run"
	loomerr "loom/internal/errors"
	"loom/internal/infra/queue"
	"loom/internal/logging"
	"loom/internal/utils/id"
)

// PostgresStore persists packs and their per-environment installations.
// Mutating methods take a Querier so installation writes can ride the
// installing run's transaction while failure records commit on their own.
type PostgresStore struct {
	pool   queue.Querier
	logger logging.Logger
}

// NewPostgresStore creates the pack store. pool should be the shared
// pgxpool; per-call overrides pass a tx explicitly.
func NewPostgresStore(pool queue.Querier, logger logging.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logging.OrNop(logger)}
}

// EnsureSchema creates the pack tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS packs (
    id          UUID PRIMARY KEY,
    pack_ref    TEXT NOT NULL UNIQUE,
    name        TEXT NOT NULL,
    version     TEXT NOT NULL,
    schema_name TEXT NOT NULL,
    manifest    JSONB NOT NULL DEFAULT '{}'::jsonb,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE TABLE IF NOT EXISTS pack_installations (
    id                  UUID PRIMARY KEY,
    pack_id             UUID NOT NULL REFERENCES packs(id),
    pack_ref            TEXT NOT NULL,
    env_id              TEXT NOT NULL,
    status              TEXT NOT NULL DEFAULT 'INSTALLING',
    schema_mode         TEXT NOT NULL DEFAULT 'shared',
    schema_name         TEXT NOT NULL,
    installed_version   TEXT,
    migration_state     TEXT,
    installed_by_run_id UUID,
    error               JSONB,
    last_error_at       TIMESTAMPTZ,
    installed_at        TIMESTAMPTZ,
    created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT uq_pack_installations_env_ref UNIQUE (env_id, pack_ref)
)`,
		`CREATE INDEX IF NOT EXISTS ix_pack_installations_status ON pack_installations (status)`,
	}
	for _, stmt := range statements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure pack schema: %w", err)
		}
	}
	return nil
}

// RegisterPack upserts a pack definition by pack_ref.
func (s *PostgresStore) RegisterPack(ctx context.Context, p *packdomain.Pack) (*packdomain.Pack, error) {
	manifestJSON, err := marshalManifest(p.Manifest)
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO packs (id, pack_ref, name, version, schema_name, manifest, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 ON CONFLICT (pack_ref) DO UPDATE
		 SET name = EXCLUDED.name, version = EXCLUDED.version,
		     schema_name = EXCLUDED.schema_name, manifest = EXCLUDED.manifest
		 RETURNING `+packColumns,
		id.NewInstallationID(), p.PackRef, p.Name, p.Version, p.SchemaName, manifestJSON,
	)
	return scanPack(row)
}

// GetPack loads a pack by its reference, or nil when unregistered.
func (s *PostgresStore) GetPack(ctx context.Context, packRef string) (*packdomain.Pack, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+packColumns+` FROM packs WHERE pack_ref = $1`, packRef)
	p, err := scanPack(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pack: %w", err)
	}
	return p, nil
}

// ClaimInstallation attempts to claim the (env_id, pack_ref) installation
// slot for runID using INSERT .. ON CONFLICT DO NOTHING. On success the
// returned installation is the freshly claimed INSTALLING row and claimed
// is true. When the slot already exists, the existing row is returned with
// claimed false and the caller branches on its status.
func (s *PostgresStore) ClaimInstallation(ctx context.Context, q queue.Querier, p *packdomain.Pack, envID, schemaMode, runID string) (inst *packdomain.Installation, claimed bool, err error) {
	row := q.QueryRow(ctx,
		`INSERT INTO pack_installations
		     (id, pack_id, pack_ref, env_id, status, schema_mode, schema_name,
		      installed_by_run_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		 ON CONFLICT (env_id, pack_ref) DO NOTHING
		 RETURNING `+installationColumns,
		id.NewInstallationID(), p.ID, p.PackRef, envID,
		string(packdomain.StatusInstalling), schemaMode, p.SchemaName, runID,
	)
	inst, err = scanInstallation(row)
	if err == nil {
		return inst, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("claim installation: %w", err)
	}

	existing, err := s.getInstallation(ctx, q, envID, p.PackRef, false)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("claim installation: conflict but no row for %s/%s", envID, p.PackRef)
	}
	return existing, false, nil
}

// GetInstallation loads the installation row for (env_id, pack_ref), or
// nil when absent.
func (s *PostgresStore) GetInstallation(ctx context.Context, envID, packRef string) (*packdomain.Installation, error) {
	return s.getInstallation(ctx, s.pool, envID, packRef, false)
}

// GetInstallationForUpdate re-reads the installation row with a row lock,
// inside the caller's transaction. Finalization re-reads under lock so the
// claim check and the terminal write cannot race another session.
func (s *PostgresStore) GetInstallationForUpdate(ctx context.Context, tx pgx.Tx, envID, packRef string) (*packdomain.Installation, error) {
	return s.getInstallation(ctx, tx, envID, packRef, true)
}

func (s *PostgresStore) getInstallation(ctx context.Context, q queue.Querier, envID, packRef string, forUpdate bool) (*packdomain.Installation, error) {
	sql := `SELECT ` + installationColumns + ` FROM pack_installations
	        WHERE env_id = $1 AND pack_ref = $2`
	if forUpdate {
		sql += ` FOR UPDATE`
	}
	inst, err := scanInstallation(q.QueryRow(ctx, sql, envID, packRef))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get installation: %w", err)
	}
	return inst, nil
}

// FinalizeInstalled flips a claimed INSTALLING row to INSTALLED. The guard
// re-checks status and the claiming run so only the claimant can finalize.
func (s *PostgresStore) FinalizeInstalled(ctx context.Context, tx pgx.Tx, installationID, runID, installedVersion, migrationState string) error {
	tag, err := tx.Exec(ctx,
		`UPDATE pack_installations
		 SET status = $1, installed_version = $2, migration_state = $3,
		     installed_at = NOW(), updated_at = NOW(), error = NULL
		 WHERE id = $4 AND status = $5 AND installed_by_run_id = $6`,
		string(packdomain.StatusInstalled), installedVersion, migrationState,
		installationID, string(packdomain.StatusInstalling), runID,
	)
	if err != nil {
		return fmt.Errorf("finalize installation: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return &loomerr.InvariantViolationError{
			Field:   "installed_by_run_id",
			Message: "installation claim no longer held by this run",
		}
	}
	return nil
}

// MarkFailed records a failed installation attempt. It writes pool-side
// in autocommit mode so the failure record survives the installing run's
// rollback.
func (s *PostgresStore) MarkFailed(ctx context.Context, installationID string, errDoc run.Document) error {
	errJSON, err := marshalManifest(errDoc)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`UPDATE pack_installations
		 SET status = $1, error = $2, last_error_at = NOW(), updated_at = NOW()
		 WHERE id = $3`,
		string(packdomain.StatusFailed), errJSON, installationID,
	)
	if err != nil {
		return fmt.Errorf("mark installation failed: %w", err)
	}
	return nil
}

// ResetForRetry re-claims a previously FAILED installation for a new run.
// Used by installers configured to retry past failures.
func (s *PostgresStore) ResetForRetry(ctx context.Context, q queue.Querier, installationID, runID string) (bool, error) {
	tag, err := q.Exec(ctx,
		`UPDATE pack_installations
		 SET status = $1, installed_by_run_id = $2, error = NULL, updated_at = NOW()
		 WHERE id = $3 AND status = $4`,
		string(packdomain.StatusInstalling), runID,
		installationID, string(packdomain.StatusFailed),
	)
	if err != nil {
		return false, fmt.Errorf("reset installation for retry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const packColumns = `id, pack_ref, name, version, schema_name, manifest, created_at`

const installationColumns = `id, pack_id, pack_ref, env_id, status, schema_mode,
    schema_name, installed_version, migration_state, installed_by_run_id, error,
    last_error_at, installed_at, created_at, updated_at`

func scanPack(row pgx.Row) (*packdomain.Pack, error) {
	var p packdomain.Pack
	var manifestJSON []byte
	err := row.Scan(&p.ID, &p.PackRef, &p.Name, &p.Version, &p.SchemaName, &manifestJSON, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if p.Manifest, err = unmarshalManifest(manifestJSON); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}
	return &p, nil
}

func scanInstallation(row pgx.Row) (*packdomain.Installation, error) {
	var inst packdomain.Installation
	var errJSON []byte
	var installedVersion, migrationState, installedByRunID *string

	err := row.Scan(
		&inst.ID, &inst.PackID, &inst.PackRef, &inst.EnvID, &inst.Status,
		&inst.SchemaMode, &inst.SchemaName, &installedVersion, &migrationState,
		&installedByRunID, &errJSON, &inst.LastErrorAt, &inst.InstalledAt,
		&inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if installedVersion != nil {
		inst.InstalledVersion = *installedVersion
	}
	if migrationState != nil {
		inst.MigrationState = *migrationState
	}
	if installedByRunID != nil {
		inst.InstalledByRunID = *installedByRunID
	}
	if inst.Error, err = unmarshalManifest(errJSON); err != nil {
		return nil, fmt.Errorf("unmarshal installation error: %w", err)
	}
	return &inst, nil
}

func marshalManifest(d run.Document) ([]byte, error) {
	if d == nil {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	return raw, nil
}

func unmarshalManifest(raw []byte) (run.Document, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var d run.Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	return d, nil
}
