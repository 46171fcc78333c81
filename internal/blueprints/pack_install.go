package blueprints

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	packdomain "loom/internal/domain/pack"
	"loom/internal/domain/run"
	"loom/internal/engine"
	loomerr "loom/internal/errors"
	packinfra "loom/internal/infra/pack"
)

// InstallName is the pack installer blueprint.
const InstallName = "core.pack.install@v1"

// Installer outcomes surfaced as run failures.
var (
	// ErrPackNotFound reports an install request for an unregistered pack.
	ErrPackNotFound = errors.New("pack is not registered")

	// ErrInstallInProgress reports that another run holds the
	// installation claim for this environment.
	ErrInstallInProgress = errors.New("pack installation already in progress")

	// ErrPreviouslyFailed reports a FAILED installation record that the
	// request did not ask to retry.
	ErrPreviouslyFailed = errors.New("pack installation previously failed; set retry_failed to retry")
)

// NewInstaller builds the pack installer blueprint over the pack store.
//
// The protocol layers three guards: a fail-fast advisory lock serializes
// installers per (env, pack); the claimed installation row makes exactly
// one run the installer across crashes; and finalization re-reads the row
// FOR UPDATE and re-checks the claim before flipping to INSTALLED.
func NewInstaller(packs *packinfra.PostgresStore) engine.Blueprint {
	return func(ctx context.Context, rc *engine.RunContext, inputs run.Document) (run.Document, error) {
		packRef := strInput(inputs, "pack_ref", "")
		if packRef == "" {
			return nil, &loomerr.PermanentError{Message: "pack_ref input is required"}
		}
		schemaMode := strInput(inputs, "schema_mode", "shared")
		retryFailed := boolInput(inputs, "retry_failed")
		envID := rc.Session().EnvID()

		var outputs run.Document
		lockKey := fmt.Sprintf("pack.install:%s:%s", envID, packRef)
		err := rc.AdvisoryLocker().With(ctx, lockKey, true, func(ctx context.Context) error {
			var err error
			outputs, err = install(ctx, rc, packs, packRef, envID, schemaMode, retryFailed)
			return err
		})
		if err != nil {
			return nil, err
		}
		return outputs, nil
	}
}

func install(ctx context.Context, rc *engine.RunContext, packs *packinfra.PostgresStore, packRef, envID, schemaMode string, retryFailed bool) (run.Document, error) {
	p, err := packs.GetPack(ctx, packRef)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("pack %q: %w", packRef, ErrPackNotFound)
	}

	tx, err := rc.Session().Tx(ctx)
	if err != nil {
		return nil, err
	}
	inst, claimed, err := packs.ClaimInstallation(ctx, tx, p, envID, schemaMode, rc.RunID())
	if err != nil {
		return nil, err
	}

	if !claimed {
		switch inst.Status {
		case packdomain.StatusInstalled:
			// Idempotent success: a completed installation satisfies the
			// request as-is.
			return run.Document{
				"status":            "already_installed",
				"pack_ref":          packRef,
				"installed_version": inst.InstalledVersion,
			}, nil
		case packdomain.StatusInstalling, packdomain.StatusUpgrading:
			if inst.InstalledByRunID != rc.RunID() {
				return nil, fmt.Errorf("pack %q in env %q: %w", packRef, envID, ErrInstallInProgress)
			}
			// Our own claim from a previous attempt of this run: resume.
		case packdomain.StatusFailed:
			if !retryFailed {
				return nil, fmt.Errorf("pack %q in env %q: %w", packRef, envID, ErrPreviouslyFailed)
			}
			reclaimed, err := packs.ResetForRetry(ctx, tx, inst.ID, rc.RunID())
			if err != nil {
				return nil, err
			}
			if !reclaimed {
				return nil, fmt.Errorf("pack %q in env %q: %w", packRef, envID, ErrInstallInProgress)
			}
		default:
			return nil, fmt.Errorf("pack %q: unexpected installation status %s", packRef, inst.Status)
		}
	}

	if err := applyAndFinalize(ctx, rc, packs, p, inst, envID); err != nil {
		failDoc := run.Document{"message": err.Error(), "pack_ref": packRef}
		if markErr := packs.MarkFailed(context.WithoutCancel(ctx), inst.ID, failDoc); markErr != nil {
			rc.Logger().Error("mark installation %s failed: %v", inst.ID, markErr)
		}
		return nil, err
	}

	return run.Document{
		"status":            "installed",
		"pack_ref":          packRef,
		"installed_version": p.Version,
		"schema_name":       p.SchemaName,
	}, nil
}

func applyAndFinalize(ctx context.Context, rc *engine.RunContext, packs *packinfra.PostgresStore, p *packdomain.Pack, inst *packdomain.Installation, envID string) error {
	_, err := rc.Step(ctx, "apply-schema", run.KindActionTask, run.Document{"schema_name": p.SchemaName}, func(ctx context.Context, h *engine.StepHandle) error {
		tx, err := rc.Session().Tx(ctx)
		if err != nil {
			return err
		}
		ident := pgx.Identifier{p.SchemaName}.Sanitize()
		if _, err := tx.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+ident); err != nil {
			return fmt.Errorf("create schema %s: %w", p.SchemaName, err)
		}
		h.SetOutputs(run.Document{"schema_name": p.SchemaName})
		return nil
	})
	if err != nil {
		return err
	}

	_, err = rc.Step(ctx, "finalize", run.KindActionTask, nil, func(ctx context.Context, h *engine.StepHandle) error {
		tx, err := rc.Session().Tx(ctx)
		if err != nil {
			return err
		}
		current, err := packs.GetInstallationForUpdate(ctx, tx, envID, p.PackRef)
		if err != nil {
			return err
		}
		if current == nil {
			return &loomerr.InvariantViolationError{Message: "installation row disappeared before finalize"}
		}
		if current.InstalledByRunID != rc.RunID() {
			return &loomerr.InvariantViolationError{
				Field:   "installed_by_run_id",
				Message: "installation claim held by another run",
			}
		}
		if p.Version == "" {
			return &loomerr.InvariantViolationError{
				Field:   "version",
				Message: "pack has no version to install",
			}
		}
		if err := packs.FinalizeInstalled(ctx, tx, current.ID, rc.RunID(), p.Version, "applied"); err != nil {
			return err
		}
		h.SetOutputs(run.Document{"installed_version": p.Version})
		return nil
	})
	return err
}
