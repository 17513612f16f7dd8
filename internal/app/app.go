// Package app wires the configured stores and services together. The
// server and the CLI both build on it.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"filippo.io/age"
	"go.uber.org/zap"

	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/blob"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/config"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/db"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/repository"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/service"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/surrogate"
	"github.com/yiimnta/Pseudonymization-for-Whole-Slide-Image/internal/vault"
)

// Random timestamp shifts lie between these bounds.
const (
	shiftMinDays  = 30
	shiftMaxYears = 5
)

// App holds the wired components.
type App struct {
	DB           *sql.DB
	Mappings     *service.MappingService
	Jobs         *repository.SQLJobRepository
	Orchestrator *service.Orchestrator
	// Vault is nil when no recipients are configured.
	Vault *vault.Vault
}

// New opens the database and the backup store described by opts.
func New(ctx context.Context, opts *config.Options, log *zap.Logger) (*App, error) {
	conn, err := db.Open(ctx, opts.Database.Driver, opts.Database.DSN)
	if err != nil {
		return nil, err
	}
	a := &App{DB: conn}
	if err := a.wire(ctx, opts, log); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, opts *config.Options, log *zap.Logger) error {
	mappingRepo := repository.NewMappingRepository(a.DB, opts.Database.Driver)
	a.Jobs = repository.NewJobRepository(a.DB, opts.Database.Driver)

	var shifter surrogate.TimeShifter = surrogate.RandomShift{MinDays: shiftMinDays, MaxYears: shiftMaxYears}
	if opts.ShiftDays > 0 {
		shifter = surrogate.FixedShift{Days: opts.ShiftDays}
	}
	gen := surrogate.NewGenerator(shifter)

	keyer := service.Keyer{Mode: opts.KeyMode, Secret: []byte(opts.KeySecret)}
	a.Mappings = service.NewMappingService(mappingRepo, keyer, log)
	a.Mappings.Reissue = gen.Reissue

	orch := service.NewOrchestrator(a.Mappings, gen, log)
	orch.Jobs = a.Jobs
	orch.InputDir = opts.InputDir
	orch.OutputDir = opts.OutputDir
	orch.Verify = service.VerifyPolicy(opts.Verify)
	a.Orchestrator = orch

	v, err := openVault(ctx, opts.Vault)
	if err != nil {
		return err
	}
	if v != nil {
		a.Vault = v
		orch.Vault = v
	}
	return nil
}

// openVault returns nil when backups are not configured.
func openVault(ctx context.Context, cfg config.Vault) (*vault.Vault, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	recipients, err := vault.ParseRecipients(cfg.Recipients)
	if err != nil {
		return nil, err
	}
	if len(recipients) == 0 {
		return nil, errors.New("vault: no usable recipients")
	}
	var identities []age.Identity
	if cfg.IdentityFile != "" {
		if identities, err = vault.LoadIdentities(cfg.IdentityFile); err != nil {
			return nil, fmt.Errorf("vault identities: %w", err)
		}
	}
	store, err := blob.Open(ctx, cfg.Config)
	if err != nil {
		return nil, fmt.Errorf("vault store: %w", err)
	}
	return vault.New(store, recipients, identities), nil
}

// StartCleaner purges failed rewrite jobs in the background until ctx ends.
func (a *App) StartCleaner(ctx context.Context, opts *config.Options, log *zap.Logger) {
	db.StartFailedJobCleaner(ctx, a.DB, opts.Database.Driver,
		time.Duration(opts.CleanInterval), time.Duration(opts.JobRetention), log)
}

// Close releases the database.
func (a *App) Close() error {
	return a.DB.Close()
}
