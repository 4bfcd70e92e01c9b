package vault

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/elekto-energy/EVE-Electricity-Witness-sub001/pkg/lock"
)

// File names of the JSON-Lines logs under the vault directory.
const (
	DatasetLogName = "dataset_vault.jsonl"
	ReportLogName  = "report_vault.jsonl"
)

// Backend kinds accepted by Open.
const (
	KindFile     = "file"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
)

// StoreConfig selects where both ledgers live.
type StoreConfig struct {
	Kind string
	// Dir holds the JSON-Lines logs for KindFile.
	Dir string
	// DSN is the database for the SQL kinds.
	DSN string
	// Locker serializes file appends across processes; nil means lock files.
	Locker lock.Locker
}

// Vaults bundles the two ledgers.
type Vaults struct {
	Datasets *DatasetVault
	Reports  *ReportVault
}

// Close releases both ledgers.
func (v *Vaults) Close() error {
	return errors.Join(v.Datasets.Close(), v.Reports.Close())
}

// Open builds both ledgers from cfg.
func Open(ctx context.Context, cfg StoreConfig, opts ...Option) (*Vaults, error) {
	switch cfg.Kind {
	case "", KindFile:
		if cfg.Dir == "" {
			return nil, errors.New("vault: file backend needs a directory")
		}
		return &Vaults{
			Datasets: NewDatasetVault(NewFileBackend(filepath.Join(cfg.Dir, DatasetLogName), cfg.Locker), opts...),
			Reports:  NewReportVault(NewFileBackend(filepath.Join(cfg.Dir, ReportLogName), cfg.Locker), opts...),
		}, nil
	case KindSQLite, KindPostgres:
		db, err := OpenSQL(Dialect(cfg.Kind), cfg.DSN)
		if err != nil {
			return nil, err
		}
		ds := NewSQLBackend(db, Dialect(cfg.Kind), "dataset")
		if err := ds.Init(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("vault schema: %w", err)
		}
		ds.owned = true
		rs := NewSQLBackend(db, Dialect(cfg.Kind), "report")
		return &Vaults{
			Datasets: NewDatasetVault(ds, opts...),
			Reports:  NewReportVault(rs, opts...),
		}, nil
	default:
		return nil, fmt.Errorf("vault: unknown backend %q", cfg.Kind)
	}
}
