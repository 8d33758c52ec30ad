package commands

import (
	"fmt"

	"github.com/MEKXH/deskhand/internal/approval"
	"github.com/MEKXH/deskhand/internal/audit"
	"github.com/MEKXH/deskhand/internal/config"
	"github.com/MEKXH/deskhand/internal/ledger"
	"github.com/MEKXH/deskhand/internal/vault"
)

type workspace struct {
	cfg    *config.Config
	vault  *vault.Vault
	audit  *audit.Logger
	ledger *ledger.Ledger
	gate   *approval.Gate
}

// openWorkspace loads the index from disk without touching the snapshot.
func openWorkspace() (*workspace, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	v := vault.New(cfg.Vault.Path)
	if err := v.Init(); err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	logger := audit.NewLogger(v.LogsDir())
	l := ledger.New(v, logger)
	if err := l.Rebuild(); err != nil {
		return nil, fmt.Errorf("scan vault: %w", err)
	}
	return &workspace{
		cfg:    cfg,
		vault:  v,
		audit:  logger,
		ledger: l,
		gate:   approval.NewGate(l, logger, cfg.Approval.TTLDuration()),
	}, nil
}
