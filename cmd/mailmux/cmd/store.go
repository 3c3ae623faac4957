package cmd

import (
	"fmt"

	"github.com/mailmux/mailmux/internal/store"
)

// openStore opens the configured database and ensures the schema
// exists. Callers own the returned store and must Close it.
func openStore() (*store.Store, error) {
	s, err := store.Open(cfg.DatabaseDSN())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := s.InitSchema(); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}
