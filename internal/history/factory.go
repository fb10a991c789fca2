package history

import (
	"fmt"
	"os"
	"path/filepath"

	"sb-go/internal/config"
	"sb-go/internal/sb"
)

// DBFileName is the history database inside data_dir.
const DBFileName = "history.db"

// NewHistoryFromConfig creates a History implementation based on the history config type.
func NewHistoryFromConfig(cfg config.HistoryConfig) (sb.History, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite history")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating history data dir: %w", err)
		}
		return NewSQLiteStore(filepath.Join(cfg.DataDir, DBFileName))
	case "memory":
		return NewSQLiteStore(":memory:")
	case "none", "":
		return sb.NopHistory{}, nil
	default:
		return nil, fmt.Errorf("unknown history type: %s", cfg.Type)
	}
}
