package server

import (
	"fmt"
	"log/slog"

	"github.com/Tyrowin/groupchat/internal/store"
	"github.com/Tyrowin/groupchat/internal/store/kvstore"
	"github.com/Tyrowin/groupchat/internal/store/sqlstore"
)

// OpenStore opens the backend selected by cfg.StoreDriver at cfg.DatabasePath.
func OpenStore(cfg *Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case DriverBadger:
		s, err := kvstore.Open(cfg.DatabasePath, logger)
		if err != nil {
			return nil, err
		}
		logger.Info("store opened", "driver", DriverBadger, "path", cfg.DatabasePath)
		return s, nil
	case DriverSQLite, "":
		s, err := sqlstore.Open(cfg.DatabasePath, cfg.DBDebug)
		if err != nil {
			return nil, err
		}
		logger.Info("store opened", "driver", DriverSQLite, "path", cfg.DatabasePath)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
