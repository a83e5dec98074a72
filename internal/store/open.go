package store

import (
	"k8s.io/utils/clock"

	"github.com/armadaproject/flowbench/internal/common/benchcontext"
	"github.com/armadaproject/flowbench/internal/common/bencherrors"
	"github.com/armadaproject/flowbench/internal/flowbench/configuration"
)

// Open returns the Store backend selected by config.
func Open(ctx *benchcontext.Context, config configuration.StoreConfig, clock clock.PassiveClock) (Store, error) {
	switch config.Type {
	case configuration.StoreTypeMemory:
		return NewMemStore(clock)
	case configuration.StoreTypeSqlite:
		ctx.Log.Infof("using sqlite store at %s", config.SqlitePath)
		return OpenSqlite(ctx, config.SqlitePath, clock)
	case configuration.StoreTypePostgres:
		ctx.Log.Info("using postgres store")
		return OpenPostgres(ctx, config.Postgres, clock)
	default:
		return nil, &bencherrors.ErrInvalidArgument{
			Name:    "store.type",
			Value:   config.Type,
			Message: "expected one of memory, sqlite or postgres",
		}
	}
}
