// Package backend selects the docstore implementation for the process.
package backend

import (
	"context"
	"os"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/carehub/internal/clock"
	"github.com/smallbiznis/carehub/internal/config"
	"github.com/smallbiznis/carehub/internal/docstore"
	"github.com/smallbiznis/carehub/internal/docstore/memstore"
	"github.com/smallbiznis/carehub/internal/docstore/sqlstore"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("docstore",
	fx.Provide(NewStore),
)

type Params struct {
	fx.In

	Lc    fx.Lifecycle
	Cfg   config.Config
	Log   *zap.Logger
	Clock clock.Clock
	IDs   *snowflake.Node
	DB    *gorm.DB      `optional:"true"`
	Redis *redis.Client `optional:"true"`
}

func NewStore(p Params) docstore.Store {
	log := p.Log.Named("docstore")
	if p.Cfg.StoreDriver == config.StoreDriverMemory || p.DB == nil {
		log.Warn("using in-memory document store; data is lost on restart")
		return memstore.New(p.Clock, p.IDs)
	}

	origin, _ := os.Hostname()
	origin = origin + "/" + p.IDs.Generate().String()
	notifier := sqlstore.NewNotifier(p.Redis, p.Cfg.TenantID, origin, p.Log)

	store := sqlstore.New(p.DB, sqlstore.Options{
		TenantID: p.Cfg.TenantID,
		Clock:    p.Clock,
		IDs:      p.IDs,
		Notifier: notifier,
		Log:      p.Log,
	})

	if notifier != nil {
		p.Lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return notifier.Start(ctx)
			},
			OnStop: func(context.Context) error {
				notifier.Stop()
				return nil
			},
		})
	}
	log.Info("using sql document store", zap.Bool("cross_process_notify", notifier != nil))
	return store
}
