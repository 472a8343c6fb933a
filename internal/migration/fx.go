package migration

import (
	"github.com/smallbiznis/carehub/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB  *gorm.DB `optional:"true"`
	Cfg config.Config
	Log *zap.Logger
}

var Module = fx.Module("migrations",
	fx.Invoke(func(p Params) error {
		if p.DB == nil || !p.Cfg.DBAutoMigrate {
			return nil
		}
		if err := Run(p.DB); err != nil {
			return err
		}
		p.Log.Named("migration").Info("documents schema ready", zap.String("dialect", p.DB.Dialector.Name()))
		return nil
	}),
)
