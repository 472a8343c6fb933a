package session

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("session",
	fx.Provide(NewRegistry),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, r *Registry) {
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			r.CloseAll()
			return nil
		},
	})
}
