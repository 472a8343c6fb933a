package record

import (
	"github.com/smallbiznis/carehub/internal/record/service"
	"go.uber.org/fx"
)

var Module = fx.Module("record.service",
	fx.Provide(service.New),
)
