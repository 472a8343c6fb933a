package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/carehub/internal/attendance"
	"github.com/smallbiznis/carehub/internal/authorization"
	"github.com/smallbiznis/carehub/internal/clock"
	"github.com/smallbiznis/carehub/internal/config"
	"github.com/smallbiznis/carehub/internal/docstore/backend"
	"github.com/smallbiznis/carehub/internal/identity"
	"github.com/smallbiznis/carehub/internal/migration"
	"github.com/smallbiznis/carehub/internal/observability"
	"github.com/smallbiznis/carehub/internal/ratelimit"
	"github.com/smallbiznis/carehub/internal/reconcile"
	"github.com/smallbiznis/carehub/internal/record"
	"github.com/smallbiznis/carehub/internal/server"
	"github.com/smallbiznis/carehub/internal/session"
	"github.com/smallbiznis/carehub/internal/visit"
	"github.com/smallbiznis/carehub/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		backend.Module,
		ratelimit.Module,

		// Functional Domains
		authorization.Module,
		identity.Module,
		session.Module,
		record.Module,
		visit.Module,
		attendance.Module,
		reconcile.Module,

		server.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
