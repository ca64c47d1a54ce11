// The exporter binary runs scheduled export cycles without the HTTP
// surface: ideal for deployments where ingestion happens elsewhere
// and only the pipeline needs to run.
package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/meterline/internal/clock"
	"github.com/smallbiznis/meterline/internal/config"
	"github.com/smallbiznis/meterline/internal/export"
	"github.com/smallbiznis/meterline/internal/migration"
	"github.com/smallbiznis/meterline/internal/observability"
	"github.com/smallbiznis/meterline/internal/scheduler"
	"github.com/smallbiznis/meterline/internal/usage"
	"github.com/smallbiznis/meterline/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,

		usage.Module,
		export.Module,

		// No server module: the scheduler is the only driver.
		scheduler.Module,
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
