// Package export wires the export pipeline: state store, remote
// client, and the orchestrating service.
package export

import (
	"github.com/smallbiznis/meterline/internal/config"
	"github.com/smallbiznis/meterline/internal/export/client"
	"github.com/smallbiznis/meterline/internal/export/service"
	"github.com/smallbiznis/meterline/internal/export/statestore"
	"go.uber.org/fx"
)

var Module = fx.Module("export",
	fx.Provide(
		provideClientConfig,
		client.New,
		statestore.New,
		provideServiceConfig,
		provideDiscountSource,
		service.NewService,
	),
)

func provideClientConfig(cfg config.Config) client.Config {
	return client.Config{
		APIKey:       cfg.CZAPIKey,
		ConnectionID: cfg.CZConnectionID,
		Endpoint:     cfg.CZAPIEndpoint,
	}
}

func provideServiceConfig(cfg config.Config) service.Config {
	return service.Config{Location: cfg.ExportLocation()}
}

func provideDiscountSource(holder *config.DiscountConfigHolder) service.DiscountSource {
	return holder
}
