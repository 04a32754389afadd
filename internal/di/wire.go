//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"TradePipe/pkg/config"
	"TradePipe/pkg/server"
)

// InitializeApp wires up all dependencies and returns the application.
// The returned cleanup releases infrastructure clients after Run returns.
func InitializeApp(cfg *config.Config) (*server.App, func(), error) {
	wire.Build(
		// Observability
		ProvideLogger,
		ProvideRegistry,
		ProvideMetrics,

		// Infrastructure clients
		ProvideKafkaProducer,
		ProvideDedupStore,
		ProvidePostgres,
		ProvideClickHouseClient,
		ProvideVenueConfig,
		ProvideVenueClient,

		// Repositories
		ProvideEventPublisher,
		ProvideAuditRepository,
		ProvideSessionRepository,
		ProvideCredentialProvider,

		// Services
		ProvideControls,
		ProvideInferenceClient,
		ProvideSessionStore,
		ProvideSignalStore,
		ProvideNormalizer,

		// Use cases
		ProvideSignalGenerator,
		ProvideRiskGuard,
		ProvideSettlementReconciler,
		ProvideExecutor,
		ProvideSafetyLayer,
		ProvideArchiveBatcher,
		ProvidePipeline,
		ProvideManualTradeHandler,
		ProvideKafkaConsumer,

		// Application server
		ProvideHTTPServer,
		ProvideApp,
	)
	return nil, nil, nil
}
