package di

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalrepo "TradePipe/internal/repository"
	"TradePipe/pkg/cache"
	"TradePipe/pkg/config"
	"TradePipe/pkg/logger"
)

func localConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(`
environment: test
venue:
  url: ws://127.0.0.1:1/ws
  markets: [R_100]
credentials:
  secret: s3cret
`))
	require.NoError(t, err)
	return cfg
}

func TestLocalFallbacks(t *testing.T) {
	cfg := localConfig(t)

	dedup, cleanup, err := ProvideDedupStore(cfg)
	require.NoError(t, err)
	defer cleanup()
	assert.IsType(t, &cache.MemoryCache{}, dedup)

	producer, cleanupProducer, err := ProvideKafkaProducer(cfg, ProvideRegistry())
	require.NoError(t, err)
	defer cleanupProducer()
	assert.Nil(t, producer)
	assert.IsType(t, internalrepo.NopPublisher{}, ProvideEventPublisher(cfg, producer))

	db, cleanupDB, err := ProvidePostgres(cfg)
	require.NoError(t, err)
	defer cleanupDB()
	assert.Nil(t, db)
	assert.Nil(t, ProvideSessionRepository(db))
	assert.IsType(t, &internalrepo.MemoryAuditRepository{}, ProvideAuditRepository(db, logger.NewNop()))

	creds, err := ProvideCredentialProvider(cfg, db)
	require.NoError(t, err)
	assert.IsType(t, &internalrepo.MemoryCredentialProvider{}, creds)

	ch, cleanupCH, err := ProvideClickHouseClient(cfg)
	require.NoError(t, err)
	defer cleanupCH()
	assert.Nil(t, ch)
	assert.Nil(t, ProvideArchiveBatcher(cfg, ch, nil, logger.NewNop()))
	assert.Nil(t, ProvideInferenceClient(cfg, ProvideRegistry()))

	consumer, err := ProvideKafkaConsumer(cfg, ProvideRegistry(), nil, logger.NewNop())
	require.NoError(t, err)
	assert.Nil(t, consumer)
}

func TestMissingSecretRefusesToStart(t *testing.T) {
	cfg := localConfig(t)
	cfg.Credentials.Secret = ""
	_, err := ProvideCredentialProvider(cfg, nil)
	assert.Error(t, err)
}

func TestInitializeAppLocal(t *testing.T) {
	app, cleanup, err := InitializeApp(localConfig(t))
	require.NoError(t, err)
	require.NotNil(t, app)
	cleanup()
}

func TestInitializeAppRejectsBadStake(t *testing.T) {
	cfg := localConfig(t)
	cfg.Execution.Stake = "one"
	_, _, err := InitializeApp(cfg)
	assert.Error(t, err)
}
