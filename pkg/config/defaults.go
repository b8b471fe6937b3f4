package config

// Repository defaults.
const (
	DefaultRepositoryBackend = BackendLibgit2
	DefaultDiffCacheEntries  = 512
)

// Sync defaults. Zero workers means GOMAXPROCS.
const (
	DefaultSyncWorkers      = 0
	DefaultSyncBatchSize    = 100
	DefaultSubscriberBuffer = 16
	DefaultBoundReconcile   = false
)

// Store defaults.
const (
	DefaultStoreBackend = StoreSQLite
	DefaultSQLitePath   = ".lineage/lineage.db"
	DefaultS3Prefix     = "lineage"
)

// Logging and telemetry defaults.
const (
	DefaultLogLevel    = "info"
	DefaultSampleRatio = 1.0
)
