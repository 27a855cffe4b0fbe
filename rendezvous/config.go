// Copyright (C) 2025 XTR Dev.
// See LICENSE for copying information.

package rendezvous

// Config holds every tunable of the broker. All durations are epoch-style
// millisecond counts so that the environment values stay plain integers.
type Config struct {
	Port        int    `env:"PORT" help:"HTTP listen port" default:"8080"`
	Environment string `env:"ENVIRONMENT" help:"deployment environment, 'development' enables the insecure built-in master key" default:"production"`

	StorageType string `env:"STORAGE_TYPE" help:"storage backend: memory, sqlite, postgres or mysql" default:"memory"`
	StoragePath string `env:"STORAGE_PATH" help:"database file path for the sqlite backend" default:"rondevu.db"`
	DatabaseURL string `env:"DATABASE_URL" help:"connection URL for the postgres and mysql backends" default:""`
	DBPoolSize  int    `env:"DB_POOL_SIZE" help:"maximum open database connections" default:"10"`

	CORSOrigins         string `env:"CORS_ORIGINS" help:"comma separated allowed CORS origins, * allows any" default:"*"`
	MasterEncryptionKey string `env:"MASTER_ENCRYPTION_KEY" help:"64 hex character key encrypting credential secrets at rest" default:""`

	OfferDefaultTTL int64 `env:"OFFER_DEFAULT_TTL" help:"offer lifetime in ms when the request carries no ttl" default:"300000"`
	OfferMinTTL     int64 `env:"OFFER_MIN_TTL" help:"lower clamp for requested offer ttl in ms" default:"60000"`
	OfferMaxTTL     int64 `env:"OFFER_MAX_TTL" help:"upper clamp for requested offer ttl in ms" default:"3600000"`

	CleanupInterval int64 `env:"CLEANUP_INTERVAL" help:"ms between expired row sweeps" default:"60000"`

	MaxOffersPerRequest     int `env:"MAX_OFFERS_PER_REQUEST" help:"offers accepted in a single publishOffer" default:"100"`
	MaxBatchSize            int `env:"MAX_BATCH_SIZE" help:"requests accepted in a single RPC batch" default:"100"`
	MaxTotalOperations      int `env:"MAX_TOTAL_OPERATIONS" help:"cumulative operation budget per RPC batch" default:"1000"`
	MaxSDPSize              int `env:"MAX_SDP_SIZE" help:"maximum SDP size in bytes" default:"65536"`
	MaxCandidateSize        int `env:"MAX_CANDIDATE_SIZE" help:"maximum serialized ICE candidate size in bytes" default:"8192"`
	MaxCandidateDepth       int `env:"MAX_CANDIDATE_DEPTH" help:"maximum ICE candidate JSON nesting depth" default:"5"`
	MaxCandidatesPerRequest int `env:"MAX_CANDIDATES_PER_REQUEST" help:"candidates accepted in a single addIceCandidates" default:"50"`

	TimestampMaxAge    int64 `env:"TIMESTAMP_MAX_AGE" help:"ms a request timestamp may lag behind the server clock" default:"60000"`
	TimestampMaxFuture int64 `env:"TIMESTAMP_MAX_FUTURE" help:"ms a request timestamp may run ahead of the server clock" default:"60000"`

	MaxOffersPerUser         int `env:"MAX_OFFERS_PER_USER" help:"open offers a single credential may hold" default:"100"`
	MaxTotalOffers           int `env:"MAX_TOTAL_OFFERS" help:"open offers the broker holds across all users" default:"10000"`
	MaxTotalCredentials      int `env:"MAX_TOTAL_CREDENTIALS" help:"credentials the broker holds" default:"100000"`
	MaxIceCandidatesPerOffer int `env:"MAX_ICE_CANDIDATES_PER_OFFER" help:"ICE candidates stored per offer" default:"100"`

	CredentialsPerIPPerSecond int `env:"CREDENTIALS_PER_IP_PER_SECOND" help:"generateCredentials calls allowed per IP per second" default:"5"`
	RequestsPerIPPerSecond    int `env:"REQUESTS_PER_IP_PER_SECOND" help:"RPC batches allowed per IP per second" default:"50"`
}

const (
	// MaxPageSize bounds the limit parameter of paginated discovery.
	MaxPageSize = 100

	// CredentialTTL is how far a credential's expiry is pushed out on every
	// successful authenticated call (365 days in ms).
	CredentialTTL = int64(365 * 24 * 60 * 60 * 1000)

	// MaxCredentialExpiry caps a caller-chosen credential expiry (10 years in ms).
	MaxCredentialExpiry = int64(10 * 365 * 24 * 60 * 60 * 1000)

	// ExpiresAtPastTolerance is how far in the past a caller-chosen credential
	// expiry may lie before it is rejected, in ms.
	ExpiresAtPastTolerance = int64(60 * 1000)

	// MaxOfferIDsPerQuery caps the batched ICE candidate join.
	MaxOfferIDsPerQuery = 1000

	// GlobalCredentialBucketLimit throttles credential creation when the
	// client IP cannot be determined, per second.
	GlobalCredentialBucketLimit = 2

	// RateLimitWindow is the fixed rate limit window in ms.
	RateLimitWindow = int64(1000)
)

// IsDevelopment reports whether the broker runs with development defaults.
func (config Config) IsDevelopment() bool {
	return config.Environment == "development"
}
