package types

import (
	"time"

	"github.com/litmus-labs/litmus/pkg/utils"
)

// Store backends.
const (
	StoreClickHouse = "clickhouse"
	StoreMemory     = "memory"
)

// Config is everything the service reads from the environment.
type Config struct {
	RPCURLs         []string
	RPCProxyURL     string
	RPCMaxScore     int
	RPCBanRecovery  time.Duration
	RPCTimeout      time.Duration
	RPCRPS          int
	RPCBurst        int
	OfflineDelay    time.Duration
	MaxBlocksPerEra uint64

	CheckInterval time.Duration
	BatchSize     int
	BatchDelay    time.Duration
	FetchRetries  int
	FetchDelay    time.Duration

	IndexerURL       string
	IndexerPageLimit int
	VerifierURL      string

	Store        string
	ClickHouseDB string
	RedisEnabled bool

	ResetOnOlderTrust bool
}

// LoadConfig reads the configuration. Intervals accept either a Go duration or a bare
// integer in the unit their variable name carries.
func LoadConfig() Config {
	return Config{
		RPCURLs:         utils.EnvList("RPC_URLS", []string{"http://localhost:7777/rpc"}),
		RPCProxyURL:     utils.Env("RPC_PROXY_URL", ""),
		RPCMaxScore:     utils.EnvInt("RPC_MAX_SCORE", 10),
		RPCBanRecovery:  utils.EnvDuration("RECOVER_BANNED_RPC_SEC", time.Second, 1000*time.Second),
		RPCTimeout:      utils.EnvDuration("RPC_TIMEOUT", time.Second, 15*time.Second),
		RPCRPS:          utils.EnvInt("RPC_RPS", 20),
		RPCBurst:        utils.EnvInt("RPC_BURST", 40),
		OfflineDelay:    utils.EnvDuration("OFFLINE_DELAY_MS", time.Millisecond, 10*time.Second),
		MaxBlocksPerEra: uint64(utils.EnvInt64("MAX_BLOCKS_PER_ERA", 500)),

		CheckInterval: utils.EnvDuration("NEW_SWITCH_CHECK_SEC", time.Second, 2*time.Second),
		BatchSize:     utils.EnvInt("BATCH_SIZE", 10),
		BatchDelay:    utils.EnvDuration("BATCH_DELAY_MS", time.Millisecond, 200*time.Millisecond),
		FetchRetries:  utils.EnvInt("FETCH_RETRIES", 3),
		FetchDelay:    utils.EnvDuration("FETCH_RETRY_DELAY_MS", time.Millisecond, time.Second),

		IndexerURL:       utils.Env("INDEXER_URL", ""),
		IndexerPageLimit: utils.EnvInt("INDEXER_PAGE_LIMIT", 100),
		VerifierURL:      utils.Env("VERIFIER_URL", "http://localhost:8090"),

		Store:        utils.Env("STORE", StoreClickHouse),
		ClickHouseDB: utils.Env("CLICKHOUSE_DB", "litmus"),
		RedisEnabled: utils.EnvBool("REDIS_ENABLED", false),

		ResetOnOlderTrust: utils.EnvBool("TRUST_RESET_ON_OLDER", false),
	}
}
