package gateway

import "time"

// Config carries the gateway's operator tunables. Fields bind to flags
// and environment variables through the go-flags tags; cmd/wsql-gateway
// owns the parse.
type Config struct {
	RequestTimeout time.Duration `long:"request-timeout" env:"REQUEST_TIMEOUT" default:"30s" description:"End-to-end deadline of one request"`

	CacheTTLMs int64 `long:"cache-ttl-ms" env:"CACHE_TTL_MS" default:"30000" description:"Default freshness window of cached reads"`
	CacheSwrMs int64 `long:"cache-swr-ms" env:"CACHE_SWR_MS" default:"120000" description:"Stale-while-revalidate window beyond freshness"`

	MaxOps   int   `long:"max-ops" env:"MAX_OPS" default:"100" description:"Statement count limit of one batch"`
	MaxBytes int64 `long:"max-bytes" env:"MAX_BYTES" default:"1048576" description:"Encoded size limit of one batch"`

	MaxBodyBytes   int64         `long:"max-body-bytes" env:"MAX_BODY_BYTES" default:"2097152" description:"Request body size limit"`
	TxnIdleTimeout time.Duration `long:"txn-idle-timeout" env:"TXN_IDLE_TIMEOUT" default:"60s" description:"Idle expiry of open transactions"`

	AuditRetentionDays int `long:"audit-retention-days" env:"AUDIT_RETENTION_DAYS" default:"30" description:"Retention of routing policy audit records"`

	MaxShardSizeGB int `long:"max-shard-size-gb" env:"MAX_SHARD_SIZE_GB" default:"10" description:"Shard storage size above which the janitor flags a split candidate (0 disables)"`

	EnforceHTTPS   bool     `long:"enforce-https" env:"ENFORCE_HTTPS" description:"Reject plaintext requests at the perimeter"`
	AllowCountries []string `long:"allow-country" env:"ALLOW_COUNTRIES" env-delim:"," description:"Country allowlist (empty admits all)"`
	BlockCountries []string `long:"block-country" env:"BLOCK_COUNTRIES" env-delim:"," description:"Country blocklist"`
	AllowIPs       []string `long:"allow-ip" env:"ALLOW_IPS" env-delim:"," description:"Client IP allowlist (empty admits all)"`
	BlockIPs       []string `long:"block-ip" env:"BLOCK_IPS" env-delim:"," description:"Client IP blocklist"`

	AdminTenants []string `long:"admin-tenant" env:"ADMIN_TENANTS" env-delim:"," description:"Tenants granted the /admin surface"`

	JanitorSchedule string `long:"janitor-schedule" env:"JANITOR_SCHEDULE" default:"@every 5m" description:"Cron schedule of maintenance sweeps"`
	BackupSchedule  string `long:"backup-schedule" env:"BACKUP_SCHEDULE" description:"Cron schedule of automatic snapshots (empty disables)"`
}

// admin reports whether the tenant holds admin privilege.
func (c Config) admin(tenantID string) bool {
	for _, t := range c.AdminTenants {
		if t == tenantID {
			return true
		}
	}
	return false
}
