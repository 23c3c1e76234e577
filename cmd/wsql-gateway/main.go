package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/core/broker/client"
	pb "go.gazette.dev/core/broker/protocol"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/server"
	"go.gazette.dev/core/task"

	"github.com/workersql/workersql/auth"
	"github.com/workersql/workersql/backup"
	"github.com/workersql/workersql/batch"
	"github.com/workersql/workersql/breaker"
	"github.com/workersql/workersql/bus"
	"github.com/workersql/workersql/cache"
	"github.com/workersql/workersql/consistency"
	"github.com/workersql/workersql/gateway"
	"github.com/workersql/workersql/invalidation"
	"github.com/workersql/workersql/isolate"
	"github.com/workersql/workersql/kv"
	"github.com/workersql/workersql/routing"
	"github.com/workersql/workersql/shard"
	"github.com/workersql/workersql/split"
)

const iniFilename = "workersql.ini"

// Config is the top-level configuration object of a WorkerSQL gateway.
var Config = new(struct {
	Gateway struct {
		mbp.ServiceConfig
		gateway.Config

		Shards         []string      `long:"shard-addr" env:"SHARD_ADDRS" env-delim:"," description:"Shard address pairs, id=http://host:port"`
		JWTSecret      string        `long:"jwt-secret" env:"JWT_SECRET" description:"HS256 secret of tenant JWTs"`
		APITokens      []string      `long:"api-token" env:"API_TOKENS" env-delim:"," description:"Static token pairs, token=tenant"`
		LenientInsert  bool          `long:"lenient-insert" env:"LENIENT_INSERT" description:"Pass INSERTs lacking a column list through with a warning"`
		BackupStore    string        `long:"backup-store" env:"BACKUP_STORE" description:"Snapshot object store URL (file:// or gs://)"`
		CacheEntries   int           `long:"cache-entries" env:"CACHE_ENTRIES" default:"65536" description:"Entry bound of the in-memory cache store"`
		RocksPath      string        `long:"rocksdb-path" env:"ROCKSDB_PATH" description:"RocksDB path of the cache store (empty selects memory)"`
		PolicyPrefix   string        `long:"policy-prefix" env:"POLICY_PREFIX" default:"/workersql" description:"Etcd key prefix of routing and split state"`
		PolicyInterval time.Duration `long:"policy-interval" env:"POLICY_INTERVAL" default:"3s" description:"Routing policy refresh interval"`
		IdempotencyTTL time.Duration `long:"idempotency-ttl" env:"IDEMPOTENCY_TTL" default:"24h" description:"Retention of idempotency records"`
		SeedShards     int           `long:"seed-shards" env:"SHARD_COUNT" description:"Publish a bootstrap policy over this many shards when none is active (0 disables)"`
	} `group:"Gateway" namespace:"gateway" env-namespace:"GATEWAY"`

	Bus struct {
		Journal    string `long:"journal" env:"JOURNAL" description:"Invalidation journal name (empty selects the in-process bus)"`
		DLQJournal string `long:"dlq-journal" env:"DLQ_JOURNAL" description:"Dead-letter journal name"`
		OffsetKey  string `long:"offset-key" env:"OFFSET_KEY" default:"/workersql/bus/offset" description:"Etcd key of the consumer group offset"`
	} `group:"Bus" namespace:"bus" env-namespace:"BUS"`

	Etcd        mbp.EtcdConfig        `group:"Etcd" namespace:"etcd" env-namespace:"ETCD"`
	Broker      mbp.ClientConfig      `group:"Broker" namespace:"broker" env-namespace:"BROKER"`
	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("gateway configuration")

	var cfg = Config.Gateway

	var addrs = shard.NewAddressMap()
	for _, pair := range cfg.Shards {
		mbp.Must(addrs.ParseAddressFlag(pair), "parsing shard address")
	}
	var shards = shard.NewHTTPClient(addrs)

	var store kv.Store
	var err error
	if cfg.RocksPath != "" {
		store, err = kv.OpenRocks(cfg.RocksPath)
	} else {
		store, err = kv.NewMemory(cfg.CacheEntries)
	}
	mbp.Must(err, "opening cache store")
	var c = cache.New(store)

	var etcd = Config.Etcd.MustDial()
	var policyStore = routing.NewEtcd(etcd, cfg.PolicyPrefix)
	var poller = routing.NewPoller(policyStore, cfg.PolicyInterval)

	if cfg.SeedShards > 0 {
		seedPolicy(policyStore, cfg.SeedShards)
	}

	var b bus.Bus
	if Config.Bus.Journal != "" {
		var rjc = Config.Broker.MustRoutedJournalClient(context.Background())
		var ajc = client.NewAppendService(context.Background(), rjc)
		b = bus.NewJournal(ajc, rjc, etcd, bus.JournalConfig{
			Journal:    pb.Journal(Config.Bus.Journal),
			DLQJournal: pb.Journal(Config.Bus.DLQJournal),
			OffsetKey:  Config.Bus.OffsetKey,
		})
	} else {
		log.Warn("--bus.journal is unset; invalidations stay within this process")
		b = bus.NewMemory(0)
	}

	var breakers = breaker.NewSet(breaker.DefaultConfig())
	var filter = isolate.Filter{LenientInsert: cfg.LenientInsert}
	var records = batch.NewRecordStore(store, cfg.IdempotencyTTL)

	var backups *backup.Manager
	if cfg.BackupStore != "" {
		objects, storeErr := backup.OpenStore(cfg.BackupStore)
		mbp.Must(storeErr, "opening backup store")
		backups = backup.NewManager(shards, objects)
	}

	var verifier = auth.NewVerifier(auth.Config{
		JWTSecret: cfg.JWTSecret,
		APITokens: parseTokenPairs(cfg.APITokens),
	})

	var gw = gateway.New(cfg.Config, gateway.Dependencies{
		Engine: consistency.New(consistency.Config{
			DefaultFreshMs: cfg.CacheTTLMs,
			DefaultSwrMs:   cfg.CacheSwrMs,
		}, c, shards, breakers, poller, b),
		Batches: batch.NewExecutor(batch.Limits{
			MaxOps:   cfg.MaxOps,
			MaxBytes: int(cfg.MaxBytes),
		}, filter, poller, shards, breakers, b, records),
		Filter:   filter,
		Verifier: verifier,
		Shards:   shards,
		Policy:   poller,
		Store:    policyStore,
		Splits:   split.NewController(split.DefaultConfig(), split.NewEtcdPlans(etcd, cfg.PolicyPrefix), policyStore, shards),
		Backups:  backups,
		Bus:      b,
		Records:  records,
		Breakers: breakers,
	})

	// Bind our server listener, grabbing a random available port if Port is zero.
	srv, err := server.New("", cfg.Host, cfg.Port, nil, nil, cfg.MaxGRPCRecvSize, nil)
	mbp.Must(err, "building Server instance")
	gateway.RegisterAPIs(srv, gw)

	janitor, err := gateway.NewJanitor(gw)
	mbp.Must(err, "building janitor")
	janitor.Start()

	var consumer = invalidation.New(invalidation.DefaultConfig(), b, c, store)
	var tasks = task.NewGroup(context.Background())
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	srv.QueueTasks(tasks)
	tasks.Queue("policy.Run", func() error {
		return poller.Run(tasks.Context())
	})
	tasks.Queue("invalidation.Run", func() error {
		return consumer.Run(tasks.Context())
	})
	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			janitor.Stop()
			tasks.Cancel()
			srv.BoundedGracefulStop()
			return nil
		case <-tasks.Context().Done():
			return nil
		}
	})
	tasks.GoRun()

	mbp.Must(tasks.Wait(), "gateway task failed")
	log.Info("goodbye")
	return nil
}

// seedPolicy bootstraps a first routing policy when the store has none.
// Losing the publish race to another gateway is fine.
func seedPolicy(store routing.Store, shardCount int) {
	var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var _, err = store.GetActive(ctx)
	if err == nil {
		return
	} else if !errors.Is(err, routing.ErrNoPolicy) {
		mbp.Must(err, "probing active routing policy")
	}

	version, err := store.PublishIfActive(ctx, routing.SeedPolicy(shardCount), 0, "bootstrap")
	if errors.Is(err, routing.ErrVersionConflict) {
		return
	}
	mbp.Must(err, "publishing bootstrap policy")
	log.WithFields(log.Fields{
		"version": version,
		"shards":  shardCount,
	}).Info("seeded routing policy")
}

// parseTokenPairs splits token=tenant flags into the verifier's map.
func parseTokenPairs(pairs []string) map[string]string {
	var out = make(map[string]string, len(pairs))
	for _, pair := range pairs {
		var i = strings.IndexByte(pair, '=')
		if i <= 0 || i == len(pair)-1 {
			log.WithField("pair", pair).Fatal("malformed api token (expected token=tenant)")
		}
		out[pair[:i]] = pair[i+1:]
	}
	return out
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as WorkerSQL gateway", `
Serve a WorkerSQL gateway with the provided configuration, until
signaled to exit (via SIGTERM).
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
