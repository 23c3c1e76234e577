package main

import (
	"github.com/jessevdk/go-flags"
	mbp "go.gazette.dev/core/mainboilerplate"
)

const iniFilename = "workersql.ini"

// Config is the top-level configuration object of wsqlctl.
var Config = new(struct {
	Gateway string        `long:"gateway" env:"WSQL_GATEWAY" default:"http://localhost:8080" description:"Gateway base URL"`
	Token   string        `long:"token" env:"WSQL_TOKEN" description:"Bearer token (API token or JWT)"`
	Log     mbp.LogConfig `group:"Logging" namespace:"log" env-namespace:"LOG"`
})

func main() {
	var parser = flags.NewParser(Config, flags.HelpFlag|flags.PassDoubleDash)

	addCmd(parser, "query", "Run a SQL statement through the gateway", `
Run one SQL statement as the token's tenant and print its rows.
`, &cmdQuery{})

	addCmd(parser, "policy", "Inspect or publish the routing policy", `
Fetch the active (or a historical) routing policy, publish a new one
from a JSON file, or list the audit trail of past publishes.
`, &cmdPolicy{})

	var splits = addCmd(parser, "split", "Drive shard-split migrations", `
Plan and drive a shard-split migration through its lifecycle:
dual-write, backfill, tail replay, verification, and cutover.
`, &struct{}{})
	addCmd(splits, "plan", "Create a split plan", "", &cmdSplitPlan{})
	addCmd(splits, "status", "Show split plans", "", &cmdSplitStatus{})
	addCmd(splits, "run", "Drive a plan through one lifecycle step", `
Run one lifecycle action of a plan. backfill and tail repeat their
bounded segments until the phase completes.
`, &cmdSplitRun{})
	addCmd(splits, "verify", "Compare sampled rows of source and target", "", &cmdSplitVerify{})

	var backups = addCmd(parser, "backup", "Snapshot and restore shard data", "", &struct{}{})
	addCmd(backups, "create", "Snapshot a shard to the object store", "", &cmdBackupCreate{})
	addCmd(backups, "list", "List stored snapshots", "", &cmdBackupList{})
	addCmd(backups, "restore", "Restore a snapshot onto a shard", "", &cmdBackupRestore{})

	var bus = addCmd(parser, "bus", "Inspect the invalidation bus", "", &struct{}{})
	addCmd(bus, "dlq", "List dead-lettered invalidation events", "", &cmdBusDLQ{})

	addCmd(parser, "check-dsn", "Parse and normalize an engine DSN", `
Parse a shard engine DSN, validate its scheme, and print the normalized
form with credentials redacted.
`, &cmdCheckDSN{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	mbp.Must(err, "failed to add flags parser command")
	return cmd
}
