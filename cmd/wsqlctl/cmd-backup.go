package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/workersql/workersql/backup"
)

type cmdBackupCreate struct {
	ID      string `long:"id" description:"Snapshot identifier (defaults to a timestamp)"`
	Shard   string `long:"shard" required:"true" description:"Shard to snapshot"`
	Tenants string `long:"tenants" required:"true" description:"Comma-separated tenants to include"`
}

func (cmd cmdBackupCreate) Execute(_ []string) error {
	var manifest backup.Manifest
	if err := call("POST", "/admin/backup", map[string]interface{}{
		"id":      cmd.ID,
		"shardId": cmd.Shard,
		"tenants": strings.Split(cmd.Tenants, ","),
	}, &manifest); err != nil {
		return err
	}
	fmt.Println(color.GreenString("snapshot %s: %d rows across %d tables",
		manifest.ID, manifest.Rows, len(manifest.Tables)))
	return nil
}

type cmdBackupList struct{}

func (cmdBackupList) Execute(_ []string) error {
	var manifests []backup.Manifest
	if err := call("GET", "/admin/backup", nil, &manifests); err != nil {
		return err
	}
	for _, m := range manifests {
		fmt.Printf("%s  shard=%s  rows=%d  created=%s\n",
			m.ID, m.ShardID, m.Rows, m.CreatedAt.Format("2006-01-02T15:04:05Z"))
	}
	return nil
}

type cmdBackupRestore struct {
	ID    string `long:"id" required:"true" description:"Snapshot identifier"`
	Shard string `long:"shard" required:"true" description:"Shard to restore onto"`
}

func (cmd cmdBackupRestore) Execute(_ []string) error {
	var manifest backup.Manifest
	if err := call("POST", "/admin/backup/restore", map[string]interface{}{
		"id":      cmd.ID,
		"shardId": cmd.Shard,
	}, &manifest); err != nil {
		return err
	}
	fmt.Println(color.GreenString("restored %s onto %s (%d rows)",
		manifest.ID, cmd.Shard, manifest.Rows))
	return nil
}
