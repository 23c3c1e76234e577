package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/workersql/workersql/protocol"
)

type cmdQuery struct {
	Consistency string `long:"consistency" choice:"strong" choice:"bounded" choice:"cached" description:"Read consistency hint"`
	BoundedMs   int64  `long:"bounded-ms" description:"Freshness window override of bounded reads"`

	Args struct {
		SQL []string `positional-arg-name:"sql" required:"true"`
	} `positional-args:"true"`
}

func (cmd cmdQuery) Execute(_ []string) error {
	var req = protocol.QueryRequest{SQL: strings.Join(cmd.Args.SQL, " ")}
	if cmd.Consistency != "" || cmd.BoundedMs > 0 {
		req.Hints = &protocol.Hints{
			Consistency: protocol.Consistency(cmd.Consistency),
			BoundedMs:   cmd.BoundedMs,
		}
	}

	var resp protocol.QueryResponse
	if err := call("POST", "/sql", req, &resp); err != nil {
		return err
	}

	var origin = color.GreenString("shard %s", resp.Metadata.ShardID)
	if resp.Cached {
		origin = color.YellowString("cache (shard %s)", resp.Metadata.ShardID)
	}
	fmt.Printf("%s  v%d  %.1fms\n", origin, resp.Metadata.Version, resp.ExecutionTime)

	if len(resp.Data) != 0 {
		var rows, err = protocol.DecodeRows(resp.Data)
		if err != nil {
			return err
		}
		return printJSON(rows)
	}
	fmt.Printf("%d rows affected\n", resp.RowsAffected)
	return nil
}
