package main

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/workersql/workersql/dsn"
)

type cmdCheckDSN struct {
	Args struct {
		DSN string `positional-arg-name:"dsn" required:"true"`
	} `positional-args:"true"`
}

func (cmd cmdCheckDSN) Execute(_ []string) error {
	var cfg, err = dsn.Parse(cmd.Args.DSN)
	if err != nil {
		return err
	}
	fmt.Println(color.GreenString("DSN parses as %s", cfg.Protocol))
	fmt.Printf("normalized: %s\n", cfg.Redacted())
	return nil
}
