package main

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/workersql/workersql/protocol"
)

type cmdBusDLQ struct {
	Limit int `long:"limit" default:"100" description:"Events to list"`
}

func (cmd cmdBusDLQ) Execute(_ []string) error {
	var resp struct {
		Events []protocol.InvalidateEvent `json:"events"`
	}
	if err := call("GET", fmt.Sprintf("/admin/bus/dlq?limit=%d", cmd.Limit), nil, &resp); err != nil {
		return err
	}
	if len(resp.Events) == 0 {
		fmt.Println(color.GreenString("dead-letter queue is empty"))
		return nil
	}
	fmt.Println(color.RedString("%d dead-lettered events:", len(resp.Events)))
	return printJSON(resp.Events)
}
