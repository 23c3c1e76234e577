package main

import (
	"fmt"
	"strings"

	"github.com/fatih/color"

	"github.com/workersql/workersql/split"
)

type cmdSplitPlan struct {
	ID      string `long:"id" required:"true" description:"Plan identifier"`
	Source  string `long:"source" required:"true" description:"Source shard"`
	Target  string `long:"target" required:"true" description:"Target shard"`
	Tenants string `long:"tenants" required:"true" description:"Comma-separated tenants to move"`
}

func (cmd cmdSplitPlan) Execute(_ []string) error {
	var plan split.Plan
	if err := call("POST", "/admin/shards/split", map[string]interface{}{
		"id":      cmd.ID,
		"source":  cmd.Source,
		"target":  cmd.Target,
		"tenants": strings.Split(cmd.Tenants, ","),
	}, &plan); err != nil {
		return err
	}
	printPlan(&plan)
	return nil
}

type cmdSplitStatus struct {
	ID string `long:"id" description:"Show one plan (empty lists all)"`
}

func (cmd cmdSplitStatus) Execute(_ []string) error {
	if cmd.ID != "" {
		var plan split.Plan
		if err := call("GET", "/admin/shards/split/"+cmd.ID, nil, &plan); err != nil {
			return err
		}
		printPlan(&plan)
		return nil
	}

	var plans []split.Plan
	if err := call("GET", "/admin/shards/split", nil, &plans); err != nil {
		return err
	}
	for i := range plans {
		printPlan(&plans[i])
	}
	return nil
}

type cmdSplitRun struct {
	ID    string `long:"id" required:"true" description:"Plan identifier"`
	Force bool   `long:"force" description:"Cut over despite verification mismatches"`

	Args struct {
		Action string `positional-arg-name:"action" required:"true" choice:"dual-write" choice:"backfill" choice:"tail" choice:"cutover" choice:"rollback"`
	} `positional-args:"true"`
}

func (cmd cmdSplitRun) Execute(_ []string) error {
	var base = "/admin/shards/split/" + cmd.ID + "/"

	switch cmd.Args.Action {
	case "backfill":
		// Each call runs one budgeted segment; loop until the copy is done.
		for {
			var resp struct {
				Plan split.Plan `json:"plan"`
				Done bool       `json:"done"`
			}
			if err := call("POST", base+"backfill", nil, &resp); err != nil {
				return err
			}
			fmt.Printf("backfill: %d rows copied\n", resp.Plan.Backfill.RowsCopied)
			if resp.Done {
				printPlan(&resp.Plan)
				return nil
			}
		}

	case "tail":
		for {
			var resp struct {
				Plan     split.Plan `json:"plan"`
				CaughtUp bool       `json:"caughtUp"`
			}
			if err := call("POST", base+"tail", nil, &resp); err != nil {
				return err
			}
			fmt.Printf("tail: %d events replayed\n", resp.Plan.Tail.EventsReplayed)
			if resp.CaughtUp {
				printPlan(&resp.Plan)
				return nil
			}
		}

	case "cutover":
		var path = base + "cutover"
		if cmd.Force {
			path += "?force=true"
		}
		var plan split.Plan
		if err := call("POST", path, nil, &plan); err != nil {
			return err
		}
		printPlan(&plan)
		return nil

	default: // dual-write, rollback
		var plan split.Plan
		if err := call("POST", base+cmd.Args.Action, nil, &plan); err != nil {
			return err
		}
		printPlan(&plan)
		return nil
	}
}

type cmdSplitVerify struct {
	ID string `long:"id" required:"true" description:"Plan identifier"`
}

func (cmd cmdSplitVerify) Execute(_ []string) error {
	var resp struct {
		Mismatches []split.Mismatch `json:"mismatches"`
	}
	if err := call("POST", "/admin/shards/split/"+cmd.ID+"/verify", nil, &resp); err != nil {
		return err
	}
	if len(resp.Mismatches) == 0 {
		fmt.Println(color.GreenString("verification passed: sampled rows match"))
		return nil
	}
	fmt.Println(color.RedString("verification found %d mismatches:", len(resp.Mismatches)))
	return printJSON(resp.Mismatches)
}

func printPlan(plan *split.Plan) {
	var phase = color.YellowString(string(plan.Phase))
	switch plan.Phase {
	case split.Completed:
		phase = color.GreenString(string(plan.Phase))
	case split.RolledBack:
		phase = color.RedString(string(plan.Phase))
	}
	fmt.Printf("%s  %s -> %s  [%s]  tenants=%s\n",
		plan.ID, plan.Source, plan.Target, phase, strings.Join(plan.Tenants, ","))
	if plan.ErrorMessage != "" {
		fmt.Println(color.RedString("  error: %s", plan.ErrorMessage))
	}
}
