package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/workersql/workersql/routing"
)

type cmdPolicy struct {
	Version uint64 `long:"version" description:"Fetch this historical version instead of the active policy"`
	Publish string `long:"publish" description:"Publish the policy in this JSON file"`
	Audit   bool   `long:"audit" description:"List the audit trail instead of the policy"`
	Limit   int    `long:"limit" default:"50" description:"Audit records to list"`
}

func (cmd cmdPolicy) Execute(_ []string) error {
	if cmd.Audit {
		var records []routing.AuditRecord
		if err := call("GET", fmt.Sprintf("/admin/policy/audit?limit=%d", cmd.Limit), nil, &records); err != nil {
			return err
		}
		return printJSON(records)
	}

	if cmd.Publish != "" {
		var raw, err = os.ReadFile(cmd.Publish)
		if err != nil {
			return fmt.Errorf("reading %s: %w", cmd.Publish, err)
		}
		var body json.RawMessage = raw
		var resp struct {
			Version uint64 `json:"version"`
		}
		if err = call("POST", "/admin/policy", body, &resp); err != nil {
			return err
		}
		fmt.Printf("published routing policy v%d\n", resp.Version)
		return nil
	}

	var path = "/admin/policy"
	if cmd.Version != 0 {
		path = fmt.Sprintf("/admin/policy?version=%d", cmd.Version)
	}
	var policy routing.Policy
	if err := call("GET", path, nil, &policy); err != nil {
		return err
	}
	return printJSON(policy)
}
