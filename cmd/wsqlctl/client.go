package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/workersql/workersql/protocol"
)

// call sends one JSON request to the gateway and decodes the response
// into out. Non-2xx responses surface the gateway's error envelope.
func call(method, path string, body interface{}, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	var req, err = http.NewRequest(method, Config.Gateway+path, &buf)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if Config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+Config.Token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response of %s: %w", path, err)
	}
	if resp.StatusCode >= 300 {
		var envelope protocol.Error
		if json.Unmarshal(raw, &envelope) == nil && envelope.Code != "" {
			return &envelope
		}
		return fmt.Errorf("%s answered %s: %s", path, resp.Status, raw)
	}
	if out != nil {
		if err = json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decoding response of %s: %w", path, err)
		}
	}
	return nil
}

// printJSON writes v to stdout, indented.
func printJSON(v interface{}) error {
	var enc = json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
