// Package shard is the gateway-side client of shard actors. An actor is
// reached over HTTP/2 cleartext inside the cluster; transient failures
// retry with exponential backoff, and every call carries the caller's
// deadline.
package shard

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/workersql/workersql/protocol"
)

// Client is the shard actor contract. Mutations are totally ordered per
// actor; the Version of an execute response is the actor's mutation
// counter after the statement.
type Client interface {
	// Execute runs one statement. A non-empty TxnID in req runs it inside
	// that open transaction.
	Execute(ctx context.Context, shardID string, req protocol.ExecuteRequest) (*protocol.ExecuteResponse, error)
	// ExecuteBatch runs statements atomically on the actor.
	ExecuteBatch(ctx context.Context, shardID string, req protocol.BatchExecuteRequest) (*protocol.BatchExecuteResponse, error)
	// Mutation mirrors one replayed mutation event.
	Mutation(ctx context.Context, shardID string, req protocol.ExecuteRequest) (*protocol.ExecuteResponse, error)
	// DDL mirrors one replayed schema change.
	DDL(ctx context.Context, shardID string, req protocol.ExecuteRequest) (*protocol.ExecuteResponse, error)
	// Export pages tenant rows out of a table.
	Export(ctx context.Context, shardID string, req protocol.ExportRequest) (*protocol.ExportResponse, error)
	// Import upserts rows, idempotent by primary key.
	Import(ctx context.Context, shardID string, req protocol.ImportRequest) (*protocol.ImportResponse, error)
	// Events pages the actor's mutation log strictly after req.AfterID.
	Events(ctx context.Context, shardID string, req protocol.EventsRequest) (*protocol.EventsResponse, error)
	// Tables lists the actor's user tables.
	Tables(ctx context.Context, shardID string) ([]string, error)
	// Txn begins, commits or rolls back an actor transaction.
	Txn(ctx context.Context, shardID string, req protocol.TxnRequest) (*protocol.TxnResponse, error)
	// Status fetches the actor's health summary.
	Status(ctx context.Context, shardID string) (*protocol.ActorStatus, error)
}

// Addresser resolves a shard identifier to a base URL.
type Addresser interface {
	Address(shardID string) (string, error)
}

// AddressMap is a static Addresser, typically parsed from flags of the
// form shard-0=http://host:port.
type AddressMap struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewAddressMap() *AddressMap {
	return &AddressMap{m: make(map[string]string)}
}

// Set records the base URL of shardID.
func (a *AddressMap) Set(shardID, addr string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.m[shardID] = addr
}

func (a *AddressMap) Address(shardID string) (string, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var addr, ok = a.m[shardID]
	if !ok {
		return "", protocol.NewError(protocol.CodeInternal,
			"no address is configured for shard %s", shardID)
	}
	return addr, nil
}

// Shards lists configured shard identifiers, sorted.
func (a *AddressMap) Shards() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var out = make([]string, 0, len(a.m))
	for id := range a.m {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// ParseAddressFlag adds one shard=addr pair to the map.
func (a *AddressMap) ParseAddressFlag(pair string) error {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '=' {
			if i == 0 || i == len(pair)-1 {
				break
			}
			a.Set(pair[:i], pair[i+1:])
			return nil
		}
	}
	return fmt.Errorf("malformed shard address %q (expected id=url)", pair)
}
