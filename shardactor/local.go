package shardactor

import (
	"context"
	"sort"
	"sync"

	"github.com/workersql/workersql/protocol"
	"github.com/workersql/workersql/shard"
)

// Local is an in-process shard.Client over embedded actors, used by
// single-binary runs and tests. Calls dispatch directly without the h2c
// transport.
type Local struct {
	mu     sync.RWMutex
	actors map[string]*Actor
}

func NewLocal() *Local {
	return &Local{actors: make(map[string]*Actor)}
}

// Add registers an actor under its shard ID.
func (l *Local) Add(actor *Actor) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.actors[actor.ShardID()] = actor
}

func (l *Local) actor(shardID string) (*Actor, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var actor, ok = l.actors[shardID]
	if !ok {
		return nil, protocol.NewError(protocol.CodeInternal,
			"no local actor is registered for shard %s", shardID)
	}
	return actor, nil
}

// Shards lists registered shard IDs, sorted.
func (l *Local) Shards() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out = make([]string, 0, len(l.actors))
	for id := range l.actors {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (l *Local) Execute(ctx context.Context, shardID string, req protocol.ExecuteRequest) (*protocol.ExecuteResponse, error) {
	var actor, err = l.actor(shardID)
	if err != nil {
		return nil, err
	}
	return actor.Execute(ctx, req)
}

func (l *Local) ExecuteBatch(ctx context.Context, shardID string, req protocol.BatchExecuteRequest) (*protocol.BatchExecuteResponse, error) {
	var actor, err = l.actor(shardID)
	if err != nil {
		return nil, err
	}
	return actor.ExecuteBatch(ctx, req)
}

func (l *Local) Mutation(ctx context.Context, shardID string, req protocol.ExecuteRequest) (*protocol.ExecuteResponse, error) {
	return l.Execute(ctx, shardID, req)
}

func (l *Local) DDL(ctx context.Context, shardID string, req protocol.ExecuteRequest) (*protocol.ExecuteResponse, error) {
	return l.Execute(ctx, shardID, req)
}

func (l *Local) Export(ctx context.Context, shardID string, req protocol.ExportRequest) (*protocol.ExportResponse, error) {
	var actor, err = l.actor(shardID)
	if err != nil {
		return nil, err
	}
	return actor.Export(ctx, req)
}

func (l *Local) Import(ctx context.Context, shardID string, req protocol.ImportRequest) (*protocol.ImportResponse, error) {
	var actor, err = l.actor(shardID)
	if err != nil {
		return nil, err
	}
	return actor.Import(ctx, req)
}

func (l *Local) Events(ctx context.Context, shardID string, req protocol.EventsRequest) (*protocol.EventsResponse, error) {
	var actor, err = l.actor(shardID)
	if err != nil {
		return nil, err
	}
	return actor.Events(ctx, req)
}

func (l *Local) Tables(ctx context.Context, shardID string) ([]string, error) {
	var actor, err = l.actor(shardID)
	if err != nil {
		return nil, err
	}
	return actor.Tables(ctx)
}

func (l *Local) Txn(ctx context.Context, shardID string, req protocol.TxnRequest) (*protocol.TxnResponse, error) {
	var actor, err = l.actor(shardID)
	if err != nil {
		return nil, err
	}
	return actor.Txn(ctx, req)
}

func (l *Local) Status(ctx context.Context, shardID string) (*protocol.ActorStatus, error) {
	var actor, err = l.actor(shardID)
	if err != nil {
		return nil, err
	}
	return actor.Status(ctx), nil
}

var _ shard.Client = &Local{}
