package bus

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.gazette.dev/core/broker/client"
	pb "go.gazette.dev/core/broker/protocol"

	"github.com/workersql/workersql/protocol"
)

// JournalConfig names the journals and the etcd key under which a
// consumer group checkpoints its read offset.
type JournalConfig struct {
	// Journal carries invalidation events as JSON lines.
	Journal pb.Journal
	// DLQJournal receives events that exhausted their retries.
	DLQJournal pb.Journal
	// OffsetKey is the etcd key holding the group's committed offset.
	OffsetKey string
}

// Journal is the production Bus: events append to a Gazette journal and
// each consumer group tracks a committed byte offset in etcd. Redelivery
// of nacked messages is local to the consuming process; the journal
// itself is append-only.
type Journal struct {
	cfg  JournalConfig
	ajc  client.AsyncJournalClient
	rjc  pb.RoutedJournalClient
	etcd *clientv3.Client

	mu        sync.Mutex
	redeliver []Message
	reader    *bufio.Reader
	rr        *client.RetryReader
}

// NewJournal builds a Journal bus. The reader starts from the offset
// checkpointed under cfg.OffsetKey, or the journal head when none is.
func NewJournal(ajc client.AsyncJournalClient, rjc pb.RoutedJournalClient, etcd *clientv3.Client, cfg JournalConfig) *Journal {
	return &Journal{cfg: cfg, ajc: ajc, rjc: rjc, etcd: etcd}
}

func (j *Journal) Publish(ctx context.Context, ev protocol.InvalidateEvent) error {
	var raw, err = json.Marshal(&ev)
	if err != nil {
		return fmt.Errorf("encoding invalidation event: %w", err)
	}
	raw = append(raw, '\n')

	var aa = j.ajc.StartAppend(pb.AppendRequest{Journal: j.cfg.Journal}, nil)
	_, _ = aa.Writer().Write(raw)
	if err = aa.Release(); err != nil {
		return fmt.Errorf("releasing append: %w", err)
	}
	if err = aa.Err(); err != nil {
		return fmt.Errorf("appending to %s: %w", j.cfg.Journal, err)
	}
	published.Inc()
	return nil
}

func (j *Journal) Consume(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 1
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	// Locally nacked messages go first.
	if len(j.redeliver) != 0 {
		var n = len(j.redeliver)
		if n > max {
			n = max
		}
		var out = append([]Message(nil), j.redeliver[:n]...)
		j.redeliver = append(j.redeliver[:0], j.redeliver[n:]...)
		return out, nil
	}

	if j.reader == nil {
		var offset, err = j.committedOffset(ctx)
		if err != nil {
			return nil, err
		}
		j.rr = client.NewRetryReader(ctx, j.rjc, pb.ReadRequest{
			Journal: j.cfg.Journal,
			Offset:  offset,
			Block:   true,
		})
		j.reader = bufio.NewReader(j.rr)
	}

	var out []Message
	for len(out) < max {
		if len(out) != 0 && j.reader.Buffered() == 0 {
			break // Return what is immediately available.
		}
		var line, err = j.reader.ReadBytes('\n')
		if err != nil {
			// Force a fresh reader on the next call.
			j.reader, j.rr = nil, nil
			if len(out) != 0 {
				return out, nil
			}
			return nil, fmt.Errorf("reading %s: %w", j.cfg.Journal, err)
		}

		var ev protocol.InvalidateEvent
		if err = json.Unmarshal(line, &ev); err != nil {
			log.WithFields(log.Fields{"journal": j.cfg.Journal, "err": err}).
				Warn("skipping undecodable bus event")
			continue
		}
		out = append(out, Message{
			Event:   ev,
			Attempt: 1,
			token:   j.rr.AdjustedOffset(j.reader),
		})
	}
	return out, nil
}

// Ack checkpoints the message's end offset. Offsets only advance, so
// acks arriving out of order are safe.
func (j *Journal) Ack(ctx context.Context, msg Message) error {
	var offset, ok = msg.token.(int64)
	if !ok {
		return nil // Local redelivery of a message already checkpointed.
	}
	var committed, err = j.committedOffset(ctx)
	if err != nil {
		return err
	}
	if offset <= committed {
		return nil
	}
	_, err = j.etcd.Put(ctx, j.cfg.OffsetKey, strconv.FormatInt(offset, 10))
	if err != nil {
		return fmt.Errorf("checkpointing offset %d: %w", offset, err)
	}
	return nil
}

func (j *Journal) Nack(_ context.Context, msg Message) error {
	msg.Attempt++
	msg.token = nil

	j.mu.Lock()
	j.redeliver = append(j.redeliver, msg)
	j.mu.Unlock()
	redelivered.Inc()
	return nil
}

func (j *Journal) DeadLetter(ctx context.Context, msg Message) error {
	var raw, err = json.Marshal(&msg.Event)
	if err != nil {
		return fmt.Errorf("encoding dead-lettered event: %w", err)
	}
	raw = append(raw, '\n')

	var aa = j.ajc.StartAppend(pb.AppendRequest{Journal: j.cfg.DLQJournal}, nil)
	_, _ = aa.Writer().Write(raw)
	if err = aa.Release(); err != nil {
		return fmt.Errorf("releasing append: %w", err)
	}
	if err = aa.Err(); err != nil {
		return fmt.Errorf("appending to %s: %w", j.cfg.DLQJournal, err)
	}
	deadLettered.Inc()
	return nil
}

func (j *Journal) DeadLetters(ctx context.Context, limit int) ([]protocol.InvalidateEvent, error) {
	var r = client.NewReader(ctx, j.rjc, pb.ReadRequest{
		Journal: j.cfg.DLQJournal,
		Block:   false,
	})
	var scanner = bufio.NewScanner(r)

	var out []protocol.InvalidateEvent
	for scanner.Scan() {
		var ev protocol.InvalidateEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	// A non-blocking read ends with OFFSET_NOT_YET_AVAILABLE at the
	// journal head; that and EOF both mean we drained what exists.
	if err := scanner.Err(); err != nil && err != io.EOF &&
		err != client.ErrOffsetNotYetAvailable {
		return out, fmt.Errorf("reading %s: %w", j.cfg.DLQJournal, err)
	}
	return out, nil
}

func (j *Journal) committedOffset(ctx context.Context) (int64, error) {
	var resp, err = j.etcd.Get(ctx, j.cfg.OffsetKey)
	if err != nil {
		return 0, fmt.Errorf("fetching offset checkpoint: %w", err)
	}
	if resp.Count == 0 {
		return 0, nil
	}
	offset, err := strconv.ParseInt(string(resp.Kvs[0].Value), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decoding offset checkpoint %q: %w", resp.Kvs[0].Value, err)
	}
	return offset, nil
}

var _ Bus = &Journal{}
