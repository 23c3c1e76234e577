package split

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

func encodePlan(plan *Plan) ([]byte, error) {
	var raw, err = json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("encoding split plan %s: %w", plan.ID, err)
	}
	return raw, nil
}

func decodePlan(raw []byte) (*Plan, error) {
	var plan = new(Plan)
	if err := json.Unmarshal(raw, plan); err != nil {
		return nil, fmt.Errorf("decoding split plan: %w", err)
	}
	return plan, nil
}

// EtcdPlans is the durable PlanStore. Plans live under
// "{prefix}/split:plan:{id}".
type EtcdPlans struct {
	client *clientv3.Client
	prefix string
}

func NewEtcdPlans(client *clientv3.Client, prefix string) *EtcdPlans {
	return &EtcdPlans{client: client, prefix: prefix}
}

func (s *EtcdPlans) key(id string) string {
	return s.prefix + "/split:plan:" + id
}

func (s *EtcdPlans) Get(ctx context.Context, id string) (*Plan, error) {
	var resp, err = s.client.Get(ctx, s.key(id))
	if err != nil {
		return nil, fmt.Errorf("fetching split plan %s: %w", id, err)
	}
	if resp.Count == 0 {
		return nil, ErrPlanNotFound
	}
	return decodePlan(resp.Kvs[0].Value)
}

func (s *EtcdPlans) Put(ctx context.Context, plan *Plan) error {
	var raw, err = encodePlan(plan)
	if err != nil {
		return err
	}
	if _, err = s.client.Put(ctx, s.key(plan.ID), string(raw)); err != nil {
		return fmt.Errorf("storing split plan %s: %w", plan.ID, err)
	}
	return nil
}

func (s *EtcdPlans) List(ctx context.Context) ([]*Plan, error) {
	var ctx2, cancel = context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var resp, err = s.client.Get(ctx2, s.key(""), clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("listing split plans: %w", err)
	}

	var out = make([]*Plan, 0, resp.Count)
	for _, kv := range resp.Kvs {
		var plan *Plan
		if plan, err = decodePlan(kv.Value); err != nil {
			return nil, err
		}
		out = append(out, plan)
	}
	return out, nil
}

var _ PlanStore = &EtcdPlans{}
