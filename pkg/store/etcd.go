package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/pkg/errdefs"
	"github.com/relaymesh/relaymesh/pkg/model"
)

// Key-space constants. All relaymesh keys live under /relaymesh/v1/ to avoid
// collisions with other etcd tenants.
const (
	keyPrefix = "/relaymesh/v1"

	// maxCASAttempts bounds the compare-and-swap retry loop in etcdMutate.
	maxCASAttempts = 16
)

// key builds a fully-qualified etcd key for the given store type and ID.
func key(storeType, id string) string {
	return fmt.Sprintf("%s/%s/%s", keyPrefix, storeType, id)
}

// prefix builds the etcd key prefix for listing all items of a store type.
func prefix(storeType string) string {
	return fmt.Sprintf("%s/%s/", keyPrefix, storeType)
}

// eventKey orders log entries of one entity by creation time.
func eventKey(ev *model.ReputationEvent) string {
	return fmt.Sprintf("%s/events/%s/%s/%020d-%s", keyPrefix, ev.EntityType, ev.EntityID, ev.CreatedAt.UnixNano(), ev.ID)
}

// ---------------------------------------------------------------------------
// EtcdStore
// ---------------------------------------------------------------------------

// EtcdStore is an etcd-backed implementation of the Store interface suitable
// for multi-replica deployments. Mutations use compare-and-swap on the key's
// mod revision, so concurrent deltas from several control plane replicas are
// never lost.
type EtcdStore struct {
	client     *clientv3.Client
	nodes      *EtcdNodeStore
	routes     *EtcdRouteStore
	identities *EtcdIdentityStore
	events     *EtcdEventStore
	reports    *EtcdReportStore
}

// NewEtcdStore dials the etcd cluster at endpoints and returns a ready
// EtcdStore. The caller must call Close when finished.
func NewEtcdStore(endpoints []string, logger *zap.Logger) (*EtcdStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}
	return &EtcdStore{
		client:     client,
		nodes:      &EtcdNodeStore{client: client},
		routes:     &EtcdRouteStore{client: client},
		identities: &EtcdIdentityStore{client: client},
		events:     &EtcdEventStore{client: client},
		reports:    &EtcdReportStore{client: client},
	}, nil
}

func (s *EtcdStore) Nodes() NodeStore                       { return s.nodes }
func (s *EtcdStore) Routes() RouteStore                     { return s.routes }
func (s *EtcdStore) Identities() IdentityStore              { return s.identities }
func (s *EtcdStore) ReputationEvents() ReputationEventStore { return s.events }
func (s *EtcdStore) AbuseReports() AbuseReportStore         { return s.reports }

// Ping issues a count-only read against the key space.
func (s *EtcdStore) Ping(ctx context.Context) error {
	if _, err := s.client.Get(ctx, keyPrefix, clientv3.WithPrefix(), clientv3.WithCountOnly()); err != nil {
		return fmt.Errorf("etcd ping: %w: %w", errdefs.ErrUnavailable, err)
	}
	return nil
}

// Close releases the underlying etcd client connection.
func (s *EtcdStore) Close() error {
	return s.client.Close()
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// etcdGet retrieves the value at key k and deserialises it into v.
// Returns (false, nil) if the key does not exist.
func etcdGet(ctx context.Context, client *clientv3.Client, k string, v any) (bool, error) {
	resp, err := client.Get(ctx, k)
	if err != nil {
		return false, fmt.Errorf("etcd get %q: %w: %w", k, errdefs.ErrUnavailable, err)
	}
	if len(resp.Kvs) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(resp.Kvs[0].Value, v); err != nil {
		return false, fmt.Errorf("unmarshal %q: %w", k, err)
	}
	return true, nil
}

// etcdList retrieves all values under pfx and decodes them as T.
func etcdList[T any](ctx context.Context, client *clientv3.Client, pfx string, opts ...clientv3.OpOption) ([]T, error) {
	opts = append([]clientv3.OpOption{clientv3.WithPrefix()}, opts...)
	resp, err := client.Get(ctx, pfx, opts...)
	if err != nil {
		return nil, fmt.Errorf("etcd list %q: %w: %w", pfx, errdefs.ErrUnavailable, err)
	}
	out := make([]T, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var item T
		if err := json.Unmarshal(kv.Value, &item); err != nil {
			return nil, fmt.Errorf("unmarshal %q: %w", string(kv.Key), err)
		}
		out = append(out, item)
	}
	return out, nil
}

// etcdCreateIfNotExists atomically writes value v at key k only if k does not
// already exist.
func etcdCreateIfNotExists(ctx context.Context, client *clientv3.Client, k string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	resp, err := client.Txn(ctx).
		If(clientv3.Compare(clientv3.Version(k), "=", 0)).
		Then(clientv3.OpPut(k, string(data))).
		Commit()
	if err != nil {
		return fmt.Errorf("etcd txn create %q: %w: %w", k, errdefs.ErrUnavailable, err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("%q already exists: %w", k, errdefs.ErrConflict)
	}
	return nil
}

// etcdMutate reads k, applies fn and writes the result back only if k has not
// changed in between. On a lost race it re-reads and retries. fn sees
// exists=false and a zero T when the key is absent.
func etcdMutate[T any](ctx context.Context, client *clientv3.Client, k string, fn func(v *T, exists bool) error) (*T, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		resp, err := client.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("etcd get %q: %w: %w", k, errdefs.ErrUnavailable, err)
		}
		var v T
		exists := len(resp.Kvs) > 0
		cmp := clientv3.Compare(clientv3.Version(k), "=", 0)
		if exists {
			if err := json.Unmarshal(resp.Kvs[0].Value, &v); err != nil {
				return nil, fmt.Errorf("unmarshal %q: %w", k, err)
			}
			cmp = clientv3.Compare(clientv3.ModRevision(k), "=", resp.Kvs[0].ModRevision)
		}
		if err := fn(&v, exists); err != nil {
			return nil, err
		}
		data, err := json.Marshal(&v)
		if err != nil {
			return nil, fmt.Errorf("marshal: %w", err)
		}
		txn, err := client.Txn(ctx).If(cmp).Then(clientv3.OpPut(k, string(data))).Commit()
		if err != nil {
			return nil, fmt.Errorf("etcd txn %q: %w: %w", k, errdefs.ErrUnavailable, err)
		}
		if txn.Succeeded {
			return &v, nil
		}
	}
	return nil, fmt.Errorf("etcd mutate %q: too much contention: %w", k, errdefs.ErrConflict)
}

// mustExist adapts an update callback so that a missing key is reported as
// not found instead of being created.
func mustExist[T any](what, id string, fn func(*T) error) func(*T, bool) error {
	return func(v *T, exists bool) error {
		if !exists {
			return fmt.Errorf("%s %q: %w", what, id, errdefs.ErrNotFound)
		}
		return fn(v)
	}
}

// ---------------------------------------------------------------------------
// EtcdNodeStore
// ---------------------------------------------------------------------------

// EtcdNodeStore implements NodeStore against etcd.
type EtcdNodeStore struct {
	client *clientv3.Client
}

func (s *EtcdNodeStore) List(ctx context.Context) ([]model.Node, error) {
	return etcdList[model.Node](ctx, s.client, prefix("nodes"))
}

// ListByIdentity scans the node prefix; etcd has no secondary index.
func (s *EtcdNodeStore) ListByIdentity(ctx context.Context, identity string) ([]model.Node, error) {
	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Node
	for _, n := range all {
		if n.Identity == identity {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *EtcdNodeStore) Get(ctx context.Context, id string) (*model.Node, error) {
	var n model.Node
	found, err := etcdGet(ctx, s.client, key("nodes", id), &n)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("node %q: %w", id, errdefs.ErrNotFound)
	}
	return &n, nil
}

func (s *EtcdNodeStore) Create(ctx context.Context, node *model.Node) error {
	return etcdCreateIfNotExists(ctx, s.client, key("nodes", node.ID), node)
}

func (s *EtcdNodeStore) Mutate(ctx context.Context, id string, fn func(*model.Node) error) (*model.Node, error) {
	return etcdMutate(ctx, s.client, key("nodes", id), mustExist("node", id, func(n *model.Node) error {
		if err := fn(n); err != nil {
			return err
		}
		n.ID = id
		return nil
	}))
}

// ---------------------------------------------------------------------------
// EtcdRouteStore
// ---------------------------------------------------------------------------

// EtcdRouteStore implements RouteStore against etcd.
type EtcdRouteStore struct {
	client *clientv3.Client
}

func (s *EtcdRouteStore) List(ctx context.Context, f RouteFilter) ([]model.Route, error) {
	all, err := etcdList[model.Route](ctx, s.client, prefix("routes"))
	if err != nil {
		return nil, err
	}
	return filterRoutes(all, f), nil
}

func (s *EtcdRouteStore) Get(ctx context.Context, id string) (*model.Route, error) {
	var r model.Route
	found, err := etcdGet(ctx, s.client, key("routes", id), &r)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("route %q: %w", id, errdefs.ErrNotFound)
	}
	return &r, nil
}

func (s *EtcdRouteStore) Create(ctx context.Context, route *model.Route) error {
	return etcdCreateIfNotExists(ctx, s.client, key("routes", route.ID), route)
}

func (s *EtcdRouteStore) Mutate(ctx context.Context, id string, fn func(*model.Route) error) (*model.Route, error) {
	return etcdMutate(ctx, s.client, key("routes", id), mustExist("route", id, func(r *model.Route) error {
		if err := fn(r); err != nil {
			return err
		}
		r.ID = id
		return nil
	}))
}

// ---------------------------------------------------------------------------
// EtcdIdentityStore
// ---------------------------------------------------------------------------

// EtcdIdentityStore implements IdentityStore against etcd.
type EtcdIdentityStore struct {
	client *clientv3.Client
}

func (s *EtcdIdentityStore) Get(ctx context.Context, identity string) (*model.IdentityReputation, error) {
	var rep model.IdentityReputation
	found, err := etcdGet(ctx, s.client, key("identities", identity), &rep)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("identity %q: %w", identity, errdefs.ErrNotFound)
	}
	return &rep, nil
}

func (s *EtcdIdentityStore) Upsert(ctx context.Context, identity string, fn func(*model.IdentityReputation) error) (*model.IdentityReputation, error) {
	return etcdMutate(ctx, s.client, key("identities", identity), func(rep *model.IdentityReputation, _ bool) error {
		rep.Identity = identity
		return fn(rep)
	})
}

// ---------------------------------------------------------------------------
// EtcdEventStore
// ---------------------------------------------------------------------------

// EtcdEventStore implements ReputationEventStore against etcd. Events are
// keyed by entity and creation time so per-entity reads are a prefix scan.
type EtcdEventStore struct {
	client *clientv3.Client
}

func (s *EtcdEventStore) Append(ctx context.Context, ev *model.ReputationEvent) error {
	return etcdCreateIfNotExists(ctx, s.client, eventKey(ev), ev)
}

func (s *EtcdEventStore) List(ctx context.Context, f EventFilter) ([]model.ReputationEvent, error) {
	pfx := prefix("events")
	if f.EntityType != "" {
		pfx += f.EntityType + "/"
		if f.EntityID != "" {
			pfx += f.EntityID + "/"
		}
	}
	all, err := etcdList[model.ReputationEvent](ctx, s.client, pfx,
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortDescend))
	if err != nil {
		return nil, err
	}
	return filterEvents(all, f), nil
}

// ---------------------------------------------------------------------------
// EtcdReportStore
// ---------------------------------------------------------------------------

// EtcdReportStore implements AbuseReportStore against etcd.
type EtcdReportStore struct {
	client *clientv3.Client
}

func (s *EtcdReportStore) Create(ctx context.Context, r *model.AbuseReport) error {
	return etcdCreateIfNotExists(ctx, s.client, key("abuse_reports", r.ID), r)
}

func (s *EtcdReportStore) Get(ctx context.Context, id string) (*model.AbuseReport, error) {
	var r model.AbuseReport
	found, err := etcdGet(ctx, s.client, key("abuse_reports", id), &r)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("abuse report %q: %w", id, errdefs.ErrNotFound)
	}
	return &r, nil
}

func (s *EtcdReportStore) List(ctx context.Context, f ReportFilter) ([]model.AbuseReport, error) {
	all, err := etcdList[model.AbuseReport](ctx, s.client, prefix("abuse_reports"))
	if err != nil {
		return nil, err
	}
	return filterReports(all, f), nil
}

func (s *EtcdReportStore) Mutate(ctx context.Context, id string, fn func(*model.AbuseReport) error) (*model.AbuseReport, error) {
	return etcdMutate(ctx, s.client, key("abuse_reports", id), mustExist("abuse report", id, func(r *model.AbuseReport) error {
		if err := fn(r); err != nil {
			return err
		}
		r.ID = id
		return nil
	}))
}
