package cluster

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"shardkv/pkg/dberrors"
	"shardkv/pkg/metrics"
	"shardkv/pkg/sharding"
)

const (
	DefaultForwardTimeout = 2 * time.Second
	DefaultForwardRetries = 2
	defaultInitialBackoff = 50 * time.Millisecond
	defaultMaxBackoff     = 500 * time.Millisecond
)

// Storage is the local partition's engine.
type Storage interface {
	Put(ctx context.Context, key, value []byte) error
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	Delete(ctx context.Context, key []byte) error
}

// Forwarder issues an operation against the node at addr.
//
// Transport failures must wrap dberrors.ErrRemoteUnavailable. An error the
// remote node itself reported must be returned as *dberrors.Error so it is
// relayed as is.
type Forwarder interface {
	Get(ctx context.Context, addr string, key []byte) ([]byte, bool, error)
	Set(ctx context.Context, addr string, key, value []byte) error
	Delete(ctx context.Context, addr string, key []byte) error
}

// RetryPolicy bounds forwarding. Timeout applies to each attempt; retries
// happen only on transport failures.
type RetryPolicy struct {
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Timeout:        DefaultForwardTimeout,
		MaxRetries:     DefaultForwardRetries,
		InitialBackoff: defaultInitialBackoff,
		MaxBackoff:     defaultMaxBackoff,
	}
}

type Config struct {
	Map       *sharding.Map
	Storage   Storage
	Forwarder Forwarder
	Retry     RetryPolicy
	Logger    *slog.Logger
	Metrics   metrics.Collector
}

// TopologyInfo is what /shard-info reports.
type TopologyInfo struct {
	Shards       []string `json:"shards"`
	CurrentShard int      `json:"current_shard"`
}

// Dispatcher routes each request to the local engine or to the owning node.
// It holds no locks of its own.
type Dispatcher struct {
	pm      *sharding.Map
	storage Storage
	fwd     Forwarder
	retry   RetryPolicy
	logger  *slog.Logger
	metrics metrics.Collector
}

func NewDispatcher(cfg Config) (*Dispatcher, error) {
	if cfg.Map == nil {
		return nil, fmt.Errorf("dispatcher: partition map is required")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("dispatcher: storage is required")
	}
	if cfg.Forwarder == nil {
		return nil, fmt.Errorf("dispatcher: forwarder is required")
	}

	retry := cfg.Retry
	def := DefaultRetryPolicy()
	if retry.Timeout <= 0 {
		retry.Timeout = def.Timeout
	}
	if retry.MaxRetries < 0 {
		retry.MaxRetries = 0
	}
	if retry.InitialBackoff <= 0 {
		retry.InitialBackoff = def.InitialBackoff
	}
	if retry.MaxBackoff <= 0 {
		retry.MaxBackoff = def.MaxBackoff
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Nop{}
	}

	return &Dispatcher{
		pm:      cfg.Map,
		storage: cfg.Storage,
		fwd:     cfg.Forwarder,
		retry:   retry,
		logger:  logger.With("component", "dispatcher", "shard", cfg.Map.LocalIndex()),
		metrics: m,
	}, nil
}

// Route decides where key is served. It never touches the network: a
// remote target equal to this node's address, or a second hop for an
// already forwarded request, is reported as dberrors.ErrRedirectLoop.
func (d *Dispatcher) Route(ctx context.Context, key []byte) (sharding.Location, error) {
	if len(key) == 0 {
		return sharding.Location{}, dberrors.Newf(dberrors.KindValidation, "key must not be empty")
	}

	loc, err := d.pm.Locate(key)
	if err != nil {
		return sharding.Location{}, err
	}
	if loc.Local {
		return loc, nil
	}

	if loc.Address == d.pm.LocalAddress() {
		return loc, dberrors.Newf(dberrors.KindRedirectLoop, "partition %d resolves to this node's own address %s", loc.Partition, loc.Address)
	}
	if origin, ok := ForwardedFrom(ctx); ok {
		return loc, dberrors.Newf(dberrors.KindRedirectLoop, "request forwarded by %s but partition %d belongs to %s", origin, loc.Partition, loc.Address)
	}
	return loc, nil
}

func (d *Dispatcher) HandleGet(ctx context.Context, key []byte) (value []byte, found bool, err error) {
	loc, err := d.Route(ctx, key)
	if err != nil {
		d.finish(ctx, "get", key, loc, false, err)
		return nil, false, err
	}

	if loc.Local {
		value, found, err = d.storage.Get(ctx, key)
	} else {
		err = d.forward(ctx, "get", loc, func(ctx context.Context) error {
			var ferr error
			value, found, ferr = d.fwd.Get(ctx, loc.Address, key)
			return ferr
		})
	}

	d.finish(ctx, "get", key, loc, true, err)
	if err != nil {
		return nil, false, err
	}
	return value, found, nil
}

func (d *Dispatcher) HandleSet(ctx context.Context, key, value []byte) error {
	loc, err := d.Route(ctx, key)
	if err != nil {
		d.finish(ctx, "set", key, loc, false, err)
		return err
	}

	if loc.Local {
		err = d.storage.Put(ctx, key, value)
	} else {
		err = d.forward(ctx, "set", loc, func(ctx context.Context) error {
			return d.fwd.Set(ctx, loc.Address, key, value)
		})
	}

	d.finish(ctx, "set", key, loc, true, err)
	return err
}

func (d *Dispatcher) HandleDelete(ctx context.Context, key []byte) error {
	loc, err := d.Route(ctx, key)
	if err != nil {
		d.finish(ctx, "delete", key, loc, false, err)
		return err
	}

	if loc.Local {
		err = d.storage.Delete(ctx, key)
	} else {
		err = d.forward(ctx, "delete", loc, func(ctx context.Context) error {
			return d.fwd.Delete(ctx, loc.Address, key)
		})
	}

	d.finish(ctx, "delete", key, loc, true, err)
	return err
}

func (d *Dispatcher) HandleTopologyInfo() TopologyInfo {
	return TopologyInfo{
		Shards:       d.pm.Addresses(),
		CurrentShard: d.pm.LocalIndex(),
	}
}

// forward runs call with a per-attempt timeout, retrying transport failures
// with exponential backoff. Errors reported by the remote node end the loop
// and are returned unchanged.
func (d *Dispatcher) forward(ctx context.Context, op string, loc sharding.Location, call func(context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = d.retry.InitialBackoff
	eb.MaxInterval = d.retry.MaxBackoff
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(d.retry.MaxRetries)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		d.metrics.IncCounter("shardkv_forward_attempts_total", map[string]string{"op": op, "target": loc.Address}, 1)

		actx, cancel := context.WithTimeout(ctx, d.retry.Timeout)
		defer cancel()

		err := call(actx)
		if err == nil {
			return nil
		}
		if !retryable(err) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}

		d.logger.Warn("forward attempt failed", "op", op, "target", loc.Address, "attempt", attempt, "error", err)
		return err
	}, policy)

	if err != nil && !errors.Is(err, dberrors.ErrRemoteUnavailable) && isContextErr(err) {
		return dberrors.Newf(dberrors.KindRemoteUnavailable, "forward %s to %s: %v", op, loc.Address, err)
	}
	return err
}

// retryable reports transport failures. Errors the remote node answered
// with are never retried.
func retryable(err error) bool {
	var remote *dberrors.Error
	if errors.As(err, &remote) {
		return false
	}
	return errors.Is(err, dberrors.ErrRemoteUnavailable)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (d *Dispatcher) finish(ctx context.Context, op string, key []byte, loc sharding.Location, routed bool, err error) {
	route := "none"
	if routed {
		route = "remote"
		if loc.Local {
			route = "local"
		}
	}

	outcome := "ok"
	if err != nil {
		outcome = string(dberrors.KindOf(err))
	}
	d.metrics.IncCounter("shardkv_requests_total", map[string]string{"op": op, "route": route, "outcome": outcome}, 1)

	if err != nil {
		d.logger.DebugContext(ctx, "request failed", "op", op, "key", string(key), "route", route, "partition", loc.Partition, "target", loc.Address, "error", err)
		return
	}
	d.logger.DebugContext(ctx, "request served", "op", op, "key", string(key), "route", route, "partition", loc.Partition, "target", loc.Address)
}
