package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"shardkv/pkg/dberrors"
	"shardkv/pkg/metrics"
	"shardkv/pkg/store/logstore"
	"shardkv/pkg/store/pebblestore"
)

const (
	EngineLog    = "log"
	EnginePebble = "pebble"
)

// Engine is the durable key-value storage of one partition.
//
// Put and Delete return only after the change is on stable storage and fail
// with dberrors.ErrReadOnly on read-only engines. Get reports a missing key
// through found, never as an error. Implementations synchronize internally.
type Engine interface {
	Put(ctx context.Context, key, value []byte) error
	Get(ctx context.Context, key []byte) (value []byte, found bool, err error)
	Delete(ctx context.Context, key []byte) error
	Close() error
}

type Options struct {
	Engine   string
	Path     string
	ReadOnly bool
	Logger   *slog.Logger
	Metrics  metrics.Collector
}

// Open opens the configured engine at opts.Path.
func Open(opts Options) (Engine, error) {
	var (
		engine Engine
		err    error
	)

	switch strings.ToLower(opts.Engine) {
	case "", EngineLog:
		engine, err = logstore.Open(opts.Path, logstore.Options{ReadOnly: opts.ReadOnly, Logger: opts.Logger})
	case EnginePebble:
		engine, err = pebblestore.Open(opts.Path, pebblestore.Options{ReadOnly: opts.ReadOnly, Logger: opts.Logger})
	default:
		return nil, dberrors.Newf(dberrors.KindValidation, "unknown storage engine %q (expected %s or %s)", opts.Engine, EngineLog, EnginePebble)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s engine: %w", opts.Engine, err)
	}

	if opts.Metrics != nil {
		engine = Instrument(engine, opts.Metrics)
	}
	return engine, nil
}

// Instrument records per-operation latency and outcome of engine.
func Instrument(engine Engine, m metrics.Collector) Engine {
	return &instrumented{Engine: engine, m: m}
}

type instrumented struct {
	Engine
	m metrics.Collector
}

func (i *instrumented) Put(ctx context.Context, key, value []byte) error {
	start := time.Now()
	err := i.Engine.Put(ctx, key, value)
	i.observe("put", start, err)
	return err
}

func (i *instrumented) Get(ctx context.Context, key []byte) ([]byte, bool, error) {
	start := time.Now()
	v, found, err := i.Engine.Get(ctx, key)
	i.observe("get", start, err)
	return v, found, err
}

func (i *instrumented) Delete(ctx context.Context, key []byte) error {
	start := time.Now()
	err := i.Engine.Delete(ctx, key)
	i.observe("delete", start, err)
	return err
}

func (i *instrumented) observe(op string, start time.Time, err error) {
	i.m.ObserveHistogram("shardkv_storage_duration_seconds", map[string]string{"op": op}, time.Since(start).Seconds())
	if err != nil {
		i.m.IncCounter("shardkv_storage_errors_total", map[string]string{"op": op, "code": string(dberrors.KindOf(err))}, 1)
	}
}
