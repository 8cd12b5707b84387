package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/natefinch/lumberjack.v2"
)

func init() {
	RegisterSink("console", newConsole)
	RegisterSink("blackhole", newBlackhole)
	RegisterSink("file", newFileSink)
	RegisterSink("redis", newRedisSink)
}

// writerSink writes one JSON document per line.
type writerSink struct {
	w      io.Writer
	closer io.Closer
}

func (s *writerSink) Run(ctx context.Context, in <-chan Event) error {
	enc := json.NewEncoder(s.w)
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			if err := enc.Encode(ev); err != nil {
				return fmt.Errorf("write event: %w", err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *writerSink) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func newConsole(bc BuildContext) (Sink, error) {
	switch target := optString(bc.Options, "target", "stdout"); target {
	case "stdout":
		return &writerSink{w: os.Stdout}, nil
	case "stderr":
		return &writerSink{w: os.Stderr}, nil
	default:
		return nil, fmt.Errorf("unknown target %q", target)
	}
}

// newFileSink writes JSON lines to a size rotated file.
func newFileSink(bc BuildContext) (Sink, error) {
	path := optString(bc.Options, "path", "")
	if path == "" {
		return nil, errors.New("'path' is required")
	}
	maxSize, err := optInt(bc.Options, "max_size_mb", 100)
	if err != nil {
		return nil, err
	}
	maxBackups, err := optInt(bc.Options, "max_backups", 3)
	if err != nil {
		return nil, err
	}
	maxAge, err := optInt(bc.Options, "max_age_days", 0)
	if err != nil {
		return nil, err
	}
	compress, err := optBool(bc.Options, "compress", false)
	if err != nil {
		return nil, err
	}
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
		Compress:   compress,
	}
	return &writerSink{w: lj, closer: lj}, nil
}

// blackhole drops everything, optionally logging how much it dropped.
type blackhole struct {
	logger   *slog.Logger
	interval time.Duration
	count    atomic.Int64
}

func newBlackhole(bc BuildContext) (Sink, error) {
	interval, err := optDuration(bc.Options, "print_interval", 0)
	if err != nil {
		return nil, err
	}
	return &blackhole{logger: bc.Logger, interval: interval}, nil
}

func (b *blackhole) Run(ctx context.Context, in <-chan Event) error {
	var tick <-chan time.Time
	if b.interval > 0 {
		t := time.NewTicker(b.interval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case _, ok := <-in:
			if !ok {
				return nil
			}
			b.count.Add(1)
		case <-tick:
			b.logger.Info("blackhole received events", "total", b.count.Load())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Count returns the number of events received so far.
func (b *blackhole) Count() int64 { return b.count.Load() }

// redisSink pushes JSON events onto a list or publishes them to a channel.
type redisSink struct {
	client   *redis.Client
	key      string
	dataType string
}

func newRedisSink(bc BuildContext) (Sink, error) {
	addr := optString(bc.Options, "address", "")
	if addr == "" {
		return nil, errors.New("'address' is required")
	}
	key := optString(bc.Options, "key", "")
	if key == "" {
		return nil, errors.New("'key' is required")
	}
	dataType := optString(bc.Options, "data_type", "list")
	if dataType != "list" && dataType != "channel" {
		return nil, fmt.Errorf("unknown data_type %q", dataType)
	}
	db, err := optInt(bc.Options, "db", 0)
	if err != nil {
		return nil, err
	}
	opts := &redis.Options{Addr: addr, DB: db}
	if pw := optString(bc.Options, "password", ""); pw != "" {
		opts.Password = pw
	}
	return &redisSink{client: redis.NewClient(opts), key: key, dataType: dataType}, nil
}

func (r *redisSink) Healthcheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisSink) Run(ctx context.Context, in <-chan Event) error {
	for {
		select {
		case ev, ok := <-in:
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("encode event: %w", err)
			}
			if r.dataType == "channel" {
				err = r.client.Publish(ctx, r.key, data).Err()
			} else {
				err = r.client.RPush(ctx, r.key, data).Err()
			}
			if err != nil {
				return fmt.Errorf("redis %s %s: %w", r.dataType, r.key, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *redisSink) Close() error { return r.client.Close() }
