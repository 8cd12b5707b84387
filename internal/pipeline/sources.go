package pipeline

import (
	"context"
	"fmt"
	"os"
	"time"
)

func init() {
	RegisterSource("generator", newGenerator)
}

// generator emits a fixed message on an interval. With count > 0 it finishes
// after that many events.
type generator struct {
	message  string
	interval time.Duration
	count    int
	host     string
	hostKey  string
	msgKey   string
	tsKey    string
}

func newGenerator(bc BuildContext) (Source, error) {
	interval, err := optDuration(bc.Options, "interval", time.Second)
	if err != nil {
		return nil, err
	}
	if interval < 0 {
		return nil, fmt.Errorf("interval must not be negative")
	}
	count, err := optInt(bc.Options, "count", 0)
	if err != nil {
		return nil, err
	}
	host, _ := os.Hostname()
	g := &generator{
		message:  optString(bc.Options, "message", "hello from tapline"),
		interval: interval,
		count:    count,
		host:     host,
		hostKey:  orDefault(bc.Global.LogSchema.HostKey, "host"),
		msgKey:   orDefault(bc.Global.LogSchema.MessageKey, "message"),
		tsKey:    orDefault(bc.Global.LogSchema.TimestampKey, "timestamp"),
	}
	return g, nil
}

func (g *generator) Run(ctx context.Context, out Output) error {
	var tick <-chan time.Time
	if g.interval > 0 {
		t := time.NewTicker(g.interval)
		defer t.Stop()
		tick = t.C
	}
	for seq := 1; g.count == 0 || seq <= g.count; seq++ {
		ev := Event{
			g.msgKey:   g.message,
			g.tsKey:    time.Now().UTC().Format(time.RFC3339Nano),
			g.hostKey:  g.host,
			"sequence": seq,
		}
		if err := out.Send(ctx, ev); err != nil {
			return err
		}
		if tick == nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		select {
		case <-tick:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
