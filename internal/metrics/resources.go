package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

// ResourceSample is one observation of the tapline process itself.
type ResourceSample struct {
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	MemoryVMS  uint64    `json:"memory_vms"`
	NumThreads int32     `json:"num_threads"`
	NumFDs     int32     `json:"num_fds,omitempty"` // Unix only
	Uptime     float64   `json:"uptime_seconds"`
	Timestamp  time.Time `json:"timestamp"`
}

// ResourceConfig configures the heartbeat collector.
type ResourceConfig struct {
	Interval   time.Duration
	MaxHistory int
	Logger     *slog.Logger
}

// ResourceCollector periodically refreshes the uptime gauge and samples
// CPU and memory of the running process.
type ResourceCollector struct {
	interval time.Duration
	logger   *slog.Logger
	started  time.Time
	proc     *process.Process

	mu       sync.RWMutex
	history  []ResourceSample
	startIdx int
	count    int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	cpuPercent *prometheus.GaugeVec
	memoryRSS  prometheus.Gauge
	numThreads prometheus.Gauge
	numFDs     prometheus.Gauge
}

// NewResourceCollector creates a collector for the current process.
func NewResourceCollector(cfg ResourceConfig) (*ResourceCollector, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 60
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to create process handle: %w", err)
	}
	return &ResourceCollector{
		interval: cfg.Interval,
		logger:   cfg.Logger,
		started:  time.Now(),
		proc:     proc,
		history:  make([]ResourceSample, cfg.MaxHistory),
		stopCh:   make(chan struct{}),
		cpuPercent: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tapline",
			Subsystem: "process",
			Name:      "cpu_percent",
			Help:      "CPU usage percentage of the tapline process.",
		}, []string{"pid"}),
		memoryRSS: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tapline",
			Subsystem: "process",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of the tapline process.",
		}),
		numThreads: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tapline",
			Subsystem: "process",
			Name:      "num_threads",
			Help:      "OS threads of the tapline process.",
		}),
		numFDs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tapline",
			Subsystem: "process",
			Name:      "num_fds",
			Help:      "Open file descriptors of the tapline process (Unix only).",
		}),
	}, nil
}

// RegisterMetrics registers the resource gauges with r.
func (c *ResourceCollector) RegisterMetrics(r prometheus.Registerer) error {
	cs := []prometheus.Collector{c.cpuPercent, c.memoryRSS, c.numThreads}
	if runtime.GOOS != "windows" {
		cs = append(cs, c.numFDs)
	}
	for _, col := range cs {
		if err := r.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}

// Start samples once immediately and then on every tick until ctx ends or Stop is called.
func (c *ResourceCollector) Start(ctx context.Context) {
	c.collect()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.collect()
			}
		}
	}()
}

// Stop halts the sampling goroutine.
func (c *ResourceCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *ResourceCollector) collect() {
	up := time.Since(c.started)
	SetUptime(up)

	s, err := c.sample(up)
	if err != nil {
		c.logger.Debug("Failed to sample process resources", "error", err)
		return
	}
	c.cpuPercent.WithLabelValues(fmt.Sprint(s.PID)).Set(s.CPUPercent)
	c.memoryRSS.Set(float64(s.MemoryRSS))
	c.numThreads.Set(float64(s.NumThreads))
	if s.NumFDs > 0 {
		c.numFDs.Set(float64(s.NumFDs))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	size := len(c.history)
	if c.count < size {
		c.history[(c.startIdx+c.count)%size] = s
		c.count++
		return
	}
	c.history[c.startIdx] = s
	c.startIdx = (c.startIdx + 1) % size
}

func (c *ResourceCollector) sample(up time.Duration) (ResourceSample, error) {
	cpu, err := c.proc.CPUPercent()
	if err != nil {
		cpu = 0
	}
	mem, err := c.proc.MemoryInfo()
	if err != nil {
		return ResourceSample{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	threads, err := c.proc.NumThreads()
	if err != nil {
		threads = 0
	}
	s := ResourceSample{
		PID:        c.proc.Pid,
		CPUPercent: cpu,
		MemoryRSS:  mem.RSS,
		MemoryVMS:  mem.VMS,
		NumThreads: threads,
		Uptime:     up.Seconds(),
		Timestamp:  time.Now(),
	}
	if runtime.GOOS != "windows" {
		if fds, err := c.proc.NumFDs(); err == nil {
			s.NumFDs = fds
		}
	}
	return s, nil
}

// Latest returns the most recent sample.
func (c *ResourceCollector) Latest() (ResourceSample, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.count == 0 {
		return ResourceSample{}, false
	}
	return c.history[(c.startIdx+c.count-1)%len(c.history)], true
}

// History returns the retained samples, oldest first.
func (c *ResourceCollector) History() []ResourceSample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ResourceSample, 0, c.count)
	for i := 0; i < c.count; i++ {
		out = append(out, c.history[(c.startIdx+i)%len(c.history)])
	}
	return out
}
