package server

import (
	"expvar"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// Published once per process; expvar panics on duplicate names.
var (
	cpuUsagePercent  = expvar.NewFloat("gpustream_system_cpu_usage_percent")
	memUsagePercent  = expvar.NewFloat("gpustream_system_mem_usage_percent")
	diskUsagePercent = expvar.NewFloat("gpustream_system_disk_usage_percent")
	processRSSBytes  = expvar.NewInt("gpustream_process_rss_bytes")
)

// SystemCollector periodically samples host CPU, memory and disk usage
// plus the resident set of this process, and publishes them via expvar.
type SystemCollector struct {
	diskPath string
	interval time.Duration
	proc     *process.Process
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *slog.Logger
}

// NewSystemCollector creates a new collector. diskPath is the filesystem
// whose usage is reported, normally the directory holding containers.
func NewSystemCollector(diskPath string, interval time.Duration, logger *slog.Logger) *SystemCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	sc := &SystemCollector{
		diskPath: diskPath,
		interval: interval,
		stopChan: make(chan struct{}),
		logger:   logger.With("component", "SystemCollector"),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		sc.proc = p
	} else {
		sc.logger.Warn("Process metrics unavailable.", "error", err)
	}
	return sc
}

// Start begins the background collection loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("Starting system metrics collector", "interval", sc.interval)
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it to finish.
func (sc *SystemCollector) Stop() {
	sc.stopOnce.Do(func() {
		sc.logger.Info("Stopping system metrics collector")
		close(sc.stopChan)
	})
	sc.wg.Wait()
}

// Collect takes one sample.
func (sc *SystemCollector) Collect() {
	// A zero interval compares against the previous call.
	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		cpuUsagePercent.Set(pct[0])
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		memUsagePercent.Set(vm.UsedPercent)
	}
	if sc.diskPath != "" {
		if du, err := disk.Usage(sc.diskPath); err == nil {
			diskUsagePercent.Set(du.UsedPercent)
		} else {
			sc.logger.Debug("Disk usage sample failed.", "path", sc.diskPath, "error", err)
		}
	}
	if sc.proc != nil {
		if mi, err := sc.proc.MemoryInfo(); err == nil {
			processRSSBytes.Set(int64(mi.RSS))
		}
	}
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	sc.Collect()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sc.Collect()
		case <-sc.stopChan:
			return
		}
	}
}
