// Package metrics samples host health for the heartbeat report.
package metrics

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"github.com/ofkm/agenthost/internal/process"
	"github.com/ofkm/agenthost/pkg/types"
)

const (
	cpuSampleWindow = time.Second
	unknownCPUModel = "Unknown"
)

// CPUTimes is an aggregate idle/total counter reading.
type CPUTimes struct {
	Idle  float64
	Total float64
}

// HostFacts do not change for the lifetime of the process.
type HostFacts struct {
	OS         string
	RAMTotalGB float64
	CPUCores   int
	CPUModel   string
}

type Collector struct {
	disk   DiskUsageProbe
	log    logrus.FieldLogger
	window time.Duration

	readTimes  func(ctx context.Context) (CPUTimes, error)
	readMemory func(ctx context.Context) (total, used uint64, err error)

	factsOnce sync.Once
	facts     HostFacts
}

func NewCollector(runner process.Runner, log logrus.FieldLogger) *Collector {
	return &Collector{
		disk:       NewDiskUsageProbe(runtime.GOOS, runner),
		log:        log.WithField("component", "metrics"),
		window:     cpuSampleWindow,
		readTimes:  readCPUTimes,
		readMemory: readMemory,
	}
}

// Collect builds a full snapshot. It blocks for the CPU sample window.
func (c *Collector) Collect(ctx context.Context) types.HostMetrics {
	facts := c.HostFacts(ctx)

	return types.HostMetrics{
		CPUPercent:  c.SampleCPUUsage(ctx),
		RAMPercent:  c.RAMUsage(ctx),
		DiskPercent: c.disk.DiskUsage(ctx),
		OS:          facts.OS,
		RAMTotalGB:  facts.RAMTotalGB,
		CPUCores:    facts.CPUCores,
		CPUModel:    facts.CPUModel,
	}
}

// SampleCPUUsage reads CPU counters twice, one window apart, and returns the
// busy percentage over that window. It returns early with 0 if ctx ends.
func (c *Collector) SampleCPUUsage(ctx context.Context) int {
	first, err := c.readTimes(ctx)
	if err != nil {
		c.log.WithError(err).Warn("Failed to read CPU times")
		return 0
	}

	timer := time.NewTimer(c.window)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return 0
	case <-timer.C:
	}

	second, err := c.readTimes(ctx)
	if err != nil {
		c.log.WithError(err).Warn("Failed to read CPU times")
		return 0
	}

	return cpuUsage(first, second)
}

// RAMUsage returns used memory as a percentage of total.
func (c *Collector) RAMUsage(ctx context.Context) int {
	total, used, err := c.readMemory(ctx)
	if err != nil {
		c.log.WithError(err).Warn("Failed to read memory usage")
		return 0
	}
	return ramUsage(total, used)
}

// HostFacts is computed on first use and cached.
func (c *Collector) HostFacts(ctx context.Context) HostFacts {
	c.factsOnce.Do(func() {
		c.facts = readHostFacts(ctx, c.log)
	})
	return c.facts
}

func cpuUsage(first, second CPUTimes) int {
	totalDelta := second.Total - first.Total
	if totalDelta <= 0 {
		return 0
	}
	idleDelta := second.Idle - first.Idle
	return clampPercent(int(math.Round(100 * (1 - idleDelta/totalDelta))))
}

func ramUsage(total, used uint64) int {
	if total == 0 {
		return 0
	}
	return clampPercent(int(math.Round(100 * float64(used) / float64(total))))
}

func clampPercent(v int) int {
	return max(0, min(100, v))
}

func readCPUTimes(ctx context.Context) (CPUTimes, error) {
	stats, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return CPUTimes{}, err
	}
	if len(stats) == 0 {
		return CPUTimes{}, fmt.Errorf("no cpu times reported")
	}

	s := stats[0]
	return CPUTimes{
		Idle:  s.Idle,
		Total: s.User + s.Nice + s.System + s.Idle + s.Iowait + s.Irq + s.Softirq + s.Steal,
	}, nil
}

func readMemory(ctx context.Context) (uint64, uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, err
	}
	return vm.Total, vm.Used, nil
}

func readHostFacts(ctx context.Context, log logrus.FieldLogger) HostFacts {
	facts := HostFacts{
		OS:       runtime.GOOS,
		CPUCores: runtime.NumCPU(),
		CPUModel: unknownCPUModel,
	}

	if info, err := host.InfoWithContext(ctx); err != nil {
		log.WithError(err).Warn("Failed to get host info")
	} else if info.OS != "" {
		facts.OS = strings.TrimSpace(info.OS + " " + info.KernelVersion)
	}

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil && cores > 0 {
		facts.CPUCores = cores
	}

	if infos, err := cpu.InfoWithContext(ctx); err != nil {
		log.WithError(err).Warn("Failed to get CPU info")
	} else if len(infos) > 0 && strings.TrimSpace(infos[0].ModelName) != "" {
		facts.CPUModel = strings.TrimSpace(infos[0].ModelName)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		log.WithError(err).Warn("Failed to get memory info")
	} else {
		facts.RAMTotalGB = math.Round(float64(vm.Total)/(1<<30)*10) / 10
	}

	return facts
}
