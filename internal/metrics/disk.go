package metrics

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ofkm/agenthost/internal/process"
)

// UnknownDiskUsage is reported when the probe cannot determine usage.
const UnknownDiskUsage = -1

// DiskUsageProbe reports root filesystem usage as a percentage.
// Implementations return UnknownDiskUsage instead of failing.
type DiskUsageProbe interface {
	DiskUsage(ctx context.Context) int
}

// NewDiskUsageProbe picks the probe for the given GOOS.
func NewDiskUsageProbe(goos string, runner process.Runner) DiskUsageProbe {
	switch goos {
	case "windows":
		return &wmicProbe{runner: runner}
	case "darwin", "freebsd", "openbsd", "netbsd":
		// BSD df prints Capacity as the fifth column of the second line
		return &dfProbe{runner: runner, args: []string{"-k", "/"}, column: 4}
	default:
		// POSIX output mode keeps each filesystem on one line
		return &dfProbe{runner: runner, args: []string{"-P", "/"}, column: 4}
	}
}

type dfProbe struct {
	runner process.Runner
	args   []string
	column int
}

func (p *dfProbe) DiskUsage(ctx context.Context) int {
	res, err := p.runner.Run(ctx, "df", p.args...)
	if err != nil {
		return UnknownDiskUsage
	}
	usage, err := parseDfCapacity(res.Stdout, p.column)
	if err != nil {
		return UnknownDiskUsage
	}
	return usage
}

func parseDfCapacity(output string, column int) (int, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	if len(lines) < 2 {
		return 0, fmt.Errorf("unexpected df output: %q", output)
	}

	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) <= column {
		return 0, fmt.Errorf("df output has %d columns, want > %d", len(fields), column)
	}

	value, err := strconv.Atoi(strings.TrimSuffix(fields[column], "%"))
	if err != nil {
		return 0, fmt.Errorf("parse df capacity %q: %w", fields[column], err)
	}
	return clampPercent(value), nil
}

type wmicProbe struct {
	runner process.Runner
}

func (p *wmicProbe) DiskUsage(ctx context.Context) int {
	res, err := p.runner.Run(ctx, "wmic", "logicaldisk", "where", "DeviceID='C:'", "get", "Size,FreeSpace", "/format:value")
	if err != nil {
		return UnknownDiskUsage
	}
	usage, err := parseWmicUsage(res.Stdout)
	if err != nil {
		return UnknownDiskUsage
	}
	return usage
}

// parseWmicUsage reads the key=value listing wmic prints with /format:value.
func parseWmicUsage(output string) (int, error) {
	var size, free float64
	var haveSize, haveFree bool

	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			continue
		}
		switch key {
		case "Size":
			size, haveSize = n, true
		case "FreeSpace":
			free, haveFree = n, true
		}
	}

	if !haveSize || !haveFree || size <= 0 {
		return 0, fmt.Errorf("unexpected wmic output: %q", output)
	}
	return clampPercent(int(math.Round(100 * (size - free) / size))), nil
}
