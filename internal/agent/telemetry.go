package agent

import (
	"os/exec"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aipipeline/renderfarm/internal/dispatch"
	"github.com/aipipeline/renderfarm/internal/models"
)

// Simulated GPU reported when nvidia-smi is unavailable, so a node without a
// GPU can still join the farm for development and capacity testing.
var simulatedGPU = models.GPUInfo{
	Index:         0,
	Name:          "Simulated GPU",
	MemoryTotalMB: 24576,
	MemoryUsedMB:  1024,
	Utilization:   0,
	Temperature:   45,
}

// TelemetryCollector samples host and GPU metrics for heartbeats
type TelemetryCollector struct {
	hostname string
}

// NewTelemetryCollector creates a telemetry collector
func NewTelemetryCollector(hostname string) *TelemetryCollector {
	return &TelemetryCollector{hostname: hostname}
}

// Collect samples current metrics. GPU data falls back to a simulated card
// when nvidia-smi is missing or unparsable; the report marks that fallback so
// the master never schedules against fabricated numbers.
func (t *TelemetryCollector) Collect() *dispatch.TelemetryReport {
	report := &dispatch.TelemetryReport{Hostname: t.hostname}

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		report.CPUPercent = percentages[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		report.RAMPercent = vm.UsedPercent
	}

	gpus, err := queryNvidiaSMI()
	if err != nil || len(gpus) == 0 {
		report.Simulated = true
		report.GPUs = []models.GPUInfo{simulatedGPU}
		return report
	}

	report.GPUs = gpus
	return report
}

// queryNvidiaSMI shells out to nvidia-smi for per-GPU metrics
func queryNvidiaSMI() ([]models.GPUInfo, error) {
	out, err := exec.Command("nvidia-smi",
		"--query-gpu=index,name,memory.total,memory.used,utilization.gpu,temperature.gpu",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil, err
	}

	return parseNvidiaSMI(string(out)), nil
}

// parseNvidiaSMI parses nvidia-smi CSV output, skipping malformed lines
func parseNvidiaSMI(output string) []models.GPUInfo {
	var gpus []models.GPUInfo

	for _, line := range strings.Split(strings.TrimSpace(output), "\n") {
		fields := strings.Split(line, ",")
		if len(fields) != 6 {
			continue
		}
		for i := range fields {
			fields[i] = strings.TrimSpace(fields[i])
		}

		index, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		memTotal, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			continue
		}
		memUsed, err := strconv.ParseInt(fields[3], 10, 64)
		if err != nil {
			continue
		}
		utilization, _ := strconv.Atoi(fields[4])
		temperature, _ := strconv.Atoi(fields[5])

		gpus = append(gpus, models.GPUInfo{
			Index:         index,
			Name:          fields[1],
			MemoryTotalMB: memTotal,
			MemoryUsedMB:  memUsed,
			Utilization:   utilization,
			Temperature:   temperature,
		})
	}

	return gpus
}
