package felis

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ThroughputReport is the core's minimum end-of-run JSON report, one per
// server (not per epoch): aggregate CPU count, wall-clock duration and
// derived throughput.
type ThroughputReport struct {
	CPU        int     `json:"cpu"`
	DurationMs int64   `json:"duration"`
	Throughput float64 `json:"throughput"`
}

// NewThroughputReport derives Throughput from a transaction count and
// elapsed wall time.
func NewThroughputReport(cpu int, elapsed time.Duration, txns int64) ThroughputReport {
	ms := elapsed.Milliseconds()
	var throughput float64
	if ms > 0 {
		throughput = float64(txns) / elapsed.Seconds()
	}
	return ThroughputReport{CPU: cpu, DurationMs: ms, Throughput: throughput}
}

// PriorityLatencyReport breaks down where a priority transaction spent
// its time, keyed to match the numbered field order of the original
// benchmark's JSON dump.
type PriorityLatencyReport struct {
	InitQueueMs float64 `json:"1init_queue"`
	InitFailMs  float64 `json:"2init_fail"`
	InitSuccMs  float64 `json:"3init_succ"`
	ExecQueueMs float64 `json:"4exec_queue"`
	ExecMs      float64 `json:"5exec"`
	TotalMs     float64 `json:"6total_latency"`
	InitFailCnt int64   `json:"7init_fail_cnt"`
}

// WriteReports marshals the throughput report and, if priority latency
// data was collected, the latency report, each to its own indented JSON
// file under dir. dir is created if it does not already exist.
func WriteReports(dir string, throughput ThroughputReport, latency *PriorityLatencyReport) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return WrapError("creating report output directory", err)
	}

	if err := writeJSONReport(filepath.Join(dir, "throughput.json"), throughput); err != nil {
		return err
	}
	if latency != nil {
		if err := writeJSONReport(filepath.Join(dir, "priority_latency.json"), latency); err != nil {
			return err
		}
	}
	return nil
}

func writeJSONReport(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return WrapError(fmt.Sprintf("marshaling report %s", path), err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return WrapError(fmt.Sprintf("writing report %s", path), err)
	}
	return nil
}
