package felis

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewThroughputReport(t *testing.T) {
	r := NewThroughputReport(4, time.Second, 1000)
	if r.CPU != 4 {
		t.Fatalf("CPU = %d, want 4", r.CPU)
	}
	if r.DurationMs != 1000 {
		t.Fatalf("DurationMs = %d, want 1000", r.DurationMs)
	}
	if r.Throughput != 1000 {
		t.Fatalf("Throughput = %f, want 1000", r.Throughput)
	}
}

func TestThroughputReport_JSONKeys(t *testing.T) {
	r := NewThroughputReport(1, time.Millisecond, 1)
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"cpu", "duration", "throughput"} {
		if _, ok := m[key]; !ok {
			t.Fatalf("missing expected JSON key %q in %s", key, b)
		}
	}
}

func TestPriorityLatencyReport_JSONKeys(t *testing.T) {
	r := PriorityLatencyReport{InitFailCnt: 3}
	b, err := json.Marshal(r)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{
		"1init_queue", "2init_fail", "3init_succ",
		"4exec_queue", "5exec", "6total_latency", "7init_fail_cnt",
	} {
		if _, ok := m[key]; !ok {
			t.Fatalf("missing expected JSON key %q in %s", key, b)
		}
	}
}

func TestWriteReports(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	throughput := NewThroughputReport(2, time.Second, 500)
	latency := &PriorityLatencyReport{InitFailCnt: 1}

	if err := WriteReports(dir, throughput, latency); err != nil {
		t.Fatalf("WriteReports: %v", err)
	}

	for _, name := range []string{"throughput.json", "priority_latency.json"} {
		b, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("reading %s: %v", name, err)
		}
		if len(b) == 0 {
			t.Fatalf("%s is empty", name)
		}
	}
}

func TestWriteReports_NilLatencySkipsFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	if err := WriteReports(dir, NewThroughputReport(1, time.Second, 1), nil); err != nil {
		t.Fatalf("WriteReports: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "priority_latency.json")); !os.IsNotExist(err) {
		t.Fatal("expected no priority_latency.json when latency is nil")
	}
}
