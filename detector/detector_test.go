package detector

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCPUReport(t *testing.T) {
	c := CPU()
	if c.LogicalCores <= 0 {
		t.Fatalf("LogicalCores = %d, want > 0", c.LogicalCores)
	}
}

func TestDefaultWorkers(t *testing.T) {
	cores := CPU().LogicalCores
	if got := DefaultWorkers(0); got != cores {
		t.Errorf("DefaultWorkers(0) = %d, want %d", got, cores)
	}
	if got := DefaultWorkers(cores + 100); got != cores {
		t.Errorf("DefaultWorkers(cores+100) = %d, want %d", got, cores)
	}
	if got := DefaultWorkers(1); got != 1 {
		t.Errorf("DefaultWorkers(1) = %d, want 1", got)
	}
}

func TestSummary(t *testing.T) {
	r := &Report{
		CPU:      CPUReport{Brand: "Test CPU", PhysicalCores: 4, LogicalCores: 8, AVX2: true},
		Adapters: []Adapter{{Name: "gpu0"}, {Name: "gpu1"}},
	}
	s := r.Summary()
	for _, want := range []string{`cpu="Test CPU"`, "cores=4/8", "simd=[avx2]", "gpus=2", "gpu0, gpu1"} {
		if !strings.Contains(s, want) {
			t.Errorf("Summary() = %q, missing %q", s, want)
		}
	}
}

func TestDetectJSON(t *testing.T) {
	out, err := DetectJSON()
	if err != nil {
		t.Fatal(err)
	}
	var rep Report
	if err := json.Unmarshal([]byte(out), &rep); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}
	if rep.CPU.LogicalCores <= 0 || rep.WhenISO == "" {
		t.Errorf("report = %+v", rep)
	}
}
