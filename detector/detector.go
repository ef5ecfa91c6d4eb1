package detector

import (
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/klauspost/cpuid/v2"
	"github.com/openfluke/webgpu/wgpu"
)

/* ---------- public API ---------- */

// Report is a portable summary of the host's compute devices.
type Report struct {
	WhenISO  string    `json:"when_iso"`
	CPU      CPUReport `json:"cpu"`
	Adapters []Adapter `json:"adapters"`
	Limits   *Limits   `json:"limits,omitempty"` // of the preferred adapter
	Workers  int       `json:"default_workers"`
}

// Adapter describes one WebGPU adapter.
type Adapter struct {
	Name        string `json:"name"`
	Vendor      string `json:"vendor"`
	Backend     string `json:"backend"`
	AdapterType string `json:"adapter_type"`
	VendorID    string `json:"vendor_id_hex"`
	DeviceID    string `json:"device_id_hex"`
	Driver      string `json:"driver"`
}

type Limits struct {
	MaxComputeInvocationsPerWorkgroup uint32 `json:"max_compute_invocations_per_workgroup"`
	MaxComputeWorkgroupSizeX          uint32 `json:"max_compute_workgroup_size_x"`
	MaxComputeWorkgroupsPerDimension  uint32 `json:"max_compute_workgroups_per_dimension"`
	MaxStorageBufferBindingSize       uint64 `json:"max_storage_buffer_binding_size"`
	MaxBufferSize                     uint64 `json:"max_buffer_size"`
}

// CPUReport lists the host CPU features relevant to the float32 loops.
type CPUReport struct {
	Brand         string `json:"brand"`
	Vendor        string `json:"vendor"`
	PhysicalCores int    `json:"physical_cores"`
	LogicalCores  int    `json:"logical_cores"`
	AVX2          bool   `json:"avx2"`
	FMA3          bool   `json:"fma3"`
	AVX512F       bool   `json:"avx512f"`
}

// CPU reports the host CPU via cpuid.
func CPU() CPUReport {
	c := cpuid.CPU
	logical := c.LogicalCores
	if logical <= 0 {
		logical = runtime.NumCPU()
	}
	return CPUReport{
		Brand:         strings.TrimSpace(c.BrandName),
		Vendor:        c.VendorString,
		PhysicalCores: c.PhysicalCores,
		LogicalCores:  logical,
		AVX2:          c.Supports(cpuid.AVX2),
		FMA3:          c.Supports(cpuid.FMA3),
		AVX512F:       c.Supports(cpuid.AVX512F),
	}
}

// DefaultWorkers caps a requested worker count by the logical cores.
// A non-positive request means "one per core".
func DefaultWorkers(requested int) int {
	cores := CPU().LogicalCores
	if requested <= 0 || requested > cores {
		return cores
	}
	return requested
}

// Adapters enumerates every WebGPU adapter the driver exposes.
// A host without a usable driver reports zero adapters and no error.
func Adapters() []Adapter {
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil
	}
	defer inst.Release()

	var out []Adapter
	for _, a := range inst.EnumerateAdapters(nil) {
		out = append(out, describe(a))
		a.Release()
	}
	return out
}

// AdapterCount is the number of compute devices available for ranks.
func AdapterCount() int {
	return len(Adapters())
}

// DetectJSON runs a probe and returns the JSON string.
func DetectJSON() (string, error) {
	rep := Detect()
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Detect probes CPU and adapters. Limits come from the high-performance
// adapter when one can be requested.
func Detect() *Report {
	rep := &Report{
		WhenISO:  time.Now().UTC().Format(time.RFC3339),
		CPU:      CPU(),
		Adapters: Adapters(),
	}
	rep.Workers = rep.CPU.LogicalCores
	if l, err := preferredLimits(); err == nil {
		rep.Limits = l
	}
	return rep
}

// Summary is the one-line form used in startup logs.
func (r *Report) Summary() string {
	simd := []string{}
	if r.CPU.AVX2 {
		simd = append(simd, "avx2")
	}
	if r.CPU.FMA3 {
		simd = append(simd, "fma3")
	}
	if r.CPU.AVX512F {
		simd = append(simd, "avx512f")
	}
	names := make([]string, len(r.Adapters))
	for i, a := range r.Adapters {
		names[i] = a.Name
	}
	return fmt.Sprintf("cpu=%q cores=%d/%d simd=[%s] gpus=%d [%s]",
		r.CPU.Brand, r.CPU.PhysicalCores, r.CPU.LogicalCores, strings.Join(simd, ","),
		len(r.Adapters), strings.Join(names, ", "))
}

/* ---------- helpers ---------- */

func preferredLimits() (*Limits, error) {
	inst := wgpu.CreateInstance(nil)
	if inst == nil {
		return nil, fmt.Errorf("wgpu.CreateInstance returned nil")
	}
	defer inst.Release()

	adapter, err := inst.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		return nil, fmt.Errorf("request adapter: %w", err)
	}
	if adapter == nil {
		return nil, fmt.Errorf("no adapter")
	}
	defer adapter.Release()

	limits := adapter.GetLimits()
	return &Limits{
		MaxComputeInvocationsPerWorkgroup: limits.Limits.MaxComputeInvocationsPerWorkgroup,
		MaxComputeWorkgroupSizeX:          limits.Limits.MaxComputeWorkgroupSizeX,
		MaxComputeWorkgroupsPerDimension:  limits.Limits.MaxComputeWorkgroupsPerDimension,
		MaxStorageBufferBindingSize:       limits.Limits.MaxStorageBufferBindingSize,
		MaxBufferSize:                     limits.Limits.MaxBufferSize,
	}, nil
}

func describe(a *wgpu.Adapter) Adapter {
	info := a.GetInfo()
	return Adapter{
		Name:        strings.TrimSpace(info.Name),
		Vendor:      strings.TrimSpace(info.VendorName),
		Backend:     info.BackendType.String(),
		AdapterType: info.AdapterType.String(),
		VendorID:    fmt.Sprintf("0x%04x", info.VendorId),
		DeviceID:    fmt.Sprintf("0x%04x", info.DeviceId),
		Driver:      strings.TrimSpace(info.DriverDescription),
	}
}
