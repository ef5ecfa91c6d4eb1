package nn

import (
	"fmt"

	"github.com/openfluke/sparsify/gpu"
)

type gpuMaskDevice struct {
	kernel *gpu.MaskKernel
}

func (d *gpuMaskDevice) ApplyMask(eff, m, w, s []float32, temp float32, ticket bool) error {
	if err := checkMaskInputs(eff, m, w, s, temp, ticket); err != nil {
		return err
	}
	return d.kernel.Apply(eff, m, w, s, temp, ticket)
}

func (d *gpuMaskDevice) Release() {
	d.kernel.Release()
}

// UseGPU moves the mask computation of every module onto a WebGPU kernel.
// On error nothing is changed and the network keeps computing on the CPU.
func (n *Network) UseGPU() error {
	if err := gpu.EnsureGPU(); err != nil {
		return fmt.Errorf("gpu unavailable: %w", err)
	}
	devices := make([]MaskDevice, 0, len(n.maskModules))
	for _, m := range n.maskModules {
		k, err := gpu.NewMaskKernel(m.Name(), m.Weight().Size())
		if err != nil {
			for _, d := range devices {
				d.Release()
			}
			return fmt.Errorf("mask kernel for %s: %w", m.Name(), err)
		}
		devices = append(devices, &gpuMaskDevice{kernel: k})
	}
	n.attachDevices(devices)
	return nil
}

func (n *Network) attachDevices(devices []MaskDevice) {
	n.Release()
	for i, m := range n.maskModules {
		maskedWeightOf(m).device = devices[i]
	}
	n.devices = devices
}

// Release frees any device resources and returns mask computation to the CPU.
func (n *Network) Release() {
	for _, d := range n.devices {
		d.Release()
	}
	for _, m := range n.maskModules {
		maskedWeightOf(m).device = nil
	}
	n.devices = nil
}
