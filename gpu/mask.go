package gpu

import (
	"fmt"

	"github.com/openfluke/webgpu/wgpu"
)

// MaskKernel computes mask values and effective weights for one weight
// tensor of fixed size:
//
//	mask[i] = ticket ? (s[i] > 0) : sigmoid(T * s[i])
//	eff[i]  = w[i] * mask[i]
type MaskKernel struct {
	Size int

	pipeline  *wgpu.ComputePipeline
	bindGroup *wgpu.BindGroup

	WeightBuffer *wgpu.Buffer
	ScoreBuffer  *wgpu.Buffer
	EffBuffer    *wgpu.Buffer
	MaskBuffer   *wgpu.Buffer
	ParamsBuffer *wgpu.Buffer
}

// NewMaskKernel compiles the shader and allocates buffers for size elements.
func NewMaskKernel(label string, size int) (*MaskKernel, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mask kernel %s: size must be positive, got %d", label, size)
	}
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	k := &MaskKernel{Size: size}
	if err := k.allocate(c, label); err != nil {
		k.Release()
		return nil, err
	}
	if err := k.compile(c, label); err != nil {
		k.Release()
		return nil, err
	}
	return k, nil
}

func (k *MaskKernel) allocate(c *Context, label string) error {
	bytes := uint64(k.Size * 4)
	var err error
	for _, b := range []struct {
		buf  **wgpu.Buffer
		name string
	}{
		{&k.WeightBuffer, "_W"},
		{&k.ScoreBuffer, "_S"},
		{&k.EffBuffer, "_Eff"},
		{&k.MaskBuffer, "_Mask"},
	} {
		*b.buf, err = c.Device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: label + b.name,
			Size:  bytes,
			Usage: StorageUsage,
		})
		if err != nil {
			return fmt.Errorf("allocate %s%s: %w", label, b.name, err)
		}
	}
	// temperature, ticket, two pad words
	k.ParamsBuffer, err = NewFloatBuffer(label+"_Params", []float32{1, 0, 0, 0}, wgpu.BufferUsageUniform|wgpu.BufferUsageCopyDst)
	return err
}

// GenerateShader returns the WGSL source for this kernel.
func (k *MaskKernel) GenerateShader() string {
	return fmt.Sprintf(`
		struct Params {
			temperature : f32,
			ticket : f32,
			_pad0 : f32,
			_pad1 : f32,
		};

		@group(0) @binding(0) var<storage, read> w : array<f32>;
		@group(0) @binding(1) var<storage, read> s : array<f32>;
		@group(0) @binding(2) var<storage, read_write> eff : array<f32>;
		@group(0) @binding(3) var<storage, read_write> mask : array<f32>;
		@group(0) @binding(4) var<uniform> params : Params;

		const SIZE: u32 = %du;

		fn stable_sigmoid(x: f32) -> f32 {
			if (x >= 0.0) {
				return 1.0 / (1.0 + exp(-x));
			}
			let e = exp(x);
			return e / (1.0 + e);
		}

		@compute @workgroup_size(256)
		fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
			let idx = gid.x;
			if (idx >= SIZE) { return; }
			var m: f32;
			if (params.ticket > 0.5) {
				m = select(0.0, 1.0, s[idx] > 0.0);
			} else {
				m = stable_sigmoid(params.temperature * s[idx]);
			}
			mask[idx] = m;
			eff[idx] = w[idx] * m;
		}
	`, k.Size)
}

func (k *MaskKernel) compile(c *Context, label string) error {
	module, err := c.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          label + "_Shader",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: k.GenerateShader()},
	})
	if err != nil {
		return fmt.Errorf("compile %s: %w", label, err)
	}
	defer module.Release()

	k.pipeline, err = c.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   label + "_Pipe",
		Compute: wgpu.ProgrammableStageDescriptor{Module: module, EntryPoint: "main"},
	})
	if err != nil {
		return fmt.Errorf("pipeline %s: %w", label, err)
	}

	k.bindGroup, err = c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  label + "_Bind",
		Layout: k.pipeline.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: k.WeightBuffer, Size: k.WeightBuffer.GetSize()},
			{Binding: 1, Buffer: k.ScoreBuffer, Size: k.ScoreBuffer.GetSize()},
			{Binding: 2, Buffer: k.EffBuffer, Size: k.EffBuffer.GetSize()},
			{Binding: 3, Buffer: k.MaskBuffer, Size: k.MaskBuffer.GetSize()},
			{Binding: 4, Buffer: k.ParamsBuffer, Size: k.ParamsBuffer.GetSize()},
		},
	})
	return err
}

// Apply uploads w and s, runs the kernel and downloads eff and mask.
func (k *MaskKernel) Apply(eff, mask, w, s []float32, temperature float32, ticket bool) error {
	if len(w) != k.Size || len(s) != k.Size || len(eff) != k.Size || len(mask) != k.Size {
		return fmt.Errorf("mask kernel expects %d elements, got w=%d s=%d", k.Size, len(w), len(s))
	}
	c, err := GetContext()
	if err != nil {
		return err
	}

	flag := float32(0)
	if ticket {
		flag = 1
	}
	c.Queue.WriteBuffer(k.WeightBuffer, 0, wgpu.ToBytes(w))
	c.Queue.WriteBuffer(k.ScoreBuffer, 0, wgpu.ToBytes(s))
	c.Queue.WriteBuffer(k.ParamsBuffer, 0, wgpu.ToBytes([]float32{temperature, flag, 0, 0}))

	enc, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return fmt.Errorf("create command encoder: %w", err)
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(k.pipeline)
	pass.SetBindGroup(0, k.bindGroup, nil)
	pass.DispatchWorkgroups(uint32((k.Size+255)/256), 1, 1)
	pass.End()
	cmd, err := enc.Finish(nil)
	if err != nil {
		return fmt.Errorf("finish command: %w", err)
	}
	c.Queue.Submit(cmd)

	gotEff, err := ReadBuffer(k.EffBuffer, k.Size)
	if err != nil {
		return err
	}
	gotMask, err := ReadBuffer(k.MaskBuffer, k.Size)
	if err != nil {
		return err
	}
	copy(eff, gotEff)
	copy(mask, gotMask)
	return nil
}

// Release frees every GPU resource held by the kernel.
func (k *MaskKernel) Release() {
	for _, b := range []*wgpu.Buffer{k.WeightBuffer, k.ScoreBuffer, k.EffBuffer, k.MaskBuffer, k.ParamsBuffer} {
		if b != nil {
			b.Destroy()
		}
	}
	if k.bindGroup != nil {
		k.bindGroup.Release()
	}
	if k.pipeline != nil {
		k.pipeline.Release()
	}
}
