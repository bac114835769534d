package gpu

import (
	"fmt"
	"sync"

	"github.com/openfluke/soundstream/nn"
	"github.com/openfluke/webgpu/wgpu"
)

const (
	workgroupSize = 256
	maxWorkgroups = 65535
)

// Conv1DShader returns the WGSL forward kernel for a, one invocation per
// output element. Layouts match nn.Conv1DForward: input [b][ic][len],
// weights [oc][ic/groups][k], output [b][oc][outLen].
func Conv1DShader(a nn.Conv1DArgs) string {
	return fmt.Sprintf(`
@group(0) @binding(0) var<storage, read> input : array<f32>;
@group(0) @binding(1) var<storage, read> weights : array<f32>;
@group(0) @binding(2) var<storage, read> bias : array<f32>;
@group(0) @binding(3) var<storage, read_write> output : array<f32>;

const BATCH: u32 = %du;
const IN_CH: u32 = %du;
const LEN: u32 = %du;
const OUT_CH: u32 = %du;
const KERNEL: u32 = %du;
const STRIDE: u32 = %du;
const DILATION: u32 = %du;
const PAD_LEFT: i32 = %d;
const IN_PER_GROUP: u32 = %du;
const OUT_PER_GROUP: u32 = %du;
const OUT_LEN: u32 = %du;
const ROW: u32 = %du;

@compute @workgroup_size(%d)
fn main(@builtin(global_invocation_id) gid: vec3<u32>) {
	let idx = gid.y * ROW + gid.x;
	if (idx >= BATCH * OUT_CH * OUT_LEN) { return; }

	let o = idx %% OUT_LEN;
	let oc = (idx / OUT_LEN) %% OUT_CH;
	let b = idx / (OUT_LEN * OUT_CH);
	let in_start = (oc / OUT_PER_GROUP) * IN_PER_GROUP;

	var sum = bias[oc];
	for (var icg: u32 = 0u; icg < IN_PER_GROUP; icg++) {
		let src = (b * IN_CH + in_start + icg) * LEN;
		let w = (oc * IN_PER_GROUP + icg) * KERNEL;
		for (var k: u32 = 0u; k < KERNEL; k++) {
			let pos = i32(o * STRIDE + k * DILATION) - PAD_LEFT;
			if (pos >= 0 && u32(pos) < LEN) {
				sum += input[src + u32(pos)] * weights[w + k];
			}
		}
	}
	output[idx] = sum;
}
`, a.Batch, a.InChannels, a.Length, a.OutChannels, a.KernelSize, a.Stride, a.Dilation, a.PadLeft,
		a.InChannels/a.Groups, a.OutChannels/a.Groups, a.OutLength(),
		maxWorkgroups*workgroupSize, workgroupSize)
}

// Accelerator implements nn.Accelerator on a WebGPU device. Pipelines are
// compiled once per convolution shape.
type Accelerator struct {
	// MinWork is the smallest multiply-accumulate count worth a dispatch.
	// Smaller requests return nn.ErrNoAccelerator and run on the CPU.
	MinWork int

	ctx       *Context
	mu        sync.Mutex
	pipelines map[nn.Conv1DArgs]*wgpu.ComputePipeline
}

// NewAccelerator opens the device.
func NewAccelerator() (*Accelerator, error) {
	c, err := GetContext()
	if err != nil {
		return nil, err
	}
	return &Accelerator{MinWork: 1 << 16, ctx: c, pipelines: make(map[nn.Conv1DArgs]*wgpu.ComputePipeline)}, nil
}

// Install opens the device and makes it the nn accelerator. The returned
// function restores the previous one.
func Install() (restore func(), err error) {
	a, err := NewAccelerator()
	if err != nil {
		return nil, err
	}
	prev := nn.SetAccelerator(a)
	return func() { nn.SetAccelerator(prev) }, nil
}

func work(a nn.Conv1DArgs) int {
	return a.Batch * a.OutChannels * a.OutLength() * (a.InChannels / a.Groups) * a.KernelSize
}

func (g *Accelerator) pipeline(a nn.Conv1DArgs) (*wgpu.ComputePipeline, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.pipelines[a]; ok {
		return p, nil
	}
	mod, err := g.ctx.Device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "conv1d",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: Conv1DShader(a)},
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: compile conv1d: %w", err)
	}
	defer mod.Release()
	p, err := g.ctx.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:   "conv1d",
		Compute: wgpu.ProgrammableStageDescriptor{Module: mod, EntryPoint: "main"},
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: conv1d pipeline: %w", err)
	}
	g.pipelines[a] = p
	return p, nil
}

// Conv1D runs one forward convolution on the device.
func (g *Accelerator) Conv1D(a nn.Conv1DArgs, input, weight, bias []float32) ([]float32, error) {
	if g.ctx == nil || work(a) < g.MinWork {
		return nil, nn.ErrNoAccelerator
	}
	total := a.Batch * a.OutChannels * a.OutLength()
	groups := (total + workgroupSize - 1) / workgroupSize
	if groups > maxWorkgroups*maxWorkgroups {
		return nil, nn.ErrNoAccelerator
	}
	if bias == nil {
		bias = make([]float32, a.OutChannels)
	}

	p, err := g.pipeline(a)
	if err != nil {
		return nil, err
	}
	c := g.ctx
	var bufs []*wgpu.Buffer
	defer func() {
		for _, b := range bufs {
			b.Destroy()
		}
	}()
	upload := func(label string, data []float32) (*wgpu.Buffer, error) {
		b, err := c.newFloatBuffer(label, data)
		if err == nil {
			bufs = append(bufs, b)
		}
		return b, err
	}
	in, err := upload("conv1d_in", input)
	if err != nil {
		return nil, err
	}
	w, err := upload("conv1d_w", weight)
	if err != nil {
		return nil, err
	}
	bb, err := upload("conv1d_b", bias)
	if err != nil {
		return nil, err
	}
	out, err := c.newOutputBuffer("conv1d_out", total)
	if err != nil {
		return nil, err
	}
	bufs = append(bufs, out)

	bind, err := c.Device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:  "conv1d",
		Layout: p.GetBindGroupLayout(0),
		Entries: []wgpu.BindGroupEntry{
			{Binding: 0, Buffer: in, Size: in.GetSize()},
			{Binding: 1, Buffer: w, Size: w.GetSize()},
			{Binding: 2, Buffer: bb, Size: bb.GetSize()},
			{Binding: 3, Buffer: out, Size: out.GetSize()},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gpu: conv1d bind group: %w", err)
	}
	defer bind.Release()

	enc, err := c.Device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, fmt.Errorf("gpu: command encoder: %w", err)
	}
	pass := enc.BeginComputePass(nil)
	pass.SetPipeline(p)
	pass.SetBindGroup(0, bind, nil)
	x, y := min(groups, maxWorkgroups), (groups+maxWorkgroups-1)/maxWorkgroups
	pass.DispatchWorkgroups(uint32(x), uint32(y), 1)
	pass.End()
	cmd, err := enc.Finish(nil)
	if err != nil {
		return nil, fmt.Errorf("gpu: finish conv1d: %w", err)
	}
	c.Queue.Submit(cmd)
	return c.readBuffer(out, total)
}

// Release frees the compiled pipelines.
func (g *Accelerator) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, p := range g.pipelines {
		p.Release()
		delete(g.pipelines, k)
	}
}
