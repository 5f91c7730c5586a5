package gsplat

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gsplat3d/gsplat/shaders"
)

// FixedPointScale is the quantization factor of the fixed-point distance
// mode: centers and transform rows are scaled by 1000 and rounded, trading
// a 1/1000 unit resolution for a fully deterministic integer sort key.
const FixedPointScale = 1000

const distanceWorkgroupSize = 256

// DistanceMode selects the numeric representation of the sort key.
type DistanceMode int

const (
	DistanceFloat DistanceMode = iota
	DistanceFixed
)

// TransformMode selects how scene transforms reach the dot product.
type TransformMode int

const (
	// TransformStatic applies one shared view-projection row to every splat;
	// scene transforms were folded into the centers at pack time.
	TransformStatic TransformMode = iota
	// TransformDynamic looks up each splat's owning scene transform through
	// its packed transform index and composes it with the camera row on the
	// device.
	TransformDynamic
)

type DistanceOptions struct {
	Mode       DistanceMode
	Transforms TransformMode
	Logger     Logger
}

// DistanceComputer produces a per-splat scalar proportional to view-space
// depth on the device, for an external sorter to key on. The numeric and
// transform modes are fixed at construction; each variant owns its own
// buffer layout and compute program.
//
// Lifecycle: Uninitialized until RebuildIfNeeded attaches a context. A
// context change tears down and recompiles everything; a capacity change
// reallocates buffers only.
type DistanceComputer struct {
	mode       DistanceMode
	transforms TransformMode
	log        Logger

	ctx      *Context
	capacity int
	ready    bool
	disposed bool

	pipeline     *wgpu.ComputePipeline
	bindGroup    *wgpu.BindGroup
	centersBuf   *wgpu.Buffer
	indicesBuf   *wgpu.Buffer // transform indices, dynamic mode only
	paramsBuf    *wgpu.Buffer
	xformsBuf    *wgpu.Buffer // per-scene transforms, dynamic mode only
	outBuf       *wgpu.Buffer
	readbackBuf  *wgpu.Buffer
	inFlight     atomic.Bool

	// Host staging for center quantization/padding. Filled before any
	// device write, so an incremental range upload always reads data that
	// is already in place.
	stagingF []float32
	stagingI []int32
}

func NewDistanceComputer(opts DistanceOptions) *DistanceComputer {
	return &DistanceComputer{
		mode:       opts.Mode,
		transforms: opts.Transforms,
		log:        orNopLogger(opts.Logger),
	}
}

// RebuildIfNeeded brings the computer to Ready for the given context and
// capacity. No-op when neither changed. Program compilation failure is
// fatal: a depth sorter with a broken pipeline has no degraded mode.
func (d *DistanceComputer) RebuildIfNeeded(ctx *Context, maxSplatCount int) error {
	if d.disposed {
		return ErrDisposed
	}
	if ctx == nil {
		return ErrNoDevice
	}
	contextChanged := ctx != d.ctx
	capacityChanged := maxSplatCount != d.capacity
	if !contextChanged && !capacityChanged && d.ready {
		return nil
	}

	if contextChanged {
		d.releaseDeviceState()
		d.ctx = ctx
		d.buildPipeline() // panics on compile/link failure
	} else if capacityChanged {
		d.releaseBuffers()
	}
	d.capacity = maxSplatCount
	d.createBuffers()
	d.createBindGroup()

	if d.mode == DistanceFixed {
		d.stagingI = make([]int32, maxSplatCount*4)
	} else {
		d.stagingF = make([]float32, maxSplatCount*4)
	}
	d.ready = true
	d.log.Debugf("distance pipeline ready: mode=%d transforms=%d capacity=%d", d.mode, d.transforms, maxSplatCount)
	return nil
}

func (d *DistanceComputer) buildPipeline() {
	code := shaders.DistanceFloatWGSL
	if d.mode == DistanceFixed {
		code = shaders.DistanceFixedWGSL
	}
	module, err := d.ctx.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "splat_distance",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: code},
	})
	if err != nil {
		panic(err)
	}
	defer module.Release()

	entryPoint := "cs_static"
	if d.transforms == TransformDynamic {
		entryPoint = "cs_dynamic"
	}
	pipeline, err := d.ctx.device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     module,
			EntryPoint: entryPoint,
		},
	})
	if err != nil {
		panic(err)
	}
	d.pipeline = pipeline
}

func (d *DistanceComputer) createBuffers() {
	mustBuffer := func(label string, size int, usage wgpu.BufferUsage) *wgpu.Buffer {
		buf, err := d.ctx.device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: label,
			Size:  uint64(size),
			Usage: usage,
		})
		if err != nil {
			panic(err)
		}
		return buf
	}
	n := d.capacity
	d.centersBuf = mustBuffer("distance centers", n*16, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
	d.outBuf = mustBuffer("distance out", n*4, wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc)
	d.readbackBuf = mustBuffer("distance readback", n*4, wgpu.BufferUsageMapRead|wgpu.BufferUsageCopyDst)
	d.paramsBuf = mustBuffer("distance params", 32, wgpu.BufferUsageUniform|wgpu.BufferUsageCopyDst)
	if d.transforms == TransformDynamic {
		d.indicesBuf = mustBuffer("distance transform indices", n*4, wgpu.BufferUsageStorage|wgpu.BufferUsageCopyDst)
		d.xformsBuf = mustBuffer("distance transforms", maxDynamicScenes*64, wgpu.BufferUsageUniform|wgpu.BufferUsageCopyDst)
	}
}

func (d *DistanceComputer) createBindGroup() {
	layout := d.pipeline.GetBindGroupLayout(0)
	defer layout.Release()

	entries := []wgpu.BindGroupEntry{
		{Binding: 0, Buffer: d.centersBuf, Size: wgpu.WholeSize},
		{Binding: 1, Buffer: d.outBuf, Size: wgpu.WholeSize},
		{Binding: 2, Buffer: d.paramsBuf, Size: wgpu.WholeSize},
	}
	if d.transforms == TransformDynamic {
		entries = append(entries,
			wgpu.BindGroupEntry{Binding: 3, Buffer: d.indicesBuf, Size: wgpu.WholeSize},
			wgpu.BindGroupEntry{Binding: 4, Buffer: d.xformsBuf, Size: wgpu.WholeSize},
		)
	}
	bg, err := d.ctx.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   "splat_distance",
		Layout:  layout,
		Entries: entries,
	})
	if err != nil {
		panic(err)
	}
	d.bindGroup = bg
}

// SetCenters stages and uploads centers for the global range [from, to).
// centers holds 3 floats per splat for that range. Fixed mode quantizes to
// 4-wide integers with w=1000 as the homogeneous pad; float mode pads to
// 4-wide with w=1.
func (d *DistanceComputer) SetCenters(centers []float32, from, to int) error {
	if d.disposed {
		return ErrDisposed
	}
	if !d.ready {
		return ErrNotBuilt
	}
	if from < 0 || to > d.capacity || from > to {
		return ErrSplatIndexRange
	}
	n := to - from
	if d.mode == DistanceFixed {
		for i := 0; i < n; i++ {
			base := (from + i) * 4
			d.stagingI[base+0] = quantizeFixed(centers[i*3+0])
			d.stagingI[base+1] = quantizeFixed(centers[i*3+1])
			d.stagingI[base+2] = quantizeFixed(centers[i*3+2])
			d.stagingI[base+3] = FixedPointScale
		}
		sub := d.stagingI[from*4 : to*4]
		return d.ctx.queue.WriteBuffer(d.centersBuf, uint64(from*16), wgpu.ToBytes(sub))
	}
	for i := 0; i < n; i++ {
		base := (from + i) * 4
		d.stagingF[base+0] = centers[i*3+0]
		d.stagingF[base+1] = centers[i*3+1]
		d.stagingF[base+2] = centers[i*3+2]
		d.stagingF[base+3] = 1
	}
	sub := d.stagingF[from*4 : to*4]
	return d.ctx.queue.WriteBuffer(d.centersBuf, uint64(from*16), wgpu.ToBytes(sub))
}

// SetTransformIndices uploads owning-scene indices for the global range
// [from, to). Dynamic mode only.
func (d *DistanceComputer) SetTransformIndices(indices []uint32, from, to int) error {
	if d.disposed {
		return ErrDisposed
	}
	if !d.ready {
		return ErrNotBuilt
	}
	if d.transforms != TransformDynamic {
		return fmt.Errorf("%w: transform indices need dynamic mode", ErrModeMismatch)
	}
	if from < 0 || to > d.capacity || from > to {
		return ErrSplatIndexRange
	}
	return d.ctx.queue.WriteBuffer(d.indicesBuf, uint64(from*4), wgpu.ToBytes(indices[:to-from]))
}

// ComputeFloat runs the float-mode distance pass over count splats and
// copies the results into out. Blocks cooperatively until the device fence
// resolves; at most one computation may be in flight per instance.
func (d *DistanceComputer) ComputeFloat(viewProjection mgl32.Mat4, sceneTransforms []mgl32.Mat4, count int, out []float32) error {
	if d.mode != DistanceFloat {
		return fmt.Errorf("%w: computer is in fixed mode", ErrModeMismatch)
	}
	data, err := d.compute(viewProjection, sceneTransforms, count)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return nil
}

// ComputeFixed runs the fixed-point distance pass over count splats and
// copies the integer sort keys into out.
func (d *DistanceComputer) ComputeFixed(viewProjection mgl32.Mat4, sceneTransforms []mgl32.Mat4, count int, out []int32) error {
	if d.mode != DistanceFixed {
		return fmt.Errorf("%w: computer is in float mode", ErrModeMismatch)
	}
	data, err := d.compute(viewProjection, sceneTransforms, count)
	if err != nil {
		return err
	}
	for i := 0; i < count; i++ {
		out[i] = int32(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return nil
}

func (d *DistanceComputer) compute(viewProjection mgl32.Mat4, sceneTransforms []mgl32.Mat4, count int) ([]byte, error) {
	if d.disposed {
		return nil, ErrDisposed
	}
	if !d.ready {
		return nil, ErrNotBuilt
	}
	if count < 0 || count > d.capacity {
		return nil, ErrSplatIndexRange
	}
	if d.transforms == TransformDynamic && len(sceneTransforms) > maxDynamicScenes {
		return nil, ErrTooManyScenes
	}
	if !d.inFlight.CompareAndSwap(false, true) {
		return nil, ErrComputeInFlight
	}
	defer d.inFlight.Store(false)

	if err := d.writeParams(viewProjection, sceneTransforms, count); err != nil {
		return nil, err
	}

	encoder, err := d.ctx.device.CreateCommandEncoder(nil)
	if err != nil {
		return nil, err
	}
	defer encoder.Release()

	pass := encoder.BeginComputePass(nil)
	pass.SetPipeline(d.pipeline)
	pass.SetBindGroup(0, d.bindGroup, nil)
	workgroups := (uint32(count) + distanceWorkgroupSize - 1) / distanceWorkgroupSize
	if workgroups == 0 {
		workgroups = 1
	}
	pass.DispatchWorkgroups(workgroups, 1, 1)
	if err := pass.End(); err != nil {
		return nil, err
	}

	size := uint64(count * 4)
	encoder.CopyBufferToBuffer(d.outBuf, 0, d.readbackBuf, 0, size)

	cmd, err := encoder.Finish(nil)
	if err != nil {
		return nil, err
	}
	defer cmd.Release()
	d.ctx.queue.Submit(cmd)

	// Wait for the map fence with a cooperative yield between polls rather
	// than spinning on the device.
	done := make(chan wgpu.BufferMapAsyncStatus, 1)
	d.readbackBuf.MapAsync(wgpu.MapModeRead, 0, size, func(status wgpu.BufferMapAsyncStatus) {
		done <- status
	})
	var status wgpu.BufferMapAsyncStatus
	for waiting := true; waiting; {
		select {
		case status = <-done:
			waiting = false
		default:
			d.ctx.device.Poll(false, nil)
			time.Sleep(50 * time.Microsecond)
		}
	}
	if status != wgpu.BufferMapAsyncStatusSuccess {
		return nil, fmt.Errorf("distance readback map failed: status %d", status)
	}

	mapped := d.readbackBuf.GetMappedRange(0, uint(size))
	data := make([]byte, len(mapped))
	copy(data, mapped)
	d.readbackBuf.Unmap()
	return data, nil
}

// writeParams uploads the params uniform and, in dynamic mode, the per-scene
// transform array. The camera contribution is the third row of the
// view-projection matrix: the clip-space z row, proportional to view depth.
func (d *DistanceComputer) writeParams(viewProjection mgl32.Mat4, sceneTransforms []mgl32.Mat4, count int) error {
	row := viewProjection.Row(2)
	params := make([]byte, 32)
	if d.mode == DistanceFixed {
		for i := 0; i < 4; i++ {
			binary.LittleEndian.PutUint32(params[i*4:], uint32(quantizeFixed(row[i])))
		}
	} else {
		for i := 0; i < 4; i++ {
			binary.LittleEndian.PutUint32(params[i*4:], math.Float32bits(row[i]))
		}
	}
	binary.LittleEndian.PutUint32(params[16:], uint32(count))
	if err := d.ctx.queue.WriteBuffer(d.paramsBuf, 0, params); err != nil {
		return err
	}

	if d.transforms != TransformDynamic {
		return nil
	}
	if d.mode == DistanceFixed {
		// Transforms ride as quantized integer rows; combined with the
		// quantized camera row and centers, the key scale is 1000^3.
		buf := make([]byte, maxDynamicScenes*64)
		for s, t := range sceneTransforms {
			for r := 0; r < 4; r++ {
				tr := t.Row(r)
				for c := 0; c < 4; c++ {
					binary.LittleEndian.PutUint32(buf[(s*16+r*4+c)*4:], uint32(quantizeFixed(tr[c])))
				}
			}
		}
		return d.ctx.queue.WriteBuffer(d.xformsBuf, 0, buf)
	}
	buf := make([]byte, maxDynamicScenes*64)
	for s, t := range sceneTransforms {
		for i := 0; i < 16; i++ {
			binary.LittleEndian.PutUint32(buf[(s*16+i)*4:], math.Float32bits(t[i]))
		}
	}
	return d.ctx.queue.WriteBuffer(d.xformsBuf, 0, buf)
}

func quantizeFixed(v float32) int32 {
	return int32(math.Round(float64(v) * FixedPointScale))
}

func (d *DistanceComputer) releaseBuffers() {
	for _, b := range []**wgpu.Buffer{&d.centersBuf, &d.indicesBuf, &d.paramsBuf, &d.xformsBuf, &d.outBuf, &d.readbackBuf} {
		if *b != nil {
			(*b).Release()
			*b = nil
		}
	}
	if d.bindGroup != nil {
		d.bindGroup.Release()
		d.bindGroup = nil
	}
	d.ready = false
}

func (d *DistanceComputer) releaseDeviceState() {
	d.releaseBuffers()
	if d.pipeline != nil {
		d.pipeline.Release()
		d.pipeline = nil
	}
	d.ctx = nil
}

// Dispose releases all device state. Idempotent.
func (d *DistanceComputer) Dispose() {
	if d.disposed {
		return
	}
	d.releaseDeviceState()
	d.stagingF, d.stagingI = nil, nil
	d.disposed = true
}
