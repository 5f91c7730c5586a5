package gsplat

import (
	"encoding/binary"
	"math"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/go-gl/mathgl/mgl32"

	"github.com/gsplat3d/gsplat/shaders"
)

type quadVertex struct {
	corner [2]float32
}

// SplatRenderer draws packed splats as alpha-blended instanced quads in the
// order supplied by the external sorter. One instance per visible splat; the
// vertex stage projects the footprint exactly as the CPU projector does.
type SplatRenderer struct {
	ctx     *Context
	dynamic bool

	pipeline  *wgpu.RenderPipeline
	vertexBuf *wgpu.Buffer
	indexBuf  *wgpu.Buffer
	paramsBuf *wgpu.Buffer
	orderBuf  *wgpu.Buffer
	xformsBuf *wgpu.Buffer // dynamic mode only
	bindGroup *wgpu.BindGroup

	capacity    int
	renderCount int
	disposed    bool
}

// NewSplatRenderer builds the render pipeline for the given target format
// and binds the packer's current attribute store.
func NewSplatRenderer(ctx *Context, packer *AttributePacker, dynamic bool, format wgpu.TextureFormat) *SplatRenderer {
	r := &SplatRenderer{ctx: ctx, dynamic: dynamic}

	module, err := ctx.device.CreateShaderModule(&wgpu.ShaderModuleDescriptor{
		Label:          "splat_render",
		WGSLDescriptor: &wgpu.ShaderModuleWGSLDescriptor{Code: shaders.SplatWGSL},
	})
	if err != nil {
		panic(err)
	}
	defer module.Release()

	entryPoint := "vs_static"
	if dynamic {
		entryPoint = "vs_dynamic"
	}
	r.pipeline, err = ctx.device.CreateRenderPipeline(&wgpu.RenderPipelineDescriptor{
		Label: "splat_render",
		Vertex: wgpu.VertexState{
			Module:     module,
			EntryPoint: entryPoint,
			Buffers: []wgpu.VertexBufferLayout{
				{
					ArrayStride: 8,
					StepMode:    wgpu.VertexStepModeVertex,
					Attributes: []wgpu.VertexAttribute{
						{ShaderLocation: 0, Offset: 0, Format: wgpu.VertexFormatFloat32x2},
					},
				},
			},
		},
		Fragment: &wgpu.FragmentState{
			Module:     module,
			EntryPoint: "fs_main",
			Targets: []wgpu.ColorTargetState{
				{
					Format: format,
					Blend: &wgpu.BlendState{
						Color: wgpu.BlendComponent{
							Operation: wgpu.BlendOperationAdd,
							SrcFactor: wgpu.BlendFactorSrcAlpha,
							DstFactor: wgpu.BlendFactorOneMinusSrcAlpha,
						},
						Alpha: wgpu.BlendComponent{
							Operation: wgpu.BlendOperationAdd,
							SrcFactor: wgpu.BlendFactorOne,
							DstFactor: wgpu.BlendFactorOneMinusSrcAlpha,
						},
					},
					WriteMask: wgpu.ColorWriteMaskAll,
				},
			},
		},
		Primitive: wgpu.PrimitiveState{
			Topology:  wgpu.PrimitiveTopologyTriangleList,
			FrontFace: wgpu.FrontFaceCCW,
			CullMode:  wgpu.CullModeNone,
		},
		DepthStencil: nil,
		Multisample: wgpu.MultisampleState{
			Count:                  1,
			Mask:                   0xFFFFFFFF,
			AlphaToCoverageEnabled: false,
		},
	})
	if err != nil {
		panic(err)
	}

	quad := []quadVertex{
		{corner: [2]float32{-1, 1}},
		{corner: [2]float32{1, 1}},
		{corner: [2]float32{-1, -1}},
		{corner: [2]float32{1, -1}},
	}
	indices := []uint16{0, 2, 1, 1, 2, 3}
	r.vertexBuf, err = ctx.device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    "splat quad vertices",
		Contents: wgpu.ToBytes(quad),
		Usage:    wgpu.BufferUsageVertex,
	})
	if err != nil {
		panic(err)
	}
	r.indexBuf, err = ctx.device.CreateBufferInit(&wgpu.BufferInitDescriptor{
		Label:    "splat quad indices",
		Contents: wgpu.ToBytes(indices),
		Usage:    wgpu.BufferUsageIndex,
	})
	if err != nil {
		panic(err)
	}
	r.paramsBuf, err = ctx.device.CreateBuffer(&wgpu.BufferDescriptor{
		Label: "splat render params",
		Size:  144,
		Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
	})
	if err != nil {
		panic(err)
	}
	if dynamic {
		r.xformsBuf, err = ctx.device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: "splat render transforms",
			Size:  maxDynamicScenes * 64,
			Usage: wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			panic(err)
		}
	}

	r.Rebind(packer)
	return r
}

// Rebind recreates the order buffer and bind group against the packer's
// current store. Call after every packer rebuild.
func (r *SplatRenderer) Rebind(packer *AttributePacker) {
	if r.bindGroup != nil {
		r.bindGroup.Release()
		r.bindGroup = nil
	}
	if packer.Capacity() != r.capacity || r.orderBuf == nil {
		if r.orderBuf != nil {
			r.orderBuf.Release()
		}
		r.capacity = packer.Capacity()
		size := r.capacity * 4
		if size < 4 {
			size = 4
		}
		buf, err := r.ctx.device.CreateBuffer(&wgpu.BufferDescriptor{
			Label: "splat render order",
			Size:  uint64(size),
			Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopyDst,
		})
		if err != nil {
			panic(err)
		}
		r.orderBuf = buf
	}

	layout := r.pipeline.GetBindGroupLayout(0)
	defer layout.Release()
	entries := []wgpu.BindGroupEntry{
		{Binding: 0, TextureView: packer.CenterColorView()},
		{Binding: 1, TextureView: packer.CovarianceView()},
		{Binding: 3, Buffer: r.paramsBuf, Size: wgpu.WholeSize},
		{Binding: 4, Buffer: r.orderBuf, Size: wgpu.WholeSize},
	}
	if r.dynamic {
		entries = append(entries,
			wgpu.BindGroupEntry{Binding: 2, TextureView: packer.TransformIndexView()},
			wgpu.BindGroupEntry{Binding: 5, Buffer: r.xformsBuf, Size: wgpu.WholeSize},
		)
	}
	bg, err := r.ctx.device.CreateBindGroup(&wgpu.BindGroupDescriptor{
		Label:   "splat_render",
		Layout:  layout,
		Entries: entries,
	})
	if err != nil {
		panic(err)
	}
	r.bindGroup = bg
}

// SetRenderOrder uploads the sorted global indices to draw this frame.
func (r *SplatRenderer) SetRenderOrder(indices []uint32, count int) error {
	if r.disposed {
		return ErrDisposed
	}
	if count < 0 || count > len(indices) || count > r.capacity {
		return ErrSplatIndexRange
	}
	if count > 0 {
		if err := r.ctx.queue.WriteBuffer(r.orderBuf, 0, wgpu.ToBytes(indices[:count])); err != nil {
			return err
		}
	}
	r.renderCount = count
	return nil
}

func (r *SplatRenderer) RenderCount() int { return r.renderCount }

// UpdateCamera uploads the per-frame camera state and, in dynamic mode, the
// per-scene transforms.
func (r *SplatRenderer) UpdateCamera(cam *CameraState, sceneTransforms []mgl32.Mat4) error {
	params := make([]byte, 144)
	for i := 0; i < 16; i++ {
		binary.LittleEndian.PutUint32(params[i*4:], math.Float32bits(cam.View[i]))
		binary.LittleEndian.PutUint32(params[64+i*4:], math.Float32bits(cam.Projection[i]))
	}
	binary.LittleEndian.PutUint32(params[128:], math.Float32bits(cam.FocalX))
	binary.LittleEndian.PutUint32(params[132:], math.Float32bits(cam.FocalY))
	binary.LittleEndian.PutUint32(params[136:], math.Float32bits(cam.ViewportW))
	binary.LittleEndian.PutUint32(params[140:], math.Float32bits(cam.ViewportH))
	if err := r.ctx.queue.WriteBuffer(r.paramsBuf, 0, params); err != nil {
		return err
	}

	if !r.dynamic {
		return nil
	}
	if len(sceneTransforms) > maxDynamicScenes {
		return ErrTooManyScenes
	}
	buf := make([]byte, maxDynamicScenes*64)
	for s, t := range sceneTransforms {
		for i := 0; i < 16; i++ {
			binary.LittleEndian.PutUint32(buf[(s*16+i)*4:], math.Float32bits(t[i]))
		}
	}
	return r.ctx.queue.WriteBuffer(r.xformsBuf, 0, buf)
}

// Record draws the current render order into an open render pass.
func (r *SplatRenderer) Record(pass *wgpu.RenderPassEncoder) {
	if r.renderCount == 0 {
		return
	}
	pass.SetPipeline(r.pipeline)
	pass.SetBindGroup(0, r.bindGroup, nil)
	pass.SetIndexBuffer(r.indexBuf, wgpu.IndexFormatUint16, 0, wgpu.WholeSize)
	pass.SetVertexBuffer(0, r.vertexBuf, 0, wgpu.WholeSize)
	pass.DrawIndexed(6, uint32(r.renderCount), 0, 0, 0)
}

// Dispose releases all device objects. Idempotent.
func (r *SplatRenderer) Dispose() {
	if r.disposed {
		return
	}
	for _, b := range []**wgpu.Buffer{&r.vertexBuf, &r.indexBuf, &r.paramsBuf, &r.orderBuf, &r.xformsBuf} {
		if *b != nil {
			(*b).Release()
			*b = nil
		}
	}
	if r.bindGroup != nil {
		r.bindGroup.Release()
		r.bindGroup = nil
	}
	if r.pipeline != nil {
		r.pipeline.Release()
		r.pipeline = nil
	}
	r.disposed = true
}
