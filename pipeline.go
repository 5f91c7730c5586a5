package gsplat

import (
	"fmt"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/go-gl/mathgl/mgl32"
)

type PipelineOptions struct {
	Precision         CovariancePrecision
	DistanceMode      DistanceMode
	DynamicTransforms bool

	// EnableRenderer builds the footprint render pipeline; requires a
	// context. RenderFormat defaults to the context's surface format.
	EnableRenderer bool
	RenderFormat   wgpu.TextureFormat

	Logger Logger
}

// SplatPipeline ties the index mapper, attribute packer, distance
// precomputer, and optional renderer into one unit with a shared scene list.
// With a nil context it packs and projects host-side only, which is enough
// for CPU preview rendering and tests.
type SplatPipeline struct {
	ctx  *Context
	opts PipelineOptions
	log  Logger

	scenes   []*SplatScene
	indexMap *GlobalIndexMap
	packer   *AttributePacker
	distance *DistanceComputer
	renderer *SplatRenderer

	renderOrder []uint32
	renderCount int
	disposed    bool
}

func NewSplatPipeline(ctx *Context, opts PipelineOptions) *SplatPipeline {
	log := orNopLogger(opts.Logger)
	p := &SplatPipeline{
		ctx:  ctx,
		opts: opts,
		log:  log,
		packer: NewAttributePacker(ctx, PackerOptions{
			Precision:         opts.Precision,
			DynamicTransforms: opts.DynamicTransforms,
			Logger:            log,
		}),
	}
	if ctx != nil {
		transforms := TransformStatic
		if opts.DynamicTransforms {
			transforms = TransformDynamic
		}
		p.distance = NewDistanceComputer(DistanceOptions{
			Mode:       opts.DistanceMode,
			Transforms: transforms,
			Logger:     log,
		})
	}
	return p
}

// Build performs a full rebuild for the given ordered scene list. Scene
// membership and order are fixed until the next Build; transforms stay
// mutable throughout. Pass maxSplatCount <= 0 to size by the scenes' max
// counts. On error all previously built state is left untouched.
func (p *SplatPipeline) Build(scenes []*SplatScene, maxSplatCount int) error {
	if p.disposed {
		return ErrDisposed
	}
	if len(scenes) == 0 {
		return fmt.Errorf("build requires at least one scene")
	}

	indexMap := buildGlobalIndexMap(scenes)
	if err := p.packer.Rebuild(scenes, maxSplatCount); err != nil {
		return err
	}
	p.scenes = scenes
	p.indexMap = indexMap

	if p.ctx != nil {
		if err := p.distance.RebuildIfNeeded(p.ctx, p.packer.Capacity()); err != nil {
			return err
		}
		if err := p.distance.SetCenters(p.packer.Centers(), 0, p.packer.Capacity()); err != nil {
			return err
		}
		if p.opts.DynamicTransforms {
			if err := p.distance.SetTransformIndices(indexMap.SceneIndices(), 0, indexMap.Len()); err != nil {
				return err
			}
		}
		if p.opts.EnableRenderer {
			if p.renderer == nil {
				format := p.opts.RenderFormat
				if format == wgpu.TextureFormatUndefined {
					format = p.ctx.SurfaceFormat()
				}
				p.renderer = NewSplatRenderer(p.ctx, p.packer, p.opts.DynamicTransforms, format)
			} else {
				p.renderer.Rebind(p.packer)
			}
		}
	}

	p.renderOrder = make([]uint32, p.packer.Capacity())
	p.renderCount = 0
	p.log.Infof("built splat pipeline: %d scenes, %d/%d splats", len(scenes), p.TotalSplatCount(), p.MaxSplatCount())
	return nil
}

// Append packs splats added to the single active scene since the last
// build or append, pushing only the changed ranges to the device.
func (p *SplatPipeline) Append() error {
	if p.disposed {
		return ErrDisposed
	}
	if p.indexMap == nil {
		return ErrNotBuilt
	}
	last := p.packer.PackedCount()
	if err := p.packer.AppendSince(last); err != nil {
		return err
	}
	cur := p.packer.PackedCount()
	if p.ctx != nil && cur > last {
		centers := p.packer.Centers()
		if err := p.distance.SetCenters(centers[last*3:cur*3], last, cur); err != nil {
			return err
		}
	}
	return nil
}

// TotalSplatCount is the number of currently packed splats.
func (p *SplatPipeline) TotalSplatCount() int { return p.packer.PackedCount() }

// MaxSplatCount is the packed capacity in global index space.
func (p *SplatPipeline) MaxSplatCount() int { return p.packer.Capacity() }

func (p *SplatPipeline) SceneCount() int { return len(p.scenes) }

// SceneTransform returns the current transform of one scene.
func (p *SplatPipeline) SceneTransform(sceneIndex int) (mgl32.Mat4, error) {
	if sceneIndex < 0 || sceneIndex >= len(p.scenes) {
		return mgl32.Mat4{}, ErrSceneIndexRange
	}
	return p.scenes[sceneIndex].Transform(), nil
}

// LocalSplatInfo translates a global index to (sceneIndex, localIndex).
func (p *SplatPipeline) LocalSplatInfo(global int) (sceneIndex, localIndex int, err error) {
	if p.indexMap == nil {
		return 0, 0, ErrNotBuilt
	}
	return p.indexMap.Lookup(global)
}

func (p *SplatPipeline) sceneTransforms() []mgl32.Mat4 {
	transforms := make([]mgl32.Mat4, len(p.scenes))
	for i, s := range p.scenes {
		transforms[i] = s.Transform()
	}
	return transforms
}

// ComputeDistancesFloat runs the device distance pass in float mode and
// fills out, one value per global index slot.
func (p *SplatPipeline) ComputeDistancesFloat(viewProjection mgl32.Mat4, out []float32) error {
	if p.ctx == nil {
		return ErrNoDevice
	}
	if p.indexMap == nil {
		return ErrNotBuilt
	}
	return p.distance.ComputeFloat(viewProjection, p.sceneTransforms(), p.indexMap.Len(), out)
}

// ComputeDistancesFixed runs the device distance pass in fixed-point mode.
func (p *SplatPipeline) ComputeDistancesFixed(viewProjection mgl32.Mat4, out []int32) error {
	if p.ctx == nil {
		return ErrNoDevice
	}
	if p.indexMap == nil {
		return ErrNotBuilt
	}
	return p.distance.ComputeFixed(viewProjection, p.sceneTransforms(), p.indexMap.Len(), out)
}

// SetRenderOrder stores the caller-sorted global indices and how many to
// draw this frame.
func (p *SplatPipeline) SetRenderOrder(indices []uint32, count int) error {
	if p.disposed {
		return ErrDisposed
	}
	if p.indexMap == nil {
		return ErrNotBuilt
	}
	if count < 0 || count > len(indices) || count > p.MaxSplatCount() {
		return ErrSplatIndexRange
	}
	copy(p.renderOrder, indices[:count])
	p.renderCount = count
	if p.renderer != nil {
		return p.renderer.SetRenderOrder(indices, count)
	}
	return nil
}

// ProjectFootprint projects one packed splat with the given camera. In
// dynamic mode the owning scene's current transform is applied; in static
// mode transforms were already folded in at pack time.
func (p *SplatPipeline) ProjectFootprint(global int, cam *CameraState) (Footprint, bool, error) {
	center, err := p.packer.Center(global)
	if err != nil {
		return Footprint{}, false, err
	}
	cov, err := p.packer.Covariance(global)
	if err != nil {
		return Footprint{}, false, err
	}
	color, err := p.packer.Color(global)
	if err != nil {
		return Footprint{}, false, err
	}

	var model *mgl32.Mat4
	if p.opts.DynamicTransforms {
		si, _, err := p.indexMap.Lookup(global)
		if err != nil {
			return Footprint{}, false, err
		}
		t := p.scenes[si].Transform()
		model = &t
	}
	fp, ok := ProjectSplat(center, cov, color, model, cam)
	return fp, ok, nil
}

// UpdateCamera pushes per-frame camera state to the renderer.
func (p *SplatPipeline) UpdateCamera(cam *CameraState) error {
	if p.renderer == nil {
		return ErrNoDevice
	}
	return p.renderer.UpdateCamera(cam, p.sceneTransforms())
}

// Record draws the current render order into an open render pass.
func (p *SplatPipeline) Record(pass *wgpu.RenderPassEncoder) {
	if p.renderer != nil {
		p.renderer.Record(pass)
	}
}

// Dispose releases every device resource owned by the pipeline's
// components. Idempotent.
func (p *SplatPipeline) Dispose() {
	if p.disposed {
		return
	}
	if p.renderer != nil {
		p.renderer.Dispose()
	}
	if p.distance != nil {
		p.distance.Dispose()
	}
	p.packer.Dispose()
	p.scenes = nil
	p.indexMap = nil
	p.disposed = true
}
