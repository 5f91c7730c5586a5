package gsplat

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl32"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/x448/float16"
)

// Packed attribute layout. All device stores are data textures with a fixed
// width; a splat's data lives at texel offset globalIndex*texelsPerSplat, so
// row = offset / width and column = offset % width.
const (
	// PackedTextureWidth is the fixed width of every packed data texture.
	PackedTextureWidth = 4096

	// Center+color: one RGBA32Uint texel per splat. Word 0 is the packed
	// RGBA color, words 1..3 carry the IEEE-754 bit patterns of the center
	// so they survive the integer-typed channel losslessly.
	centerColorTexelsPerSplat = 1

	// Covariance: 6 symmetric upper-triangular values padded to 8, two
	// 4-channel texels per splat (RGBA32Float or RGBA16Float).
	covarianceTexelsPerSplat = 2
	covarianceValuesPerSplat = 8

	// maxDynamicScenes bounds the per-scene transform arrays the dynamic
	// shader variants index into.
	maxDynamicScenes = 32
)

// CovariancePrecision selects the storage width of packed covariances,
// fixed for the lifetime of a packer instance.
type CovariancePrecision int

const (
	CovarianceFloat32 CovariancePrecision = iota
	CovarianceFloat16
)

type PackerOptions struct {
	Precision CovariancePrecision

	// DynamicTransforms leaves splat data untransformed and tags every splat
	// with its owning scene index, for transform lookup at projection time.
	// When false, each scene's transform is folded into the packed data.
	DynamicTransforms bool

	Logger Logger
}

// packedStore is one generation of packed attributes. It is constructed
// fully before being swapped into the packer, so readers never observe a
// half-built generation, and a failed rebuild leaves the old one intact.
type packedStore struct {
	capacity int

	centerColors     []uint32  // capacity texels, 4 words each
	covariances32    []float32 // float32 mode
	covariances16    []uint16  // float16 mode
	transformIndices []uint32  // dynamic mode only
	centers          []float32 // host copy, 3 per splat, read by the distance stage

	centerColorTex  *wgpu.Texture
	covarianceTex   *wgpu.Texture
	transformTex    *wgpu.Texture
	centerColorView *wgpu.TextureView
	covarianceView  *wgpu.TextureView
	transformView   *wgpu.TextureView
}

func (st *packedStore) release() {
	for _, v := range []*wgpu.TextureView{st.centerColorView, st.covarianceView, st.transformView} {
		if v != nil {
			v.Release()
		}
	}
	for _, t := range []*wgpu.Texture{st.centerColorTex, st.covarianceTex, st.transformTex} {
		if t != nil {
			t.Release()
		}
	}
	st.centerColorTex, st.covarianceTex, st.transformTex = nil, nil, nil
	st.centerColorView, st.covarianceView, st.transformView = nil, nil, nil
	st.centerColors, st.covariances32, st.covariances16 = nil, nil, nil
	st.transformIndices, st.centers = nil, nil
}

// AttributePacker converts scene source buffers into the packed global
// attribute stores sampled by the projection and distance stages. It owns
// its device textures exclusively.
type AttributePacker struct {
	ctx       *Context // nil for host-only packing
	precision CovariancePrecision
	dynamic   bool
	log       Logger

	scenes      []*SplatScene
	store       *packedStore
	packedCount int
	disposed    bool
}

func NewAttributePacker(ctx *Context, opts PackerOptions) *AttributePacker {
	return &AttributePacker{
		ctx:       ctx,
		precision: opts.Precision,
		dynamic:   opts.DynamicTransforms,
		log:       orNopLogger(opts.Logger),
	}
}

// textureHeight doubles the row count until width*height texels cover need.
func textureHeight(texelsNeeded int) int {
	height := 1
	for PackedTextureWidth*height < texelsNeeded {
		height *= 2
	}
	return height
}

// Rebuild packs every scene's current splats into a fresh store sized to
// maxSplatCount and uploads it. Pass maxSplatCount <= 0 to size by the sum
// of the scenes' max counts. The previous store stays valid until the new
// one is fully constructed.
func (p *AttributePacker) Rebuild(scenes []*SplatScene, maxSplatCount int) error {
	if p.disposed {
		return ErrDisposed
	}
	totalMax := 0
	for _, s := range scenes {
		totalMax += s.Buffer.MaxSplatCount()
	}
	if maxSplatCount <= 0 {
		maxSplatCount = totalMax
	}
	if maxSplatCount < totalMax {
		return fmt.Errorf("max splat count %d below scene capacity %d", maxSplatCount, totalMax)
	}
	if p.dynamic && len(scenes) > maxDynamicScenes {
		return fmt.Errorf("%w: %d > %d", ErrTooManyScenes, len(scenes), maxDynamicScenes)
	}

	st := &packedStore{capacity: maxSplatCount}
	ccTexels := PackedTextureWidth * textureHeight(maxSplatCount*centerColorTexelsPerSplat)
	covTexels := PackedTextureWidth * textureHeight(maxSplatCount*covarianceTexelsPerSplat)
	st.centerColors = make([]uint32, ccTexels*4)
	if p.precision == CovarianceFloat16 {
		st.covariances16 = make([]uint16, covTexels*4)
	} else {
		st.covariances32 = make([]float32, covTexels*4)
	}
	if p.dynamic {
		tiTexels := PackedTextureWidth * textureHeight(maxSplatCount)
		st.transformIndices = make([]uint32, tiTexels)
	}
	st.centers = make([]float32, maxSplatCount*3)

	packed := 0
	regionStart := 0
	for si, s := range scenes {
		n := s.Buffer.SplatCount()
		p.packRange(st, si, s, 0, n, regionStart)
		packed += n
		regionStart += s.Buffer.MaxSplatCount()
	}

	if p.ctx != nil {
		if err := p.createTextures(st); err != nil {
			st.release()
			return err
		}
	}

	if p.store != nil {
		p.store.release()
	}
	p.store = st
	p.scenes = scenes
	p.packedCount = packed
	p.log.Debugf("packed %d splats into %d-capacity store (%d scenes)", packed, maxSplatCount, len(scenes))
	return nil
}

// AppendSince packs only the global range [lastCount, currentCount) into the
// existing store and pushes just the touched texel rows to the device. Valid
// only with exactly one scene: with several, appending into the first
// scene's fixed range would silently corrupt every later scene's indices.
func (p *AttributePacker) AppendSince(lastCount int) error {
	if p.disposed {
		return ErrDisposed
	}
	if p.store == nil {
		return ErrNotBuilt
	}
	if len(p.scenes) != 1 {
		return fmt.Errorf("%w: %d scenes active", ErrMultiSceneAppend, len(p.scenes))
	}
	scene := p.scenes[0]
	cur := scene.Buffer.SplatCount()
	if cur > p.store.capacity {
		return fmt.Errorf("splat count %d exceeds packed capacity %d", cur, p.store.capacity)
	}
	if cur <= lastCount {
		return nil
	}

	p.packRange(p.store, 0, scene, lastCount, cur, lastCount)

	if p.ctx != nil {
		p.uploadCenterColorRows(lastCount*centerColorTexelsPerSplat, cur*centerColorTexelsPerSplat)
		p.uploadCovarianceRows(lastCount*covarianceTexelsPerSplat, cur*covarianceTexelsPerSplat)
		if p.dynamic {
			p.uploadTransformRows(lastCount, cur)
		}
	}
	p.packedCount = cur
	return nil
}

// packRange extracts local splats [from, to) of one scene and encodes them
// starting at globalStart. In static mode the scene transform is folded into
// centers and covariances here.
func (p *AttributePacker) packRange(st *packedStore, sceneIndex int, scene *SplatScene, from, to, globalStart int) {
	n := to - from
	if n <= 0 {
		return
	}
	var transform *mgl32.Mat4
	if !p.dynamic {
		t := scene.Transform()
		transform = &t
	}

	centers := make([]float32, n*3)
	covariances := make([]float32, n*6)
	colors := make([]uint8, n*4)
	scene.Buffer.FillCenters(centers, transform, from, to, 0)
	scene.Buffer.FillCovariances(covariances, transform, from, to, 0)
	scene.Buffer.FillColors(colors, from, to, 0)

	for i := 0; i < n; i++ {
		g := globalStart + i
		base := g * 4
		st.centerColors[base] = packRGBA(colors[i*4], colors[i*4+1], colors[i*4+2], colors[i*4+3])
		st.centerColors[base+1] = math.Float32bits(centers[i*3])
		st.centerColors[base+2] = math.Float32bits(centers[i*3+1])
		st.centerColors[base+3] = math.Float32bits(centers[i*3+2])
		copy(st.centers[g*3:], centers[i*3:i*3+3])

		covBase := g * covarianceValuesPerSplat
		if p.precision == CovarianceFloat16 {
			for k := 0; k < 6; k++ {
				st.covariances16[covBase+k] = float16.Fromfloat32(covariances[i*6+k]).Bits()
			}
		} else {
			copy(st.covariances32[covBase:covBase+6], covariances[i*6:i*6+6])
		}

		if p.dynamic {
			st.transformIndices[g] = uint32(sceneIndex)
		}
	}
}

func packRGBA(r, g, b, a uint8) uint32 {
	return uint32(r) | uint32(g)<<8 | uint32(b)<<16 | uint32(a)<<24
}

func (p *AttributePacker) covarianceFormat() wgpu.TextureFormat {
	if p.precision == CovarianceFloat16 {
		return wgpu.TextureFormatRGBA16Float
	}
	return wgpu.TextureFormatRGBA32Float
}

func (p *AttributePacker) createTextures(st *packedStore) error {
	var err error
	st.centerColorTex, st.centerColorView, err = p.createDataTexture(
		"splat center-color", wgpu.TextureFormatRGBA32Uint,
		textureHeight(st.capacity*centerColorTexelsPerSplat))
	if err != nil {
		return err
	}
	st.covarianceTex, st.covarianceView, err = p.createDataTexture(
		"splat covariance", p.covarianceFormat(),
		textureHeight(st.capacity*covarianceTexelsPerSplat))
	if err != nil {
		return err
	}
	if p.dynamic {
		st.transformTex, st.transformView, err = p.createDataTexture(
			"splat transform-index", wgpu.TextureFormatR32Uint,
			textureHeight(st.capacity))
		if err != nil {
			return err
		}
	}

	// Full upload of the fresh store.
	prev := p.store
	p.store = st
	p.uploadCenterColorRows(0, st.capacity*centerColorTexelsPerSplat)
	p.uploadCovarianceRows(0, st.capacity*covarianceTexelsPerSplat)
	if p.dynamic {
		p.uploadTransformRows(0, st.capacity)
	}
	p.store = prev
	return nil
}

func (p *AttributePacker) createDataTexture(label string, format wgpu.TextureFormat, height int) (*wgpu.Texture, *wgpu.TextureView, error) {
	tex, err := p.ctx.device.CreateTexture(&wgpu.TextureDescriptor{
		Label: label,
		Size: wgpu.Extent3D{
			Width:              PackedTextureWidth,
			Height:             uint32(height),
			DepthOrArrayLayers: 1,
		},
		MipLevelCount: 1,
		SampleCount:   1,
		Dimension:     wgpu.TextureDimension2D,
		Format:        format,
		Usage:         wgpu.TextureUsageTextureBinding | wgpu.TextureUsageCopyDst,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create %s texture: %w", label, err)
	}
	view, err := tex.CreateView(nil)
	if err != nil {
		tex.Release()
		return nil, nil, fmt.Errorf("create %s view: %w", label, err)
	}
	return tex, view, nil
}

// uploadTexelRows writes the full rows covering texels [fromTexel, toTexel)
// of a packed texture, rather than the whole buffer.
func uploadTexelRows(queue *wgpu.Queue, tex *wgpu.Texture, data []byte, fromTexel, toTexel, bytesPerTexel int) {
	startRow := fromTexel / PackedTextureWidth
	endRow := (toTexel + PackedTextureWidth - 1) / PackedTextureWidth
	rows := endRow - startRow
	if rows <= 0 {
		return
	}
	bytesPerRow := PackedTextureWidth * bytesPerTexel
	err := queue.WriteTexture(
		&wgpu.ImageCopyTexture{
			Texture: tex,
			Origin:  wgpu.Origin3D{X: 0, Y: uint32(startRow), Z: 0},
		},
		data[startRow*bytesPerRow:endRow*bytesPerRow],
		&wgpu.TextureDataLayout{
			Offset:       0,
			BytesPerRow:  uint32(bytesPerRow),
			RowsPerImage: uint32(rows),
		},
		&wgpu.Extent3D{Width: PackedTextureWidth, Height: uint32(rows), DepthOrArrayLayers: 1},
	)
	if err != nil {
		panic(err)
	}
}

func (p *AttributePacker) uploadCenterColorRows(fromTexel, toTexel int) {
	uploadTexelRows(p.ctx.queue, p.store.centerColorTex, wgpu.ToBytes(p.store.centerColors), fromTexel, toTexel, 16)
}

func (p *AttributePacker) uploadCovarianceRows(fromTexel, toTexel int) {
	if p.precision == CovarianceFloat16 {
		uploadTexelRows(p.ctx.queue, p.store.covarianceTex, wgpu.ToBytes(p.store.covariances16), fromTexel, toTexel, 8)
		return
	}
	uploadTexelRows(p.ctx.queue, p.store.covarianceTex, wgpu.ToBytes(p.store.covariances32), fromTexel, toTexel, 16)
}

func (p *AttributePacker) uploadTransformRows(fromTexel, toTexel int) {
	uploadTexelRows(p.ctx.queue, p.store.transformTex, wgpu.ToBytes(p.store.transformIndices), fromTexel, toTexel, 4)
}

func (p *AttributePacker) checkIndex(global int) error {
	if p.disposed {
		return ErrDisposed
	}
	if p.store == nil {
		return ErrNotBuilt
	}
	if global < 0 || global >= p.store.capacity {
		return ErrSplatIndexRange
	}
	return nil
}

// Center decodes the packed center of one splat.
func (p *AttributePacker) Center(global int) (mgl32.Vec3, error) {
	if err := p.checkIndex(global); err != nil {
		return mgl32.Vec3{}, err
	}
	base := global * 4
	return mgl32.Vec3{
		math.Float32frombits(p.store.centerColors[base+1]),
		math.Float32frombits(p.store.centerColors[base+2]),
		math.Float32frombits(p.store.centerColors[base+3]),
	}, nil
}

// Color decodes the packed RGBA color of one splat.
func (p *AttributePacker) Color(global int) ([4]uint8, error) {
	if err := p.checkIndex(global); err != nil {
		return [4]uint8{}, err
	}
	w := p.store.centerColors[global*4]
	return [4]uint8{uint8(w), uint8(w >> 8), uint8(w >> 16), uint8(w >> 24)}, nil
}

// Covariance decodes the packed upper-triangular covariance of one splat.
func (p *AttributePacker) Covariance(global int) ([6]float32, error) {
	var cov [6]float32
	if err := p.checkIndex(global); err != nil {
		return cov, err
	}
	base := global * covarianceValuesPerSplat
	if p.precision == CovarianceFloat16 {
		for k := 0; k < 6; k++ {
			cov[k] = float16.Frombits(p.store.covariances16[base+k]).Float32()
		}
	} else {
		copy(cov[:], p.store.covariances32[base:base+6])
	}
	return cov, nil
}

// TransformIndex returns the owning scene index packed for one splat.
// Always zero in static mode.
func (p *AttributePacker) TransformIndex(global int) (int, error) {
	if err := p.checkIndex(global); err != nil {
		return 0, err
	}
	if !p.dynamic {
		return 0, nil
	}
	return int(p.store.transformIndices[global]), nil
}

// Centers returns the host copy of packed centers, 3 floats per splat. The
// distance stage and spatial-index consumers read it; callers must not
// mutate it.
func (p *AttributePacker) Centers() []float32 {
	if p.store == nil {
		return nil
	}
	return p.store.centers
}

func (p *AttributePacker) PackedCount() int { return p.packedCount }

func (p *AttributePacker) Capacity() int {
	if p.store == nil {
		return 0
	}
	return p.store.capacity
}

func (p *AttributePacker) CenterColorView() *wgpu.TextureView {
	if p.store == nil {
		return nil
	}
	return p.store.centerColorView
}

func (p *AttributePacker) CovarianceView() *wgpu.TextureView {
	if p.store == nil {
		return nil
	}
	return p.store.covarianceView
}

func (p *AttributePacker) TransformIndexView() *wgpu.TextureView {
	if p.store == nil {
		return nil
	}
	return p.store.transformView
}

// Dispose releases device memory and drops host arrays. Idempotent; a
// disposed packer rejects further use.
func (p *AttributePacker) Dispose() {
	if p.disposed {
		return
	}
	if p.store != nil {
		p.store.release()
		p.store = nil
	}
	p.scenes = nil
	p.packedCount = 0
	p.disposed = true
}
