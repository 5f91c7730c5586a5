package gsplat

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"
)

// SourceBuffer is the per-scene point-cloud collaborator the pipeline packs
// from. Bulk fills cover the local range [from, to) and write at dstOffset
// (both in splats, not array elements); a nil transform means raw data.
type SourceBuffer interface {
	SplatCount() int
	MaxSplatCount() int
	FillCenters(dst []float32, transform *mgl32.Mat4, from, to, dstOffset int)
	FillCovariances(dst []float32, transform *mgl32.Mat4, from, to, dstOffset int)
	FillColors(dst []uint8, from, to, dstOffset int)
	Center(local int, transform *mgl32.Mat4) mgl32.Vec3
	Color(local int) [4]uint8
	ScaleRotation(local int, transform *mgl32.Mat4) (mgl32.Vec3, mgl32.Quat)
}

// SplatBuffer is an in-memory SourceBuffer. Attributes are stored as flat
// parallel arrays; covariances are derived on demand from scale and rotation
// as R·S·Sᵀ·Rᵀ.
type SplatBuffer struct {
	maxCount  int
	count     int
	centers   []float32 // 3 per splat
	scales    []float32 // 3 per splat
	rotations []float32 // quat w,x,y,z per splat
	colors    []uint8   // rgba per splat
}

func NewSplatBuffer(maxCount int) *SplatBuffer {
	return &SplatBuffer{
		maxCount:  maxCount,
		centers:   make([]float32, maxCount*3),
		scales:    make([]float32, maxCount*3),
		rotations: make([]float32, maxCount*4),
		colors:    make([]uint8, maxCount*4),
	}
}

func (b *SplatBuffer) SplatCount() int    { return b.count }
func (b *SplatBuffer) MaxSplatCount() int { return b.maxCount }

// AddSplat appends one splat and returns its local index.
func (b *SplatBuffer) AddSplat(center, scale mgl32.Vec3, rotation mgl32.Quat, color [4]uint8) (int, error) {
	if b.count >= b.maxCount {
		return 0, fmt.Errorf("splat buffer full (%d splats)", b.maxCount)
	}
	i := b.count
	copy(b.centers[i*3:], center[:])
	copy(b.scales[i*3:], scale[:])
	q := rotation.Normalize()
	b.rotations[i*4+0] = q.W
	b.rotations[i*4+1] = q.V[0]
	b.rotations[i*4+2] = q.V[1]
	b.rotations[i*4+3] = q.V[2]
	copy(b.colors[i*4:], color[:])
	b.count++
	return i, nil
}

func (b *SplatBuffer) FillCenters(dst []float32, transform *mgl32.Mat4, from, to, dstOffset int) {
	for i := from; i < to; i++ {
		c := b.Center(i, transform)
		copy(dst[(dstOffset+i-from)*3:], c[:])
	}
}

func (b *SplatBuffer) FillCovariances(dst []float32, transform *mgl32.Mat4, from, to, dstOffset int) {
	for i := from; i < to; i++ {
		cov := b.covarianceAt(i, transform)
		copy(dst[(dstOffset+i-from)*6:], cov[:])
	}
}

func (b *SplatBuffer) FillColors(dst []uint8, from, to, dstOffset int) {
	copy(dst[dstOffset*4:], b.colors[from*4:to*4])
}

func (b *SplatBuffer) Center(local int, transform *mgl32.Mat4) mgl32.Vec3 {
	c := mgl32.Vec3{b.centers[local*3], b.centers[local*3+1], b.centers[local*3+2]}
	if transform == nil {
		return c
	}
	return mgl32.TransformCoordinate(c, *transform)
}

func (b *SplatBuffer) Color(local int) [4]uint8 {
	var c [4]uint8
	copy(c[:], b.colors[local*4:])
	return c
}

func (b *SplatBuffer) quatAt(local int) mgl32.Quat {
	return mgl32.Quat{
		W: b.rotations[local*4],
		V: mgl32.Vec3{b.rotations[local*4+1], b.rotations[local*4+2], b.rotations[local*4+3]},
	}
}

func (b *SplatBuffer) ScaleRotation(local int, transform *mgl32.Mat4) (mgl32.Vec3, mgl32.Quat) {
	scale := mgl32.Vec3{b.scales[local*3], b.scales[local*3+1], b.scales[local*3+2]}
	rot := b.quatAt(local)
	if transform == nil {
		return scale, rot
	}

	// Compose A·R·S and re-extract scale (column norms) and rotation.
	m := transform.Mat3().Mul3(rot.Mat4().Mat3()).Mul3(mgl32.Diag3(scale))
	sx := m.Col(0).Len()
	sy := m.Col(1).Len()
	sz := m.Col(2).Len()
	r := mgl32.Mat3{
		m[0] / sx, m[1] / sx, m[2] / sx,
		m[3] / sy, m[4] / sy, m[5] / sy,
		m[6] / sz, m[7] / sz, m[8] / sz,
	}
	return mgl32.Vec3{sx, sy, sz}, mgl32.Mat4ToQuat(r.Mat4()).Normalize()
}

// covarianceAt returns the upper-triangular covariance
// (M11,M12,M13,M22,M23,M33), optionally conjugated by the transform's linear
// part: A·V·Aᵀ.
func (b *SplatBuffer) covarianceAt(local int, transform *mgl32.Mat4) [6]float32 {
	scale := mgl32.Vec3{b.scales[local*3], b.scales[local*3+1], b.scales[local*3+2]}
	rs := b.quatAt(local).Mat4().Mat3().Mul3(mgl32.Diag3(scale))
	v := rs.Mul3(rs.Transpose())
	if transform != nil {
		a := transform.Mat3()
		v = a.Mul3(v).Mul3(a.Transpose())
	}
	// mgl32.Mat3 is column-major: v[col*3+row].
	return [6]float32{v.At(0, 0), v.At(0, 1), v.At(0, 2), v.At(1, 1), v.At(1, 2), v.At(2, 2)}
}
