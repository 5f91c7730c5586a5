package gsplat

import (
	"math"

	"github.com/go-gl/mathgl/mgl32"
)

const (
	// frustumCullMargin rejects splats whose clip coordinates exceed this
	// multiple of w on any axis. Slightly above 1 so footprints straddling
	// the screen edge still rasterize.
	frustumCullMargin = 1.2

	// covarianceDilation is added to both diagonal terms of the 2D
	// covariance to guarantee a minimum footprint and keep the eigen solve
	// stable for near-degenerate splats.
	covarianceDilation = 0.3

	// eigenRadicandFloor clamps the eigenvalue discriminant, which can go
	// slightly negative from rounding on a symmetric matrix.
	eigenRadicandFloor = 0.1

	// footprintStdDevs scales the footprint basis: sqrt(8) standard
	// deviations, past which a Gaussian's contribution is negligible.
	footprintStdDevs = 2.8284271247461903 // sqrt(8)

	// minSplatAlpha is the opacity floor (1/255) below which a splat's
	// minor axis collapses to zero.
	minSplatAlpha = 1.0 / 255.0
)

// CameraState is the per-frame camera input to projection: the view and
// projection matrices plus the focal lengths and viewport in pixels.
type CameraState struct {
	View       mgl32.Mat4
	Projection mgl32.Mat4
	FocalX     float32
	FocalY     float32
	ViewportW  float32
	ViewportH  float32
}

// NewPerspectiveCamera derives the projection matrix and focal lengths from
// a vertical field of view in radians.
func NewPerspectiveCamera(view mgl32.Mat4, fovY float32, viewportW, viewportH float32, near, far float32) *CameraState {
	fy := viewportH / (2 * float32(math.Tan(float64(fovY)/2)))
	return &CameraState{
		View:       view,
		Projection: mgl32.Perspective(fovY, viewportW/viewportH, near, far),
		FocalX:     fy, // square pixels: fx == fy
		FocalY:     fy,
		ViewportW:  viewportW,
		ViewportH:  viewportH,
	}
}

// Footprint is the screen-space ellipse a splat projects to. Basis vectors
// are in pixels; the ellipse spans sqrt(8) standard deviations along each
// eigen axis.
type Footprint struct {
	NDC    mgl32.Vec2 // clip xy after perspective divide
	ViewZ  float32    // view-space depth of the center
	Basis1 mgl32.Vec2 // major axis, pixels
	Basis2 mgl32.Vec2 // minor axis, pixels
	Color  [4]uint8
	Alpha  float32 // base opacity, color alpha normalized to [0,1]
}

// EigenValues recovers the 2D covariance eigenvalues from the basis extents.
func (f *Footprint) EigenValues() (float32, float32) {
	s := float32(footprintStdDevs * footprintStdDevs)
	return f.Basis1.LenSqr() / s, f.Basis2.LenSqr() / s
}

// ProjectSplat computes the screen-space footprint of one splat. model is
// the owning scene's transform in dynamic mode, nil when transforms were
// folded in at pack time. Returns ok=false for splats outside the frustum
// margin; degenerate geometry never yields an error, only a clamped result.
//
// The projection is linearized with the Jacobian of the perspective divide
// at the splat's depth, which keeps the Gaussian a Gaussian; a full
// perspective transform of the covariance would not.
func ProjectSplat(center mgl32.Vec3, cov [6]float32, color [4]uint8, model *mgl32.Mat4, cam *CameraState) (Footprint, bool) {
	modelView := cam.View
	if model != nil {
		modelView = cam.View.Mul4(*model)
	}
	viewCenter4 := modelView.Mul4x1(center.Vec4(1))
	clip := cam.Projection.Mul4x1(viewCenter4)

	bound := frustumCullMargin * clip.W()
	if abs32(clip.X()) > bound || abs32(clip.Y()) > bound || abs32(clip.Z()) > bound {
		return Footprint{}, false
	}

	vrk := mgl32.Mat3{
		cov[0], cov[1], cov[2],
		cov[1], cov[3], cov[4],
		cov[2], cov[4], cov[5],
	}

	x, y, z := viewCenter4.X(), viewCenter4.Y(), viewCenter4.Z()
	fx, fy := cam.FocalX, cam.FocalY
	// Jacobian of (x,y,z) -> (fx*x/z, fy*y/z) at the splat's depth.
	// Column-major: columns are d/dx, d/dy, d/dz.
	jacobian := mgl32.Mat3{
		fx / z, 0, 0,
		0, fy / z, 0,
		-fx * x / (z * z), -fy * y / (z * z), 0,
	}

	t := modelView.Mat3().Transpose().Mul3(jacobian)
	cov2D := t.Transpose().Mul3(vrk).Mul3(t)

	a := cov2D.At(0, 0) + covarianceDilation
	b := cov2D.At(0, 1)
	d := cov2D.At(1, 1) + covarianceDilation

	traceOver2 := (a + d) / 2
	det := a*d - b*b
	term := float32(math.Sqrt(math.Max(eigenRadicandFloor, float64(traceOver2*traceOver2-det))))
	eigen1 := traceOver2 + term
	eigen2 := traceOver2 - term
	if eigen2 < 0 {
		eigen2 = 0
	}

	alpha := float32(color[3]) / 255.0
	if alpha <= minSplatAlpha {
		// Invisible anyway; collapse to a degenerate sliver instead of
		// rasterizing a shape whose opacity would read as zero.
		eigen2 = 0
	}

	// The matrix is symmetric, so the second eigenvector is exactly the
	// first one's perpendicular; no need to solve for it.
	ev1 := mgl32.Vec2{b, eigen1 - a}
	if ev1.LenSqr() < 1e-12 {
		ev1 = mgl32.Vec2{1, 0}
	} else {
		ev1 = ev1.Normalize()
	}
	ev2 := mgl32.Vec2{ev1.Y(), -ev1.X()}

	scale1 := float32(footprintStdDevs) * sqrt32(eigen1)
	scale2 := float32(footprintStdDevs) * sqrt32(eigen2)

	return Footprint{
		NDC:    mgl32.Vec2{clip.X() / clip.W(), clip.Y() / clip.W()},
		ViewZ:  z,
		Basis1: ev1.Mul(scale1),
		Basis2: ev2.Mul(scale2),
		Color:  color,
		Alpha:  alpha,
	}, true
}

// FootprintOpacity is the per-fragment falloff: u,v are unit-quad
// coordinates in [-1,1] along the two basis vectors. Fragments past the
// sqrt(8) cutoff radius contribute nothing.
func FootprintOpacity(u, v, baseAlpha float32) float32 {
	d2 := (u*u + v*v) * 8 // squared Mahalanobis distance in scaled space
	if d2 > 8 {
		return 0
	}
	return float32(math.Exp(-0.5*float64(d2))) * baseAlpha
}

func abs32(v float32) float32 {
	if v < 0 {
		return -v
	}
	return v
}

func sqrt32(v float32) float32 {
	return float32(math.Sqrt(float64(v)))
}
