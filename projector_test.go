package gsplat

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
)

func testCamera(w, h float32) *CameraState {
	return NewPerspectiveCamera(mgl32.Ident4(), mgl32.DegToRad(60), w, h, 0.1, 100)
}

func isotropicCov(variance float32) [6]float32 {
	return [6]float32{variance, 0, 0, variance, 0, variance}
}

func TestProjectIsotropicSplatIsCircular(t *testing.T) {
	cam := testCamera(1024, 768)
	fp, ok := ProjectSplat(mgl32.Vec3{0, 0, -5}, isotropicCov(0.04), [4]uint8{255, 255, 255, 255}, nil, cam)
	if !ok {
		t.Fatal("on-axis splat was culled")
	}

	r1 := fp.Basis1.Len()
	r2 := fp.Basis2.Len()
	if r1 <= 0 || r2 <= 0 {
		t.Fatalf("degenerate basis: %g, %g", r1, r2)
	}
	// The discriminant floor splits the eigenvalues slightly even for a
	// perfect circle; at realistic footprint sizes that split is below 1%.
	if ratio := r2 / r1; ratio < 0.99 {
		t.Fatalf("isotropic splat is not circular: axis ratio %g", ratio)
	}
	if fp.NDC.Len() > 1e-5 {
		t.Fatalf("on-axis splat projects off-center: %v", fp.NDC)
	}
	if fp.ViewZ != -5 {
		t.Fatalf("unexpected view depth %g", fp.ViewZ)
	}
}

func TestProjectFootprintRadiusScalesWithSize(t *testing.T) {
	cam := testCamera(1024, 768)
	center := mgl32.Vec3{0, 0, -5}
	color := [4]uint8{255, 255, 255, 255}

	s := float32(0.2)
	small, ok := ProjectSplat(center, isotropicCov(s*s), color, nil, cam)
	if !ok {
		t.Fatal("small splat culled")
	}
	large, ok := ProjectSplat(center, isotropicCov(4*s*s), color, nil, cam)
	if !ok {
		t.Fatal("large splat culled")
	}

	ratio := large.Basis1.Len() / small.Basis1.Len()
	if !approx32(ratio, 2, 0.04) {
		t.Fatalf("doubling the world-space size scaled the radius by %g, want ~2", ratio)
	}
}

func TestProjectFootprintRadiusShrinksWithDepth(t *testing.T) {
	cam := testCamera(1024, 768)
	color := [4]uint8{255, 255, 255, 255}
	cov := isotropicCov(0.04)

	near, ok := ProjectSplat(mgl32.Vec3{0, 0, -5}, cov, color, nil, cam)
	if !ok {
		t.Fatal("near splat culled")
	}
	far, ok := ProjectSplat(mgl32.Vec3{0, 0, -10}, cov, color, nil, cam)
	if !ok {
		t.Fatal("far splat culled")
	}

	ratio := far.Basis1.Len() / near.Basis1.Len()
	if !approx32(ratio, 0.5, 0.02) {
		t.Fatalf("doubling the depth scaled the radius by %g, want ~0.5", ratio)
	}
}

func TestProjectNearInvisibleSplatCollapsesMinorAxis(t *testing.T) {
	cam := testCamera(1024, 768)
	for _, alpha := range []uint8{0, 1} {
		fp, ok := ProjectSplat(mgl32.Vec3{0, 0, -5}, isotropicCov(0.04), [4]uint8{255, 255, 255, alpha}, nil, cam)
		if !ok {
			t.Fatalf("alpha %d splat culled", alpha)
		}
		if fp.Basis2.Len() != 0 {
			t.Fatalf("alpha %d: minor axis %g, want collapsed to 0", alpha, fp.Basis2.Len())
		}
		if fp.Basis1.Len() == 0 {
			t.Fatalf("alpha %d: major axis also collapsed", alpha)
		}
	}
	// One step above the floor keeps both axes.
	fp, ok := ProjectSplat(mgl32.Vec3{0, 0, -5}, isotropicCov(0.04), [4]uint8{255, 255, 255, 2}, nil, cam)
	if !ok || fp.Basis2.Len() == 0 {
		t.Fatal("alpha 2 splat should keep its minor axis")
	}
}

func TestProjectFrustumCull(t *testing.T) {
	cam := testCamera(1024, 768)
	cov := isotropicCov(0.04)
	color := [4]uint8{255, 255, 255, 255}

	cases := []struct {
		name    string
		center  mgl32.Vec3
		visible bool
	}{
		{"on axis", mgl32.Vec3{0, 0, -5}, true},
		{"behind camera", mgl32.Vec3{0, 0, 5}, false},
		{"far left", mgl32.Vec3{-20, 0, -5}, false},
		{"offscreen within margin", mgl32.Vec3{-4, 0, -5}, true},
	}
	for _, c := range cases {
		_, ok := ProjectSplat(c.center, cov, color, nil, cam)
		if ok != c.visible {
			t.Fatalf("%s: visible = %v, want %v", c.name, ok, c.visible)
		}
	}
}

func TestProjectAppliesModelTransform(t *testing.T) {
	cam := testCamera(1024, 768)
	cov := isotropicCov(0.04)
	color := [4]uint8{255, 255, 255, 255}

	base, ok := ProjectSplat(mgl32.Vec3{0, 0, -5}, cov, color, nil, cam)
	if !ok {
		t.Fatal("base splat culled")
	}
	model := mgl32.Translate3D(1, 0, 0)
	moved, ok := ProjectSplat(mgl32.Vec3{0, 0, -5}, cov, color, &model, cam)
	if !ok {
		t.Fatal("moved splat culled")
	}
	if moved.NDC.X() <= base.NDC.X() {
		t.Fatalf("translation toward +x did not move the footprint: %v vs %v", moved.NDC, base.NDC)
	}
}

func TestFootprintEigenValuesInvertBasis(t *testing.T) {
	cam := testCamera(1024, 768)
	fp, ok := ProjectSplat(mgl32.Vec3{0.5, -0.3, -6}, [6]float32{0.09, 0.01, 0, 0.04, 0, 0.02}, [4]uint8{255, 255, 255, 255}, nil, cam)
	if !ok {
		t.Fatal("splat culled")
	}
	e1, e2 := fp.EigenValues()
	if e1 < e2 {
		t.Fatalf("eigenvalues out of order: %g < %g", e1, e2)
	}
	want1 := fp.Basis1.LenSqr() / 8
	if !approx32(e1, want1, want1*1e-5) {
		t.Fatalf("eigen1 = %g, want %g", e1, want1)
	}
}

func TestFootprintOpacityFalloff(t *testing.T) {
	if got := FootprintOpacity(0, 0, 0.5); got != 0.5 {
		t.Fatalf("center opacity = %g, want 0.5", got)
	}
	// At the quad corner d² = 16, past the cutoff.
	if got := FootprintOpacity(1, 1, 1); got != 0 {
		t.Fatalf("corner opacity = %g, want 0", got)
	}
	mid := FootprintOpacity(0.5, 0, 1)
	if mid <= 0 || mid >= 1 {
		t.Fatalf("mid-ellipse opacity out of range: %g", mid)
	}
	if inner, outer := FootprintOpacity(0.2, 0, 1), FootprintOpacity(0.6, 0, 1); inner <= outer {
		t.Fatalf("opacity does not decay: %g <= %g", inner, outer)
	}
}
