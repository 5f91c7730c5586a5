package gsplat

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/require"
)

// fillRandomSplats appends n deterministic splats to buf.
func fillRandomSplats(t *testing.T, buf *SplatBuffer, rng *rand.Rand, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		center := mgl32.Vec3{
			rng.Float32()*10 - 5,
			rng.Float32()*10 - 5,
			rng.Float32()*10 - 5,
		}
		scale := mgl32.Vec3{
			0.5 + rng.Float32(),
			0.5 + rng.Float32(),
			0.5 + rng.Float32(),
		}
		rot := mgl32.QuatRotate(rng.Float32()*6, mgl32.Vec3{
			rng.Float32() - 0.5,
			rng.Float32() - 0.5,
			rng.Float32() - 0.5,
		}.Normalize())
		color := [4]uint8{
			uint8(rng.Intn(256)), uint8(rng.Intn(256)),
			uint8(rng.Intn(256)), uint8(rng.Intn(256)),
		}
		_, err := buf.AddSplat(center, scale, rot, color)
		require.NoError(t, err)
	}
}

func TestTextureHeightDoubling(t *testing.T) {
	cases := []struct{ texels, height int }{
		{0, 1},
		{1, 1},
		{PackedTextureWidth, 1},
		{PackedTextureWidth + 1, 2},
		{PackedTextureWidth * 2, 2},
		{PackedTextureWidth*2 + 1, 4},
		{PackedTextureWidth*7 + 3, 8},
	}
	for _, c := range cases {
		if h := textureHeight(c.texels); h != c.height {
			t.Fatalf("textureHeight(%d) = %d, want %d", c.texels, h, c.height)
		}
	}
}

func TestPackRGBA(t *testing.T) {
	if w := packRGBA(0x11, 0x22, 0x33, 0x44); w != 0x44332211 {
		t.Fatalf("packRGBA = %#x, want 0x44332211", w)
	}
}

func TestPackerRoundTripFloat32(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	buf := NewSplatBuffer(64)
	fillRandomSplats(t, buf, rng, 64)
	scene := NewSplatScene(buf)

	p := NewAttributePacker(nil, PackerOptions{Precision: CovarianceFloat32})
	require.NoError(t, p.Rebuild([]*SplatScene{scene}, 0))
	require.Equal(t, 64, p.PackedCount())
	require.Equal(t, 64, p.Capacity())

	for i := 0; i < 64; i++ {
		center, err := p.Center(i)
		require.NoError(t, err)
		require.Equal(t, buf.Center(i, nil), center, "center %d", i)

		color, err := p.Color(i)
		require.NoError(t, err)
		require.Equal(t, buf.Color(i), color, "color %d", i)

		cov, err := p.Covariance(i)
		require.NoError(t, err)
		require.Equal(t, buf.covarianceAt(i, nil), cov, "covariance %d", i)
	}
}

func TestPackerRoundTripFloat16(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	buf := NewSplatBuffer(32)
	fillRandomSplats(t, buf, rng, 32)
	scene := NewSplatScene(buf)

	p := NewAttributePacker(nil, PackerOptions{Precision: CovarianceFloat16})
	require.NoError(t, p.Rebuild([]*SplatScene{scene}, 0))

	for i := 0; i < 32; i++ {
		// Centers ride the integer texture in both modes, still exact.
		center, err := p.Center(i)
		require.NoError(t, err)
		require.Equal(t, buf.Center(i, nil), center)

		cov, err := p.Covariance(i)
		require.NoError(t, err)
		want := buf.covarianceAt(i, nil)
		for k := 0; k < 6; k++ {
			tol := float64(math.Abs(float64(want[k])))*1e-3 + 1e-4
			require.InDelta(t, want[k], cov[k], tol, "covariance %d term %d", i, k)
		}
	}
}

func TestPackerStaticModeFoldsSceneTransform(t *testing.T) {
	buf := NewSplatBuffer(1)
	buf.AddSplat(mgl32.Vec3{1, 0, 0}, mgl32.Vec3{1, 1, 1}, mgl32.QuatIdent(), [4]uint8{255, 0, 0, 255})
	scene := NewSplatScene(buf)
	scene.SetPosition(mgl32.Vec3{0, 5, 0})

	p := NewAttributePacker(nil, PackerOptions{})
	require.NoError(t, p.Rebuild([]*SplatScene{scene}, 0))

	center, err := p.Center(0)
	require.NoError(t, err)
	require.Equal(t, mgl32.Vec3{1, 5, 0}, center)
}

func TestPackerDynamicModeKeepsRawDataAndTagsScenes(t *testing.T) {
	scenes := twoScenes(3, 2)
	bufA := scenes[0].Buffer.(*SplatBuffer)
	bufA.AddSplat(mgl32.Vec3{1, 0, 0}, mgl32.Vec3{1, 1, 1}, mgl32.QuatIdent(), [4]uint8{})
	scenes[0].SetPosition(mgl32.Vec3{100, 0, 0})
	bufB := scenes[1].Buffer.(*SplatBuffer)
	bufB.AddSplat(mgl32.Vec3{2, 0, 0}, mgl32.Vec3{1, 1, 1}, mgl32.QuatIdent(), [4]uint8{})

	p := NewAttributePacker(nil, PackerOptions{DynamicTransforms: true})
	require.NoError(t, p.Rebuild(scenes, 0))

	// The transform is not folded in; it resolves through the scene tag.
	center, err := p.Center(0)
	require.NoError(t, err)
	require.Equal(t, mgl32.Vec3{1, 0, 0}, center)

	for g, want := range []int{0, 0, 0, 1, 1} {
		si, err := p.TransformIndex(g)
		require.NoError(t, err)
		require.Equal(t, want, si, "global %d", g)
	}
}

func TestPackerIncrementalAppendMatchesFullRebuild(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	buf := NewSplatBuffer(150)
	fillRandomSplats(t, buf, rng, 100)
	scene := NewSplatScene(buf)

	incremental := NewAttributePacker(nil, PackerOptions{})
	require.NoError(t, incremental.Rebuild([]*SplatScene{scene}, 0))
	require.Equal(t, 100, incremental.PackedCount())

	fillRandomSplats(t, buf, rng, 50)
	require.NoError(t, incremental.AppendSince(100))
	require.Equal(t, 150, incremental.PackedCount())

	full := NewAttributePacker(nil, PackerOptions{})
	require.NoError(t, full.Rebuild([]*SplatScene{scene}, 0))

	if !reflect.DeepEqual(incremental.store.centerColors, full.store.centerColors) {
		t.Fatal("center-color store diverges from full rebuild")
	}
	if !reflect.DeepEqual(incremental.store.covariances32, full.store.covariances32) {
		t.Fatal("covariance store diverges from full rebuild")
	}
	if !reflect.DeepEqual(incremental.store.centers, full.store.centers) {
		t.Fatal("host center copy diverges from full rebuild")
	}
}

func TestPackerAppendIsNoOpWithoutNewSplats(t *testing.T) {
	buf := NewSplatBuffer(4)
	fillRandomSplats(t, buf, rand.New(rand.NewSource(4)), 2)
	p := NewAttributePacker(nil, PackerOptions{})
	require.NoError(t, p.Rebuild([]*SplatScene{NewSplatScene(buf)}, 0))

	require.NoError(t, p.AppendSince(2))
	require.Equal(t, 2, p.PackedCount())
}

func TestPackerMultiSceneAppendRejected(t *testing.T) {
	scenes := twoScenes(4, 4)
	fillRandomSplats(t, scenes[0].Buffer.(*SplatBuffer), rand.New(rand.NewSource(5)), 2)

	p := NewAttributePacker(nil, PackerOptions{})
	require.NoError(t, p.Rebuild(scenes, 0))

	before := make([]uint32, len(p.store.centerColors))
	copy(before, p.store.centerColors)

	err := p.AppendSince(2)
	require.ErrorIs(t, err, ErrMultiSceneAppend)
	require.Equal(t, before, p.store.centerColors, "failed append must not mutate packed data")
	require.Equal(t, 2, p.PackedCount())
}

func TestPackerCapacityValidation(t *testing.T) {
	scenes := twoScenes(500, 300)
	p := NewAttributePacker(nil, PackerOptions{})

	require.Error(t, p.Rebuild(scenes, 700), "cap below scene capacity must fail")
	require.NoError(t, p.Rebuild(scenes, 1000))
	require.Equal(t, 1000, p.Capacity())
}

func TestPackerDynamicSceneLimit(t *testing.T) {
	scenes := make([]*SplatScene, maxDynamicScenes+1)
	for i := range scenes {
		scenes[i] = NewSplatScene(NewSplatBuffer(1))
	}
	p := NewAttributePacker(nil, PackerOptions{DynamicTransforms: true})
	err := p.Rebuild(scenes, 0)
	require.ErrorIs(t, err, ErrTooManyScenes)
}

func TestPackerIndexValidation(t *testing.T) {
	p := NewAttributePacker(nil, PackerOptions{})
	_, err := p.Center(0)
	require.ErrorIs(t, err, ErrNotBuilt)

	require.NoError(t, p.Rebuild([]*SplatScene{NewSplatScene(NewSplatBuffer(4))}, 0))
	for _, g := range []int{-1, 4} {
		if _, err := p.Center(g); !errors.Is(err, ErrSplatIndexRange) {
			t.Fatalf("Center(%d) err = %v, want ErrSplatIndexRange", g, err)
		}
	}
}

func TestPackerDisposeIdempotent(t *testing.T) {
	p := NewAttributePacker(nil, PackerOptions{})
	require.NoError(t, p.Rebuild([]*SplatScene{NewSplatScene(NewSplatBuffer(4))}, 0))

	p.Dispose()
	p.Dispose()

	require.ErrorIs(t, p.Rebuild([]*SplatScene{NewSplatScene(NewSplatBuffer(4))}, 0), ErrDisposed)
	_, err := p.Center(0)
	require.ErrorIs(t, err, ErrDisposed)
	require.Equal(t, 0, p.Capacity())
}
