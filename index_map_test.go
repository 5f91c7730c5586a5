package gsplat

import (
	"errors"
	"testing"
)

func twoScenes(maxA, maxB int) []*SplatScene {
	return []*SplatScene{
		NewSplatScene(NewSplatBuffer(maxA)),
		NewSplatScene(NewSplatBuffer(maxB)),
	}
}

func TestGlobalIndexMapLayout(t *testing.T) {
	m := buildGlobalIndexMap(twoScenes(500, 300))
	if m.Len() != 800 {
		t.Fatalf("expected 800 slots, got %d", m.Len())
	}

	// Scene 0 owns [0, 500), scene 1 owns [500, 800).
	cases := []struct {
		global, scene, local int
	}{
		{0, 0, 0},
		{499, 0, 499},
		{500, 1, 0},
		{650, 1, 150},
		{799, 1, 299},
	}
	for _, c := range cases {
		si, li, err := m.Lookup(c.global)
		if err != nil {
			t.Fatalf("Lookup(%d) failed: %v", c.global, err)
		}
		if si != c.scene || li != c.local {
			t.Fatalf("Lookup(%d) = (%d, %d), want (%d, %d)", c.global, si, li, c.scene, c.local)
		}
	}
}

func TestGlobalIndexMapSceneCounts(t *testing.T) {
	scenes := twoScenes(500, 300)
	m := buildGlobalIndexMap(scenes)

	counts := map[int]int{}
	for g := 0; g < m.Len(); g++ {
		si, li, err := m.Lookup(g)
		if err != nil {
			t.Fatalf("Lookup(%d) failed: %v", g, err)
		}
		if li < 0 || li >= scenes[si].Buffer.MaxSplatCount() {
			t.Fatalf("local index %d out of range for scene %d", li, si)
		}
		counts[si]++
	}
	if counts[0] != 500 || counts[1] != 300 {
		t.Fatalf("per-scene slot counts = %v, want 500/300", counts)
	}
}

func TestGlobalIndexMapRange(t *testing.T) {
	m := buildGlobalIndexMap(twoScenes(500, 300))
	for _, g := range []int{-1, 800, 10000} {
		if _, _, err := m.Lookup(g); !errors.Is(err, ErrSplatIndexRange) {
			t.Fatalf("Lookup(%d) err = %v, want ErrSplatIndexRange", g, err)
		}
	}
}

func TestGlobalIndexMapRawArrays(t *testing.T) {
	m := buildGlobalIndexMap(twoScenes(2, 3))
	wantScene := []uint32{0, 0, 1, 1, 1}
	wantLocal := []uint32{0, 1, 0, 1, 2}
	for i := range wantScene {
		if m.SceneIndices()[i] != wantScene[i] || m.LocalIndices()[i] != wantLocal[i] {
			t.Fatalf("slot %d = (%d, %d), want (%d, %d)",
				i, m.SceneIndices()[i], m.LocalIndices()[i], wantScene[i], wantLocal[i])
		}
	}
}
