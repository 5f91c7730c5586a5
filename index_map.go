package gsplat

// GlobalIndexMap is the bijection between a global splat index and the
// (scene, local) pair that owns it. Scene s's splats occupy the contiguous
// global range starting after the max splat counts of all preceding scenes,
// so the map stays valid while individual scenes are still filling up.
//
// Both arrays are rebuilt together on every build; external callers read
// them, never mutate them.
type GlobalIndexMap struct {
	localIndices []uint32
	sceneIndices []uint32
}

func buildGlobalIndexMap(scenes []*SplatScene) *GlobalIndexMap {
	total := 0
	for _, s := range scenes {
		total += s.Buffer.MaxSplatCount()
	}
	m := &GlobalIndexMap{
		localIndices: make([]uint32, 0, total),
		sceneIndices: make([]uint32, 0, total),
	}
	for si, s := range scenes {
		for li := 0; li < s.Buffer.MaxSplatCount(); li++ {
			m.localIndices = append(m.localIndices, uint32(li))
			m.sceneIndices = append(m.sceneIndices, uint32(si))
		}
	}
	return m
}

func (m *GlobalIndexMap) Len() int { return len(m.localIndices) }

// Lookup translates a global index into its owning scene and local index.
func (m *GlobalIndexMap) Lookup(global int) (sceneIndex, localIndex int, err error) {
	if global < 0 || global >= len(m.localIndices) {
		return 0, 0, ErrSplatIndexRange
	}
	return int(m.sceneIndices[global]), int(m.localIndices[global]), nil
}

// SceneIndices exposes the raw scene-index array; the packer reads it to tag
// splats with their owning transform.
func (m *GlobalIndexMap) SceneIndices() []uint32 { return m.sceneIndices }

// LocalIndices exposes the raw local-index array.
func (m *GlobalIndexMap) LocalIndices() []uint32 { return m.localIndices }
