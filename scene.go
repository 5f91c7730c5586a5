package gsplat

import (
	"github.com/go-gl/mathgl/mgl32"
	"github.com/google/uuid"
)

// SplatScene pairs one point-cloud source buffer with its own affine
// transform. The transform may be mutated at any time; which scenes exist,
// and in which order, only changes on a pipeline build.
type SplatScene struct {
	id     string
	Buffer SourceBuffer

	position mgl32.Vec3
	rotation mgl32.Quat
	scale    mgl32.Vec3

	transform      mgl32.Mat4
	transformDirty bool
}

func NewSplatScene(buffer SourceBuffer) *SplatScene {
	return &SplatScene{
		id:        uuid.NewString(),
		Buffer:    buffer,
		rotation:  mgl32.QuatIdent(),
		scale:     mgl32.Vec3{1, 1, 1},
		transform: mgl32.Ident4(),
	}
}

func (s *SplatScene) Id() string { return s.id }

func (s *SplatScene) Position() mgl32.Vec3 { return s.position }
func (s *SplatScene) Rotation() mgl32.Quat { return s.rotation }
func (s *SplatScene) Scale() mgl32.Vec3    { return s.scale }

func (s *SplatScene) SetPosition(p mgl32.Vec3) {
	s.position = p
	s.transformDirty = true
}

func (s *SplatScene) SetRotation(q mgl32.Quat) {
	s.rotation = q.Normalize()
	s.transformDirty = true
}

func (s *SplatScene) SetScale(sc mgl32.Vec3) {
	s.scale = sc
	s.transformDirty = true
}

// Transform returns the scene's model matrix, T·R·S.
func (s *SplatScene) Transform() mgl32.Mat4 {
	if s.transformDirty {
		s.transform = mgl32.Translate3D(s.position.X(), s.position.Y(), s.position.Z()).
			Mul4(s.rotation.Mat4()).
			Mul4(mgl32.Scale3D(s.scale.X(), s.scale.Y(), s.scale.Z()))
		s.transformDirty = false
	}
	return s.transform
}
