package shaders

import (
	_ "embed"
)

//go:embed distance_float.wgsl
var DistanceFloatWGSL string

//go:embed distance_fixed.wgsl
var DistanceFixedWGSL string

//go:embed splat.wgsl
var SplatWGSL string
