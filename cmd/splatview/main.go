package main

import (
	"flag"
	"image/png"
	"math"
	"math/rand"
	"os"
	"runtime"
	"sort"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/go-gl/mathgl/mgl32"

	gsplat "github.com/gsplat3d/gsplat"
)

func init() {
	runtime.LockOSThread()
}

func main() {
	count := flag.Int("count", 50000, "splats per scene")
	scenes := flag.Int("scenes", 2, "number of scenes")
	fixed := flag.Bool("fixed", false, "use fixed-point distance sorting")
	snapshot := flag.String("snapshot", "", "render one CPU preview frame to this PNG and exit")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	logger := gsplat.NewDefaultLogger("splatview", *debug)

	sceneList := make([]*gsplat.SplatScene, 0, *scenes)
	for s := 0; s < *scenes; s++ {
		scene := gsplat.NewSplatScene(buildCloud(*count, int64(s)))
		scene.SetPosition(mgl32.Vec3{float32(s)*3 - float32(*scenes-1)*1.5, 0, 0})
		sceneList = append(sceneList, scene)
	}

	if *snapshot != "" {
		renderSnapshot(sceneList, logger, *snapshot)
		return
	}

	const width, height = 1280, 720
	ctx := gsplat.NewWindowedContext(width, height, "Splat Viewer")
	defer ctx.Release()

	mode := gsplat.DistanceFloat
	if *fixed {
		mode = gsplat.DistanceFixed
	}
	pipeline := gsplat.NewSplatPipeline(ctx, gsplat.PipelineOptions{
		DistanceMode:      mode,
		DynamicTransforms: *scenes > 1,
		EnableRenderer:    true,
		Logger:            logger,
	})
	defer pipeline.Dispose()

	if err := pipeline.Build(sceneList, 0); err != nil {
		panic(err)
	}

	total := pipeline.MaxSplatCount()
	distF := make([]float32, total)
	distI := make([]int32, total)
	order := make([]uint32, total)

	window := ctx.Window()
	window.SetKeyCallback(func(w *glfw.Window, key glfw.Key, scancode int, action glfw.Action, mods glfw.ModifierKey) {
		if key == glfw.KeyEscape && action == glfw.Press {
			w.SetShouldClose(true)
		}
	})

	angle := float32(0)
	for !window.ShouldClose() {
		glfw.PollEvents()
		angle += 0.004

		cam := orbitCamera(angle, width, height)
		viewProj := cam.Projection.Mul4(cam.View)

		n := pipeline.TotalSplatCount()
		if *fixed {
			if err := pipeline.ComputeDistancesFixed(viewProj, distI); err != nil {
				panic(err)
			}
		} else {
			if err := pipeline.ComputeDistancesFloat(viewProj, distF); err != nil {
				panic(err)
			}
		}
		for i := 0; i < n; i++ {
			order[i] = uint32(i)
		}
		// Back to front: larger clip-z first.
		if *fixed {
			sort.Slice(order[:n], func(a, b int) bool { return distI[order[a]] > distI[order[b]] })
		} else {
			sort.Slice(order[:n], func(a, b int) bool { return distF[order[a]] > distF[order[b]] })
		}
		if err := pipeline.SetRenderOrder(order, n); err != nil {
			panic(err)
		}
		if err := pipeline.UpdateCamera(cam); err != nil {
			panic(err)
		}

		view, err := ctx.AcquireFrame()
		if err != nil {
			logger.Warnf("skipping frame: %v", err)
			continue
		}
		encoder, err := ctx.Device().CreateCommandEncoder(nil)
		if err != nil {
			panic(err)
		}
		pass := encoder.BeginRenderPass(&wgpu.RenderPassDescriptor{
			ColorAttachments: []wgpu.RenderPassColorAttachment{
				{
					View:       view,
					LoadOp:     wgpu.LoadOpClear,
					StoreOp:    wgpu.StoreOpStore,
					ClearValue: wgpu.Color{R: 0.02, G: 0.02, B: 0.04, A: 1.0},
				},
			},
		})
		pipeline.Record(pass)
		if err := pass.End(); err != nil {
			panic(err)
		}
		cmd, err := encoder.Finish(nil)
		if err != nil {
			panic(err)
		}
		ctx.Queue().Submit(cmd)
		ctx.Present()

		cmd.Release()
		pass.Release()
		encoder.Release()
		view.Release()
	}
}

func renderSnapshot(sceneList []*gsplat.SplatScene, logger gsplat.Logger, path string) {
	pipeline := gsplat.NewSplatPipeline(nil, gsplat.PipelineOptions{
		DynamicTransforms: len(sceneList) > 1,
		Logger:            logger,
	})
	if err := pipeline.Build(sceneList, 0); err != nil {
		panic(err)
	}

	cam := orbitCamera(0.6, 1280, 720)
	// Render at double size and downscale for cheap antialiasing.
	img, err := pipeline.RenderPreview(cam, 2560, 1440)
	if err != nil {
		panic(err)
	}
	out := gsplat.ScalePreview(img, 1280, 720)

	f, err := os.Create(path)
	if err != nil {
		panic(err)
	}
	defer f.Close()
	if err := png.Encode(f, out); err != nil {
		panic(err)
	}
	logger.Infof("wrote snapshot to %s", path)
}

func orbitCamera(angle float32, width, height float32) *gsplat.CameraState {
	eye := mgl32.Vec3{
		8 * float32(math.Cos(float64(angle))),
		2.5,
		8 * float32(math.Sin(float64(angle))),
	}
	view := mgl32.LookAtV(eye, mgl32.Vec3{0, 0, 0}, mgl32.Vec3{0, 1, 0})
	return gsplat.NewPerspectiveCamera(view, mgl32.DegToRad(60), width, height, 0.1, 500)
}

// buildCloud fills a buffer with randomly oriented gaussians on a fuzzy
// sphere shell, colored by direction.
func buildCloud(count int, seed int64) *gsplat.SplatBuffer {
	rng := rand.New(rand.NewSource(seed))
	buf := gsplat.NewSplatBuffer(count)
	for i := 0; i < count; i++ {
		dir := mgl32.Vec3{
			float32(rng.NormFloat64()),
			float32(rng.NormFloat64()),
			float32(rng.NormFloat64()),
		}.Normalize()
		r := 1.5 + 0.3*float32(rng.NormFloat64())
		center := dir.Mul(r)

		scale := mgl32.Vec3{
			0.01 + 0.04*rng.Float32(),
			0.01 + 0.04*rng.Float32(),
			0.005 + 0.01*rng.Float32(),
		}
		rot := mgl32.QuatRotate(rng.Float32()*2*math.Pi, dir)
		color := [4]uint8{
			uint8(127 + 127*dir.X()),
			uint8(127 + 127*dir.Y()),
			uint8(127 + 127*dir.Z()),
			uint8(100 + rng.Intn(155)),
		}
		if _, err := buf.AddSplat(center, scale, rot, color); err != nil {
			panic(err)
		}
	}
	return buf
}
