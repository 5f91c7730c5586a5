package gsplat

import (
	"runtime"

	"github.com/cogentcore/webgpu/wgpu"
	"github.com/cogentcore/webgpu/wgpuglfw"
	"github.com/go-gl/glfw/v3.3/glfw"
)

// Context owns the wgpu instance-level objects the pipeline renders and
// computes with. A windowed context carries a configured surface for
// presentation; a headless context carries only the device and queue and is
// enough for packing and distance computation.
//
// Context identity is what the distance precomputer keys its full rebuild on:
// two calls with the same *Context reuse programs, a different *Context
// forces teardown and recompilation.
type Context struct {
	window        *glfw.Window
	surface       *wgpu.Surface
	adapter       *wgpu.Adapter
	device        *wgpu.Device
	queue         *wgpu.Queue
	surfaceConfig *wgpu.SurfaceConfiguration

	WindowWidth  int
	WindowHeight int
}

// NewWindowedContext creates a glfw window and wraps it into a configured
// wgpu surface. Must be called from the main goroutine.
func NewWindowedContext(windowWidth, windowHeight int, windowTitle string) *Context {
	runtime.LockOSThread()
	if err := glfw.Init(); err != nil {
		panic(err)
	}

	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI) // Important: tell GLFW we don't want OpenGL
	glfw.WindowHint(glfw.Resizable, glfw.True)

	win, err := glfw.CreateWindow(windowWidth, windowHeight, windowTitle, nil, nil)
	if err != nil {
		panic(err)
	}

	instance := wgpu.CreateInstance(nil)
	defer instance.Release()
	surface := instance.CreateSurface(wgpuglfw.GetSurfaceDescriptor(win))

	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		CompatibleSurface: surface,
		PowerPreference:   wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		panic(err)
	}
	device, err := adapter.RequestDevice(&wgpu.DeviceDescriptor{
		Label: "Splat Device",
	})
	if err != nil {
		panic(err)
	}
	queue := device.GetQueue()

	caps := surface.GetCapabilities(adapter)
	surfaceConfig := wgpu.SurfaceConfiguration{
		Usage:       wgpu.TextureUsageRenderAttachment,
		Format:      caps.Formats[0],
		Width:       uint32(windowWidth),
		Height:      uint32(windowHeight),
		PresentMode: wgpu.PresentModeFifo, // vsync
		AlphaMode:   caps.AlphaModes[0],
	}
	surface.Configure(adapter, device, &surfaceConfig)

	return &Context{
		window:        win,
		surface:       surface,
		adapter:       adapter,
		device:        device,
		queue:         queue,
		surfaceConfig: &surfaceConfig,
		WindowWidth:   windowWidth,
		WindowHeight:  windowHeight,
	}
}

// NewHeadlessContext acquires a device without any surface, for compute-only
// use (distance precomputation, attribute uploads, snapshot rendering).
func NewHeadlessContext() *Context {
	instance := wgpu.CreateInstance(nil)
	defer instance.Release()

	adapter, err := instance.RequestAdapter(&wgpu.RequestAdapterOptions{
		PowerPreference: wgpu.PowerPreferenceHighPerformance,
	})
	if err != nil {
		panic(err)
	}
	device, err := adapter.RequestDevice(&wgpu.DeviceDescriptor{
		Label: "Splat Compute Device",
	})
	if err != nil {
		panic(err)
	}

	return &Context{
		adapter: adapter,
		device:  device,
		queue:   device.GetQueue(),
	}
}

func (c *Context) Device() *wgpu.Device { return c.device }
func (c *Context) Queue() *wgpu.Queue   { return c.queue }

// Window returns the glfw window, or nil for a headless context.
func (c *Context) Window() *glfw.Window { return c.window }

// SurfaceFormat returns the swapchain format for windowed contexts and a
// default renderable format otherwise.
func (c *Context) SurfaceFormat() wgpu.TextureFormat {
	if c.surfaceConfig != nil {
		return c.surfaceConfig.Format
	}
	return wgpu.TextureFormatBGRA8Unorm
}

// AcquireFrame returns the next swapchain texture view. The caller must
// Release the view and Present after submitting.
func (c *Context) AcquireFrame() (*wgpu.TextureView, error) {
	nextTexture, err := c.surface.GetCurrentTexture()
	if err != nil {
		return nil, err
	}
	return nextTexture.CreateView(nil)
}

func (c *Context) Present() {
	if c.surface != nil {
		c.surface.Present()
	}
}

// Release frees the device objects. Safe to call more than once.
func (c *Context) Release() {
	if c.queue != nil {
		c.queue.Release()
		c.queue = nil
	}
	if c.device != nil {
		c.device.Release()
		c.device = nil
	}
	if c.surface != nil {
		c.surface.Release()
		c.surface = nil
	}
	if c.adapter != nil {
		c.adapter.Release()
		c.adapter = nil
	}
	if c.window != nil {
		c.window.Destroy()
		c.window = nil
	}
}
