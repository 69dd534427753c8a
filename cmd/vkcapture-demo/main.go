// vkcapture-demo is a minimal Vulkan producer with the capture layer
// interposed programmatically. It opens a window, transitions and
// presents swapchain images for a while without drawing, and lets the layer export every frame to a
// broker listening on the well-known socket.
package main

import (
	"fmt"
	"log"
	"os"
	"runtime"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/vulkan-go/vulkan"

	"github.com/Postnozet/obs-vkcapture/layer"
)

const (
	width  = 1280
	height = 720
	frames = 600
)

func main() {
	runtime.LockOSThread()
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	if err := glfw.Init(); err != nil {
		return err
	}
	defer glfw.Terminate()

	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI)
	window, err := glfw.CreateWindow(width, height, "vkcapture demo", nil, nil)
	if err != nil {
		return err
	}
	vk.SetGetInstanceProcAddr(glfw.GetVulkanGetInstanceProcAddress())
	if err := vk.Init(); err != nil {
		return err
	}

	layer.Negotiate(layer.MaxInterfaceVersion)

	instanceExts := window.GetRequiredInstanceExtensions()
	for i := range instanceExts {
		instanceExts[i] += "\x00"
	}

	var instance vk.Instance
	ret := layer.CreateInstance(&layer.InstanceCreateInfo{
		Info: &vk.InstanceCreateInfo{
			SType: vk.StructureTypeInstanceCreateInfo,
			PApplicationInfo: &vk.ApplicationInfo{
				SType:            vk.StructureTypeApplicationInfo,
				ApiVersion:       uint32(vk.MakeVersion(1, 2, 0)),
				PApplicationName: "vkcapture-demo\x00",
				PEngineName:      "none\x00",
			},
			EnabledExtensionCount:   uint32(len(instanceExts)),
			PpEnabledExtensionNames: instanceExts,
		},
		Link: layer.VulkanLink(),
	}, nil, &instance)
	if ret != vk.Success {
		return fmt.Errorf("create instance: result %d", ret)
	}
	defer layer.DestroyInstance(instance, nil)

	var gpuCount uint32
	vk.EnumeratePhysicalDevices(instance, &gpuCount, nil)
	if gpuCount == 0 {
		return fmt.Errorf("no physical devices")
	}
	gpus := make([]vk.PhysicalDevice, gpuCount)
	vk.EnumeratePhysicalDevices(instance, &gpuCount, gpus)
	gpu := gpus[0]

	family, err := graphicsFamily(gpu)
	if err != nil {
		return err
	}

	surfPtr, err := window.CreateWindowSurface(instance, nil)
	if err != nil {
		return err
	}
	surface := vk.SurfaceFromPointer(surfPtr)
	defer vk.DestroySurface(instance, surface, nil)

	var device vk.Device
	ret = layer.CreateDevice(gpu, &layer.DeviceCreateInfo{
		Info: &vk.DeviceCreateInfo{
			SType:                vk.StructureTypeDeviceCreateInfo,
			QueueCreateInfoCount: 1,
			PQueueCreateInfos: []vk.DeviceQueueCreateInfo{{
				SType:            vk.StructureTypeDeviceQueueCreateInfo,
				QueueFamilyIndex: family,
				QueueCount:       1,
				PQueuePriorities: []float32{1.0},
			}},
			EnabledExtensionCount:   1,
			PpEnabledExtensionNames: []string{"VK_KHR_swapchain\x00"},
		},
		Link: layer.VulkanLink(),
	}, nil, &device)
	if ret != vk.Success {
		return fmt.Errorf("create device: result %d", ret)
	}
	defer layer.DestroyDevice(device, nil)

	var queue vk.Queue
	vk.GetDeviceQueue(device, family, 0, &queue)

	var caps vk.SurfaceCapabilities
	vk.GetPhysicalDeviceSurfaceCapabilities(gpu, surface, &caps)
	caps.Deref()
	caps.CurrentExtent.Deref()
	extent := caps.CurrentExtent

	var formatCount uint32
	vk.GetPhysicalDeviceSurfaceFormats(gpu, surface, &formatCount, nil)
	formats := make([]vk.SurfaceFormat, formatCount)
	vk.GetPhysicalDeviceSurfaceFormats(gpu, surface, &formatCount, formats)
	if formatCount == 0 {
		return fmt.Errorf("no surface formats")
	}
	formats[0].Deref()
	surfaceFormat := formats[0]

	var swapchain vk.Swapchain
	ret = layer.CreateSwapchain(device, &vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          surface,
		MinImageCount:    3,
		ImageFormat:      surfaceFormat.Format,
		ImageColorSpace:  surfaceFormat.ColorSpace,
		ImageExtent:      extent,
		ImageArrayLayers: 1,
		ImageUsage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit | vk.ImageUsageTransferDstBit),
		ImageSharingMode: vk.SharingModeExclusive,
		PreTransform:     vk.SurfaceTransformIdentityBit,
		CompositeAlpha:   vk.CompositeAlphaOpaqueBit,
		PresentMode:      vk.PresentModeFifo,
		Clipped:          vk.True,
	}, nil, &swapchain)
	if ret != vk.Success {
		return fmt.Errorf("create swapchain: result %d", ret)
	}
	defer layer.DestroySwapchain(device, swapchain, nil)

	var imageCount uint32
	vk.GetSwapchainImages(device, swapchain, &imageCount, nil)
	images := make([]vk.Image, imageCount)
	vk.GetSwapchainImages(device, swapchain, &imageCount, images)

	var pool vk.CommandPool
	ret = vk.CreateCommandPool(device, &vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: family,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}, nil, &pool)
	if ret != vk.Success {
		return fmt.Errorf("command pool: result %d", ret)
	}
	defer vk.DestroyCommandPool(device, pool, nil)

	cmds := make([]vk.CommandBuffer, 1)
	vk.AllocateCommandBuffers(device, &vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        pool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 1,
	}, cmds)
	cmd := cmds[0]

	var acquired, rendered vk.Semaphore
	vk.CreateSemaphore(device, &vk.SemaphoreCreateInfo{SType: vk.StructureTypeSemaphoreCreateInfo}, nil, &acquired)
	vk.CreateSemaphore(device, &vk.SemaphoreCreateInfo{SType: vk.StructureTypeSemaphoreCreateInfo}, nil, &rendered)
	defer vk.DestroySemaphore(device, acquired, nil)
	defer vk.DestroySemaphore(device, rendered, nil)

	for frame := 0; frame < frames && !window.ShouldClose(); frame++ {
		glfw.PollEvents()

		var imageIndex uint32
		ret = vk.AcquireNextImage(device, swapchain, vk.MaxUint64, acquired, vk.NullFence, &imageIndex)
		if ret != vk.Success && ret != vk.Suboptimal {
			return fmt.Errorf("acquire: result %d", ret)
		}

		recordPresentTransition(cmd, images[imageIndex])

		waitStages := []vk.PipelineStageFlags{vk.PipelineStageFlags(vk.PipelineStageTransferBit)}
		ret = vk.QueueSubmit(queue, 1, []vk.SubmitInfo{{
			SType:                vk.StructureTypeSubmitInfo,
			WaitSemaphoreCount:   1,
			PWaitSemaphores:      []vk.Semaphore{acquired},
			PWaitDstStageMask:    waitStages,
			CommandBufferCount:   1,
			PCommandBuffers:      cmds,
			SignalSemaphoreCount: 1,
			PSignalSemaphores:    []vk.Semaphore{rendered},
		}}, vk.NullFence)
		if ret != vk.Success {
			return fmt.Errorf("submit: result %d", ret)
		}

		ret = layer.QueuePresent(queue, &vk.PresentInfo{
			SType:              vk.StructureTypePresentInfo,
			WaitSemaphoreCount: 1,
			PWaitSemaphores:    []vk.Semaphore{rendered},
			SwapchainCount:     1,
			PSwapchains:        []vk.Swapchain{swapchain},
			PImageIndices:      []uint32{imageIndex},
		})
		if ret != vk.Success && ret != vk.Suboptimal {
			return fmt.Errorf("present: result %d", ret)
		}
		vk.QueueWaitIdle(queue)
	}

	vk.DeviceWaitIdle(device)
	fmt.Fprintln(os.Stderr, "done")
	return nil
}

func graphicsFamily(gpu vk.PhysicalDevice) (uint32, error) {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(gpu, &count, nil)
	props := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(gpu, &count, props)
	for i := uint32(0); i < count; i++ {
		props[i].Deref()
		if props[i].QueueFlags&vk.QueueFlags(vk.QueueGraphicsBit) != 0 {
			return i, nil
		}
	}
	return 0, fmt.Errorf("no graphics queue family")
}

// recordPresentTransition moves the backbuffer into the present layout.
// The demo never draws; it exists to exercise the capture path, which
// only needs presentable frames.
func recordPresentTransition(cmd vk.CommandBuffer, image vk.Image) {
	vk.BeginCommandBuffer(cmd, &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	})
	vk.CmdPipelineBarrier(cmd,
		vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit),
		0, 0, nil, 0, nil, 1, []vk.ImageMemoryBarrier{{
			SType:               vk.StructureTypeImageMemoryBarrier,
			DstAccessMask:       vk.AccessFlags(vk.AccessMemoryReadBit),
			OldLayout:           vk.ImageLayoutUndefined,
			NewLayout:           vk.ImageLayoutPresentSrc,
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Image:               image,
			SubresourceRange: vk.ImageSubresourceRange{
				AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
				LevelCount: 1,
				LayerCount: 1,
			},
		}})
	vk.EndCommandBuffer(cmd)
}
