package layer

import (
	vk "github.com/vulkan-go/vulkan"
)

// Swapchain is the layer's per-swapchain state plus the export side:
// the auxiliary image, its dedicated memory, the cached subresource
// layout and the exported DMA-BUF fd.
type Swapchain struct {
	handle vk.Swapchain
	extent vk.Extent2D
	format vk.Format
	images []vk.Image

	exportImage  vk.Image
	exportMemory vk.DeviceMemory
	layout       vk.SubresourceLayout
	dmabufFD     int
	captured     bool
}

func newSwapchain(handle vk.Swapchain) *Swapchain {
	return &Swapchain{handle: handle, dmabufFD: -1}
}

// CreateSwapchain interposes vkCreateSwapchainKHR. The backbuffer must be
// blittable, so TRANSFER_SRC usage is forced on; a failed forward is
// retried once with the caller's original usage.
func CreateSwapchain(device vk.Device, ci *vk.SwapchainCreateInfo, allocator *vk.AllocationCallbacks, swapchain *vk.Swapchain) vk.Result {
	dev, ok := lookupDevice(device)
	if !ok || !dev.valid || dev.disp.CreateSwapchain == nil {
		if ok && dev.disp.CreateSwapchain != nil {
			return dev.disp.CreateSwapchain(device, ci, allocator, swapchain)
		}
		return vk.ErrorInitializationFailed
	}

	origUsage := ci.ImageUsage
	ci.ImageUsage |= vk.ImageUsageFlags(vk.ImageUsageTransferSrcBit)
	ret := dev.disp.CreateSwapchain(device, ci, allocator, swapchain)
	if ret != vk.Success {
		ci.ImageUsage = origUsage
		ret = dev.disp.CreateSwapchain(device, ci, allocator, swapchain)
	}
	if ret != vk.Success {
		return ret
	}

	sc := newSwapchain(*swapchain)
	sc.extent = ci.ImageExtent
	sc.format = ci.ImageFormat

	var count uint32
	if dev.disp.GetSwapchainImages(device, *swapchain, &count, nil) == vk.Success && count > 0 {
		sc.images = make([]vk.Image, count)
		if dev.disp.GetSwapchainImages(device, *swapchain, &count, sc.images) != vk.Success {
			sc.images = nil
		}
	}

	dev.swapchains.Add(*swapchain, sc)
	return vk.Success
}

// DestroySwapchain tears down the export image when the destroyed
// swapchain is the one being captured, drops the state and forwards.
func DestroySwapchain(device vk.Device, swapchain vk.Swapchain, allocator *vk.AllocationCallbacks) {
	dev, ok := lookupDevice(device)
	if !ok {
		return
	}
	if sc, found := dev.swapchains.Lookup(swapchain); found {
		dev.capMu.Lock()
		// No copy may be in flight while the export image dies.
		dev.queues.Walk(func(_ vk.Queue, q *Queue) {
			q.ring.drain(dev)
		})
		if dev.current == sc {
			captureStop(dev, sc)
		} else {
			sc.freeExport(dev)
		}
		dev.capMu.Unlock()
		dev.swapchains.Remove(swapchain)
	}
	if dev.disp.DestroySwapchain != nil {
		dev.disp.DestroySwapchain(device, swapchain, allocator)
	}
}

// freeExport releases the export image, its memory and the DMA-BUF fd.
// Each resource is released exactly once; the fd may already be owned by
// the broker as well, whose copy is unaffected.
func (sc *Swapchain) freeExport(dev *Device) {
	if sc.exportImage != vk.NullImage {
		dev.disp.DestroyImage(dev.handle, sc.exportImage, dev.allocator)
		sc.exportImage = vk.NullImage
	}
	if sc.exportMemory != vk.NullDeviceMemory {
		dev.disp.FreeMemory(dev.handle, sc.exportMemory, dev.allocator)
		sc.exportMemory = vk.NullDeviceMemory
	}
	if sc.dmabufFD >= 0 {
		closeFd(sc.dmabufFD)
		sc.dmabufFD = -1
	}
	sc.captured = false
}
