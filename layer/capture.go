package layer

import (
	"fmt"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"

	"github.com/Postnozet/obs-vkcapture/drm"
	"github.com/Postnozet/obs-vkcapture/wire"
)

// frameSlot is one in-flight copy: a pool with a single command buffer
// and the fence that reports its retirement. busy holds from QueueSubmit
// until the fence has been waited and reset.
type frameSlot struct {
	pool  vk.CommandPool
	cmd   vk.CommandBuffer
	fence vk.Fence
	busy  bool
}

// frameRing rotates copy submissions across as many slots as the
// swapchain has images, so a present never waits on its own frame's
// transfer unless the ring wraps onto a still-busy slot.
type frameRing struct {
	slots []frameSlot
	index int
}

// ensure grows the ring to count slots, tearing down any smaller ring
// first. Shrinking never happens; a swapchain that grew its image count
// gets a fresh ring.
func (r *frameRing) ensure(dev *Device, q *Queue, count int) error {
	if count <= len(r.slots) {
		return nil
	}
	r.destroy(dev)
	r.slots = make([]frameSlot, count)
	for i := range r.slots {
		s := &r.slots[i]
		ret := dev.disp.CreateCommandPool(dev.handle, &vk.CommandPoolCreateInfo{
			SType:            vk.StructureTypeCommandPoolCreateInfo,
			QueueFamilyIndex: q.family,
		}, dev.allocator, &s.pool)
		if ret != vk.Success {
			r.destroy(dev)
			return NewError(ret)
		}
		cmds := make([]vk.CommandBuffer, 1)
		ret = dev.disp.AllocateCommandBuffers(dev.handle, &vk.CommandBufferAllocateInfo{
			SType:              vk.StructureTypeCommandBufferAllocateInfo,
			CommandPool:        s.pool,
			Level:              vk.CommandBufferLevelPrimary,
			CommandBufferCount: 1,
		}, cmds)
		if ret != vk.Success {
			r.destroy(dev)
			return NewError(ret)
		}
		s.cmd = cmds[0]
		ret = dev.disp.CreateFence(dev.handle, &vk.FenceCreateInfo{
			SType: vk.StructureTypeFenceCreateInfo,
		}, dev.allocator, &s.fence)
		if ret != vk.Success {
			r.destroy(dev)
			return NewError(ret)
		}
	}
	r.index = 0
	return nil
}

// next advances the ring and readies the slot: a busy slot is waited
// out and its fence reset, then the pool is recycled.
func (r *frameRing) next(dev *Device) (*frameSlot, error) {
	r.index = (r.index + 1) % len(r.slots)
	s := &r.slots[r.index]
	if s.busy {
		fences := []vk.Fence{s.fence}
		if ret := dev.disp.WaitForFences(dev.handle, 1, fences, vk.True, vk.MaxUint64); ret != vk.Success {
			return nil, NewError(ret)
		}
		if ret := dev.disp.ResetFences(dev.handle, 1, fences); ret != vk.Success {
			return nil, NewError(ret)
		}
		s.busy = false
	}
	if ret := dev.disp.ResetCommandPool(dev.handle, s.pool, 0); ret != vk.Success {
		return nil, NewError(ret)
	}
	return s, nil
}

// drain waits out every busy slot without releasing the ring, leaving
// no submission in flight.
func (r *frameRing) drain(dev *Device) {
	for i := range r.slots {
		s := &r.slots[i]
		if !s.busy {
			continue
		}
		fences := []vk.Fence{s.fence}
		dev.disp.WaitForFences(dev.handle, 1, fences, vk.True, vk.MaxUint64)
		dev.disp.ResetFences(dev.handle, 1, fences)
		s.busy = false
	}
}

// destroy drains every busy slot and releases pools and fences.
func (r *frameRing) destroy(dev *Device) {
	for i := range r.slots {
		s := &r.slots[i]
		if s.busy {
			fences := []vk.Fence{s.fence}
			dev.disp.WaitForFences(dev.handle, 1, fences, vk.True, vk.MaxUint64)
			dev.disp.ResetFences(dev.handle, 1, fences)
			s.busy = false
		}
		if s.cmd != nil {
			dev.disp.FreeCommandBuffers(dev.handle, s.pool, 1, []vk.CommandBuffer{s.cmd})
			s.cmd = nil
		}
		if s.fence != vk.NullFence {
			dev.disp.DestroyFence(dev.handle, s.fence, dev.allocator)
			s.fence = vk.NullFence
		}
		if s.pool != vk.NullCommandPool {
			dev.disp.DestroyCommandPool(dev.handle, s.pool, dev.allocator)
			s.pool = vk.NullCommandPool
		}
	}
	r.slots = nil
	r.index = 0
}

// findMemoryType picks the lowest-indexed memory type allowed by the
// requirement mask that carries the wanted property flags.
func findMemoryType(props vk.PhysicalDeviceMemoryProperties, typeBits uint32, want vk.MemoryPropertyFlags) (uint32, bool) {
	for i := uint32(0); i < props.MemoryTypeCount; i++ {
		if typeBits&(1<<i) == 0 {
			continue
		}
		props.MemoryTypes[i].Deref()
		if props.MemoryTypes[i].PropertyFlags&want == want {
			return i, true
		}
	}
	return 0, false
}

// captureInit builds the export side of one swapchain generation: the
// linear auxiliary image, its dedicated exportable memory, the DMA-BUF
// fd, and the TextureInfo announcement to the broker. Any failure
// unwinds the partial state and leaves capture idle.
func captureInit(dev *Device, sc *Swapchain) error {
	extMem := vk.ExternalMemoryImageCreateInfo{
		SType:       vk.StructureTypeExternalMemoryImageCreateInfo,
		HandleTypes: vk.ExternalMemoryHandleTypeFlags(vk.ExternalMemoryHandleTypeDmaBufBit),
	}
	ret := dev.disp.CreateImage(dev.handle, &vk.ImageCreateInfo{
		SType:         vk.StructureTypeImageCreateInfo,
		PNext:         unsafe.Pointer(extMem.Ref()),
		ImageType:     vk.ImageType2d,
		Format:        sc.format,
		Extent:        vk.Extent3D{Width: sc.extent.Width, Height: sc.extent.Height, Depth: 1},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingLinear,
		Usage:         vk.ImageUsageFlags(vk.ImageUsageTransferDstBit),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutGeneral,
	}, dev.allocator, &sc.exportImage)
	if ret != vk.Success {
		return NewError(ret)
	}

	dev.disp.GetImageSubresourceLayout(dev.handle, sc.exportImage, &vk.ImageSubresource{
		AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
	}, &sc.layout)
	sc.layout.Deref()

	dedicatedReqs := vk.MemoryDedicatedRequirements{
		SType: vk.StructureTypeMemoryDedicatedRequirements,
	}
	reqs2 := vk.MemoryRequirements2{
		SType: vk.StructureTypeMemoryRequirements2,
		PNext: unsafe.Pointer(dedicatedReqs.Ref()),
	}
	dev.disp.GetImageMemoryRequirements2(dev.handle, &vk.ImageMemoryRequirementsInfo2{
		SType: vk.StructureTypeImageMemoryRequirementsInfo2,
		Image: sc.exportImage,
	}, &reqs2)
	reqs2.Deref()
	reqs := reqs2.MemoryRequirements
	reqs.Deref()

	memType, found := findMemoryType(dev.memProps, reqs.MemoryTypeBits,
		vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit))
	if !found {
		sc.freeExport(dev)
		return fmt.Errorf("no device-local memory type in mask %#x", reqs.MemoryTypeBits)
	}

	dedicatedAlloc := vk.MemoryDedicatedAllocateInfo{
		SType: vk.StructureTypeMemoryDedicatedAllocateInfo,
		Image: sc.exportImage,
	}
	exportAlloc := vk.ExportMemoryAllocateInfo{
		SType:       vk.StructureTypeExportMemoryAllocateInfo,
		PNext:       unsafe.Pointer(dedicatedAlloc.Ref()),
		HandleTypes: vk.ExternalMemoryHandleTypeFlags(vk.ExternalMemoryHandleTypeDmaBufBit),
	}
	ret = dev.disp.AllocateMemory(dev.handle, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		PNext:           unsafe.Pointer(exportAlloc.Ref()),
		AllocationSize:  reqs.Size,
		MemoryTypeIndex: memType,
	}, dev.allocator, &sc.exportMemory)
	if ret != vk.Success {
		sc.freeExport(dev)
		return NewError(ret)
	}
	if ret = dev.disp.BindImageMemory(dev.handle, sc.exportImage, sc.exportMemory, 0); ret != vk.Success {
		sc.freeExport(dev)
		return NewError(ret)
	}

	var fd int32
	ret = dev.disp.GetMemoryFd(dev.handle, &vk.MemoryGetFdInfo{
		SType:      vk.StructureTypeMemoryGetFdInfo,
		Memory:     sc.exportMemory,
		HandleType: vk.ExternalMemoryHandleTypeDmaBufBit,
	}, &fd)
	if ret != vk.Success {
		sc.freeExport(dev)
		return NewError(ret)
	}
	sc.dmabufFD = int(fd)

	fourcc, _ := drm.FromVkFormat(sc.format)
	info := wire.TextureInfo{
		Width:    sc.extent.Width,
		Height:   sc.extent.Height,
		Format:   fourcc,
		NFD:      1,
		Modifier: drm.ModInvalid,
	}
	info.Strides[0] = uint32(sc.layout.RowPitch)
	info.Offsets[0] = uint32(sc.layout.Offset)
	if err := conn.sendTexture(&info, []int{sc.dmabufFD}); err != nil {
		sc.freeExport(dev)
		return err
	}

	sc.captured = true
	dev.current = sc
	infoLog.Printf("capture started, %dx%d", sc.extent.Width, sc.extent.Height)
	return nil
}

// captureStop releases the export image and returns capture to idle.
func captureStop(dev *Device, sc *Swapchain) {
	sc.freeExport(dev)
	if dev.current == sc {
		dev.current = nil
		infoLog.Print("capture stopped")
	}
}

// captureFrame records and submits the backbuffer copy on one frame
// slot. The export image changes queue-family ownership to and from
// EXTERNAL around the copy so the broker's import reads defined memory.
func captureFrame(dev *Device, q *Queue, sc *Swapchain, imageIndex uint32) error {
	if int(imageIndex) >= len(sc.images) {
		return fmt.Errorf("present image index %d out of range", imageIndex)
	}
	if err := q.ring.ensure(dev, q, len(sc.images)); err != nil {
		return err
	}
	slot, err := q.ring.next(dev)
	if err != nil {
		return err
	}

	ret := dev.disp.BeginCommandBuffer(slot.cmd, &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	})
	if ret != vk.Success {
		return NewError(ret)
	}

	backbuffer := sc.images[imageIndex]
	subresource := vk.ImageSubresourceRange{
		AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
		LevelCount: 1,
		LayerCount: 1,
	}
	enter := []vk.ImageMemoryBarrier{
		{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       vk.AccessFlags(vk.AccessMemoryReadBit),
			DstAccessMask:       vk.AccessFlags(vk.AccessTransferReadBit),
			OldLayout:           vk.ImageLayoutPresentSrc,
			NewLayout:           vk.ImageLayoutTransferSrcOptimal,
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Image:               backbuffer,
			SubresourceRange:    subresource,
		},
		{
			SType:               vk.StructureTypeImageMemoryBarrier,
			DstAccessMask:       vk.AccessFlags(vk.AccessTransferWriteBit),
			OldLayout:           vk.ImageLayoutGeneral,
			NewLayout:           vk.ImageLayoutTransferDstOptimal,
			SrcQueueFamilyIndex: vk.QueueFamilyExternal,
			DstQueueFamilyIndex: q.family,
			Image:               sc.exportImage,
			SubresourceRange:    subresource,
		},
	}
	dev.disp.CmdPipelineBarrier(slot.cmd,
		vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit),
		vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		0, 0, nil, 0, nil, uint32(len(enter)), enter)

	region := vk.ImageCopy{
		SrcSubresource: vk.ImageSubresourceLayers{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
			LayerCount: 1,
		},
		DstSubresource: vk.ImageSubresourceLayers{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
			LayerCount: 1,
		},
		Extent: vk.Extent3D{Width: sc.extent.Width, Height: sc.extent.Height, Depth: 1},
	}
	dev.disp.CmdCopyImage(slot.cmd,
		backbuffer, vk.ImageLayoutTransferSrcOptimal,
		sc.exportImage, vk.ImageLayoutTransferDstOptimal,
		1, []vk.ImageCopy{region})

	leave := []vk.ImageMemoryBarrier{
		{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       vk.AccessFlags(vk.AccessTransferReadBit),
			DstAccessMask:       vk.AccessFlags(vk.AccessMemoryReadBit),
			OldLayout:           vk.ImageLayoutTransferSrcOptimal,
			NewLayout:           vk.ImageLayoutPresentSrc,
			SrcQueueFamilyIndex: vk.QueueFamilyIgnored,
			DstQueueFamilyIndex: vk.QueueFamilyIgnored,
			Image:               backbuffer,
			SubresourceRange:    subresource,
		},
		{
			SType:               vk.StructureTypeImageMemoryBarrier,
			SrcAccessMask:       vk.AccessFlags(vk.AccessTransferWriteBit),
			OldLayout:           vk.ImageLayoutTransferDstOptimal,
			NewLayout:           vk.ImageLayoutGeneral,
			SrcQueueFamilyIndex: q.family,
			DstQueueFamilyIndex: vk.QueueFamilyExternal,
			Image:               sc.exportImage,
			SubresourceRange:    subresource,
		},
	}
	dev.disp.CmdPipelineBarrier(slot.cmd,
		vk.PipelineStageFlags(vk.PipelineStageTransferBit),
		vk.PipelineStageFlags(vk.PipelineStageBottomOfPipeBit),
		0, 0, nil, 0, nil, uint32(len(leave)), leave)

	if ret = dev.disp.EndCommandBuffer(slot.cmd); ret != vk.Success {
		return NewError(ret)
	}

	ret = dev.disp.QueueSubmit(q.handle, 1, []vk.SubmitInfo{{
		SType:              vk.StructureTypeSubmitInfo,
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{slot.cmd},
	}}, slot.fence)
	if ret != vk.Success {
		return NewError(ret)
	}
	slot.busy = true
	return nil
}

// capturePresent drives the export state machine for one present call.
func capturePresent(dev *Device, q *Queue, scHandle vk.Swapchain, imageIndex uint32) {
	dev.capMu.Lock()
	defer dev.capMu.Unlock()

	conn.update()

	sc, ok := dev.swapchains.Lookup(scHandle)
	if !ok {
		return
	}
	if dev.current != nil && !conn.connected() {
		captureStop(dev, dev.current)
	}
	if dev.current == nil {
		if !conn.connected() || !conn.active || sc.extent.Width == 0 || sc.extent.Height == 0 {
			return
		}
		if err := captureInit(dev, sc); err != nil {
			errorLog.Printf("export init: %v", err)
			return
		}
	}
	if dev.current != sc {
		// The application switched swapchains mid-stream; drop the
		// export and let the next present re-init against sc.
		captureStop(dev, dev.current)
		return
	}
	if err := captureFrame(dev, q, sc, imageIndex); err != nil {
		errorLog.Printf("frame copy: %v", err)
		captureStop(dev, sc)
	}
}

// QueuePresent interposes vkQueuePresentKHR. Capture covers the first
// presented swapchain; everything is forwarded unchanged. A panic in the
// capture path is contained so the host application never dies for the
// layer's sake.
func QueuePresent(queue vk.Queue, info *vk.PresentInfo) vk.Result {
	dev, ok := lookupQueueDevice(queue)
	if !ok || dev.disp.QueuePresent == nil {
		return vk.ErrorInitializationFailed
	}
	if dev.valid && info != nil && len(info.PSwapchains) > 0 {
		if q, qok := dev.queues.Lookup(queue); qok && q.supportsTransfer {
			func() {
				defer func() {
					if v := recover(); v != nil {
						errorLog.Printf("capture disabled after panic: %v", v)
					}
				}()
				var imageIndex uint32
				if len(info.PImageIndices) > 0 {
					imageIndex = info.PImageIndices[0]
				}
				capturePresent(dev, q, info.PSwapchains[0], imageIndex)
			}()
		}
	}
	return dev.disp.QueuePresent(queue, info)
}
