package layer

import (
	"strings"
	"sync"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"
)

const externalMemoryFdExtension = "VK_KHR_external_memory_fd"

// Device is the layer's per-device state, keyed by the loader dispatch
// pointer. Queue and command-buffer handles alias the same word, so both
// resolve to their device through the one registry.
type Device struct {
	handle   vk.Device
	physDev  vk.PhysicalDevice
	nextGDPA DeviceProcAddrFunc
	disp     deviceDispatch

	// allocator is a copy of the creation-time allocation callbacks,
	// nil when the application supplied none.
	allocator *vk.AllocationCallbacks
	memProps  vk.PhysicalDeviceMemoryProperties
	valid     bool

	queues     *objectMap[vk.Queue, *Queue]
	swapchains *objectMap[vk.Swapchain, *Swapchain]

	// capMu serializes capture-state transitions; current is non-nil
	// exactly while the export image for that swapchain is live.
	capMu   sync.Mutex
	current *Swapchain
}

// Queue is the layer's per-queue state. The frame ring needs no lock of
// its own: Vulkan requires external synchronization of a queue, so two
// presents never race on one ring.
type Queue struct {
	handle           vk.Queue
	family           uint32
	supportsTransfer bool
	ring             frameRing
}

func keyOfDevice(device vk.Device) dispatchKey {
	return dispatchKeyOf(unsafe.Pointer(device))
}

func lookupDevice(device vk.Device) (*Device, bool) {
	if devices == nil || device == nil {
		return nil, false
	}
	return devices.Lookup(keyOfDevice(device))
}

func lookupQueueDevice(queue vk.Queue) (*Device, bool) {
	if devices == nil || queue == nil {
		return nil, false
	}
	return devices.Lookup(dispatchKeyOf(unsafe.Pointer(queue)))
}

func hasExtension(names []string, want string) bool {
	for _, n := range names {
		if strings.TrimRight(n, "\x00") == want {
			return true
		}
	}
	return false
}

// CreateDevice interposes vkCreateDevice. It guarantees the external
// memory fd extension is enabled, forwards creation and caches the
// device-level entry points plus per-queue transfer capability.
func CreateDevice(gpu vk.PhysicalDevice, ci *DeviceCreateInfo, allocator *vk.AllocationCallbacks, device *vk.Device) vk.Result {
	initOnce.Do(initLayer)

	if ci == nil || ci.Info == nil || ci.Link == nil {
		return vk.ErrorInitializationFailed
	}
	link := ci.Link
	nextGIPA := link.GetInstanceProcAddr
	nextGDPA := link.GetDeviceProcAddr
	if nextGIPA == nil || nextGDPA == nil {
		return vk.ErrorInitializationFailed
	}
	ci.Link = link.Next

	nextCreate, ok := nextGIPA(nil, "vkCreateDevice").(PFNCreateDevice)
	if !ok || nextCreate == nil {
		return vk.ErrorInitializationFailed
	}

	if !hasExtension(ci.Info.PpEnabledExtensionNames, externalMemoryFdExtension) {
		exts := make([]string, 0, len(ci.Info.PpEnabledExtensionNames)+1)
		exts = append(exts, ci.Info.PpEnabledExtensionNames...)
		exts = append(exts, externalMemoryFdExtension+"\x00")
		ci.Info.PpEnabledExtensionNames = exts
		ci.Info.EnabledExtensionCount = uint32(len(exts))
	}

	ret := nextCreate(gpu, ci, allocator, device)
	if ret != vk.Success {
		return ret
	}

	dev := &Device{
		handle:     *device,
		physDev:    gpu,
		nextGDPA:   nextGDPA,
		queues:     newObjectMap[vk.Queue, *Queue](),
		swapchains: newObjectMap[vk.Swapchain, *Swapchain](),
	}
	if allocator != nil {
		ac := *allocator
		dev.allocator = &ac
	}
	dev.disp, dev.valid = buildDeviceDispatch(*device, nextGDPA)
	if !dev.valid {
		warnLog.Printf("missing device entry points, device %p is pass-through", unsafe.Pointer(*device))
		devices.Add(keyOfDevice(*device), dev)
		return vk.Success
	}

	// The queue family table decides which queues may record transfers.
	inst, instOK := instances.Lookup(dispatchKeyOf(unsafe.Pointer(gpu)))
	var famProps []vk.QueueFamilyProperties
	if instOK && inst.valid {
		var count uint32
		inst.disp.GetPhysicalDeviceQueueFamilyProperties(gpu, &count, nil)
		famProps = make([]vk.QueueFamilyProperties, count)
		inst.disp.GetPhysicalDeviceQueueFamilyProperties(gpu, &count, famProps)
		inst.disp.GetPhysicalDeviceMemoryProperties(gpu, &dev.memProps)
		dev.memProps.Deref()
	} else {
		dev.valid = false
	}

	transferable := vk.QueueFlags(vk.QueueGraphicsBit) | vk.QueueFlags(vk.QueueComputeBit) | vk.QueueFlags(vk.QueueTransferBit)
	for i := range ci.Info.PQueueCreateInfos {
		qi := &ci.Info.PQueueCreateInfos[i]
		supports := false
		if int(qi.QueueFamilyIndex) < len(famProps) {
			famProps[qi.QueueFamilyIndex].Deref()
			supports = famProps[qi.QueueFamilyIndex].QueueFlags&transferable != 0
		}
		for idx := uint32(0); idx < qi.QueueCount; idx++ {
			var queue vk.Queue
			dev.disp.GetDeviceQueue(*device, qi.QueueFamilyIndex, idx, &queue)
			if queue == nil {
				continue
			}
			dev.queues.Add(queue, &Queue{
				handle:           queue,
				family:           qi.QueueFamilyIndex,
				supportsTransfer: supports,
			})
		}
	}

	devices.Add(keyOfDevice(*device), dev)
	return vk.Success
}

// DestroyDevice drains every frame ring, frees export state, drops the
// registry entry and forwards.
func DestroyDevice(device vk.Device, allocator *vk.AllocationCallbacks) {
	dev, ok := lookupDevice(device)
	if !ok {
		return
	}

	dev.capMu.Lock()
	if dev.current != nil {
		captureStop(dev, dev.current)
	}
	dev.capMu.Unlock()

	dev.queues.Walk(func(_ vk.Queue, q *Queue) {
		q.ring.destroy(dev)
	})
	dev.swapchains.Walk(func(_ vk.Swapchain, sc *Swapchain) {
		sc.freeExport(dev)
	})

	devices.Remove(keyOfDevice(device))
	if dev.disp.DestroyDevice != nil {
		dev.disp.DestroyDevice(device, allocator)
		return
	}
	if next, ok := dev.nextGDPA(device, "vkDestroyDevice").(PFNDestroyDevice); ok && next != nil {
		next(device, allocator)
	}
}
