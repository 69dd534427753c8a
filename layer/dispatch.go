package layer

import (
	"log"
	"os"
	"sync"

	vk "github.com/vulkan-go/vulkan"
)

// MaxInterfaceVersion is the newest loader negotiation contract the layer
// understands.
const MaxInterfaceVersion = 2

// Proc is an entry point carried as a function value. The loader contract
// moves untyped pointers; here the stubs and next-layer entry points are
// Go funcs and callers assert them back to their typed signatures.
type Proc any

// Typed entry-point signatures, mirroring the vulkan-go binding. The
// create calls take the layer chain wrappers so link info can ride along
// the way it does on the C pNext chain.
type (
	PFNCreateInstance  func(ci *InstanceCreateInfo, allocator *vk.AllocationCallbacks, instance *vk.Instance) vk.Result
	PFNDestroyInstance func(instance vk.Instance, allocator *vk.AllocationCallbacks)
	PFNCreateDevice    func(gpu vk.PhysicalDevice, ci *DeviceCreateInfo, allocator *vk.AllocationCallbacks, device *vk.Device) vk.Result
	PFNDestroyDevice   func(device vk.Device, allocator *vk.AllocationCallbacks)

	PFNGetPhysicalDeviceQueueFamilyProperties func(gpu vk.PhysicalDevice, count *uint32, props []vk.QueueFamilyProperties)
	PFNGetPhysicalDeviceMemoryProperties      func(gpu vk.PhysicalDevice, props *vk.PhysicalDeviceMemoryProperties)

	PFNGetDeviceQueue      func(device vk.Device, family, index uint32, queue *vk.Queue)
	PFNCreateSwapchain     func(device vk.Device, ci *vk.SwapchainCreateInfo, allocator *vk.AllocationCallbacks, swapchain *vk.Swapchain) vk.Result
	PFNDestroySwapchain    func(device vk.Device, swapchain vk.Swapchain, allocator *vk.AllocationCallbacks)
	PFNGetSwapchainImages  func(device vk.Device, swapchain vk.Swapchain, count *uint32, images []vk.Image) vk.Result
	PFNQueuePresent        func(queue vk.Queue, info *vk.PresentInfo) vk.Result
	PFNCreateImage         func(device vk.Device, ci *vk.ImageCreateInfo, allocator *vk.AllocationCallbacks, image *vk.Image) vk.Result
	PFNDestroyImage        func(device vk.Device, image vk.Image, allocator *vk.AllocationCallbacks)
	PFNGetImageSubresourceLayout func(device vk.Device, image vk.Image, subresource *vk.ImageSubresource, layout *vk.SubresourceLayout)
	PFNGetImageMemoryRequirements2 func(device vk.Device, info *vk.ImageMemoryRequirementsInfo2, reqs *vk.MemoryRequirements2)
	PFNAllocateMemory      func(device vk.Device, info *vk.MemoryAllocateInfo, allocator *vk.AllocationCallbacks, memory *vk.DeviceMemory) vk.Result
	PFNFreeMemory          func(device vk.Device, memory vk.DeviceMemory, allocator *vk.AllocationCallbacks)
	PFNBindImageMemory     func(device vk.Device, image vk.Image, memory vk.DeviceMemory, offset vk.DeviceSize) vk.Result
	PFNGetMemoryFd         func(device vk.Device, info *vk.MemoryGetFdInfo, fd *int32) vk.Result
	PFNCreateCommandPool   func(device vk.Device, ci *vk.CommandPoolCreateInfo, allocator *vk.AllocationCallbacks, pool *vk.CommandPool) vk.Result
	PFNDestroyCommandPool  func(device vk.Device, pool vk.CommandPool, allocator *vk.AllocationCallbacks)
	PFNResetCommandPool    func(device vk.Device, pool vk.CommandPool, flags vk.CommandPoolResetFlags) vk.Result
	PFNAllocateCommandBuffers func(device vk.Device, info *vk.CommandBufferAllocateInfo, buffers []vk.CommandBuffer) vk.Result
	PFNFreeCommandBuffers  func(device vk.Device, pool vk.CommandPool, count uint32, buffers []vk.CommandBuffer)
	PFNBeginCommandBuffer  func(cmd vk.CommandBuffer, info *vk.CommandBufferBeginInfo) vk.Result
	PFNEndCommandBuffer    func(cmd vk.CommandBuffer) vk.Result
	PFNCmdPipelineBarrier  func(cmd vk.CommandBuffer, srcStage, dstStage vk.PipelineStageFlags, flags vk.DependencyFlags, memCount uint32, mem []vk.MemoryBarrier, bufCount uint32, buf []vk.BufferMemoryBarrier, imgCount uint32, img []vk.ImageMemoryBarrier)
	PFNCmdCopyImage        func(cmd vk.CommandBuffer, src vk.Image, srcLayout vk.ImageLayout, dst vk.Image, dstLayout vk.ImageLayout, count uint32, regions []vk.ImageCopy)
	PFNQueueSubmit         func(queue vk.Queue, count uint32, submits []vk.SubmitInfo, fence vk.Fence) vk.Result
	PFNCreateFence         func(device vk.Device, ci *vk.FenceCreateInfo, allocator *vk.AllocationCallbacks, fence *vk.Fence) vk.Result
	PFNDestroyFence        func(device vk.Device, fence vk.Fence, allocator *vk.AllocationCallbacks)
	PFNWaitForFences       func(device vk.Device, count uint32, fences []vk.Fence, waitAll vk.Bool32, timeout uint64) vk.Result
	PFNResetFences         func(device vk.Device, count uint32, fences []vk.Fence) vk.Result
)

// InstanceProcAddrFunc resolves instance-level entry points on the next
// element of the layer chain. A nil Proc means the name is unknown there.
type InstanceProcAddrFunc func(instance vk.Instance, name string) Proc

// DeviceProcAddrFunc resolves device-level entry points on the next
// element of the layer chain.
type DeviceProcAddrFunc func(device vk.Device, name string) Proc

// LayerLink is one node of the loader's layer chain. The loader hands the
// layer its link on the create-info chain; the layer saves the resolvers
// and passes Next down.
type LayerLink struct {
	Next                *LayerLink
	GetInstanceProcAddr InstanceProcAddrFunc
	GetDeviceProcAddr   DeviceProcAddrFunc
}

// InstanceCreateInfo is the layer's view of vkCreateInstance's arguments:
// the application's create info plus the loader link chain, which in the
// C ABI rides on pNext.
type InstanceCreateInfo struct {
	Info *vk.InstanceCreateInfo
	Link *LayerLink
}

// DeviceCreateInfo is the layer's view of vkCreateDevice's arguments.
type DeviceCreateInfo struct {
	Info *vk.DeviceCreateInfo
	Link *LayerLink
}

// instanceDispatch caches the next-layer instance-level entry points the
// layer needs after creation.
type instanceDispatch struct {
	DestroyInstance                        PFNDestroyInstance
	GetPhysicalDeviceQueueFamilyProperties PFNGetPhysicalDeviceQueueFamilyProperties
	GetPhysicalDeviceMemoryProperties      PFNGetPhysicalDeviceMemoryProperties
	CreateDevice                           PFNCreateDevice
}

// deviceDispatch caches the next-layer device-level entry points needed
// for export-image creation, command recording and teardown.
type deviceDispatch struct {
	DestroyDevice               PFNDestroyDevice
	GetDeviceQueue              PFNGetDeviceQueue
	CreateSwapchain             PFNCreateSwapchain
	DestroySwapchain            PFNDestroySwapchain
	GetSwapchainImages          PFNGetSwapchainImages
	QueuePresent                PFNQueuePresent
	CreateImage                 PFNCreateImage
	DestroyImage                PFNDestroyImage
	GetImageSubresourceLayout   PFNGetImageSubresourceLayout
	GetImageMemoryRequirements2 PFNGetImageMemoryRequirements2
	AllocateMemory              PFNAllocateMemory
	FreeMemory                  PFNFreeMemory
	BindImageMemory             PFNBindImageMemory
	GetMemoryFd                 PFNGetMemoryFd
	CreateCommandPool           PFNCreateCommandPool
	DestroyCommandPool          PFNDestroyCommandPool
	ResetCommandPool            PFNResetCommandPool
	AllocateCommandBuffers      PFNAllocateCommandBuffers
	FreeCommandBuffers          PFNFreeCommandBuffers
	BeginCommandBuffer          PFNBeginCommandBuffer
	EndCommandBuffer            PFNEndCommandBuffer
	CmdPipelineBarrier          PFNCmdPipelineBarrier
	CmdCopyImage                PFNCmdCopyImage
	QueueSubmit                 PFNQueueSubmit
	CreateFence                 PFNCreateFence
	DestroyFence                PFNDestroyFence
	WaitForFences               PFNWaitForFences
	ResetFences                 PFNResetFences
}

// resolveAs pulls one entry point off a resolver and asserts its type.
func resolveAs[F any](proc Proc, ok *bool) F {
	fn, good := proc.(F)
	if !good {
		*ok = false
	}
	return fn
}

func buildInstanceDispatch(instance vk.Instance, gpa InstanceProcAddrFunc) (instanceDispatch, bool) {
	ok := true
	d := instanceDispatch{
		DestroyInstance:                        resolveAs[PFNDestroyInstance](gpa(instance, "vkDestroyInstance"), &ok),
		GetPhysicalDeviceQueueFamilyProperties: resolveAs[PFNGetPhysicalDeviceQueueFamilyProperties](gpa(instance, "vkGetPhysicalDeviceQueueFamilyProperties"), &ok),
		GetPhysicalDeviceMemoryProperties:      resolveAs[PFNGetPhysicalDeviceMemoryProperties](gpa(instance, "vkGetPhysicalDeviceMemoryProperties"), &ok),
		CreateDevice:                           resolveAs[PFNCreateDevice](gpa(instance, "vkCreateDevice"), &ok),
	}
	return d, ok
}

func buildDeviceDispatch(device vk.Device, gdpa DeviceProcAddrFunc) (deviceDispatch, bool) {
	ok := true
	d := deviceDispatch{
		DestroyDevice:               resolveAs[PFNDestroyDevice](gdpa(device, "vkDestroyDevice"), &ok),
		GetDeviceQueue:              resolveAs[PFNGetDeviceQueue](gdpa(device, "vkGetDeviceQueue"), &ok),
		CreateImage:                 resolveAs[PFNCreateImage](gdpa(device, "vkCreateImage"), &ok),
		DestroyImage:                resolveAs[PFNDestroyImage](gdpa(device, "vkDestroyImage"), &ok),
		GetImageSubresourceLayout:   resolveAs[PFNGetImageSubresourceLayout](gdpa(device, "vkGetImageSubresourceLayout"), &ok),
		GetImageMemoryRequirements2: resolveAs[PFNGetImageMemoryRequirements2](gdpa(device, "vkGetImageMemoryRequirements2"), &ok),
		AllocateMemory:              resolveAs[PFNAllocateMemory](gdpa(device, "vkAllocateMemory"), &ok),
		FreeMemory:                  resolveAs[PFNFreeMemory](gdpa(device, "vkFreeMemory"), &ok),
		BindImageMemory:             resolveAs[PFNBindImageMemory](gdpa(device, "vkBindImageMemory"), &ok),
		GetMemoryFd:                 resolveAs[PFNGetMemoryFd](gdpa(device, "vkGetMemoryFdKHR"), &ok),
		CreateCommandPool:           resolveAs[PFNCreateCommandPool](gdpa(device, "vkCreateCommandPool"), &ok),
		DestroyCommandPool:          resolveAs[PFNDestroyCommandPool](gdpa(device, "vkDestroyCommandPool"), &ok),
		ResetCommandPool:            resolveAs[PFNResetCommandPool](gdpa(device, "vkResetCommandPool"), &ok),
		AllocateCommandBuffers:      resolveAs[PFNAllocateCommandBuffers](gdpa(device, "vkAllocateCommandBuffers"), &ok),
		FreeCommandBuffers:          resolveAs[PFNFreeCommandBuffers](gdpa(device, "vkFreeCommandBuffers"), &ok),
		BeginCommandBuffer:          resolveAs[PFNBeginCommandBuffer](gdpa(device, "vkBeginCommandBuffer"), &ok),
		EndCommandBuffer:            resolveAs[PFNEndCommandBuffer](gdpa(device, "vkEndCommandBuffer"), &ok),
		CmdPipelineBarrier:          resolveAs[PFNCmdPipelineBarrier](gdpa(device, "vkCmdPipelineBarrier"), &ok),
		CmdCopyImage:                resolveAs[PFNCmdCopyImage](gdpa(device, "vkCmdCopyImage"), &ok),
		QueueSubmit:                 resolveAs[PFNQueueSubmit](gdpa(device, "vkQueueSubmit"), &ok),
		CreateFence:                 resolveAs[PFNCreateFence](gdpa(device, "vkCreateFence"), &ok),
		DestroyFence:                resolveAs[PFNDestroyFence](gdpa(device, "vkDestroyFence"), &ok),
		WaitForFences:               resolveAs[PFNWaitForFences](gdpa(device, "vkWaitForFences"), &ok),
		ResetFences:                 resolveAs[PFNResetFences](gdpa(device, "vkResetFences"), &ok),
	}
	// Swapchain and present entry points are optional on the next layer;
	// their absence only disables capture, not the device.
	d.CreateSwapchain, _ = gdpa(device, "vkCreateSwapchainKHR").(PFNCreateSwapchain)
	d.DestroySwapchain, _ = gdpa(device, "vkDestroySwapchainKHR").(PFNDestroySwapchain)
	d.GetSwapchainImages, _ = gdpa(device, "vkGetSwapchainImagesKHR").(PFNGetSwapchainImages)
	d.QueuePresent, _ = gdpa(device, "vkQueuePresentKHR").(PFNQueuePresent)
	return d, ok
}

// Layer singletons, initialized once by the first Negotiate,
// CreateInstance or CreateDevice call.
var (
	initOnce  sync.Once
	instances *objectMap[dispatchKey, *Instance]
	devices   *objectMap[dispatchKey, *Device]

	infoLog  = log.New(os.Stderr, "INFO: vkcapture: ", log.Ldate|log.Ltime)
	warnLog  = log.New(os.Stderr, "WARNING: vkcapture: ", log.Ldate|log.Ltime)
	errorLog = log.New(os.Stderr, "ERROR: vkcapture: ", log.Ldate|log.Ltime)
)

func initLayer() {
	instances = newObjectMap[dispatchKey, *Instance]()
	devices = newObjectMap[dispatchKey, *Device]()
	conn.reset()
}

// Negotiate implements the loader negotiation entry point. It performs
// one-time registry and connection init and clamps the interface version
// to the locally supported maximum.
func Negotiate(version uint32) uint32 {
	initOnce.Do(initLayer)
	if version > MaxInterfaceVersion {
		return MaxInterfaceVersion
	}
	return version
}

// GetInstanceProcAddr returns the layer's stub for the entry points it
// intercepts and forwards every other name to the next layer.
func GetInstanceProcAddr(instance vk.Instance, name string) Proc {
	switch name {
	case "vkGetInstanceProcAddr":
		return InstanceProcAddrFunc(GetInstanceProcAddr)
	case "vkCreateInstance":
		return PFNCreateInstance(CreateInstance)
	case "vkDestroyInstance":
		return PFNDestroyInstance(DestroyInstance)
	case "vkGetDeviceProcAddr":
		return DeviceProcAddrFunc(GetDeviceProcAddr)
	case "vkCreateDevice":
		return PFNCreateDevice(CreateDevice)
	case "vkDestroyDevice":
		return PFNDestroyDevice(DestroyDevice)
	}
	if instance == nil {
		return nil
	}
	inst, ok := instances.Lookup(keyOfInstance(instance))
	if !ok || inst.nextGIPA == nil {
		return nil
	}
	return inst.nextGIPA(instance, name)
}

// GetDeviceProcAddr returns stubs for the device-level entry points the
// layer owns; swapchain and present stubs are handed out only when the
// next layer implements them.
func GetDeviceProcAddr(device vk.Device, name string) Proc {
	dev, ok := lookupDevice(device)
	switch name {
	case "vkGetDeviceProcAddr":
		return DeviceProcAddrFunc(GetDeviceProcAddr)
	case "vkDestroyDevice":
		return PFNDestroyDevice(DestroyDevice)
	case "vkCreateSwapchainKHR":
		if ok && dev.disp.CreateSwapchain != nil {
			return PFNCreateSwapchain(CreateSwapchain)
		}
		return nil
	case "vkDestroySwapchainKHR":
		if ok && dev.disp.DestroySwapchain != nil {
			return PFNDestroySwapchain(DestroySwapchain)
		}
		return nil
	case "vkQueuePresentKHR":
		if ok && dev.disp.QueuePresent != nil {
			return PFNQueuePresent(QueuePresent)
		}
		return nil
	}
	if !ok || dev.nextGDPA == nil {
		return nil
	}
	return dev.nextGDPA(device, name)
}
