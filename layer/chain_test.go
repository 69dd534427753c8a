package layer

// Test doubles for the next element of the layer chain: a fake driver
// that records every call the layer forwards, handing out fabricated
// handles whose first word plays the loader dispatch pointer, plus a
// broker-side sink on a throwaway rendezvous socket.

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"
	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/require"
)

// handlePins keeps fabricated handle memory alive for the test binary's
// lifetime so handle words never get recycled.
var handlePins []*uintptr

// newDispatchable fabricates a dispatchable handle whose first machine
// word is the given dispatch word.
func newDispatchable(word uintptr) unsafe.Pointer {
	p := new(uintptr)
	*p = word
	handlePins = append(handlePins, p)
	return unsafe.Pointer(p)
}

// newHandle fabricates a non-dispatchable handle.
func newHandle() unsafe.Pointer {
	p := new(uintptr)
	handlePins = append(handlePins, p)
	return unsafe.Pointer(p)
}

// testInit resets the layer singletons and points the rendezvous at a
// per-test socket path.
func testInit(t *testing.T) {
	t.Helper()
	initLayer()
	socketPath = filepath.Join(t.TempDir(), "vkcapture.sock")
	t.Cleanup(func() {
		conn.reset()
		initLayer()
	})
}

type fakeDriver struct {
	t *testing.T

	instWord uintptr
	devWord  uintptr

	instance vk.Instance
	gpu      vk.PhysicalDevice
	device   vk.Device
	queue    vk.Queue

	queueFlags vk.QueueFlags
	rowPitch   vk.DeviceSize

	failInstanceOnce  bool
	failSwapchainOnce bool

	instanceCreates int
	apiVersions     []uint32
	deviceExts      [][]string
	swapchainUsages []vk.ImageUsageFlags
	swapImages      []vk.Image

	imagesAlive  int
	memoryAlive  int
	exportedFds  []int
	poolsCreated int
	poolsAlive   int
	poolResets   int
	copies       int
	submits      int
	presents     int
	fenceWaits   int
	signaled     map[vk.Fence]bool
	barrierSets  [][]vk.ImageMemoryBarrier
}

func newFakeDriver(t *testing.T) *fakeDriver {
	f := &fakeDriver{
		t:          t,
		instWord:   0x1000,
		devWord:    0x2000,
		queueFlags: vk.QueueFlags(vk.QueueGraphicsBit),
		rowPitch:   1920 * 4,
		signaled:   make(map[vk.Fence]bool),
	}
	f.instance = vk.Instance(newDispatchable(f.instWord))
	f.gpu = vk.PhysicalDevice(newDispatchable(f.instWord))
	f.device = vk.Device(newDispatchable(f.devWord))
	f.queue = vk.Queue(newDispatchable(f.devWord))
	for i := 0; i < 3; i++ {
		f.swapImages = append(f.swapImages, vk.Image(newHandle()))
	}
	return f
}

func (f *fakeDriver) link() *LayerLink {
	return &LayerLink{
		GetInstanceProcAddr: f.instanceProc,
		GetDeviceProcAddr:   f.deviceProc,
	}
}

func (f *fakeDriver) instanceProc(_ vk.Instance, name string) Proc {
	switch name {
	case "vkCreateInstance":
		return PFNCreateInstance(func(ci *InstanceCreateInfo, _ *vk.AllocationCallbacks, out *vk.Instance) vk.Result {
			f.instanceCreates++
			var ver uint32
			if ci.Info.PApplicationInfo != nil {
				ver = ci.Info.PApplicationInfo.ApiVersion
			}
			f.apiVersions = append(f.apiVersions, ver)
			if f.failInstanceOnce {
				f.failInstanceOnce = false
				return vk.ErrorIncompatibleDriver
			}
			*out = f.instance
			return vk.Success
		})
	case "vkDestroyInstance":
		return PFNDestroyInstance(func(vk.Instance, *vk.AllocationCallbacks) {})
	case "vkGetPhysicalDeviceQueueFamilyProperties":
		return PFNGetPhysicalDeviceQueueFamilyProperties(func(_ vk.PhysicalDevice, count *uint32, props []vk.QueueFamilyProperties) {
			*count = 1
			if props != nil {
				props[0] = vk.QueueFamilyProperties{QueueFlags: f.queueFlags}
			}
		})
	case "vkGetPhysicalDeviceMemoryProperties":
		return PFNGetPhysicalDeviceMemoryProperties(func(_ vk.PhysicalDevice, props *vk.PhysicalDeviceMemoryProperties) {
			*props = vk.PhysicalDeviceMemoryProperties{MemoryTypeCount: 2}
			props.MemoryTypes[1] = vk.MemoryType{
				PropertyFlags: vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit),
			}
		})
	case "vkCreateDevice":
		return PFNCreateDevice(func(_ vk.PhysicalDevice, ci *DeviceCreateInfo, _ *vk.AllocationCallbacks, out *vk.Device) vk.Result {
			exts := make([]string, len(ci.Info.PpEnabledExtensionNames))
			copy(exts, ci.Info.PpEnabledExtensionNames)
			f.deviceExts = append(f.deviceExts, exts)
			*out = f.device
			return vk.Success
		})
	}
	return nil
}

func (f *fakeDriver) deviceProc(_ vk.Device, name string) Proc {
	switch name {
	case "vkDestroyDevice":
		return PFNDestroyDevice(func(vk.Device, *vk.AllocationCallbacks) {})
	case "vkGetDeviceQueue":
		return PFNGetDeviceQueue(func(_ vk.Device, _, _ uint32, queue *vk.Queue) {
			*queue = f.queue
		})
	case "vkCreateSwapchainKHR":
		return PFNCreateSwapchain(func(_ vk.Device, ci *vk.SwapchainCreateInfo, _ *vk.AllocationCallbacks, out *vk.Swapchain) vk.Result {
			f.swapchainUsages = append(f.swapchainUsages, ci.ImageUsage)
			if f.failSwapchainOnce {
				f.failSwapchainOnce = false
				return vk.ErrorInitializationFailed
			}
			*out = vk.Swapchain(newHandle())
			return vk.Success
		})
	case "vkDestroySwapchainKHR":
		return PFNDestroySwapchain(func(vk.Device, vk.Swapchain, *vk.AllocationCallbacks) {})
	case "vkGetSwapchainImagesKHR":
		return PFNGetSwapchainImages(func(_ vk.Device, _ vk.Swapchain, count *uint32, images []vk.Image) vk.Result {
			*count = uint32(len(f.swapImages))
			if images != nil {
				copy(images, f.swapImages)
			}
			return vk.Success
		})
	case "vkQueuePresentKHR":
		return PFNQueuePresent(func(vk.Queue, *vk.PresentInfo) vk.Result {
			f.presents++
			return vk.Success
		})
	case "vkCreateImage":
		return PFNCreateImage(func(_ vk.Device, _ *vk.ImageCreateInfo, _ *vk.AllocationCallbacks, image *vk.Image) vk.Result {
			f.imagesAlive++
			*image = vk.Image(newHandle())
			return vk.Success
		})
	case "vkDestroyImage":
		return PFNDestroyImage(func(vk.Device, vk.Image, *vk.AllocationCallbacks) {
			f.imagesAlive--
		})
	case "vkGetImageSubresourceLayout":
		return PFNGetImageSubresourceLayout(func(_ vk.Device, _ vk.Image, _ *vk.ImageSubresource, layout *vk.SubresourceLayout) {
			layout.RowPitch = f.rowPitch
			layout.Offset = 0
		})
	case "vkGetImageMemoryRequirements2":
		return PFNGetImageMemoryRequirements2(func(_ vk.Device, _ *vk.ImageMemoryRequirementsInfo2, reqs *vk.MemoryRequirements2) {
			reqs.MemoryRequirements = vk.MemoryRequirements{
				Size:           8 * 1024 * 1024,
				MemoryTypeBits: 0x3,
			}
		})
	case "vkAllocateMemory":
		return PFNAllocateMemory(func(_ vk.Device, info *vk.MemoryAllocateInfo, _ *vk.AllocationCallbacks, memory *vk.DeviceMemory) vk.Result {
			require.EqualValues(f.t, 1, info.MemoryTypeIndex, "expected the device-local type")
			f.memoryAlive++
			*memory = vk.DeviceMemory(newHandle())
			return vk.Success
		})
	case "vkFreeMemory":
		return PFNFreeMemory(func(vk.Device, vk.DeviceMemory, *vk.AllocationCallbacks) {
			f.memoryAlive--
		})
	case "vkBindImageMemory":
		return PFNBindImageMemory(func(vk.Device, vk.Image, vk.DeviceMemory, vk.DeviceSize) vk.Result {
			return vk.Success
		})
	case "vkGetMemoryFdKHR":
		return PFNGetMemoryFd(func(_ vk.Device, _ *vk.MemoryGetFdInfo, fd *int32) vk.Result {
			raw, err := unix.Open(os.DevNull, unix.O_RDONLY|unix.O_CLOEXEC, 0)
			require.NoError(f.t, err)
			f.exportedFds = append(f.exportedFds, raw)
			*fd = int32(raw)
			return vk.Success
		})
	case "vkCreateCommandPool":
		return PFNCreateCommandPool(func(_ vk.Device, _ *vk.CommandPoolCreateInfo, _ *vk.AllocationCallbacks, pool *vk.CommandPool) vk.Result {
			f.poolsCreated++
			f.poolsAlive++
			*pool = vk.CommandPool(newHandle())
			return vk.Success
		})
	case "vkDestroyCommandPool":
		return PFNDestroyCommandPool(func(vk.Device, vk.CommandPool, *vk.AllocationCallbacks) {
			f.poolsAlive--
		})
	case "vkResetCommandPool":
		return PFNResetCommandPool(func(vk.Device, vk.CommandPool, vk.CommandPoolResetFlags) vk.Result {
			f.poolResets++
			return vk.Success
		})
	case "vkAllocateCommandBuffers":
		return PFNAllocateCommandBuffers(func(_ vk.Device, _ *vk.CommandBufferAllocateInfo, buffers []vk.CommandBuffer) vk.Result {
			for i := range buffers {
				buffers[i] = vk.CommandBuffer(newDispatchable(f.devWord))
			}
			return vk.Success
		})
	case "vkFreeCommandBuffers":
		return PFNFreeCommandBuffers(func(vk.Device, vk.CommandPool, uint32, []vk.CommandBuffer) {})
	case "vkBeginCommandBuffer":
		return PFNBeginCommandBuffer(func(vk.CommandBuffer, *vk.CommandBufferBeginInfo) vk.Result {
			return vk.Success
		})
	case "vkEndCommandBuffer":
		return PFNEndCommandBuffer(func(vk.CommandBuffer) vk.Result {
			return vk.Success
		})
	case "vkCmdPipelineBarrier":
		return PFNCmdPipelineBarrier(func(_ vk.CommandBuffer, _, _ vk.PipelineStageFlags, _ vk.DependencyFlags, _ uint32, _ []vk.MemoryBarrier, _ uint32, _ []vk.BufferMemoryBarrier, _ uint32, img []vk.ImageMemoryBarrier) {
			f.barrierSets = append(f.barrierSets, img)
		})
	case "vkCmdCopyImage":
		return PFNCmdCopyImage(func(_ vk.CommandBuffer, _ vk.Image, _ vk.ImageLayout, _ vk.Image, _ vk.ImageLayout, _ uint32, _ []vk.ImageCopy) {
			f.copies++
		})
	case "vkQueueSubmit":
		return PFNQueueSubmit(func(_ vk.Queue, _ uint32, _ []vk.SubmitInfo, fence vk.Fence) vk.Result {
			f.submits++
			f.signaled[fence] = true
			return vk.Success
		})
	case "vkCreateFence":
		return PFNCreateFence(func(_ vk.Device, _ *vk.FenceCreateInfo, _ *vk.AllocationCallbacks, fence *vk.Fence) vk.Result {
			*fence = vk.Fence(newHandle())
			return vk.Success
		})
	case "vkDestroyFence":
		return PFNDestroyFence(func(vk.Device, vk.Fence, *vk.AllocationCallbacks) {})
	case "vkWaitForFences":
		return PFNWaitForFences(func(_ vk.Device, _ uint32, fences []vk.Fence, _ vk.Bool32, _ uint64) vk.Result {
			f.fenceWaits++
			require.True(f.t, f.signaled[fences[0]], "wait on a fence that was never submitted")
			return vk.Success
		})
	case "vkResetFences":
		return PFNResetFences(func(_ vk.Device, _ uint32, fences []vk.Fence) vk.Result {
			delete(f.signaled, fences[0])
			return vk.Success
		})
	}
	return nil
}

// sinkMsg is one message the broker-side sink received.
type sinkMsg struct {
	data []byte
	fds  []int
}

// brokerSink accepts producer connections the way the broker does, just
// enough to drive the layer's socket state machine from tests.
type brokerSink struct {
	t        *testing.T
	listener *net.UnixListener
	msgs     chan sinkMsg
	conns    chan *net.UnixConn
}

func startSink(t *testing.T) *brokerSink {
	t.Helper()
	l, err := net.ListenUnix("unix", &net.UnixAddr{Name: socketPath, Net: "unix"})
	require.NoError(t, err)
	s := &brokerSink{
		t:        t,
		listener: l,
		msgs:     make(chan sinkMsg, 16),
		conns:    make(chan *net.UnixConn, 4),
	}
	go s.acceptLoop()
	t.Cleanup(func() { l.Close() })
	return s
}

func (s *brokerSink) acceptLoop() {
	for {
		c, err := s.listener.AcceptUnix()
		if err != nil {
			return
		}
		// Select the producer right away, the way the source adapter
		// kicks the client it picks.
		c.Write([]byte{1})
		s.conns <- c
		go s.readLoop(c)
	}
}

func (s *brokerSink) readLoop(c *net.UnixConn) {
	buf := make([]byte, 256)
	oob := make([]byte, 256)
	for {
		n, oobn, _, _, err := c.ReadMsgUnix(buf, oob)
		if err != nil || n == 0 {
			return
		}
		msg := sinkMsg{data: append([]byte(nil), buf[:n]...)}
		if oobn > 0 {
			// Runs off the test goroutine, so malformed control data is
			// surfaced as a message with no fds rather than a failure.
			if scms, err := unix.ParseSocketControlMessage(oob[:oobn]); err == nil {
				for i := range scms {
					if fds, err := unix.ParseUnixRights(&scms[i]); err == nil {
						msg.fds = append(msg.fds, fds...)
					}
				}
			}
		}
		s.msgs <- msg
	}
}
