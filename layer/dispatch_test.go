package layer

import (
	"testing"

	vk "github.com/vulkan-go/vulkan"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiateClampsInterfaceVersion(t *testing.T) {
	testInit(t)
	assert.Equal(t, uint32(MaxInterfaceVersion), Negotiate(99))
	assert.Equal(t, uint32(1), Negotiate(1))
}

func TestCreateInstanceForcesApiVersionAndRetries(t *testing.T) {
	testInit(t)
	f := newFakeDriver(t)
	f.failInstanceOnce = true

	var instance vk.Instance
	ret := CreateInstance(&InstanceCreateInfo{
		Info: &vk.InstanceCreateInfo{
			SType: vk.StructureTypeInstanceCreateInfo,
			PApplicationInfo: &vk.ApplicationInfo{
				SType:      vk.StructureTypeApplicationInfo,
				ApiVersion: uint32(vk.MakeVersion(1, 0, 0)),
			},
		},
		Link: f.link(),
	}, nil, &instance)
	require.Equal(t, vk.Success, ret)

	// First attempt carries the forced 1.2, the retry the caller's 1.0.
	require.Equal(t, 2, f.instanceCreates)
	assert.Equal(t, uint32(vk.MakeVersion(1, 2, 0)), f.apiVersions[0])
	assert.Equal(t, uint32(vk.MakeVersion(1, 0, 0)), f.apiVersions[1])

	inst, ok := lookupInstance(instance)
	require.True(t, ok)
	assert.True(t, inst.valid)
}

func TestCreateInstanceSuppliesMissingAppInfo(t *testing.T) {
	testInit(t)
	f := newFakeDriver(t)
	var instance vk.Instance
	ret := CreateInstance(&InstanceCreateInfo{
		Info: &vk.InstanceCreateInfo{SType: vk.StructureTypeInstanceCreateInfo},
		Link: f.link(),
	}, nil, &instance)
	require.Equal(t, vk.Success, ret)
	assert.Equal(t, uint32(vk.MakeVersion(1, 2, 0)), f.apiVersions[0])
}

func TestCreateDeviceAppendsExternalMemoryExtension(t *testing.T) {
	testInit(t)
	f := newFakeDriver(t)
	createTestDevice(t, f)

	require.Len(t, f.deviceExts, 1)
	assert.True(t, hasExtension(f.deviceExts[0], externalMemoryFdExtension))
}

func TestCreateDeviceKeepsCallerExtension(t *testing.T) {
	testInit(t)
	f := newFakeDriver(t)
	createTestInstance(t, f)

	var device vk.Device
	ret := CreateDevice(f.gpu, &DeviceCreateInfo{
		Info: &vk.DeviceCreateInfo{
			SType:                vk.StructureTypeDeviceCreateInfo,
			QueueCreateInfoCount: 1,
			PQueueCreateInfos: []vk.DeviceQueueCreateInfo{{
				SType:            vk.StructureTypeDeviceQueueCreateInfo,
				QueueCount:       1,
				PQueuePriorities: []float32{1.0},
			}},
			EnabledExtensionCount:   1,
			PpEnabledExtensionNames: []string{externalMemoryFdExtension + "\x00"},
		},
		Link: f.link(),
	}, nil, &device)
	require.Equal(t, vk.Success, ret)
	assert.Len(t, f.deviceExts[0], 1, "extension must not be duplicated")
}

func TestCreateSwapchainRetriesWithOriginalUsage(t *testing.T) {
	testInit(t)
	f := newFakeDriver(t)
	f.failSwapchainOnce = true
	device := createTestDevice(t, f)
	createTestSwapchain(t, f, device, 640, 480)

	require.Len(t, f.swapchainUsages, 2)
	assert.NotZero(t, f.swapchainUsages[0]&vk.ImageUsageFlags(vk.ImageUsageTransferSrcBit))
	assert.Zero(t, f.swapchainUsages[1]&vk.ImageUsageFlags(vk.ImageUsageTransferSrcBit),
		"the retry must keep the caller's usage")
}

func TestGetInstanceProcAddrInterceptsAndForwards(t *testing.T) {
	testInit(t)
	f := newFakeDriver(t)
	instance := createTestInstance(t, f)

	_, ok := GetInstanceProcAddr(nil, "vkCreateInstance").(PFNCreateInstance)
	assert.True(t, ok)
	_, ok = GetInstanceProcAddr(instance, "vkDestroyInstance").(PFNDestroyInstance)
	assert.True(t, ok)

	// Unintercepted names go to the next layer.
	fwd := GetInstanceProcAddr(instance, "vkGetPhysicalDeviceMemoryProperties")
	_, ok = fwd.(PFNGetPhysicalDeviceMemoryProperties)
	assert.True(t, ok)
	assert.Nil(t, GetInstanceProcAddr(instance, "vkNoSuchEntryPoint"))
}

func TestGetDeviceProcAddrGatesSwapchainStubs(t *testing.T) {
	testInit(t)
	f := newFakeDriver(t)
	device := createTestDevice(t, f)

	_, ok := GetDeviceProcAddr(device, "vkQueuePresentKHR").(PFNQueuePresent)
	assert.True(t, ok)
	_, ok = GetDeviceProcAddr(device, "vkCreateSwapchainKHR").(PFNCreateSwapchain)
	assert.True(t, ok)

	// Without next-layer swapchain support the stubs disappear.
	dev, found := lookupDevice(device)
	require.True(t, found)
	dev.disp.QueuePresent = nil
	assert.Nil(t, GetDeviceProcAddr(device, "vkQueuePresentKHR"))
}

func TestQueueHandleAliasesDeviceDispatch(t *testing.T) {
	testInit(t)
	f := newFakeDriver(t)
	device := createTestDevice(t, f)

	dev, ok := lookupQueueDevice(f.queue)
	require.True(t, ok)
	assert.Equal(t, device, dev.handle)

	q, ok := dev.queues.Lookup(f.queue)
	require.True(t, ok)
	assert.True(t, q.supportsTransfer)
	assert.Equal(t, uint32(0), q.family)
}

func TestObjectMapWalkHoldsEntries(t *testing.T) {
	m := newObjectMap[int, string]()
	m.Add(1, "a")
	m.Add(2, "b")
	seen := map[int]string{}
	m.Walk(func(k int, v string) { seen[k] = v })
	assert.Equal(t, map[int]string{1: "a", 2: "b"}, seen)
	m.Remove(1)
	assert.Equal(t, 1, m.Len())
	_, ok := m.Lookup(1)
	assert.False(t, ok)
}
