package layer

import (
	vk "github.com/vulkan-go/vulkan"
)

// VulkanLink returns a single-node layer chain whose entry points call
// straight into the vulkan-go binding. It stands in for the loader's
// terminator when the layer is driven programmatically, as the demo
// producer does; vk.Init (or
// vk.SetGetInstanceProcAddr) must have run first.
func VulkanLink() *LayerLink {
	return &LayerLink{
		GetInstanceProcAddr: vulkanInstanceProc,
		GetDeviceProcAddr:   vulkanDeviceProc,
	}
}

func vulkanInstanceProc(_ vk.Instance, name string) Proc {
	switch name {
	case "vkCreateInstance":
		return PFNCreateInstance(func(ci *InstanceCreateInfo, allocator *vk.AllocationCallbacks, instance *vk.Instance) vk.Result {
			return vk.CreateInstance(ci.Info, allocator, instance)
		})
	case "vkDestroyInstance":
		return PFNDestroyInstance(vk.DestroyInstance)
	case "vkGetPhysicalDeviceQueueFamilyProperties":
		return PFNGetPhysicalDeviceQueueFamilyProperties(vk.GetPhysicalDeviceQueueFamilyProperties)
	case "vkGetPhysicalDeviceMemoryProperties":
		return PFNGetPhysicalDeviceMemoryProperties(vk.GetPhysicalDeviceMemoryProperties)
	case "vkCreateDevice":
		return PFNCreateDevice(func(gpu vk.PhysicalDevice, ci *DeviceCreateInfo, allocator *vk.AllocationCallbacks, device *vk.Device) vk.Result {
			return vk.CreateDevice(gpu, ci.Info, allocator, device)
		})
	}
	return nil
}

func vulkanDeviceProc(_ vk.Device, name string) Proc {
	switch name {
	case "vkDestroyDevice":
		return PFNDestroyDevice(vk.DestroyDevice)
	case "vkGetDeviceQueue":
		return PFNGetDeviceQueue(vk.GetDeviceQueue)
	case "vkCreateSwapchainKHR":
		return PFNCreateSwapchain(vk.CreateSwapchain)
	case "vkDestroySwapchainKHR":
		return PFNDestroySwapchain(vk.DestroySwapchain)
	case "vkGetSwapchainImagesKHR":
		return PFNGetSwapchainImages(vk.GetSwapchainImages)
	case "vkQueuePresentKHR":
		return PFNQueuePresent(vk.QueuePresent)
	case "vkCreateImage":
		return PFNCreateImage(vk.CreateImage)
	case "vkDestroyImage":
		return PFNDestroyImage(vk.DestroyImage)
	case "vkGetImageSubresourceLayout":
		return PFNGetImageSubresourceLayout(vk.GetImageSubresourceLayout)
	case "vkGetImageMemoryRequirements2":
		return PFNGetImageMemoryRequirements2(vk.GetImageMemoryRequirements2)
	case "vkAllocateMemory":
		return PFNAllocateMemory(vk.AllocateMemory)
	case "vkFreeMemory":
		return PFNFreeMemory(vk.FreeMemory)
	case "vkBindImageMemory":
		return PFNBindImageMemory(vk.BindImageMemory)
	case "vkGetMemoryFdKHR":
		return PFNGetMemoryFd(vk.GetMemoryFd)
	case "vkCreateCommandPool":
		return PFNCreateCommandPool(vk.CreateCommandPool)
	case "vkDestroyCommandPool":
		return PFNDestroyCommandPool(vk.DestroyCommandPool)
	case "vkResetCommandPool":
		return PFNResetCommandPool(vk.ResetCommandPool)
	case "vkAllocateCommandBuffers":
		return PFNAllocateCommandBuffers(vk.AllocateCommandBuffers)
	case "vkFreeCommandBuffers":
		return PFNFreeCommandBuffers(vk.FreeCommandBuffers)
	case "vkBeginCommandBuffer":
		return PFNBeginCommandBuffer(vk.BeginCommandBuffer)
	case "vkEndCommandBuffer":
		return PFNEndCommandBuffer(vk.EndCommandBuffer)
	case "vkCmdPipelineBarrier":
		return PFNCmdPipelineBarrier(vk.CmdPipelineBarrier)
	case "vkCmdCopyImage":
		return PFNCmdCopyImage(vk.CmdCopyImage)
	case "vkQueueSubmit":
		return PFNQueueSubmit(vk.QueueSubmit)
	case "vkCreateFence":
		return PFNCreateFence(vk.CreateFence)
	case "vkDestroyFence":
		return PFNDestroyFence(vk.DestroyFence)
	case "vkWaitForFences":
		return PFNWaitForFences(vk.WaitForFences)
	case "vkResetFences":
		return PFNResetFences(vk.ResetFences)
	}
	return nil
}
