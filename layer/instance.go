package layer

import (
	"unsafe"

	vk "github.com/vulkan-go/vulkan"
)

// minApiVersion is forced onto instance creation; the memory-fd and
// dedicated-allocation paths used by the export engine assume it.
var minApiVersion = uint32(vk.MakeVersion(1, 2, 0))

// Instance is the layer's per-instance state, keyed by the loader
// dispatch pointer of the instance handle.
type Instance struct {
	handle   vk.Instance
	nextGIPA InstanceProcAddrFunc
	disp     instanceDispatch

	// valid is false when a required next-layer entry point is missing;
	// the rest of the layer treats such instances as pass-through.
	valid bool
}

func keyOfInstance(instance vk.Instance) dispatchKey {
	return dispatchKeyOf(unsafe.Pointer(instance))
}

func lookupInstance(instance vk.Instance) (*Instance, bool) {
	if instances == nil || instance == nil {
		return nil, false
	}
	return instances.Lookup(keyOfInstance(instance))
}

// CreateInstance interposes vkCreateInstance: it peels its link off the
// loader chain, forces the API version up to 1.2 and forwards. A failed
// forward is retried once with the caller's original parameters.
func CreateInstance(ci *InstanceCreateInfo, allocator *vk.AllocationCallbacks, instance *vk.Instance) vk.Result {
	initOnce.Do(initLayer)

	if ci == nil || ci.Info == nil || ci.Link == nil {
		return vk.ErrorInitializationFailed
	}
	link := ci.Link
	nextGIPA := link.GetInstanceProcAddr
	if nextGIPA == nil {
		return vk.ErrorInitializationFailed
	}
	ci.Link = link.Next

	nextCreate, ok := nextGIPA(nil, "vkCreateInstance").(PFNCreateInstance)
	if !ok || nextCreate == nil {
		return vk.ErrorInitializationFailed
	}

	origInfo := *ci.Info
	origApp := ci.Info.PApplicationInfo

	if origApp == nil {
		ci.Info.PApplicationInfo = &vk.ApplicationInfo{
			SType:      vk.StructureTypeApplicationInfo,
			ApiVersion: minApiVersion,
		}
	} else if origApp.ApiVersion < minApiVersion {
		app := *origApp
		app.ApiVersion = minApiVersion
		ci.Info.PApplicationInfo = &app
	}

	ret := nextCreate(ci, allocator, instance)
	if ret != vk.Success {
		*ci.Info = origInfo
		ci.Info.PApplicationInfo = origApp
		ret = nextCreate(ci, allocator, instance)
	}
	if ret != vk.Success {
		return ret
	}

	inst := &Instance{
		handle:   *instance,
		nextGIPA: nextGIPA,
	}
	inst.disp, inst.valid = buildInstanceDispatch(*instance, nextGIPA)
	if !inst.valid {
		warnLog.Printf("missing instance entry points, instance %p is pass-through", unsafe.Pointer(*instance))
	}
	instances.Add(keyOfInstance(*instance), inst)
	return vk.Success
}

// DestroyInstance drops the layer's instance state and forwards.
func DestroyInstance(instance vk.Instance, allocator *vk.AllocationCallbacks) {
	inst, ok := lookupInstance(instance)
	if !ok {
		return
	}
	instances.Remove(keyOfInstance(instance))
	if inst.disp.DestroyInstance != nil {
		inst.disp.DestroyInstance(instance, allocator)
		return
	}
	if next, ok := inst.nextGIPA(instance, "vkDestroyInstance").(PFNDestroyInstance); ok && next != nil {
		next(instance, allocator)
	}
}
