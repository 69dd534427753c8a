package broker

import (
	"fmt"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"
	"golang.org/x/sys/unix"

	"github.com/Postnozet/obs-vkcapture/drm"
	"github.com/Postnozet/obs-vkcapture/wire"
)

// Texture is an imported GPU resource owned by the source adapter.
type Texture interface {
	Release()
}

// TextureImporter turns a producer's buffer description plus its
// DMA-BUF fds into a GPU texture. The importer must not take ownership
// of the fds it is handed; they stay with the client record.
type TextureImporter interface {
	Import(info wire.TextureInfo, fds []int) (Texture, error)
}

// VulkanImporter imports DMA-BUFs through VK_KHR_external_memory_fd.
// It covers what the Vulkan capture layer produces: a single-plane
// linear buffer whose modifier is ModInvalid or ModLinear. Anything
// fancier is refused; the adapter has already released the previous
// texture, so it shows none until the next buffer imports. The image is
// created with the driver's own linear layout: the producer's strides,
// offsets and modifier are not passed to the driver.
type VulkanImporter struct {
	device   vk.Device
	memProps vk.PhysicalDeviceMemoryProperties
}

func NewVulkanImporter(device vk.Device, gpu vk.PhysicalDevice) *VulkanImporter {
	imp := &VulkanImporter{device: device}
	vk.GetPhysicalDeviceMemoryProperties(gpu, &imp.memProps)
	imp.memProps.Deref()
	return imp
}

// VulkanTexture is the imported image with its sampling plumbing.
type VulkanTexture struct {
	device  vk.Device
	Image   vk.Image
	Memory  vk.DeviceMemory
	View    vk.ImageView
	Sampler vk.Sampler
	Width   uint32
	Height  uint32
}

func (t *VulkanTexture) Release() {
	if t.Sampler != vk.NullSampler {
		vk.DestroySampler(t.device, t.Sampler, nil)
		t.Sampler = vk.NullSampler
	}
	if t.View != vk.NullImageView {
		vk.DestroyImageView(t.device, t.View, nil)
		t.View = vk.NullImageView
	}
	if t.Image != vk.NullImage {
		vk.DestroyImage(t.device, t.Image, nil)
		t.Image = vk.NullImage
	}
	if t.Memory != vk.NullDeviceMemory {
		vk.FreeMemory(t.device, t.Memory, nil)
		t.Memory = vk.NullDeviceMemory
	}
}

func (imp *VulkanImporter) Import(info wire.TextureInfo, fds []int) (Texture, error) {
	if info.NFD != 1 || len(fds) != 1 {
		return nil, fmt.Errorf("import: %d planes unsupported", info.NFD)
	}
	if info.Modifier != drm.ModInvalid && info.Modifier != drm.ModLinear {
		return nil, fmt.Errorf("import: modifier %#x unsupported", info.Modifier)
	}
	format := vk.FormatB8g8r8a8Unorm
	if info.Format != 0 {
		var ok bool
		if format, ok = drm.ToVkFormat(info.Format); !ok {
			return nil, fmt.Errorf("import: fourcc %#x unsupported", info.Format)
		}
	}

	tex := &VulkanTexture{device: imp.device, Width: info.Width, Height: info.Height}
	extMem := vk.ExternalMemoryImageCreateInfo{
		SType:       vk.StructureTypeExternalMemoryImageCreateInfo,
		HandleTypes: vk.ExternalMemoryHandleTypeFlags(vk.ExternalMemoryHandleTypeDmaBufBit),
	}
	ret := vk.CreateImage(imp.device, &vk.ImageCreateInfo{
		SType:         vk.StructureTypeImageCreateInfo,
		PNext:         unsafe.Pointer(extMem.Ref()),
		ImageType:     vk.ImageType2d,
		Format:        format,
		Extent:        vk.Extent3D{Width: info.Width, Height: info.Height, Depth: 1},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingLinear,
		Usage:         vk.ImageUsageFlags(vk.ImageUsageSampledBit),
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}, nil, &tex.Image)
	if ret != vk.Success {
		return nil, fmt.Errorf("import: create image: result %d", ret)
	}

	var memReqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(imp.device, tex.Image, &memReqs)
	memReqs.Deref()
	memType, found := lowestMemoryType(imp.memProps, memReqs.MemoryTypeBits)
	if !found {
		tex.Release()
		return nil, fmt.Errorf("import: no memory type in mask %#x", memReqs.MemoryTypeBits)
	}

	// The driver consumes the fd on a successful import, so a dup keeps
	// the broker's copy alive for its own close discipline.
	dupFd, err := unix.Dup(fds[0])
	if err != nil {
		tex.Release()
		return nil, fmt.Errorf("import: dup: %w", err)
	}
	dedicated := vk.MemoryDedicatedAllocateInfo{
		SType: vk.StructureTypeMemoryDedicatedAllocateInfo,
		Image: tex.Image,
	}
	importInfo := vk.ImportMemoryFdInfo{
		SType:      vk.StructureTypeImportMemoryFdInfo,
		PNext:      unsafe.Pointer(dedicated.Ref()),
		HandleType: vk.ExternalMemoryHandleTypeDmaBufBit,
		Fd:         int32(dupFd),
	}
	ret = vk.AllocateMemory(imp.device, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		PNext:           unsafe.Pointer(importInfo.Ref()),
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: memType,
	}, nil, &tex.Memory)
	if ret != vk.Success {
		unix.Close(dupFd)
		tex.Release()
		return nil, fmt.Errorf("import: allocate: result %d", ret)
	}
	if ret = vk.BindImageMemory(imp.device, tex.Image, tex.Memory, 0); ret != vk.Success {
		tex.Release()
		return nil, fmt.Errorf("import: bind: result %d", ret)
	}

	ret = vk.CreateImageView(imp.device, &vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    tex.Image,
		ViewType: vk.ImageViewType2d,
		Format:   format,
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
			LevelCount: 1,
			LayerCount: 1,
		},
	}, nil, &tex.View)
	if ret != vk.Success {
		tex.Release()
		return nil, fmt.Errorf("import: image view: result %d", ret)
	}
	ret = vk.CreateSampler(imp.device, &vk.SamplerCreateInfo{
		SType:        vk.StructureTypeSamplerCreateInfo,
		MagFilter:    vk.FilterLinear,
		MinFilter:    vk.FilterLinear,
		AddressModeU: vk.SamplerAddressModeClampToEdge,
		AddressModeV: vk.SamplerAddressModeClampToEdge,
		AddressModeW: vk.SamplerAddressModeClampToEdge,
	}, nil, &tex.Sampler)
	if ret != vk.Success {
		tex.Release()
		return nil, fmt.Errorf("import: sampler: result %d", ret)
	}
	return tex, nil
}

// lowestMemoryType picks the lowest-indexed type the mask allows;
// imported memory carries no property requirement of its own.
func lowestMemoryType(props vk.PhysicalDeviceMemoryProperties, typeBits uint32) (uint32, bool) {
	for i := uint32(0); i < props.MemoryTypeCount; i++ {
		if typeBits&(1<<i) != 0 {
			return i, true
		}
	}
	return 0, false
}
