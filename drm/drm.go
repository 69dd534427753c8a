// Package drm carries the DRM pixel-format vocabulary the capture
// protocol speaks: FourCC codes, format modifiers and the mapping from
// Vulkan swapchain formats.
package drm

import (
	vk "github.com/vulkan-go/vulkan"
)

// Format modifiers.
const (
	// ModLinear is plain row-major layout.
	ModLinear uint64 = 0
	// ModInvalid means "no modifier": the importer must not pass a
	// modifier list to the driver.
	ModInvalid uint64 = 0x00ffffffffffffff
)

func fourcc(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// FourCC codes for the swapchain formats a capture layer can meet.
var (
	FormatXRGB8888    = fourcc('X', 'R', '2', '4')
	FormatARGB8888    = fourcc('A', 'R', '2', '4')
	FormatXBGR8888    = fourcc('X', 'B', '2', '4')
	FormatABGR8888    = fourcc('A', 'B', '2', '4')
	FormatXRGB2101010 = fourcc('X', 'R', '3', '0')
	FormatARGB2101010 = fourcc('A', 'R', '3', '0')
	FormatXBGR2101010 = fourcc('X', 'B', '3', '0')
	FormatABGR2101010 = fourcc('A', 'B', '3', '0')
	FormatABGR16F     = fourcc('A', 'B', '4', 'H')
)

// FromVkFormat maps a Vulkan color format to its DRM FourCC. The second
// return is false when the format has no mapping; the layer then sends
// format zero and lets the importer infer one.
func FromVkFormat(format vk.Format) (uint32, bool) {
	switch format {
	case vk.FormatB8g8r8a8Unorm, vk.FormatB8g8r8a8Srgb:
		return FormatXRGB8888, true
	case vk.FormatR8g8b8a8Unorm, vk.FormatR8g8b8a8Srgb:
		return FormatXBGR8888, true
	case vk.FormatA2r10g10b10UnormPack32:
		return FormatXBGR2101010, true
	case vk.FormatA2b10g10r10UnormPack32:
		return FormatXRGB2101010, true
	case vk.FormatR16g16b16a16Sfloat:
		return FormatABGR16F, true
	}
	return 0, false
}

// ToVkFormat maps a DRM FourCC back to the Vulkan format the importer
// creates its image with. Alpha-less and alpha variants of one layout
// import the same.
func ToVkFormat(fcc uint32) (vk.Format, bool) {
	switch fcc {
	case FormatXRGB8888, FormatARGB8888:
		return vk.FormatB8g8r8a8Unorm, true
	case FormatXBGR8888, FormatABGR8888:
		return vk.FormatR8g8b8a8Unorm, true
	case FormatXBGR2101010, FormatABGR2101010:
		return vk.FormatA2r10g10b10UnormPack32, true
	case FormatXRGB2101010, FormatARGB2101010:
		return vk.FormatA2b10g10r10UnormPack32, true
	case FormatABGR16F:
		return vk.FormatR16g16b16a16Sfloat, true
	}
	return vk.FormatUndefined, false
}

// BytesPerPixel returns the pixel stride of a mapped FourCC. Every format
// the layer exports is a packed single-plane format.
func BytesPerPixel(fcc uint32) int {
	if fcc == FormatABGR16F {
		return 8
	}
	return 4
}
