package broker

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"
	lin "github.com/xlab/linmath"
)

// Renderer draws the imported texture as a fullscreen triangle into the
// host's color attachment. Flip is a model matrix pushed per draw, so
// one pipeline serves both orientations.
type Renderer struct {
	device     vk.Device
	renderPass vk.RenderPass
	descLayout vk.DescriptorSetLayout
	descPool   vk.DescriptorPool
	descSet    vk.DescriptorSet
	layout     vk.PipelineLayout
	pipeline   vk.Pipeline
	vertModule vk.ShaderModule
	fragModule vk.ShaderModule
}

const matrixPushSize = 16 * 4

// NewRenderer builds the one render pass and pipeline the source needs.
// The SPIR-V blobs are supplied by the host; the broker has no shader
// files of its own.
func NewRenderer(device vk.Device, colorFormat vk.Format, vertSpv, fragSpv []byte) (*Renderer, error) {
	r := &Renderer{device: device}

	attachments := []vk.AttachmentDescription{{
		Format:         colorFormat,
		Samples:        vk.SampleCount1Bit,
		LoadOp:         vk.AttachmentLoadOpClear,
		StoreOp:        vk.AttachmentStoreOpStore,
		StencilLoadOp:  vk.AttachmentLoadOpDontCare,
		StencilStoreOp: vk.AttachmentStoreOpDontCare,
		InitialLayout:  vk.ImageLayoutUndefined,
		FinalLayout:    vk.ImageLayoutPresentSrc,
	}}
	colorRefs := []vk.AttachmentReference{{
		Attachment: 0,
		Layout:     vk.ImageLayoutColorAttachmentOptimal,
	}}
	subpasses := []vk.SubpassDescription{{
		PipelineBindPoint:    vk.PipelineBindPointGraphics,
		ColorAttachmentCount: 1,
		PColorAttachments:    colorRefs,
	}}
	ret := vk.CreateRenderPass(device, &vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachments)),
		PAttachments:    attachments,
		SubpassCount:    1,
		PSubpasses:      subpasses,
	}, nil, &r.renderPass)
	if ret != vk.Success {
		return nil, fmt.Errorf("render pass: result %d", ret)
	}

	bindings := []vk.DescriptorSetLayoutBinding{{
		Binding:         0,
		DescriptorType:  vk.DescriptorTypeCombinedImageSampler,
		DescriptorCount: 1,
		StageFlags:      vk.ShaderStageFlags(vk.ShaderStageFragmentBit),
	}}
	ret = vk.CreateDescriptorSetLayout(device, &vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: 1,
		PBindings:    bindings,
	}, nil, &r.descLayout)
	if ret != vk.Success {
		r.Destroy()
		return nil, fmt.Errorf("descriptor layout: result %d", ret)
	}

	poolSizes := []vk.DescriptorPoolSize{{
		Type:            vk.DescriptorTypeCombinedImageSampler,
		DescriptorCount: 1,
	}}
	ret = vk.CreateDescriptorPool(device, &vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       1,
		PoolSizeCount: 1,
		PPoolSizes:    poolSizes,
	}, nil, &r.descPool)
	if ret != vk.Success {
		r.Destroy()
		return nil, fmt.Errorf("descriptor pool: result %d", ret)
	}
	sets := make([]vk.DescriptorSet, 1)
	ret = vk.AllocateDescriptorSets(device, &vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     r.descPool,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{r.descLayout},
	}, &sets[0])
	if ret != vk.Success {
		r.Destroy()
		return nil, fmt.Errorf("descriptor set: result %d", ret)
	}
	r.descSet = sets[0]

	pushRanges := []vk.PushConstantRange{{
		StageFlags: vk.ShaderStageFlags(vk.ShaderStageVertexBit),
		Size:       matrixPushSize,
	}}
	ret = vk.CreatePipelineLayout(device, &vk.PipelineLayoutCreateInfo{
		SType:                  vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount:         1,
		PSetLayouts:            []vk.DescriptorSetLayout{r.descLayout},
		PushConstantRangeCount: 1,
		PPushConstantRanges:    pushRanges,
	}, nil, &r.layout)
	if ret != vk.Success {
		r.Destroy()
		return nil, fmt.Errorf("pipeline layout: result %d", ret)
	}

	var err error
	if r.vertModule, err = loadShaderModule(device, vertSpv); err != nil {
		r.Destroy()
		return nil, err
	}
	if r.fragModule, err = loadShaderModule(device, fragSpv); err != nil {
		r.Destroy()
		return nil, err
	}

	stages := []vk.PipelineShaderStageCreateInfo{
		{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  vk.ShaderStageFlagBits(vk.ShaderStageVertexBit),
			Module: r.vertModule,
			PName:  "main\x00",
		},
		{
			SType:  vk.StructureTypePipelineShaderStageCreateInfo,
			Stage:  vk.ShaderStageFlagBits(vk.ShaderStageFragmentBit),
			Module: r.fragModule,
			PName:  "main\x00",
		},
	}
	vertexInput := vk.PipelineVertexInputStateCreateInfo{
		SType: vk.StructureTypePipelineVertexInputStateCreateInfo,
	}
	assembly := vk.PipelineInputAssemblyStateCreateInfo{
		SType:    vk.StructureTypePipelineInputAssemblyStateCreateInfo,
		Topology: vk.PrimitiveTopologyTriangleList,
	}
	viewportState := vk.PipelineViewportStateCreateInfo{
		SType:         vk.StructureTypePipelineViewportStateCreateInfo,
		ViewportCount: 1,
		ScissorCount:  1,
	}
	rasterizer := vk.PipelineRasterizationStateCreateInfo{
		SType:       vk.StructureTypePipelineRasterizationStateCreateInfo,
		PolygonMode: vk.PolygonModeFill,
		CullMode:    vk.CullModeFlags(vk.CullModeNone),
		FrontFace:   vk.FrontFaceClockwise,
		LineWidth:   1.0,
	}
	multisample := vk.PipelineMultisampleStateCreateInfo{
		SType:                vk.StructureTypePipelineMultisampleStateCreateInfo,
		RasterizationSamples: vk.SampleCount1Bit,
		MinSampleShading:     1.0,
	}
	blendAttachments := []vk.PipelineColorBlendAttachmentState{{
		ColorWriteMask: vk.ColorComponentFlags(vk.ColorComponentRBit) |
			vk.ColorComponentFlags(vk.ColorComponentGBit) |
			vk.ColorComponentFlags(vk.ColorComponentBBit) |
			vk.ColorComponentFlags(vk.ColorComponentABit),
	}}
	blendState := vk.PipelineColorBlendStateCreateInfo{
		SType:           vk.StructureTypePipelineColorBlendStateCreateInfo,
		LogicOp:         vk.LogicOpCopy,
		AttachmentCount: 1,
		PAttachments:    blendAttachments,
	}
	dynamicStates := []vk.DynamicState{vk.DynamicStateViewport, vk.DynamicStateScissor}
	dynamic := vk.PipelineDynamicStateCreateInfo{
		SType:             vk.StructureTypePipelineDynamicStateCreateInfo,
		DynamicStateCount: uint32(len(dynamicStates)),
		PDynamicStates:    dynamicStates,
	}

	pipelines := make([]vk.Pipeline, 1)
	ret = vk.CreateGraphicsPipelines(device, nil, 1, []vk.GraphicsPipelineCreateInfo{{
		SType:               vk.StructureTypeGraphicsPipelineCreateInfo,
		StageCount:          2,
		PStages:             stages,
		PVertexInputState:   &vertexInput,
		PInputAssemblyState: &assembly,
		PViewportState:      &viewportState,
		PRasterizationState: &rasterizer,
		PMultisampleState:   &multisample,
		PColorBlendState:    &blendState,
		PDynamicState:       &dynamic,
		Layout:              r.layout,
		RenderPass:          r.renderPass,
	}}, nil, pipelines)
	if ret != vk.Success {
		r.Destroy()
		return nil, fmt.Errorf("graphics pipeline: result %d", ret)
	}
	r.pipeline = pipelines[0]
	return r, nil
}

// RenderPass exposes the pass for the host's framebuffer creation.
func (r *Renderer) RenderPass() vk.RenderPass {
	return r.renderPass
}

// Draw records one fullscreen draw of tex into framebuffer.
func (r *Renderer) Draw(cmd vk.CommandBuffer, framebuffer vk.Framebuffer, extent vk.Extent2D, tex *VulkanTexture, flip bool) {
	imageInfos := []vk.DescriptorImageInfo{{
		Sampler:     tex.Sampler,
		ImageView:   tex.View,
		ImageLayout: vk.ImageLayoutShaderReadOnlyOptimal,
	}}
	writes := []vk.WriteDescriptorSet{{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          r.descSet,
		DstBinding:      0,
		DescriptorCount: 1,
		DescriptorType:  vk.DescriptorTypeCombinedImageSampler,
		PImageInfo:      imageInfos,
	}}
	vk.UpdateDescriptorSets(r.device, 1, writes, 0, nil)

	clearValues := []vk.ClearValue{vk.NewClearValue([]float32{0, 0, 0, 1})}
	vk.CmdBeginRenderPass(cmd, &vk.RenderPassBeginInfo{
		SType:           vk.StructureTypeRenderPassBeginInfo,
		RenderPass:      r.renderPass,
		Framebuffer:     framebuffer,
		RenderArea:      vk.Rect2D{Extent: extent},
		ClearValueCount: 1,
		PClearValues:    clearValues,
	}, vk.SubpassContentsInline)

	vk.CmdBindPipeline(cmd, vk.PipelineBindPointGraphics, r.pipeline)
	vk.CmdBindDescriptorSets(cmd, vk.PipelineBindPointGraphics, r.layout, 0, 1, []vk.DescriptorSet{r.descSet}, 0, nil)
	vk.CmdSetViewport(cmd, 0, 1, []vk.Viewport{{
		Width:    float32(extent.Width),
		Height:   float32(extent.Height),
		MaxDepth: 1.0,
	}})
	vk.CmdSetScissor(cmd, 0, 1, []vk.Rect2D{{Extent: extent}})

	var model lin.Mat4x4
	model.Identity()
	if flip {
		model.ScaleAniso(&model, 1.0, -1.0, 1.0)
	}
	vk.CmdPushConstants(cmd, r.layout, vk.ShaderStageFlags(vk.ShaderStageVertexBit),
		0, matrixPushSize, unsafe.Pointer(&model[0][0]))

	vk.CmdDraw(cmd, 3, 1, 0, 0)
	vk.CmdEndRenderPass(cmd)
}

func (r *Renderer) Destroy() {
	if r.pipeline != vk.NullPipeline {
		vk.DestroyPipeline(r.device, r.pipeline, nil)
		r.pipeline = vk.NullPipeline
	}
	if r.vertModule != vk.NullShaderModule {
		vk.DestroyShaderModule(r.device, r.vertModule, nil)
		r.vertModule = vk.NullShaderModule
	}
	if r.fragModule != vk.NullShaderModule {
		vk.DestroyShaderModule(r.device, r.fragModule, nil)
		r.fragModule = vk.NullShaderModule
	}
	if r.layout != vk.NullPipelineLayout {
		vk.DestroyPipelineLayout(r.device, r.layout, nil)
		r.layout = vk.NullPipelineLayout
	}
	if r.descPool != vk.NullDescriptorPool {
		vk.DestroyDescriptorPool(r.device, r.descPool, nil)
		r.descPool = vk.NullDescriptorPool
	}
	if r.descLayout != vk.NullDescriptorSetLayout {
		vk.DestroyDescriptorSetLayout(r.device, r.descLayout, nil)
		r.descLayout = vk.NullDescriptorSetLayout
	}
	if r.renderPass != vk.NullRenderPass {
		vk.DestroyRenderPass(r.device, r.renderPass, nil)
		r.renderPass = vk.NullRenderPass
	}
}

// loadShaderModule wraps a SPIR-V blob; Vulkan wants the words as uint32.
func loadShaderModule(device vk.Device, spv []byte) (vk.ShaderModule, error) {
	if len(spv) == 0 || len(spv)%4 != 0 {
		return vk.NullShaderModule, fmt.Errorf("shader blob length %d is not a SPIR-V word stream", len(spv))
	}
	words := make([]uint32, len(spv)/4)
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(spv[i*4:])
	}
	var module vk.ShaderModule
	ret := vk.CreateShaderModule(device, &vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(spv)),
		PCode:    words,
	}, nil, &module)
	if ret != vk.Success {
		return vk.NullShaderModule, fmt.Errorf("shader module: result %d", ret)
	}
	return module, nil
}
