package scheduler

// Default VRAM requirements (MB) by workflow type, applied when a submission
// does not state its own requirement.
var vramRequirementsMB = map[string]int64{
	// Image generation
	"flux_t2i":   14336,
	"flux_i2i":   14336,
	"sdxl_t2i":   8192,
	"sdxl_i2i":   8192,
	"sd15_t2i":   4096,
	"sd15_i2i":   4096,
	"controlnet": 16384,
	"inpainting": 10240,

	// Image editing
	"qwen_image_edit":   10240,
	"instruct_pix2pix":  8192,

	// Video generation
	"wan_animate":   20480,
	"wan_2_2":       20480,
	"ltx_2":         36864,
	"svi":           20480,
	"cogvideox":     24576,
	"hunyuan_video": 24576,

	// Post-processing
	"rife_interpolation": 4096,
	"real_esrgan":        4096,
	"upscale":            6144,
}

// DefaultVRAMRequirementMB is used for workflow types not in the table
const DefaultVRAMRequirementMB int64 = 8192

// VRAMRequirementMB returns the default VRAM requirement for a workflow type
func VRAMRequirementMB(workflowType string) int64 {
	if mb, ok := vramRequirementsMB[workflowType]; ok {
		return mb
	}
	return DefaultVRAMRequirementMB
}
