package layer

import (
	"fmt"
	"runtime"

	vk "github.com/vulkan-go/vulkan"
)

func isError(ret vk.Result) bool {
	return ret != vk.Success
}

// NewError wraps a non-success vk.Result, annotated with the caller.
func NewError(ret vk.Result) error {
	if ret == vk.Success {
		return nil
	}
	if _, file, line, ok := runtime.Caller(1); ok {
		return fmt.Errorf("vulkan error: %d at %s:%d", ret, file, line)
	}
	return fmt.Errorf("vulkan error: %d", ret)
}
