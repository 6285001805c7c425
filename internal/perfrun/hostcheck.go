package perfrun

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/VKCOM/clippybench/internal/fileutil"
)

// HostIssues lists host settings that make benchmark timings noisy.
// sysRoot is normally "/".
func HostIssues(sysRoot string) []string {
	var issues []string

	cpuBoostVariants := []struct {
		path    string
		enabled string
	}{
		{"sys/devices/system/cpu/intel_pstate/no_turbo", "0"},
		{"sys/devices/system/cpu/cpufreq/boost", "1"},
	}

	for _, boost := range cpuBoostVariants {
		path := filepath.Join(sysRoot, boost.path)
		if !fileutil.FileExists(path) {
			continue
		}
		data, err := os.ReadFile(path)
		if err == nil && strings.TrimSpace(string(data)) == boost.enabled {
			issues = append(issues, fmt.Sprintf("cpu boost is not disabled (%s)", path))
			break
		}
	}

	governors, _ := filepath.Glob(filepath.Join(sysRoot, "sys/devices/system/cpu/cpu[0-9]*/cpufreq/scaling_governor"))
	for _, path := range governors {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if g := strings.TrimSpace(string(data)); g != "performance" {
			issues = append(issues, fmt.Sprintf("cpu frequency governor is %q, not \"performance\" (%s)", g, path))
			break
		}
	}

	return issues
}
