package perfrun

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeSys(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestHostIssues(t *testing.T) {
	tests := []struct {
		name  string
		files map[string]string
		want  []string // substrings, one per issue
	}{
		{
			name: "tuned",
			files: map[string]string{
				"sys/devices/system/cpu/intel_pstate/no_turbo":         "1\n",
				"sys/devices/system/cpu/cpu0/cpufreq/scaling_governor": "performance\n",
			},
		},
		{
			name: "turbo on",
			files: map[string]string{
				"sys/devices/system/cpu/intel_pstate/no_turbo": "0\n",
			},
			want: []string{"cpu boost"},
		},
		{
			name: "boost and powersave",
			files: map[string]string{
				"sys/devices/system/cpu/cpufreq/boost":                 "1\n",
				"sys/devices/system/cpu/cpu0/cpufreq/scaling_governor": "performance\n",
				"sys/devices/system/cpu/cpu1/cpufreq/scaling_governor": "powersave\n",
			},
			want: []string{"cpu boost", `"powersave"`},
		},
		{
			name: "no sysfs",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeSys(t, root, tt.files)
			got := HostIssues(root)
			if len(got) != len(tt.want) {
				t.Fatalf("HostIssues = %q, want %d issues", got, len(tt.want))
			}
			for i, sub := range tt.want {
				if !strings.Contains(got[i], sub) {
					t.Errorf("issue %d = %q, want it to mention %s", i, got[i], sub)
				}
			}
		})
	}
}
