package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jiangwu1911/memtest/internal/tui"
)

// run executes the root command with a quiet config file
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	data := "logging:\n  console: false\ndevice:\n  device_limit_mb: 64\n"
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	// Flags are global; reset what earlier runs set
	rootCmd.PersistentFlags().Set("device", "")
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
	})

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(append([]string{"--config", path}, args...))
	err := rootCmd.Execute()
	return tui.StripANSI(buf.String()), err
}

func TestVersionCommand(t *testing.T) {
	out, err := run(t, "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "memtest v"+version) {
		t.Errorf("Unexpected output: %s", out)
	}
}

func TestDeviceCommand(t *testing.T) {
	tests := []struct {
		device string
		want   []string
	}{
		{"cpu", []string{"CPU mode", "Memory budgets", "host"}},
		{"emulated", []string{"Emulated GPU", "device", "64.0 MiB"}},
	}

	for _, tt := range tests {
		t.Run(tt.device, func(t *testing.T) {
			out, err := run(t, "device", "--device", tt.device)
			if err != nil {
				t.Fatalf("device failed: %v", err)
			}
			for _, want := range tt.want {
				if !strings.Contains(out, want) {
					t.Errorf("Output missing %q:\n%s", want, out)
				}
			}
		})
	}
}

func TestDeviceCommandUnknown(t *testing.T) {
	if _, err := run(t, "device", "--device", "tpu"); err == nil {
		t.Error("Expected an error for an unknown device")
	}
}

func TestBenchCommand(t *testing.T) {
	out, err := run(t, "bench", "--device", "emulated", "--iterations", "3", "--elements", "4096")
	if err != nil {
		t.Fatalf("bench failed: %v", err)
	}
	for _, want := range []string{"iteration 3", "Pool hits", "8.0 KiB"} {
		if !strings.Contains(out, want) {
			t.Errorf("Output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigCommand(t *testing.T) {
	out, err := run(t, "config", "--device", "emulated")
	if err != nil {
		t.Fatalf("config failed: %v", err)
	}
	for _, want := range []string{"kind: emulated", "device_limit_mb: 64", "idle_timeout: 5s"} {
		if !strings.Contains(out, want) {
			t.Errorf("Output missing %q:\n%s", want, out)
		}
	}
}

func TestCompletionCommand(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr bool
	}{
		{"bash completion", []string{"completion", "bash"}, false},
		{"zsh completion", []string{"completion", "zsh"}, false},
		{"fish completion", []string{"completion", "fish"}, false},
		{"powershell completion", []string{"completion", "powershell"}, false},
		{"invalid shell", []string{"completion", "invalid"}, true},
		{"no shell specified", []string{"completion"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, tt.args...)
			if (err != nil) != tt.wantErr {
				t.Errorf("Execute() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !strings.Contains(out, "memtest") {
				t.Error("Expected completion script to mention memtest")
			}
		})
	}
}

func TestDeviceFlagCompletion(t *testing.T) {
	out, err := run(t, "__complete", "device", "--device", "")
	if err != nil {
		t.Fatalf("__complete failed: %v", err)
	}
	for _, kind := range []string{"auto", "cpu", "emulated", "cuda"} {
		if !strings.Contains(out, kind) {
			t.Errorf("Expected completion %q in:\n%s", kind, out)
		}
	}
}
