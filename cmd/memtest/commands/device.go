package commands

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jiangwu1911/memtest/internal/gpu"
	"github.com/jiangwu1911/memtest/internal/system"
)

var deviceInfoCmd = &cobra.Command{
	Use:   "device",
	Short: "Show device information",
	Long: `Display the compute device selected by the configuration, its memory
budgets per location and basic system information.`,
	RunE: runDeviceInfo,
}

func init() {
	rootCmd.AddCommand(deviceInfoCmd)
}

func runDeviceInfo(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, headerStyle.Render("memtest device information"))

	dev, err := openDevice(cfg)
	if err != nil {
		fmt.Fprintln(out, errStyle.Render("Device error: ")+err.Error())
		fmt.Fprintln(out)
		fmt.Fprintln(out, "Available devices:")
		fmt.Fprintln(out, "  auto      CUDA when compiled in and present, otherwise CPU")
		fmt.Fprintln(out, "  cpu       host memory only, synchronous streams")
		fmt.Fprintln(out, "  emulated  software accelerator with asynchronous streams")
		fmt.Fprintln(out, "  cuda      NVIDIA GPU (build with -tags cuda)")
		return err
	}
	defer dev.Free()

	fmt.Fprint(out, deviceReport(dev))
	return nil
}

func deviceReport(dev gpu.Device) string {
	var sb strings.Builder

	sb.WriteString(okStyle.Render("Device: " + deviceLabel(dev)))
	sb.WriteString("\n")
	sb.WriteString(field("Type", dev.Type()))
	sb.WriteString(field("Accelerated", gpu.Accelerated(dev)))
	sb.WriteString("\n")

	sb.WriteString("Memory budgets:\n")
	locs := []gpu.Location{gpu.LocationHost}
	if gpu.Accelerated(dev) {
		locs = append(locs, gpu.LocationDevice, gpu.LocationBoth)
	}
	for _, loc := range locs {
		used, limit := dev.MemoryUsage(loc)
		budget := "unlimited"
		if limit > 0 {
			budget = system.FormatBytes(limit)
		}
		sb.WriteString(field("  "+loc.String(), fmt.Sprintf("%s used / %s", system.FormatBytes(used), budget)))
	}
	sb.WriteString("\n")

	sb.WriteString("System information:\n")
	sb.WriteString(field("  Platform", system.Platform()))
	sb.WriteString(field("  CPUs", runtime.NumCPU()))
	if info, err := system.GetRAMInfo(); err == nil {
		sb.WriteString(field("  RAM", fmt.Sprintf("%s total, %s available",
			system.FormatBytes(info.TotalBytes), system.FormatBytes(info.AvailableBytes))))
	}
	return sb.String()
}
