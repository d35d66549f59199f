package subaru

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"golang.org/x/sys/unix"
)

// EnvironmentInfo is a snapshot of the host taken at build start. Guidance
// uses it to flag resource constraints that historically correlate with
// build failures.
type EnvironmentInfo struct {
	Hostname      string    `json:"hostname"`
	TotalMemoryGB float64   `json:"total_memory_gb"`
	FreeDiskGB    float64   `json:"free_disk_gb"`
	CPUCores      int       `json:"cpu_cores"`
	CapturedAt    time.Time `json:"captured_at"`
}

// RiskFactor is one environment constraint with its suggested remediation.
type RiskFactor struct {
	Factor     string
	Value      string
	RiskLevel  string
	Impact     string
	Suggestion string
}

// CaptureEnvironment snapshots total RAM, free disk at path and CPU count.
// An empty path means the filesystem root.
func CaptureEnvironment(path string) (*EnvironmentInfo, error) {
	if path == "" {
		path = "/"
	}

	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return nil, fmt.Errorf("sysinfo failed: %w", err)
	}

	var fs unix.Statfs_t
	if err := unix.Statfs(path, &fs); err != nil {
		return nil, fmt.Errorf("statfs %s failed: %w", path, err)
	}

	hostname, _ := os.Hostname()

	const gib = 1024 * 1024 * 1024
	return &EnvironmentInfo{
		Hostname:      hostname,
		TotalMemoryGB: float64(uint64(si.Totalram)*uint64(si.Unit)) / gib,
		FreeDiskGB:    float64(fs.Bavail*uint64(fs.Bsize)) / gib,
		CPUCores:      runtime.NumCPU(),
		CapturedAt:    time.Now(),
	}, nil
}

// RiskFactors derives resource-constraint risks from the snapshot.
func (e *EnvironmentInfo) RiskFactors() []RiskFactor {
	var risks []RiskFactor

	if e.TotalMemoryGB > 0 && e.TotalMemoryGB < 4 {
		risks = append(risks, RiskFactor{
			Factor:     "Low Memory",
			Value:      fmt.Sprintf("%.1f GB", e.TotalMemoryGB),
			RiskLevel:  "high",
			Impact:     "May cause compilation failures or swapping",
			Suggestion: "Consider adding swap space or upgrading memory",
		})
	}

	if e.FreeDiskGB > 0 && e.FreeDiskGB < 20 {
		risks = append(risks, RiskFactor{
			Factor:     "Low Disk Space",
			Value:      fmt.Sprintf("%.1f GB", e.FreeDiskGB),
			RiskLevel:  "critical",
			Impact:     "Build will likely fail due to insufficient space",
			Suggestion: "Free up disk space or use external storage",
		})
	}

	if e.CPUCores > 0 && e.CPUCores < 2 {
		risks = append(risks, RiskFactor{
			Factor:     "Single Core CPU",
			Value:      fmt.Sprintf("%d core", e.CPUCores),
			RiskLevel:  "medium",
			Impact:     "Build will be slower; parallel jobs can overload the host",
			Suggestion: "Use -j1 for make commands to avoid overload",
		})
	}

	return risks
}
