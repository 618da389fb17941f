package device

import (
	"os"
	"path/filepath"
	"runtime"
)

// DetectedDevice is a candidate mountpoint found during a probe.
type DetectedDevice struct {
	Mountpoint string `json:"mountpoint"`
	Name       string `json:"name"`
}

// mountGlobs lists where removable media shows up per platform.
func mountGlobs() []string {
	switch runtime.GOOS {
	case "darwin":
		return []string{"/Volumes/*"}
	default:
		return []string{"/media/*/*", "/mnt/*", "/run/media/*/*"}
	}
}

// markerDirs identify a mountpoint as a player. iPod_Control covers real
// hardware; Control covers directory catalogs.
var markerDirs = []string{"iPod_Control", controlDirName}

// DetectDevices probes the platform's removable-media mountpoints for
// directories that look like a player. Unreadable mountpoints are skipped.
func DetectDevices() []DetectedDevice {
	var found []DetectedDevice
	seen := make(map[string]struct{})

	for _, pattern := range mountGlobs() {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			continue
		}
		for _, mount := range matches {
			if _, dup := seen[mount]; dup {
				continue
			}
			st, err := os.Stat(mount)
			if err != nil || !st.IsDir() {
				continue
			}
			for _, marker := range markerDirs {
				if info, err := os.Stat(filepath.Join(mount, marker)); err == nil && info.IsDir() {
					seen[mount] = struct{}{}
					found = append(found, DetectedDevice{
						Mountpoint: mount,
						Name:       filepath.Base(mount),
					})
					break
				}
			}
		}
	}
	return found
}
