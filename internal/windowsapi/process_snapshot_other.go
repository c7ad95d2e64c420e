//go:build !windows

package windowsapi

// SnapshotProcesses is not available off Windows.
func SnapshotProcesses() (map[uint32]string, error) {
	return nil, ErrUnsupported
}
