//go:build windows

package windowsapi

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// SnapshotProcesses iterates through all running processes using the
// CreateToolhelp32Snapshot API and returns pid -> executable base name.
func SnapshotProcesses() (map[uint32]string, error) {
	snapshot, err := windows.CreateToolhelp32Snapshot(windows.TH32CS_SNAPPROCESS, 0)
	if err != nil {
		return nil, err
	}
	defer windows.CloseHandle(snapshot)

	var pe32 windows.ProcessEntry32
	pe32.Size = uint32(unsafe.Sizeof(pe32))
	if err := windows.Process32First(snapshot, &pe32); err != nil {
		return nil, err
	}

	processes := make(map[uint32]string)
	for {
		processes[pe32.ProcessID] = windows.UTF16ToString(pe32.ExeFile[:])

		if err := windows.Process32Next(snapshot, &pe32); err != nil {
			if err == windows.ERROR_NO_MORE_FILES {
				break
			}
			return nil, err
		}
	}
	return processes, nil
}
