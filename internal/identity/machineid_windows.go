//go:build windows

package identity

import (
	"fmt"

	"golang.org/x/sys/windows/registry"
)

// machineID reads HKLM\SOFTWARE\Microsoft\Cryptography\MachineGuid, trying
// both the 64-bit and 32-bit registry views since the value can live in
// either depending on how the OS was installed.
// See https://www.medo64.com/2020/04/unique-machine-id/.
func machineID() (string, error) {
	const path = `SOFTWARE\Microsoft\Cryptography`
	const name = "MachineGuid"

	views := []uint32{registry.WOW64_64KEY, registry.WOW64_32KEY}
	var lastErr error
	for _, view := range views {
		k, err := registry.OpenKey(registry.LOCAL_MACHINE, path, registry.QUERY_VALUE|view)
		if err != nil {
			lastErr = err
			continue
		}
		val, _, err := k.GetStringValue(name)
		k.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return val, nil
	}
	return "", fmt.Errorf("identity: reading %s\\%s: %w", path, name, lastErr)
}
