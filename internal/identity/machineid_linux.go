//go:build linux

package identity

import (
	"os"
	"strings"
)

// machineID reads /etc/machine-id, falling back to the D-Bus copy used by
// some minimal distributions. Both files hold a single lowercase hex string.
func machineID() (string, error) {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		b, err := os.ReadFile(path)
		if err == nil {
			return strings.TrimSpace(string(b)), nil
		}
	}
	return "", os.ErrNotExist
}
