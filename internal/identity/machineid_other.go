//go:build !linux && !darwin && !windows

package identity

import "fmt"

// machineID has no known source on this platform. ComputeHWID then uses an
// empty machine id, so the hw_seed and the install path alone make up the
// hw_id, which is still stable (if less unique).
func machineID() (string, error) {
	return "", fmt.Errorf("identity: machine id lookup not supported on this platform")
}
