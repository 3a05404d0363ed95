//go:build darwin

package identity

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"time"
)

var macUUIDPattern = regexp.MustCompile(`"IOPlatformUUID"\s*=\s*"([^"]+)"`)

// machineID shells out to ioreg and scrapes the IOPlatformUUID line.
func machineID() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "ioreg", "-rd1", "-c", "IOPlatformExpertDevice").Output()
	if err != nil {
		return "", fmt.Errorf("identity: ioreg failed: %w", err)
	}
	m := macUUIDPattern.FindSubmatch(out)
	if m == nil {
		return "", fmt.Errorf("identity: IOPlatformUUID not found in ioreg output")
	}
	return string(m[1]), nil
}
