//go:build !linux

package monitor

import "errors"

func platformProbe() UsageProbe {
	return unavailableProbe{err: errors.New("procfs is only available on linux")}
}
