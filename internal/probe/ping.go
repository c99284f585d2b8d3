// Package probe implements the measurement adapters: thin
// wrappers shelling out to ping/iperf and reading host conditions. Ping and
// IperfClient are plain functions; host conditions sit behind the narrow
// DeviceConditionsProbe interface so tests can substitute a fake instead of
// shelling out.
package probe

import (
	"context"
	"os/exec"
	"regexp"
	"strconv"
)

var (
	pingLossRe    = regexp.MustCompile(`(\d+)% packet loss`)
	pingLatencyRe = regexp.MustCompile(`min/avg/max/mdev = [\d.]+/([\d.]+)/`)
)

// PingResult is the outcome of one ping invocation. Err is set (and the
// numeric fields left at zero) when the probe itself failed; a non-zero
// ping exit code is reported this way, never as a panic.
type PingResult struct {
	PacketLoss float32 // percent, 0-100
	LatencyMs  float32
	Err        error
}

// Ping shells out to the system ping(1) against dst, sending count probes
// spaced interval seconds apart, and parses packet loss and average RTT from
// stdout.
func Ping(ctx context.Context, dst string, count int, interval int) PingResult {
	out, err := exec.CommandContext(ctx, "ping",
		"-c", strconv.Itoa(count),
		"-i", strconv.Itoa(interval),
		dst,
	).Output()
	if err != nil {
		return PingResult{Err: err}
	}

	var r PingResult
	if m := pingLossRe.FindSubmatch(out); m != nil {
		if v, err := strconv.ParseFloat(string(m[1]), 32); err == nil {
			r.PacketLoss = float32(v)
		}
	}
	if m := pingLatencyRe.FindSubmatch(out); m != nil {
		if v, err := strconv.ParseFloat(string(m[1]), 32); err == nil {
			r.LatencyMs = float32(v)
		}
	}
	return r
}
