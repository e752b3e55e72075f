// Package hardware reports AES hardware-acceleration availability for
// diagnostics and metrics. Per the chunked engines' single-threaded
// sequential mandate, nothing in this package ever drives scheduling or
// worker-pool sizing — it is read-only information surfaced in logs
// and metrics.
//
// Adapted from a prior S3 gateway's hardware.go, which used the same
// golang.org/x/sys/cpu detection to decide whether to enable a parallel
// AES-NI code path; here the detection is kept but the decision it used
// to drive has been removed.
package hardware

import (
	"runtime"

	"golang.org/x/sys/cpu"

	"github.com/trustbridge/tbenc/internal/config"
)

// HasAESSupport reports whether the running CPU exposes AES instructions.
func HasAESSupport() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasAES
	case "arm64":
		return cpu.ARM64.HasAES
	case "s390x":
		return cpu.S390X.HasAES
	default:
		return false
	}
}

// Info is a diagnostic snapshot suitable for logging or a metrics label set.
type Info struct {
	AESSupport    bool   `json:"aes_hardware_support"`
	Architecture  string `json:"architecture"`
	OS            string `json:"goos"`
	GoVersion     string `json:"go_version"`
	AESNIAllowed  bool   `json:"aes_ni_allowed"`
	ARMv8Allowed  bool   `json:"armv8_aes_allowed"`
	ReportedTrust bool   `json:"reported_trust"`
}

// Detect builds an Info snapshot. cfg controls whether the operator has
// opted into trusting hardware acceleration at all (ReportedTrust); the
// Go crypto/cipher AES-GCM implementation decides for itself whether to
// use the CPU's AES-NI/ARMv8 path and cannot be steered by this package.
func Detect(cfg config.HardwareConfig) Info {
	info := Info{
		AESSupport:   HasAESSupport(),
		Architecture: runtime.GOARCH,
		OS:           runtime.GOOS,
		GoVersion:    runtime.Version(),
		AESNIAllowed: cfg.EnableAESNI,
		ARMv8Allowed: cfg.EnableARMv8AES,
	}

	switch runtime.GOARCH {
	case "amd64", "386":
		info.ReportedTrust = info.AESSupport && cfg.EnableAESNI
	case "arm64":
		info.ReportedTrust = info.AESSupport && cfg.EnableARMv8AES
	default:
		info.ReportedTrust = info.AESSupport
	}
	return info
}
