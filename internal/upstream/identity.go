package upstream

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"runtime"

	"github.com/google/uuid"
)

// Versions reported in the client user agents.
const (
	sdkVersion  = "1.0.27"
	nodeVersion = "22.21.1"
)

// clientIdentity holds the user agent strings the upstream expects from a
// Kiro IDE client.
type clientIdentity struct {
	fingerprint  string
	userAgent    string
	amzUserAgent string
}

func newClientIdentity(kiroVersion string) clientIdentity {
	fp := machineFingerprint()
	kiro := fmt.Sprintf("KiroIDE-%s-%s", kiroVersion, fp)
	return clientIdentity{
		fingerprint: fp,
		userAgent: fmt.Sprintf("aws-sdk-js/%s ua/2.1 os/%s lang/js md/nodejs#%s api/codewhispererstreaming#%s m/E %s",
			sdkVersion, runtime.GOOS, nodeVersion, sdkVersion, kiro),
		amzUserAgent: fmt.Sprintf("aws-sdk-js/%s %s", sdkVersion, kiro),
	}
}

// machineFingerprint is the SHA-256 of the first hardware address, falling
// back to the hostname.
func machineFingerprint() string {
	seed := ""
	if ifaces, err := net.Interfaces(); err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback == 0 && len(iface.HardwareAddr) > 0 {
				seed = iface.HardwareAddr.String()
				break
			}
		}
	}
	if seed == "" {
		seed, _ = os.Hostname()
	}
	if seed == "" {
		seed = "kiro-gateway"
	}
	sum := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(sum[:])
}

func newInvocationID() string { return uuid.NewString() }
