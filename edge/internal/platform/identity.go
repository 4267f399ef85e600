package platform

import (
	"bytes"
	"fmt"
	"net"

	"github.com/google/uuid"
)

// DeviceID derives a stable identifier from the first non-loopback interface
// with a hardware address: "dev-" plus the last three MAC octets. Without one
// it returns a random UUID-based id, which the caller must persist.
func DeviceID() string {
	ifaces, err := net.Interfaces()
	if err == nil {
		if id, ok := deviceIDFromInterfaces(ifaces); ok {
			return id
		}
	}
	return "dev-" + uuid.NewString()
}

func deviceIDFromInterfaces(ifaces []net.Interface) (string, bool) {
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		mac := ifc.HardwareAddr
		if len(mac) < 6 || bytes.Equal(mac, make(net.HardwareAddr, len(mac))) {
			continue
		}
		n := len(mac)
		return fmt.Sprintf("dev-%02x%02x%02x", mac[n-3], mac[n-2], mac[n-1]), true
	}
	return "", false
}
