// Package device derives the stable per-node identity from a hardware
// network address. The same address keys the credential file and names the
// storage folder, remote upload folder and MQTT topics.
package device

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"sort"
	"strings"

	"github.com/juju/errors"
)

type Identity struct {
	// upper case colon separated, AA:BB:CC:DD:EE:FF
	HardwareAddress string
	// hex SHA-224 of HardwareAddress
	ID string
}

func FromAddress(addr string) Identity {
	addr = strings.ToUpper(strings.TrimSpace(addr))
	sum := sha256.Sum224([]byte(addr))
	return Identity{HardwareAddress: addr, ID: hex.EncodeToString(sum[:])}
}

// Key for credential encryption: SHA-256 of hardware address.
func (self Identity) Key() []byte {
	sum := sha256.Sum256([]byte(self.HardwareAddress))
	return sum[:]
}

// Discover picks first suitable interface: up, not loopback, has hardware address,
// name not looking virtual. Wireless interfaces win over wired.
func Discover() (Identity, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return Identity{}, errors.Annotate(err, "device discover")
	}
	addr := pickAddress(ifaces)
	if addr == "" {
		return Identity{}, errors.NotFoundf("device hardware address")
	}
	return FromAddress(addr), nil
}

func pickAddress(ifaces []net.Interface) string {
	candidates := make([]net.Interface, 0, len(ifaces))
	for _, iface := range ifaces {
		name := strings.ToLower(iface.Name)
		switch {
		case iface.Flags&net.FlagLoopback != 0:
		case iface.Flags&net.FlagUp == 0:
		case len(iface.HardwareAddr) == 0:
		case strings.Contains(name, "vmware"), strings.Contains(name, "virtual"),
			strings.HasPrefix(name, "veth"), strings.HasPrefix(name, "docker"), strings.HasPrefix(name, "br-"):
		default:
			candidates = append(candidates, iface)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return wireless(candidates[i].Name) && !wireless(candidates[j].Name)
	})
	if len(candidates) == 0 {
		return ""
	}
	return candidates[0].HardwareAddr.String()
}

func wireless(name string) bool {
	return strings.HasPrefix(name, "wl")
}
