// Package devices defines the shared device-population data model for
// nmapper. It holds the immutable value types produced by scan
// normalization (Device, Port, Service, OSInfo) and the point-in-time
// NetworkSnapshot that the diff engine and snapshot store operate on.
package devices

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeviceType classifies a device by its observed role.
type DeviceType string

const (
	DeviceTypeRouter      DeviceType = "router"
	DeviceTypeSwitch      DeviceType = "switch"
	DeviceTypeServer      DeviceType = "server"
	DeviceTypeWorkstation DeviceType = "workstation"
	DeviceTypePrinter     DeviceType = "printer"
	DeviceTypeIoT         DeviceType = "iot"
	DeviceTypeUnknown     DeviceType = "unknown"
)

// PortState constants.
const (
	PortStateOpen     = "open"
	PortStateClosed   = "closed"
	PortStateFiltered = "filtered"
)

// Protocol constants.
const (
	ProtocolTCP = "tcp"
	ProtocolUDP = "udp"
)

// ScanProfile selects the depth of a scan.
type ScanProfile string

const (
	ProfileDiscovery     ScanProfile = "discovery"
	ProfileQuick         ScanProfile = "quick"
	ProfileComprehensive ScanProfile = "comprehensive"
)

// Valid reports whether the profile is one of the supported values.
func (p ScanProfile) Valid() bool {
	switch p {
	case ProfileDiscovery, ProfileQuick, ProfileComprehensive:
		return true
	}
	return false
}

// PortKey is the composite key identifying a port within a device.
type PortKey struct {
	Protocol string
	Number   uint16
}

// String returns the key in "tcp/443" form.
func (k PortKey) String() string {
	return fmt.Sprintf("%s/%d", k.Protocol, k.Number)
}

// Port is one scanned port on a device.
type Port struct {
	Number     uint16 `json:"number"`
	Protocol   string `json:"protocol"`
	State      string `json:"state"`
	Service    string `json:"service,omitempty"`
	Product    string `json:"product,omitempty"`
	Version    string `json:"version,omitempty"`
	Confidence int    `json:"confidence,omitempty"`
}

// Key returns the (protocol, number) composite key for the port.
func (p Port) Key() PortKey {
	return PortKey{Protocol: p.Protocol, Number: p.Number}
}

// Service is a detected service, keyed by port number within a device.
type Service struct {
	Port       uint16 `json:"port"`
	Name       string `json:"name"`
	Product    string `json:"product,omitempty"`
	Version    string `json:"version,omitempty"`
	Confidence int    `json:"confidence,omitempty"`
}

// OSInfo is the single best-accuracy OS match selected by the upstream
// normalizer. Ties are broken by first-seen order before it ever reaches
// the snapshot, so consumers treat these as plain scalar fields.
type OSInfo struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Family   string `json:"family,omitempty"`
	Accuracy int    `json:"accuracy,omitempty"`
}

// Device is one network endpoint observed in a scan pass. Devices are
// immutable value objects within a snapshot; each scan produces entirely
// new instances.
type Device struct {
	Address  string     `json:"address"`
	MAC      string     `json:"mac,omitempty"`
	Hostname string     `json:"hostname,omitempty"`
	Vendor   string     `json:"vendor,omitempty"`
	Type     DeviceType `json:"type"`
	Ports    []Port     `json:"ports,omitempty"`
	Services []Service  `json:"services,omitempty"`
	OS       OSInfo     `json:"os,omitempty"`
	Active   bool       `json:"active"`
	LastSeen time.Time  `json:"last_seen"`
}

// OpenPortCount returns the number of ports in the open state.
func (d *Device) OpenPortCount() int {
	count := 0
	for _, p := range d.Ports {
		if p.State == PortStateOpen {
			count++
		}
	}
	return count
}

// PortsByKey indexes the device's ports by their composite key.
func (d *Device) PortsByKey() map[PortKey]Port {
	index := make(map[PortKey]Port, len(d.Ports))
	for _, p := range d.Ports {
		index[p.Key()] = p
	}
	return index
}

// ServicesByPort indexes the device's services by port number.
func (d *Device) ServicesByPort() map[uint16]Service {
	index := make(map[uint16]Service, len(d.Services))
	for _, s := range d.Services {
		index[s.Port] = s
	}
	return index
}

// ScanMetadata describes how a snapshot was produced.
type ScanMetadata struct {
	ScanType ScanProfile   `json:"scan_type"`
	Duration time.Duration `json:"duration"`
	Errors   []string      `json:"errors,omitempty"`
}

// NetworkSnapshot is an immutable, timestamped record of all devices
// observed in one scan pass. Snapshots form a logical time series ordered
// by timestamp.
type NetworkSnapshot struct {
	ID             uuid.UUID    `json:"id"`
	Timestamp      time.Time    `json:"timestamp"`
	Devices        []Device     `json:"devices"`
	DeviceCount    int          `json:"device_count"`
	TotalOpenPorts int          `json:"total_open_ports"`
	Checksum       string       `json:"checksum"`
	Metadata       ScanMetadata `json:"metadata"`
}

// NewSnapshot builds a snapshot from the given devices, computing the
// aggregate counts and integrity checksum. The device slice is sorted by
// address so that snapshots with the same population hash identically.
func NewSnapshot(devs []Device, meta ScanMetadata) *NetworkSnapshot {
	sorted := make([]Device, len(devs))
	copy(sorted, devs)
	SortDevices(sorted)

	snapshot := &NetworkSnapshot{
		ID:          uuid.New(),
		Timestamp:   time.Now().UTC(),
		Devices:     sorted,
		DeviceCount: len(sorted),
		Metadata:    meta,
	}
	for i := range sorted {
		snapshot.TotalOpenPorts += sorted[i].OpenPortCount()
	}
	snapshot.Checksum = checksum(sorted)
	return snapshot
}

// DevicesByAddress indexes the snapshot's devices by address.
func (s *NetworkSnapshot) DevicesByAddress() map[string]Device {
	index := make(map[string]Device, len(s.Devices))
	for _, d := range s.Devices {
		index[d.Address] = d
	}
	return index
}

// SortDevices orders devices ascending by address. IP addresses compare
// numerically so 10.0.0.9 sorts before 10.0.0.10; non-IP addresses fall
// back to lexical order after all IPs.
func SortDevices(devs []Device) {
	sort.Slice(devs, func(i, j int) bool {
		return CompareAddresses(devs[i].Address, devs[j].Address) < 0
	})
}

// CompareAddresses compares two device addresses, numerically when both
// parse as IPs.
func CompareAddresses(a, b string) int {
	ipA, errA := netip.ParseAddr(a)
	ipB, errB := netip.ParseAddr(b)
	switch {
	case errA == nil && errB == nil:
		return ipA.Compare(ipB)
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	default:
		return strings.Compare(a, b)
	}
}

// checksum hashes the canonical representation of a sorted device slice.
// Only identity-bearing fields participate so that re-serialization or
// timestamp churn does not change the hash.
func checksum(devs []Device) string {
	h := sha256.New()
	for i := range devs {
		d := &devs[i]
		fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%d\n",
			d.Address, d.MAC, d.Hostname, d.Vendor, d.OS.Name, d.OS.Version, d.OS.Accuracy)

		ports := make([]Port, len(d.Ports))
		copy(ports, d.Ports)
		sort.Slice(ports, func(a, b int) bool {
			if ports[a].Protocol != ports[b].Protocol {
				return ports[a].Protocol < ports[b].Protocol
			}
			return ports[a].Number < ports[b].Number
		})
		for _, p := range ports {
			fmt.Fprintf(h, "  %s/%d=%s:%s:%s\n", p.Protocol, p.Number, p.State, p.Service, p.Version)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
