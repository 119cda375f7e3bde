package scanning

import (
	"testing"
	"time"

	"github.com/Ullaakut/nmap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TakashiAihara/nmapper-sub001/internal/config"
	"github.com/TakashiAihara/nmapper-sub001/internal/devices"
)

func TestNormalizePortState(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"open", devices.PortStateOpen},
		{"open|filtered", devices.PortStateOpen},
		{"closed", devices.PortStateClosed},
		{"closed|filtered", devices.PortStateClosed},
		{"filtered", devices.PortStateFiltered},
		{"unfiltered", devices.PortStateFiltered},
		{"", devices.PortStateFiltered},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizePortState(tt.raw))
		})
	}
}

func TestBestOSMatch(t *testing.T) {
	t.Run("no matches", func(t *testing.T) {
		assert.Nil(t, bestOSMatch(nil))
	})

	t.Run("highest accuracy wins", func(t *testing.T) {
		matches := []nmap.OSMatch{
			{Name: "Linux 5.x", Accuracy: 85},
			{Name: "Linux 6.x", Accuracy: 96, Classes: []nmap.OSClass{
				{Family: "Linux", OSGeneration: "6.X"},
			}},
			{Name: "FreeBSD", Accuracy: 70},
		}

		info := bestOSMatch(matches)
		require.NotNil(t, info)
		assert.Equal(t, "Linux 6.x", info.Name)
		assert.Equal(t, 96, info.Accuracy)
		assert.Equal(t, "Linux", info.Family)
		assert.Equal(t, "6.X", info.Version)
	})

	t.Run("first match wins tie", func(t *testing.T) {
		matches := []nmap.OSMatch{
			{Name: "Windows 10", Accuracy: 90},
			{Name: "Windows 11", Accuracy: 90},
		}

		info := bestOSMatch(matches)
		require.NotNil(t, info)
		assert.Equal(t, "Windows 10", info.Name)
	})
}

func TestConvertPorts(t *testing.T) {
	ports := []nmap.Port{
		{
			ID:       443,
			Protocol: "tcp",
			State:    nmap.State{State: "open"},
			Service:  nmap.Service{Name: "https", Product: "nginx", Version: "1.24", Confidence: 10},
		},
		{
			ID:       53,
			Protocol: "udp",
			State:    nmap.State{State: "open|filtered"},
		},
	}

	out := convertPorts(ports)
	require.Len(t, out, 2)

	assert.Equal(t, devices.Port{
		Number: 443, Protocol: "tcp", State: devices.PortStateOpen,
		Service: "https", Product: "nginx", Version: "1.24", Confidence: 10,
	}, out[0])

	// Unnamed services carry no confidence.
	assert.Equal(t, uint16(53), out[1].Number)
	assert.Zero(t, out[1].Confidence)
	assert.Equal(t, devices.PortStateOpen, out[1].State)
}

func TestConvertRunDerivesServices(t *testing.T) {
	run := &nmap.Run{
		Hosts: []nmap.Host{{
			Status:    nmap.Status{State: "up"},
			Addresses: []nmap.Address{{Addr: "192.168.1.30", AddrType: "ipv4"}},
			Ports: []nmap.Port{
				{
					ID:       22,
					Protocol: "tcp",
					State:    nmap.State{State: "open"},
					Service:  nmap.Service{Name: "ssh", Product: "OpenSSH", Version: "9.6", Confidence: 10},
				},
				{
					// Closed ports never contribute a service.
					ID:       23,
					Protocol: "tcp",
					State:    nmap.State{State: "closed"},
					Service:  nmap.Service{Name: "telnet"},
				},
				{
					// Open but unidentified.
					ID:       8080,
					Protocol: "tcp",
					State:    nmap.State{State: "open"},
				},
			},
		}},
	}

	found := NewNmapExecutor().convertRun(run)
	require.Len(t, found, 1)
	require.Len(t, found[0].Ports, 3)

	require.Len(t, found[0].Services, 1)
	assert.Equal(t, devices.Service{
		Port: 22, Name: "ssh", Product: "OpenSSH", Version: "9.6", Confidence: 10,
	}, found[0].Services[0])
}

func TestConvertRunSkipsDownAndAddresslessHosts(t *testing.T) {
	run := &nmap.Run{
		Hosts: []nmap.Host{
			{
				Status:    nmap.Status{State: "up"},
				Addresses: []nmap.Address{{Addr: "192.168.1.10", AddrType: "ipv4"}},
				Hostnames: []nmap.Hostname{{Name: "desk.lan"}},
			},
			{
				Status:    nmap.Status{State: "down"},
				Addresses: []nmap.Address{{Addr: "192.168.1.11", AddrType: "ipv4"}},
			},
			{
				Status: nmap.Status{State: "up"},
			},
		},
	}

	e := NewNmapExecutor()
	found := e.convertRun(run)
	require.Len(t, found, 1)
	assert.Equal(t, "192.168.1.10", found[0].Address)
	assert.Equal(t, "desk.lan", found[0].Hostname)
	assert.True(t, found[0].Active)
}

func TestConvertRunExtractsMAC(t *testing.T) {
	run := &nmap.Run{
		Hosts: []nmap.Host{{
			Status: nmap.Status{State: "up"},
			Addresses: []nmap.Address{
				{Addr: "192.168.1.20", AddrType: "ipv4"},
				{Addr: "AA:BB:CC:DD:EE:FF", AddrType: "mac", Vendor: "Ubiquiti"},
			},
		}},
	}

	found := NewNmapExecutor().convertRun(run)
	require.Len(t, found, 1)
	assert.Equal(t, "192.168.1.20", found[0].Address)
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", found[0].MAC)
	assert.Equal(t, "Ubiquiti", found[0].Vendor)
}

func TestBuildOptionsPerProfile(t *testing.T) {
	// Options are opaque functions; profile mapping is asserted by count.
	discovery := NewRequest([]string{"10.0.0.0/24"}, "", devices.ProfileDiscovery)
	assert.Len(t, buildOptions(discovery), 2) // targets + ping scan

	quick := NewRequest([]string{"10.0.0.0/24"}, "22,80", devices.ProfileQuick)
	assert.Len(t, buildOptions(quick), 5) // targets, connect, timing, ports, skip discovery

	quickNoPorts := NewRequest([]string{"10.0.0.0/24"}, "", devices.ProfileQuick)
	assert.Len(t, buildOptions(quickNoPorts), 4)

	comprehensive := NewRequest([]string{"10.0.0.0/24"}, "", devices.ProfileComprehensive)
	assert.Len(t, buildOptions(comprehensive), 8) // falls back to 1-1000 port spec
}

func TestClassifyFromSysDescr(t *testing.T) {
	tests := []struct {
		descr string
		want  devices.DeviceType
	}{
		{"Cisco IOS Router Software", devices.DeviceTypeRouter},
		{"ProCurve Switch 2824", devices.DeviceTypeSwitch},
		{"HP LaserJet printer", devices.DeviceTypePrinter},
		{"Linux debian 6.1.0", devices.DeviceTypeServer},
		{"Windows Server 2022", devices.DeviceTypeServer},
		{"some embedded thing", devices.DeviceTypeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.descr, func(t *testing.T) {
			d := devices.Device{Type: devices.DeviceTypeUnknown}
			classifyFromSysDescr(&d, tt.descr)
			assert.Equal(t, tt.want, d.Type)
		})
	}

	t.Run("known type preserved", func(t *testing.T) {
		d := devices.Device{Type: devices.DeviceTypePrinter}
		classifyFromSysDescr(&d, "Linux based firmware")
		assert.Equal(t, devices.DeviceTypePrinter, d.Type)
	})
}

func TestSetEnrichersReplacesChain(t *testing.T) {
	e := NewNmapExecutor()
	assert.Empty(t, e.enrichers)

	e.SetEnrichers(EnrichersFromConfig(config.EnrichmentConfig{
		ReverseDNS: true,
		DNSServer:  "192.168.1.1:53",
		SNMP:       true,
	})...)
	require.Len(t, e.enrichers, 2)

	e.SetEnrichers()
	assert.Empty(t, e.enrichers)
}

func TestEnrichersFromConfig(t *testing.T) {
	none := EnrichersFromConfig(config.EnrichmentConfig{})
	assert.Empty(t, none)

	// Reverse DNS needs an explicit server.
	dnsOnly := EnrichersFromConfig(config.EnrichmentConfig{ReverseDNS: true})
	assert.Empty(t, dnsOnly)

	full := EnrichersFromConfig(config.EnrichmentConfig{
		ReverseDNS: true,
		DNSServer:  "192.168.1.1:53",
		SNMP:       true,
		Timeout:    time.Second,
	})
	require.Len(t, full, 2)
	assert.Equal(t, "reverse_dns", full[0].Name())
	assert.Equal(t, "snmp", full[1].Name())
}
