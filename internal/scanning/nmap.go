package scanning

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Ullaakut/nmap/v3"

	"github.com/TakashiAihara/nmapper-sub001/internal/devices"
	"github.com/TakashiAihara/nmapper-sub001/internal/errors"
	"github.com/TakashiAihara/nmapper-sub001/internal/logging"
)

// NmapExecutor runs scan requests through the nmap binary and normalizes
// the results into the device model. Optional enrichers fill in fields
// nmap cannot provide, such as PTR hostnames or SNMP system names.
type NmapExecutor struct {
	mu        sync.Mutex
	enrichers []Enricher
	logger    *logging.Logger
}

// Enricher augments a scanned device in place. Enrichment failures are
// logged and ignored; they never fail the scan.
type Enricher interface {
	Enrich(ctx context.Context, device *devices.Device) error
	Name() string
}

// NewNmapExecutor creates an executor with the given enrichers, applied
// to every discovered device in order.
func NewNmapExecutor(enrichers ...Enricher) *NmapExecutor {
	return &NmapExecutor{
		enrichers: enrichers,
		logger:    logging.Default().WithComponent("nmap"),
	}
}

// SetEnrichers replaces the enricher chain. Scans already in flight
// finish with the chain they started with.
func (e *NmapExecutor) SetEnrichers(enrichers ...Enricher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enrichers = enrichers
}

// Execute runs nmap for the request and returns the normalized devices.
func (e *NmapExecutor) Execute(ctx context.Context, req *Request) ([]devices.Device, error) {
	options := buildOptions(req)

	scanner, err := nmap.NewScanner(ctx, options...)
	if err != nil {
		return nil, errors.WrapExecutionError(errors.CodeScanFailed,
			"failed to create scanner", req.TargetLabel(), err)
	}

	start := time.Now()
	result, warnings, err := scanner.Run()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded || strings.Contains(err.Error(), "timed out") {
			return nil, errors.WrapExecutionError(errors.CodeTimeout,
				"scan timed out", req.TargetLabel(), err)
		}
		return nil, errors.WrapExecutionError(errors.CodeScanFailed,
			"scan execution failed", req.TargetLabel(), err)
	}
	if warnings != nil && len(*warnings) > 0 {
		e.logger.Warn("scan completed with warnings",
			"request_id", req.ID.String(),
			"warnings", strings.Join(*warnings, "; "))
	}

	found := e.convertRun(result)
	e.enrich(ctx, found)

	e.logger.InfoScan("scan completed", req.TargetLabel(),
		"request_id", req.ID.String(),
		"profile", string(req.Profile),
		"devices_found", len(found),
		"duration", time.Since(start).String())
	return found, nil
}

// buildOptions maps a request's profile onto nmap behavior: discovery is
// a ping sweep, quick probes common ports, comprehensive adds service
// and OS detection.
func buildOptions(req *Request) []nmap.Option {
	options := []nmap.Option{
		nmap.WithTargets(req.Targets...),
	}

	switch req.Profile {
	case devices.ProfileDiscovery:
		options = append(options, nmap.WithPingScan())
	case devices.ProfileQuick:
		options = append(options,
			nmap.WithConnectScan(),
			nmap.WithTimingTemplate(nmap.TimingAggressive),
		)
		if req.Ports != "" {
			options = append(options, nmap.WithPorts(req.Ports))
		}
	case devices.ProfileComprehensive:
		options = append(options,
			nmap.WithConnectScan(),
			nmap.WithServiceInfo(),
			nmap.WithVersionAll(),
			nmap.WithOSDetection(),
			nmap.WithTimingTemplate(nmap.TimingNormal),
		)
		if req.Ports != "" {
			options = append(options, nmap.WithPorts(req.Ports))
		} else {
			options = append(options, nmap.WithPorts("1-1000"))
		}
	}

	if req.Profile != devices.ProfileDiscovery {
		options = append(options, nmap.WithSkipHostDiscovery())
	}
	return options
}

// convertRun normalizes nmap output into devices, skipping hosts that
// are down or have no address.
func (e *NmapExecutor) convertRun(result *nmap.Run) []devices.Device {
	found := make([]devices.Device, 0, len(result.Hosts))
	now := time.Now().UTC()

	for i := range result.Hosts {
		host := &result.Hosts[i]
		if len(host.Addresses) == 0 || host.Status.State != "up" {
			continue
		}

		device := devices.Device{
			Type:     devices.DeviceTypeUnknown,
			Active:   true,
			LastSeen: now,
		}

		for _, addr := range host.Addresses {
			switch addr.AddrType {
			case "mac":
				device.MAC = addr.Addr
				device.Vendor = addr.Vendor
			default:
				if device.Address == "" {
					device.Address = addr.Addr
				}
			}
		}
		if device.Address == "" {
			continue
		}
		if len(host.Hostnames) > 0 {
			device.Hostname = host.Hostnames[0].Name
		}

		device.Ports = convertPorts(host.Ports)
		device.Services = convertServices(device.Ports)
		if info := bestOSMatch(host.OS.Matches); info != nil {
			device.OS = *info
		}
		found = append(found, device)
	}
	return found
}

func convertPorts(ports []nmap.Port) []devices.Port {
	out := make([]devices.Port, 0, len(ports))
	for i := range ports {
		p := &ports[i]
		port := devices.Port{
			Number:   p.ID,
			Protocol: p.Protocol,
			State:    normalizePortState(p.State.State),
			Service:  p.Service.Name,
			Product:  p.Service.Product,
			Version:  p.Service.Version,
		}
		if p.Service.Name != "" {
			port.Confidence = p.Service.Confidence
		}
		out = append(out, port)
	}
	return out
}

// convertServices derives the service inventory from ports that carry
// detected service info. Only open ports contribute.
func convertServices(ports []devices.Port) []devices.Service {
	out := make([]devices.Service, 0, len(ports))
	for _, p := range ports {
		if p.State != devices.PortStateOpen || p.Service == "" {
			continue
		}
		out = append(out, devices.Service{
			Port:       p.Number,
			Name:       p.Service,
			Product:    p.Product,
			Version:    p.Version,
			Confidence: p.Confidence,
		})
	}
	return out
}

func normalizePortState(state string) string {
	switch {
	case strings.HasPrefix(state, "open"):
		return devices.PortStateOpen
	case strings.HasPrefix(state, "closed"):
		return devices.PortStateClosed
	default:
		return devices.PortStateFiltered
	}
}

// bestOSMatch picks the single highest-accuracy OS match; the first
// reported wins a tie.
func bestOSMatch(matches []nmap.OSMatch) *devices.OSInfo {
	var best *nmap.OSMatch
	for i := range matches {
		if best == nil || matches[i].Accuracy > best.Accuracy {
			best = &matches[i]
		}
	}
	if best == nil {
		return nil
	}

	info := &devices.OSInfo{
		Name:     best.Name,
		Accuracy: best.Accuracy,
	}
	if len(best.Classes) > 0 {
		info.Family = best.Classes[0].Family
		info.Version = best.Classes[0].OSGeneration
	}
	return info
}

func (e *NmapExecutor) enrich(ctx context.Context, found []devices.Device) {
	e.mu.Lock()
	enrichers := append([]Enricher(nil), e.enrichers...)
	e.mu.Unlock()

	for i := range found {
		for _, enricher := range enrichers {
			if err := enricher.Enrich(ctx, &found[i]); err != nil {
				e.logger.Debug("enrichment failed",
					"enricher", enricher.Name(),
					"address", found[i].Address,
					"error", err.Error())
			}
		}
	}
}
