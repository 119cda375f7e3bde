package scanning

import (
	"context"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/miekg/dns"

	"github.com/TakashiAihara/nmapper-sub001/internal/config"
	"github.com/TakashiAihara/nmapper-sub001/internal/devices"
	"github.com/TakashiAihara/nmapper-sub001/internal/errors"
)

const (
	defaultEnrichTimeout = 2 * time.Second

	oidSysDescr = ".1.3.6.1.2.1.1.1.0"
	oidSysName  = ".1.3.6.1.2.1.1.5.0"
)

// ReverseDNSEnricher resolves PTR records for devices that came back
// from the scan without a hostname.
type ReverseDNSEnricher struct {
	server  string
	timeout time.Duration
	client  *dns.Client
}

// NewReverseDNSEnricher creates a PTR enricher querying the given DNS
// server, in "host:port" form.
func NewReverseDNSEnricher(server string, timeout time.Duration) *ReverseDNSEnricher {
	if timeout <= 0 {
		timeout = defaultEnrichTimeout
	}
	return &ReverseDNSEnricher{
		server:  server,
		timeout: timeout,
		client:  &dns.Client{Timeout: timeout},
	}
}

func (e *ReverseDNSEnricher) Name() string { return "reverse_dns" }

func (e *ReverseDNSEnricher) Enrich(ctx context.Context, device *devices.Device) error {
	if device.Hostname != "" {
		return nil
	}

	arpa, err := dns.ReverseAddr(device.Address)
	if err != nil {
		return errors.WrapExecutionError(errors.CodeTargetInvalid,
			"address has no reverse form", device.Address, err)
	}

	msg := new(dns.Msg)
	msg.SetQuestion(arpa, dns.TypePTR)
	msg.RecursionDesired = true

	resp, _, err := e.client.ExchangeContext(ctx, msg, e.server)
	if err != nil {
		return err
	}
	if resp.Rcode != dns.RcodeSuccess {
		return nil
	}
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			device.Hostname = strings.TrimSuffix(ptr.Ptr, ".")
			return nil
		}
	}
	return nil
}

// SNMPEnricher fills in hostname and vendor hints from the standard
// system MIB for devices that answer SNMP.
type SNMPEnricher struct {
	community string
	timeout   time.Duration
}

// NewSNMPEnricher creates an enricher using SNMPv2c with the given
// community string.
func NewSNMPEnricher(community string, timeout time.Duration) *SNMPEnricher {
	if community == "" {
		community = "public"
	}
	if timeout <= 0 {
		timeout = defaultEnrichTimeout
	}
	return &SNMPEnricher{community: community, timeout: timeout}
}

func (e *SNMPEnricher) Name() string { return "snmp" }

func (e *SNMPEnricher) Enrich(ctx context.Context, device *devices.Device) error {
	client := &gosnmp.GoSNMP{
		Target:    device.Address,
		Port:      gosnmp.Default.Port,
		Community: e.community,
		Version:   gosnmp.Version2c,
		Timeout:   e.timeout,
		Retries:   1,
		Context:   ctx,
	}
	if err := client.Connect(); err != nil {
		return err
	}
	defer client.Conn.Close()

	result, err := client.Get([]string{oidSysName, oidSysDescr})
	if err != nil {
		return err
	}

	for _, variable := range result.Variables {
		value, ok := variable.Value.([]byte)
		if !ok || len(value) == 0 {
			continue
		}
		switch variable.Name {
		case oidSysName:
			if device.Hostname == "" {
				device.Hostname = string(value)
			}
		case oidSysDescr:
			classifyFromSysDescr(device, string(value))
		}
	}
	return nil
}

// classifyFromSysDescr applies coarse device-type hints from the SNMP
// system description when the scan itself produced none.
func classifyFromSysDescr(device *devices.Device, descr string) {
	if device.Type != devices.DeviceTypeUnknown {
		return
	}
	lower := strings.ToLower(descr)
	switch {
	case strings.Contains(lower, "router"):
		device.Type = devices.DeviceTypeRouter
	case strings.Contains(lower, "switch"):
		device.Type = devices.DeviceTypeSwitch
	case strings.Contains(lower, "printer"):
		device.Type = devices.DeviceTypePrinter
	case strings.Contains(lower, "linux"), strings.Contains(lower, "windows"):
		device.Type = devices.DeviceTypeServer
	}
}

// EnrichersFromConfig builds the enricher chain the configuration asks
// for.
func EnrichersFromConfig(cfg config.EnrichmentConfig) []Enricher {
	var enrichers []Enricher
	if cfg.ReverseDNS && cfg.DNSServer != "" {
		enrichers = append(enrichers, NewReverseDNSEnricher(cfg.DNSServer, cfg.Timeout))
	}
	if cfg.SNMP {
		enrichers = append(enrichers, NewSNMPEnricher(cfg.SNMPCommunity, cfg.Timeout))
	}
	return enrichers
}
