// Package scanning defines scan requests and the executor collaborator
// that performs network probes. The production executor is backed by nmap
// with optional reverse-DNS and SNMP enrichment; tests substitute fakes
// through the Executor interface.
package scanning

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TakashiAihara/nmapper-sub001/internal/devices"
	"github.com/TakashiAihara/nmapper-sub001/internal/errors"
)

const expectedPortRangeParts = 2

// Request describes one scan to perform. Immutable once submitted.
type Request struct {
	ID       uuid.UUID           `json:"id"`
	Targets  []string            `json:"targets"`
	Ports    string              `json:"ports,omitempty"`
	Profile  devices.ScanProfile `json:"profile"`
	Priority int                 `json:"priority"`
	Timeout  time.Duration       `json:"timeout,omitempty"`
	Metadata map[string]string   `json:"metadata,omitempty"`
}

// NewRequest creates a request with a fresh identity.
func NewRequest(targets []string, ports string, profile devices.ScanProfile) *Request {
	return &Request{
		ID:      uuid.New(),
		Targets: targets,
		Ports:   ports,
		Profile: profile,
	}
}

// TargetLabel returns a compact label for logging and error reporting.
func (r *Request) TargetLabel() string {
	return strings.Join(r.Targets, ",")
}

// Validate checks the request for well-formedness.
func (r *Request) Validate() error {
	if len(r.Targets) == 0 {
		return errors.NewFieldValidationError("targets", "no targets specified")
	}
	if !r.Profile.Valid() {
		return errors.NewFieldValidationError("profile",
			fmt.Sprintf("invalid scan profile: %s", r.Profile))
	}
	if r.Ports != "" {
		if err := validatePorts(r.Ports); err != nil {
			return err
		}
	}
	return nil
}

// validatePorts validates a port specification like "22,80,1000-2000".
func validatePorts(spec string) error {
	for _, part := range strings.Split(spec, ",") {
		if err := validatePortPart(strings.TrimSpace(part)); err != nil {
			return err
		}
	}
	return nil
}

func validatePortPart(part string) error {
	if strings.Contains(part, "-") {
		return validatePortRange(part)
	}
	return validateSinglePort(part)
}

func validatePortRange(part string) error {
	rangeParts := strings.Split(part, "-")
	if len(rangeParts) != expectedPortRangeParts {
		return errors.NewFieldValidationError("ports",
			fmt.Sprintf("invalid port range format: %s", part))
	}

	start, err := strconv.Atoi(strings.TrimSpace(rangeParts[0]))
	if err != nil {
		return errors.NewFieldValidationError("ports",
			fmt.Sprintf("invalid start port: %s", rangeParts[0]))
	}
	end, err := strconv.Atoi(strings.TrimSpace(rangeParts[1]))
	if err != nil {
		return errors.NewFieldValidationError("ports",
			fmt.Sprintf("invalid end port: %s", rangeParts[1]))
	}

	if start < 1 || start > 65535 || end < 1 || end > 65535 {
		return errors.NewFieldValidationError("ports",
			fmt.Sprintf("invalid port range: %s (must be 1-65535)", part))
	}
	if start > end {
		return errors.NewFieldValidationError("ports",
			"invalid port range: start port must be less than end port")
	}
	return nil
}

func validateSinglePort(part string) error {
	port, err := strconv.Atoi(part)
	if err != nil {
		return errors.NewFieldValidationError("ports",
			fmt.Sprintf("invalid port: %s", part))
	}
	if port < 1 || port > 65535 {
		return errors.NewFieldValidationError("ports",
			fmt.Sprintf("invalid port: %d (must be 1-65535)", port))
	}
	return nil
}
