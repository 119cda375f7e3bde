// Package diff implements the snapshot diff engine. It compares two
// device-population snapshots and produces a classified, deterministic
// change record: which devices joined or left the network, and what
// changed on the devices present in both.
package diff

import (
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/TakashiAihara/nmapper-sub001/internal/devices"
	"github.com/TakashiAihara/nmapper-sub001/internal/errors"
	"github.com/TakashiAihara/nmapper-sub001/internal/metrics"
)

// ChangeType classifies a per-device change record.
type ChangeType string

const (
	ChangeDeviceJoined   ChangeType = "device_joined"
	ChangeDeviceLeft     ChangeType = "device_left"
	ChangeDeviceChanged  ChangeType = "device_changed"
	ChangeDeviceInactive ChangeType = "device_inactive"
)

// Port change classifications.
const (
	PortOpened       = "port_opened"
	PortClosed       = "port_closed"
	PortStateChanged = "state_changed"
)

// Service change classifications.
const (
	ServiceAdded          = "added"
	ServiceRemoved        = "removed"
	ServiceVersionChanged = "version_changed"
)

// PortDiff records one port-level change on a device.
type PortDiff struct {
	Change   string       `json:"change"`
	Port     devices.Port `json:"port"`
	OldState string       `json:"old_state,omitempty"`
	NewState string       `json:"new_state,omitempty"`
}

// ServiceDiff records one service-level change on a device.
type ServiceDiff struct {
	Change     string           `json:"change"`
	Service    devices.Service  `json:"service"`
	OldService *devices.Service `json:"old_service,omitempty"`
}

// PropertyChange records a scalar field change on a device.
type PropertyChange struct {
	Field    string `json:"field"`
	OldValue string `json:"old_value"`
	NewValue string `json:"new_value"`
}

// DeviceDiff is the per-device portion of a snapshot diff.
type DeviceDiff struct {
	Address         string           `json:"address"`
	Change          ChangeType       `json:"change"`
	Added           *devices.Device  `json:"added,omitempty"`
	Removed         *devices.Device  `json:"removed,omitempty"`
	PortDiffs       []PortDiff       `json:"port_diffs,omitempty"`
	ServiceDiffs    []ServiceDiff    `json:"service_diffs,omitempty"`
	PropertyChanges []PropertyChange `json:"property_changes,omitempty"`
}

// DiffSummary aggregates the change counts of a snapshot diff.
type DiffSummary struct {
	DevicesAdded    int `json:"devices_added"`
	DevicesRemoved  int `json:"devices_removed"`
	DevicesChanged  int `json:"devices_changed"`
	DevicesInactive int `json:"devices_inactive"`
	PortsChanged    int `json:"ports_changed"`
	ServicesChanged int `json:"services_changed"`
	TotalChanges    int `json:"total_changes"`
}

// SnapshotDiff is the classified set of differences between two snapshots.
type SnapshotDiff struct {
	FromSnapshot uuid.UUID    `json:"from_snapshot"`
	ToSnapshot   uuid.UUID    `json:"to_snapshot"`
	ComputedAt   time.Time    `json:"computed_at"`
	Summary      DiffSummary  `json:"summary"`
	Devices      []DeviceDiff `json:"devices"`
}

// Engine computes snapshot diffs. The computation is pure and synchronous;
// the optional metrics sink only observes timing and change counts.
type Engine struct {
	metrics *metrics.Metrics
}

// NewEngine creates a diff engine. The metrics sink may be nil.
func NewEngine(m *metrics.Metrics) *Engine {
	return &Engine{metrics: m}
}

// Compute produces the classified difference between two snapshots. It
// fails with a validation error if either snapshot is missing its device
// collection or the pair is not strictly ordered by timestamp. No partial
// diff is ever returned.
func (e *Engine) Compute(previous, current *devices.NetworkSnapshot) (*SnapshotDiff, error) {
	if err := validatePair(previous, current); err != nil {
		return nil, err
	}

	started := time.Now()

	prevByAddr := previous.DevicesByAddress()
	curByAddr := current.DevicesByAddress()

	result := &SnapshotDiff{
		FromSnapshot: previous.ID,
		ToSnapshot:   current.ID,
		ComputedAt:   time.Now().UTC(),
	}

	for addr, cur := range curByAddr {
		prev, exists := prevByAddr[addr]
		if !exists {
			added := cur
			result.Devices = append(result.Devices, DeviceDiff{
				Address: addr,
				Change:  ChangeDeviceJoined,
				Added:   &added,
			})
			continue
		}
		if dd, changed := diffDevice(&prev, &cur); changed {
			result.Devices = append(result.Devices, dd)
		}
	}

	for addr, prev := range prevByAddr {
		if _, exists := curByAddr[addr]; !exists {
			removed := prev
			result.Devices = append(result.Devices, DeviceDiff{
				Address: addr,
				Change:  ChangeDeviceLeft,
				Removed: &removed,
			})
		}
	}

	flagSharedHardware(result.Devices)

	sort.Slice(result.Devices, func(i, j int) bool {
		return devices.CompareAddresses(result.Devices[i].Address, result.Devices[j].Address) < 0
	})

	result.Summary = summarize(result.Devices)

	if e.metrics != nil {
		e.metrics.RecordDiff(time.Since(started), map[string]int{
			"devices_added":    result.Summary.DevicesAdded,
			"devices_removed":  result.Summary.DevicesRemoved,
			"devices_changed":  result.Summary.DevicesChanged,
			"devices_inactive": result.Summary.DevicesInactive,
			"ports_changed":    result.Summary.PortsChanged,
			"services_changed": result.Summary.ServicesChanged,
		})
	}

	return result, nil
}

// Compute is a convenience wrapper for one-off diffs without metrics.
func Compute(previous, current *devices.NetworkSnapshot) (*SnapshotDiff, error) {
	return NewEngine(nil).Compute(previous, current)
}

func validatePair(previous, current *devices.NetworkSnapshot) error {
	if previous == nil || current == nil {
		return errors.NewValidationError("both snapshots are required")
	}
	if previous.Devices == nil {
		return errors.NewFieldValidationError("previous.devices", "snapshot is missing its device collection")
	}
	if current.Devices == nil {
		return errors.NewFieldValidationError("current.devices", "snapshot is missing its device collection")
	}
	if !current.Timestamp.After(previous.Timestamp) {
		return errors.NewFieldValidationError("timestamp",
			"current snapshot must be strictly newer than previous")
	}
	return nil
}

// diffDevice compares one device across both snapshots. It returns false
// when nothing changed; unchanged devices contribute no record at all.
func diffDevice(prev, cur *devices.Device) (DeviceDiff, bool) {
	dd := DeviceDiff{Address: cur.Address}

	dd.PortDiffs = diffPorts(prev, cur)
	dd.ServiceDiffs = diffServices(prev, cur)
	dd.PropertyChanges = diffProperties(prev, cur)

	if len(dd.PortDiffs) == 0 && len(dd.ServiceDiffs) == 0 && len(dd.PropertyChanges) == 0 {
		return DeviceDiff{}, false
	}

	if prev.Active && !cur.Active {
		dd.Change = ChangeDeviceInactive
	} else {
		dd.Change = ChangeDeviceChanged
	}
	return dd, true
}

func diffPorts(prev, cur *devices.Device) []PortDiff {
	prevPorts := prev.PortsByKey()
	curPorts := cur.PortsByKey()

	var diffs []PortDiff
	for key, port := range curPorts {
		old, exists := prevPorts[key]
		if !exists {
			diffs = append(diffs, PortDiff{Change: PortOpened, Port: port, NewState: port.State})
			continue
		}
		if old.State != port.State {
			diffs = append(diffs, PortDiff{
				Change:   PortStateChanged,
				Port:     port,
				OldState: old.State,
				NewState: port.State,
			})
		}
	}
	for key, port := range prevPorts {
		if _, exists := curPorts[key]; !exists {
			diffs = append(diffs, PortDiff{Change: PortClosed, Port: port, OldState: port.State})
		}
	}

	sort.Slice(diffs, func(i, j int) bool {
		a, b := diffs[i].Port, diffs[j].Port
		if a.Protocol != b.Protocol {
			return a.Protocol < b.Protocol
		}
		return a.Number < b.Number
	})
	return diffs
}

func diffServices(prev, cur *devices.Device) []ServiceDiff {
	prevServices := prev.ServicesByPort()
	curServices := cur.ServicesByPort()

	var diffs []ServiceDiff
	for port, svc := range curServices {
		old, exists := prevServices[port]
		if !exists {
			diffs = append(diffs, ServiceDiff{Change: ServiceAdded, Service: svc})
			continue
		}
		if old.Product != svc.Product || old.Version != svc.Version {
			oldCopy := old
			diffs = append(diffs, ServiceDiff{
				Change:     ServiceVersionChanged,
				Service:    svc,
				OldService: &oldCopy,
			})
		}
	}
	for port, svc := range prevServices {
		if _, exists := curServices[port]; !exists {
			diffs = append(diffs, ServiceDiff{Change: ServiceRemoved, Service: svc})
		}
	}

	sort.Slice(diffs, func(i, j int) bool {
		return diffs[i].Service.Port < diffs[j].Service.Port
	})
	return diffs
}

// diffProperties compares the scalar fields of a device. The OS fields are
// pre-selected by the normalizer as the single best-accuracy match, so they
// compare as plain scalars; candidates are never re-ranked here.
func diffProperties(prev, cur *devices.Device) []PropertyChange {
	var changes []PropertyChange

	add := func(field, oldVal, newVal string) {
		if oldVal != newVal {
			changes = append(changes, PropertyChange{Field: field, OldValue: oldVal, NewValue: newVal})
		}
	}

	add("hostname", prev.Hostname, cur.Hostname)
	add("mac", prev.MAC, cur.MAC)
	add("vendor", prev.Vendor, cur.Vendor)
	add("device_type", string(prev.Type), string(cur.Type))
	add("os_name", prev.OS.Name, cur.OS.Name)
	add("os_version", prev.OS.Version, cur.OS.Version)
	if prev.OS.Accuracy != cur.OS.Accuracy {
		changes = append(changes, PropertyChange{
			Field:    "os_accuracy",
			OldValue: strconv.Itoa(prev.OS.Accuracy),
			NewValue: strconv.Itoa(cur.OS.Accuracy),
		})
	}
	if prev.Active != cur.Active {
		changes = append(changes, PropertyChange{
			Field:    "active",
			OldValue: btoa(prev.Active),
			NewValue: btoa(cur.Active),
		})
	}

	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Field < changes[j].Field
	})
	return changes
}

// flagSharedHardware marks pairs of joined/left devices that report the
// same MAC under different addresses. The pair stays classified as a join
// plus a leave with a property change on both sides; it is deliberately
// not collapsed into a single move record.
func flagSharedHardware(diffs []DeviceDiff) {
	leftByMAC := make(map[string]int)
	for i := range diffs {
		if diffs[i].Change == ChangeDeviceLeft && diffs[i].Removed != nil && diffs[i].Removed.MAC != "" {
			leftByMAC[diffs[i].Removed.MAC] = i
		}
	}

	for i := range diffs {
		if diffs[i].Change != ChangeDeviceJoined || diffs[i].Added == nil || diffs[i].Added.MAC == "" {
			continue
		}
		j, exists := leftByMAC[diffs[i].Added.MAC]
		if !exists || diffs[j].Removed.Address == diffs[i].Added.Address {
			continue
		}
		diffs[i].PropertyChanges = append(diffs[i].PropertyChanges, PropertyChange{
			Field:    "address",
			OldValue: diffs[j].Removed.Address,
			NewValue: diffs[i].Added.Address,
		})
		diffs[j].PropertyChanges = append(diffs[j].PropertyChanges, PropertyChange{
			Field:    "address",
			OldValue: diffs[j].Removed.Address,
			NewValue: diffs[i].Added.Address,
		})
	}
}

// summarize computes the aggregate counts. Devices contribute one count to
// their category; port and service changes are summed independently and
// also counted, so totalChanges is the sum of all category counts.
func summarize(diffs []DeviceDiff) DiffSummary {
	var s DiffSummary
	for i := range diffs {
		switch diffs[i].Change {
		case ChangeDeviceJoined:
			s.DevicesAdded++
		case ChangeDeviceLeft:
			s.DevicesRemoved++
		case ChangeDeviceChanged:
			s.DevicesChanged++
		case ChangeDeviceInactive:
			s.DevicesInactive++
		}
		s.PortsChanged += len(diffs[i].PortDiffs)
		s.ServicesChanged += len(diffs[i].ServiceDiffs)
	}
	s.TotalChanges = s.DevicesAdded + s.DevicesRemoved + s.DevicesChanged +
		s.DevicesInactive + s.PortsChanged + s.ServicesChanged
	return s
}

func btoa(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
