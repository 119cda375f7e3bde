package scanning

import (
	"context"

	"github.com/TakashiAihara/nmapper-sub001/internal/devices"
)

// Executor performs the actual network probe for a scan request and
// returns normalized device records. Implementations are expected to
// honor ctx cancellation and deadlines.
type Executor interface {
	Execute(ctx context.Context, req *Request) ([]devices.Device, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, req *Request) ([]devices.Device, error)

// Execute implements Executor.
func (f ExecutorFunc) Execute(ctx context.Context, req *Request) ([]devices.Device, error) {
	return f(ctx, req)
}
