package runtime

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_runtime.go -package=mocks . Compiler,Executor,SchemaRetriever

import (
	"context"
	"errors"
)

// ErrNoSuchTable is returned by SchemaRetriever when the table does not
// exist. Over the wire it becomes an ENOENT reply, which requesters treat as
// a valid empty answer, not a failure.
var ErrNoSuchTable = errors.New("runtime: no such table")

// Program is a compiled, installable program.
type Program interface {
	// Flows lists the flow ids the program publishes or consumes.
	Flows() []string
	// Source returns the original program text.
	Source() string
}

// Compiler turns program source text into an executable representation.
type Compiler interface {
	ParseAndTypecheck(source string) (Program, error)
}

// Executor installs compiled programs on the local device.
type Executor interface {
	Install(ctx context.Context, account, identity string, prog Program, uniqueID string) error
}

// Schema describes one table: parallel lists of column types and names.
type Schema struct {
	Types []string
	Args  []string
}

// SchemaRetriever answers local table schema lookups.
type SchemaRetriever interface {
	GetSchema(ctx context.Context, table string) (Schema, error)
}

// DeviceDirectory exposes the local device topology used by the
// double-install guard.
type DeviceDirectory interface {
	// Tier names the execution tier of the local device.
	Tier() string
	// HasSuperior reports whether a higher-priority local device is present
	// on the given tier. When true, inbound INSTALLs are ignored so only the
	// highest-priority device runs the program.
	HasSuperior(tier string) bool
}

// StaticDevices is a fixed-topology DeviceDirectory, configured at startup.
type StaticDevices struct {
	DeviceTier string
	Superior   bool
}

func (d StaticDevices) Tier() string { return d.DeviceTier }

func (d StaticDevices) HasSuperior(tier string) bool {
	return tier == d.DeviceTier && d.Superior
}
