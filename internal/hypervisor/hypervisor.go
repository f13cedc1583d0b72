// Package hypervisor defines the narrow container hypervisor interface used
// by nest-ctl. The LXD backend talks to the local daemon; the mock backend
// keeps everything in memory for tests.
package hypervisor

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a named resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrPreconditionFailed is returned when a conditional write was
	// rejected because the resource changed since it was fetched.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrAlreadyExists is returned when creating a resource whose name is taken.
	ErrAlreadyExists = errors.New("already exists")
)

// InstanceStatus represents the state of an instance
type InstanceStatus string

const (
	StatusRunning InstanceStatus = "Running"
	StatusStopped InstanceStatus = "Stopped"
	StatusUnknown InstanceStatus = "Unknown"
)

// NetworkSpec describes a managed bridge network.
type NetworkSpec struct {
	Name        string
	Type        string
	Description string
	Config      map[string]string
}

// ProfileSpec describes a named resource-limit and device template.
type ProfileSpec struct {
	Name        string
	Description string
	Config      map[string]string
	Devices     map[string]map[string]string
}

// ForwardRule maps an externally reachable listen port to a port on an
// instance address.
type ForwardRule struct {
	ListenPort    int
	TargetAddress string
	TargetPort    int
	Protocol      string
	Description   string
}

// ForwardTable is the whole set of rules for one (network, listen address)
// pair. It is always fetched and replaced as a single value.
type ForwardTable struct {
	Network       string
	ListenAddress string
	Description   string
	Config        map[string]string
	Rules         []ForwardRule
}

// Clone returns a deep copy of the table.
func (t *ForwardTable) Clone() *ForwardTable {
	c := *t
	c.Rules = append([]ForwardRule(nil), t.Rules...)
	if t.Config != nil {
		c.Config = make(map[string]string, len(t.Config))
		for k, v := range t.Config {
			c.Config[k] = v
		}
	}
	return &c
}

// HasListenPort reports whether a rule already claims port. A listen port
// is unique within the table whatever the protocol.
func (t *ForwardTable) HasListenPort(port int) bool {
	for _, r := range t.Rules {
		if r.ListenPort == port {
			return true
		}
	}
	return false
}

// ImageSource identifies the image an instance boots from.
type ImageSource struct {
	Alias    string
	Server   string
	Protocol string
}

// InstanceSpec holds options for creating an instance
type InstanceSpec struct {
	Name     string
	Source   ImageSource
	Profiles []string
	Config   map[string]string
}

// Address is one address reported on an instance interface.
type Address struct {
	Family  string // "inet" or "inet6"
	Address string
	Netmask string
	Scope   string // "global", "link" or "local"
}

// InstanceState is the live state of an instance.
type InstanceState struct {
	Status     InstanceStatus
	Interfaces map[string][]Address
}

// Networks is the subset of the hypervisor API that manages bridge networks.
type Networks interface {
	NetworkExists(ctx context.Context, name string) (bool, error)
	CreateNetwork(ctx context.Context, spec NetworkSpec) error
}

// Profiles is the subset of the hypervisor API that manages profiles.
type Profiles interface {
	ProfileExists(ctx context.Context, name string) (bool, error)
	CreateProfile(ctx context.Context, spec ProfileSpec) error
}

// ForwardTables is the subset of the hypervisor API that manages network
// forwards. GetForwardTable returns ErrNotFound when no table exists and an
// opaque ETag otherwise; ReplaceForwardTable returns ErrPreconditionFailed
// when the ETag is no longer current.
type ForwardTables interface {
	CreateForwardTable(ctx context.Context, network, listenAddress, description string) error
	GetForwardTable(ctx context.Context, network, listenAddress string) (*ForwardTable, string, error)
	ReplaceForwardTable(ctx context.Context, table *ForwardTable, etag string) error
}

// InstanceStater reads the live state of an instance.
type InstanceStater interface {
	InstanceState(ctx context.Context, name string) (*InstanceState, error)
}

// Instances is the subset of the hypervisor API that manages instances.
type Instances interface {
	InstanceStater
	InstanceExists(ctx context.Context, name string) (bool, error)
	CreateInstance(ctx context.Context, spec InstanceSpec) error
	StartInstance(ctx context.Context, name string) error
}

// Client is the full hypervisor interface. Implementations must be safe for
// concurrent use.
type Client interface {
	Networks
	Profiles
	ForwardTables
	Instances

	// Name returns the backend identifier (e.g., "lxd", "mock")
	Name() string
}
