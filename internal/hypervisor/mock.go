package hypervisor

import (
	"context"
	"fmt"
	"sync"
)

// MockClient is an in-memory Client for testing. Forward tables carry a
// version counter exposed as the ETag, so conditional writes behave like
// the real daemon.
type MockClient struct {
	mu sync.RWMutex

	Networks  map[string]NetworkSpec
	Profiles  map[string]ProfileSpec
	Instances map[string]*MockInstance

	tables   map[string]*ForwardTable
	versions map[string]int

	// Errors allows injecting errors for specific operations
	Errors map[string]error

	// InstanceErrors injects errors for one operation on one instance,
	// keyed by operation then instance name.
	InstanceErrors map[string]map[string]error

	neverAddress map[string]bool

	// staleWrites forces the next N ReplaceForwardTable calls to fail
	// as if another writer had committed first.
	staleWrites int

	// BeforeReplace runs (without the lock held) at the start of every
	// ReplaceForwardTable call. Tests use it to interleave writers.
	BeforeReplace func(table *ForwardTable)

	// AddressAfter is the number of state queries a started instance
	// answers with only an IPv6 address before its IPv4 address shows up.
	AddressAfter int

	// CallLog records all method calls for verification
	CallLog []MockCall

	nextHost int
}

// MockInstance is the state of one mock instance.
type MockInstance struct {
	Spec         InstanceSpec
	Status       InstanceStatus
	IPv4         string
	NeverAddress bool
	stateQueries int
	addressAfter int
}

// MockCall represents a recorded method call
type MockCall struct {
	Method string
	Args   []interface{}
}

// NewMockClient creates a new mock hypervisor
func NewMockClient() *MockClient {
	return &MockClient{
		Networks:       make(map[string]NetworkSpec),
		Profiles:       make(map[string]ProfileSpec),
		Instances:      make(map[string]*MockInstance),
		tables:         make(map[string]*ForwardTable),
		versions:       make(map[string]int),
		Errors:         make(map[string]error),
		InstanceErrors: make(map[string]map[string]error),
		neverAddress:   make(map[string]bool),
		CallLog:        make([]MockCall, 0),
	}
}

func tableKey(network, listenAddress string) string {
	return network + "|" + listenAddress
}

func (m *MockClient) record(method string, args ...interface{}) {
	m.CallLog = append(m.CallLog, MockCall{Method: method, Args: args})
}

// SetError sets an error to be returned for a specific operation
func (m *MockClient) SetError(operation string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Errors[operation] = err
}

// SetInstanceError sets an error for one operation on one instance
func (m *MockClient) SetInstanceError(operation, name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.InstanceErrors[operation] == nil {
		m.InstanceErrors[operation] = make(map[string]error)
	}
	m.InstanceErrors[operation][name] = err
}

// NeverAddress makes the named instance report no IPv4 address, whenever it
// is created.
func (m *MockClient) NeverAddress(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.neverAddress[name] = true
}

// InjectStaleWrites makes the next n conditional writes fail with
// ErrPreconditionFailed.
func (m *MockClient) InjectStaleWrites(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staleWrites = n
}

// AddForwardTable seeds a forward table, as left behind by an earlier run.
func (m *MockClient) AddForwardTable(table *ForwardTable) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := tableKey(table.Network, table.ListenAddress)
	m.tables[key] = table.Clone()
	m.versions[key]++
}

// ForwardTable returns a copy of the stored table, or nil.
func (m *MockClient) ForwardTable(network, listenAddress string) *ForwardTable {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tables[tableKey(network, listenAddress)]
	if !ok {
		return nil
	}
	return t.Clone()
}

// GetCalls returns all recorded calls
func (m *MockClient) GetCalls() []MockCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	calls := make([]MockCall, len(m.CallLog))
	copy(calls, m.CallLog)
	return calls
}

// GetCallsFor returns all calls for a specific method
func (m *MockClient) GetCallsFor(method string) []MockCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var calls []MockCall
	for _, call := range m.CallLog {
		if call.Method == method {
			calls = append(calls, call)
		}
	}
	return calls
}

// Name returns the backend identifier
func (m *MockClient) Name() string {
	return "mock"
}

// NetworkExists reports whether a network exists
func (m *MockClient) NetworkExists(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("NetworkExists", name)

	if err, ok := m.Errors["NetworkExists"]; ok {
		return false, err
	}
	_, ok := m.Networks[name]
	return ok, nil
}

// CreateNetwork creates a network
func (m *MockClient) CreateNetwork(ctx context.Context, spec NetworkSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateNetwork", spec)

	if err, ok := m.Errors["CreateNetwork"]; ok {
		return err
	}
	if _, ok := m.Networks[spec.Name]; ok {
		return fmt.Errorf("network %s: %w", spec.Name, ErrAlreadyExists)
	}
	m.Networks[spec.Name] = spec
	return nil
}

// ProfileExists reports whether a profile exists
func (m *MockClient) ProfileExists(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ProfileExists", name)

	if err, ok := m.Errors["ProfileExists"]; ok {
		return false, err
	}
	_, ok := m.Profiles[name]
	return ok, nil
}

// CreateProfile creates a profile
func (m *MockClient) CreateProfile(ctx context.Context, spec ProfileSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateProfile", spec)

	if err, ok := m.Errors["CreateProfile"]; ok {
		return err
	}
	if _, ok := m.Profiles[spec.Name]; ok {
		return fmt.Errorf("profile %s: %w", spec.Name, ErrAlreadyExists)
	}
	m.Profiles[spec.Name] = spec
	return nil
}

// CreateForwardTable creates an empty forward table
func (m *MockClient) CreateForwardTable(ctx context.Context, network, listenAddress, description string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateForwardTable", network, listenAddress)

	if err, ok := m.Errors["CreateForwardTable"]; ok {
		return err
	}
	if _, ok := m.Networks[network]; !ok {
		return fmt.Errorf("network %s: %w", network, ErrNotFound)
	}
	key := tableKey(network, listenAddress)
	if _, ok := m.tables[key]; ok {
		return fmt.Errorf("forward %s on %s: %w", listenAddress, network, ErrAlreadyExists)
	}
	m.tables[key] = &ForwardTable{
		Network:       network,
		ListenAddress: listenAddress,
		Description:   description,
	}
	m.versions[key]++
	return nil
}

// GetForwardTable returns a copy of the table and its ETag
func (m *MockClient) GetForwardTable(ctx context.Context, network, listenAddress string) (*ForwardTable, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("GetForwardTable", network, listenAddress)

	if err, ok := m.Errors["GetForwardTable"]; ok {
		return nil, "", err
	}
	key := tableKey(network, listenAddress)
	t, ok := m.tables[key]
	if !ok {
		return nil, "", fmt.Errorf("forward %s on %s: %w", listenAddress, network, ErrNotFound)
	}
	return t.Clone(), fmt.Sprintf("v%d", m.versions[key]), nil
}

// ReplaceForwardTable replaces the table if etag is still current
func (m *MockClient) ReplaceForwardTable(ctx context.Context, table *ForwardTable, etag string) error {
	m.mu.RLock()
	hook := m.BeforeReplace
	m.mu.RUnlock()
	if hook != nil {
		hook(table)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ReplaceForwardTable", table.Clone(), etag)

	if err, ok := m.Errors["ReplaceForwardTable"]; ok {
		return err
	}
	key := tableKey(table.Network, table.ListenAddress)
	if _, ok := m.tables[key]; !ok {
		return fmt.Errorf("forward %s on %s: %w", table.ListenAddress, table.Network, ErrNotFound)
	}
	if m.staleWrites > 0 {
		m.staleWrites--
		m.versions[key]++
		return ErrPreconditionFailed
	}
	if etag != fmt.Sprintf("v%d", m.versions[key]) {
		return ErrPreconditionFailed
	}
	m.tables[key] = table.Clone()
	m.versions[key]++
	return nil
}

// InstanceExists reports whether an instance exists
func (m *MockClient) InstanceExists(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("InstanceExists", name)

	if err, ok := m.Errors["InstanceExists"]; ok {
		return false, err
	}
	_, ok := m.Instances[name]
	return ok, nil
}

// CreateInstance creates a stopped instance
func (m *MockClient) CreateInstance(ctx context.Context, spec InstanceSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CreateInstance", spec)

	if err := m.instanceError("CreateInstance", spec.Name); err != nil {
		return err
	}
	if _, ok := m.Instances[spec.Name]; ok {
		return fmt.Errorf("instance %s: %w", spec.Name, ErrAlreadyExists)
	}
	for _, p := range spec.Profiles {
		if p == "default" {
			continue
		}
		if _, ok := m.Profiles[p]; !ok {
			return fmt.Errorf("profile %s: %w", p, ErrNotFound)
		}
	}
	m.Instances[spec.Name] = &MockInstance{
		Spec:         spec,
		Status:       StatusStopped,
		NeverAddress: m.neverAddress[spec.Name],
		addressAfter: m.AddressAfter,
	}
	return nil
}

// StartInstance starts an instance and leases it an address
func (m *MockClient) StartInstance(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("StartInstance", name)

	if err := m.instanceError("StartInstance", name); err != nil {
		return err
	}
	inst, ok := m.Instances[name]
	if !ok {
		return fmt.Errorf("instance %s: %w", name, ErrNotFound)
	}
	inst.Status = StatusRunning
	if inst.IPv4 == "" {
		m.nextHost++
		inst.IPv4 = fmt.Sprintf("10.42.%d.%d", m.nextHost/250, m.nextHost%250+2)
	}
	return nil
}

// InstanceState returns the live state of an instance
func (m *MockClient) InstanceState(ctx context.Context, name string) (*InstanceState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("InstanceState", name)

	if err := m.instanceError("InstanceState", name); err != nil {
		return nil, err
	}
	inst, ok := m.Instances[name]
	if !ok {
		return nil, fmt.Errorf("instance %s: %w", name, ErrNotFound)
	}

	state := &InstanceState{
		Status:     inst.Status,
		Interfaces: map[string][]Address{},
	}
	if inst.Status != StatusRunning {
		return state, nil
	}

	inst.stateQueries++
	addrs := []Address{
		{Family: "inet6", Address: "fe80::216:3eff:fe00:1", Netmask: "64", Scope: "link"},
	}
	if !inst.NeverAddress && inst.stateQueries > inst.addressAfter {
		addrs = append(addrs, Address{Family: "inet", Address: inst.IPv4, Netmask: "24", Scope: "global"})
	}
	state.Interfaces["eth0"] = addrs
	state.Interfaces["lo"] = []Address{{Family: "inet", Address: "127.0.0.1", Netmask: "8", Scope: "local"}}
	return state, nil
}

func (m *MockClient) instanceError(operation, name string) error {
	if err, ok := m.Errors[operation]; ok {
		return err
	}
	if err, ok := m.InstanceErrors[operation][name]; ok && err != nil {
		return err
	}
	return nil
}
