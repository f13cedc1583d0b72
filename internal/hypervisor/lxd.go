package hypervisor

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"

	lxd "github.com/canonical/lxd/client"
	"github.com/canonical/lxd/shared/api"
	"golang.org/x/time/rate"

	"github.com/firefly-engineering/nest-ctl/internal/logging"
)

// DefaultLXDSocket is the unix socket of a snap-installed LXD daemon. It is
// used when no socket is configured and it exists.
const DefaultLXDSocket = "/var/snap/lxd/common/lxd/unix.socket"

// LXDOptions configures the connection to the LXD daemon.
type LXDOptions struct {
	// Socket is the unix socket path; empty uses the LXD client default
	// lookup ($LXD_SOCKET, $LXD_DIR, /var/lib/lxd).
	Socket string

	// Project selects an LXD project; empty means "default".
	Project string

	// RequestsPerSecond caps API calls across all workers; 0 disables the cap.
	RequestsPerSecond float64
}

// LXDClient implements Client against a local LXD daemon.
type LXDClient struct {
	server  lxd.InstanceServer
	limiter *rate.Limiter
}

// ConnectLXD connects to the local LXD daemon.
func ConnectLXD(ctx context.Context, opts LXDOptions) (*LXDClient, error) {
	if opts.Socket == "" {
		if _, err := os.Stat(DefaultLXDSocket); err == nil {
			opts.Socket = DefaultLXDSocket
		}
	}
	server, err := lxd.ConnectLXDUnixWithContext(ctx, opts.Socket, &lxd.ConnectionArgs{
		UserAgent: "nest-ctl",
	})
	if err != nil {
		return nil, fmt.Errorf("connect to LXD at %q: %w", opts.Socket, err)
	}
	if opts.Project != "" {
		server = server.UseProject(opts.Project)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1)
	}

	logging.Debug("connected to LXD", "socket", opts.Socket, "project", opts.Project, "rate", opts.RequestsPerSecond)
	return &LXDClient{server: server, limiter: limiter}, nil
}

// Name returns the backend identifier
func (c *LXDClient) Name() string {
	return "lxd"
}

func (c *LXDClient) wait(ctx context.Context) error {
	return c.limiter.Wait(ctx)
}

// translate maps LXD status errors onto the package sentinels.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case api.StatusErrorCheck(err, http.StatusNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case api.StatusErrorCheck(err, http.StatusPreconditionFailed):
		return fmt.Errorf("%w: %v", ErrPreconditionFailed, err)
	case api.StatusErrorCheck(err, http.StatusConflict):
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	default:
		return err
	}
}

func exists(err error) (bool, error) {
	if err == nil {
		return true, nil
	}
	if api.StatusErrorCheck(err, http.StatusNotFound) {
		return false, nil
	}
	return false, err
}

// NetworkExists reports whether a network exists
func (c *LXDClient) NetworkExists(ctx context.Context, name string) (bool, error) {
	if err := c.wait(ctx); err != nil {
		return false, err
	}
	_, _, err := c.server.GetNetwork(name)
	return exists(err)
}

// CreateNetwork creates a network
func (c *LXDClient) CreateNetwork(ctx context.Context, spec NetworkSpec) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	logging.Debug("creating network", "name", spec.Name, "type", spec.Type)
	return translate(c.server.CreateNetwork(api.NetworksPost{
		Name: spec.Name,
		Type: spec.Type,
		NetworkPut: api.NetworkPut{
			Config:      spec.Config,
			Description: spec.Description,
		},
	}))
}

// ProfileExists reports whether a profile exists
func (c *LXDClient) ProfileExists(ctx context.Context, name string) (bool, error) {
	if err := c.wait(ctx); err != nil {
		return false, err
	}
	_, _, err := c.server.GetProfile(name)
	return exists(err)
}

// CreateProfile creates a profile
func (c *LXDClient) CreateProfile(ctx context.Context, spec ProfileSpec) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	logging.Debug("creating profile", "name", spec.Name)
	return translate(c.server.CreateProfile(api.ProfilesPost{
		Name: spec.Name,
		ProfilePut: api.ProfilePut{
			Config:      spec.Config,
			Description: spec.Description,
			Devices:     spec.Devices,
		},
	}))
}

// CreateForwardTable creates an empty network forward for a listen address
func (c *LXDClient) CreateForwardTable(ctx context.Context, network, listenAddress, description string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	logging.Debug("creating network forward", "network", network, "listen_address", listenAddress)
	return translate(c.server.CreateNetworkForward(network, api.NetworkForwardsPost{
		ListenAddress: listenAddress,
		NetworkForwardPut: api.NetworkForwardPut{
			Description: description,
			Config:      map[string]string{},
			Ports:       []api.NetworkForwardPort{},
		},
	}))
}

// GetForwardTable fetches a network forward and its ETag
func (c *LXDClient) GetForwardTable(ctx context.Context, network, listenAddress string) (*ForwardTable, string, error) {
	if err := c.wait(ctx); err != nil {
		return nil, "", err
	}
	fwd, etag, err := c.server.GetNetworkForward(network, listenAddress)
	if err != nil {
		return nil, "", translate(err)
	}

	table := &ForwardTable{
		Network:       network,
		ListenAddress: fwd.ListenAddress,
		Description:   fwd.Description,
		Config:        fwd.Config,
		Rules:         make([]ForwardRule, 0, len(fwd.Ports)),
	}
	for _, p := range fwd.Ports {
		rule, err := ruleFromAPI(p)
		if err != nil {
			return nil, "", fmt.Errorf("forward %s on %s: %w", listenAddress, network, err)
		}
		table.Rules = append(table.Rules, rule)
	}
	return table, etag, nil
}

// ReplaceForwardTable writes the whole rule set, conditioned on etag
func (c *LXDClient) ReplaceForwardTable(ctx context.Context, table *ForwardTable, etag string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	ports := make([]api.NetworkForwardPort, 0, len(table.Rules))
	for _, r := range table.Rules {
		ports = append(ports, api.NetworkForwardPort{
			Description:   r.Description,
			Protocol:      r.Protocol,
			ListenPort:    strconv.Itoa(r.ListenPort),
			TargetPort:    strconv.Itoa(r.TargetPort),
			TargetAddress: r.TargetAddress,
		})
	}
	return translate(c.server.UpdateNetworkForward(table.Network, table.ListenAddress, api.NetworkForwardPut{
		Config:      table.Config,
		Description: table.Description,
		Ports:       ports,
	}, etag))
}

// ruleFromAPI converts a forward port entry. Only single-port entries are
// supported; port ranges are never written by nest-ctl.
func ruleFromAPI(p api.NetworkForwardPort) (ForwardRule, error) {
	listen, err := strconv.Atoi(p.ListenPort)
	if err != nil {
		return ForwardRule{}, fmt.Errorf("unsupported listen port %q", p.ListenPort)
	}
	target := listen
	if p.TargetPort != "" {
		target, err = strconv.Atoi(p.TargetPort)
		if err != nil {
			return ForwardRule{}, fmt.Errorf("unsupported target port %q", p.TargetPort)
		}
	}
	return ForwardRule{
		ListenPort:    listen,
		TargetAddress: p.TargetAddress,
		TargetPort:    target,
		Protocol:      p.Protocol,
		Description:   p.Description,
	}, nil
}

// InstanceExists reports whether an instance exists
func (c *LXDClient) InstanceExists(ctx context.Context, name string) (bool, error) {
	if err := c.wait(ctx); err != nil {
		return false, err
	}
	_, _, err := c.server.GetInstance(name)
	return exists(err)
}

// CreateInstance creates a container and waits for the operation
func (c *LXDClient) CreateInstance(ctx context.Context, spec InstanceSpec) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	logging.Debug("creating instance", "name", spec.Name, "alias", spec.Source.Alias)
	op, err := c.server.CreateInstance(api.InstancesPost{
		Name: spec.Name,
		Type: api.InstanceTypeContainer,
		Source: api.InstanceSource{
			Type:     "image",
			Alias:    spec.Source.Alias,
			Server:   spec.Source.Server,
			Protocol: spec.Source.Protocol,
		},
		InstancePut: api.InstancePut{
			Config:   spec.Config,
			Profiles: spec.Profiles,
		},
	})
	if err != nil {
		return translate(err)
	}
	return op.WaitContext(ctx)
}

// StartInstance starts an instance and waits for the operation
func (c *LXDClient) StartInstance(ctx context.Context, name string) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	logging.Debug("starting instance", "name", name)
	op, err := c.server.UpdateInstanceState(name, api.InstanceStatePut{
		Action:  "start",
		Timeout: -1,
	}, "")
	if err != nil {
		return translate(err)
	}
	return op.WaitContext(ctx)
}

// InstanceState returns the live state of an instance
func (c *LXDClient) InstanceState(ctx context.Context, name string) (*InstanceState, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	st, _, err := c.server.GetInstanceState(name)
	if err != nil {
		return nil, translate(err)
	}

	state := &InstanceState{
		Status:     InstanceStatus(st.Status),
		Interfaces: make(map[string][]Address, len(st.Network)),
	}
	for nic, n := range st.Network {
		addrs := make([]Address, 0, len(n.Addresses))
		for _, a := range n.Addresses {
			addrs = append(addrs, Address{
				Family:  a.Family,
				Address: a.Address,
				Netmask: a.Netmask,
				Scope:   a.Scope,
			})
		}
		state.Interfaces[nic] = addrs
	}
	return state, nil
}
