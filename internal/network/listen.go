package network

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/firefly-engineering/nest-ctl/internal/logging"
)

// ListenMode selects how the externally reachable listen address is chosen.
type ListenMode string

const (
	ListenExplicit ListenMode = "explicit"
	ListenExternal ListenMode = "external"
	ListenLocal    ListenMode = "local"
)

// DefaultCheckIPURL echoes the caller's public IPv4 address.
const DefaultCheckIPURL = "https://checkip.amazonaws.com"

// ParseListenMode validates a listen mode string.
func ParseListenMode(s string) (ListenMode, error) {
	switch ListenMode(s) {
	case ListenExplicit, ListenExternal, ListenLocal:
		return ListenMode(s), nil
	default:
		return "", fmt.Errorf("invalid listen mode: %s (use explicit, external, or local)", s)
	}
}

// Resolver picks the listen address for a run.
type Resolver struct {
	HTTPClient *http.Client
	CheckIPURL string

	// Dial opens the UDP socket used to discover the local source address.
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewResolver returns a Resolver with a 10 second lookup timeout.
func NewResolver() *Resolver {
	d := &net.Dialer{}
	return &Resolver{
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		CheckIPURL: DefaultCheckIPURL,
		Dial:       d.DialContext,
	}
}

// Resolve returns the listen address for mode. explicit is only used in
// ListenExplicit mode.
func (r *Resolver) Resolve(ctx context.Context, mode ListenMode, explicit string) (netip.Addr, error) {
	switch mode {
	case ListenExplicit:
		addr, err := netip.ParseAddr(strings.TrimSpace(explicit))
		if err != nil {
			return netip.Addr{}, fmt.Errorf("invalid listen address %q: %w", explicit, err)
		}
		return addr, nil
	case ListenExternal:
		return r.external(ctx)
	case ListenLocal:
		return r.local(ctx)
	default:
		return netip.Addr{}, fmt.Errorf("invalid listen mode: %s", mode)
	}
}

func (r *Resolver) external(ctx context.Context) (netip.Addr, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.CheckIPURL, nil)
	if err != nil {
		return netip.Addr{}, err
	}
	resp, err := r.HTTPClient.Do(req)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("external address lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return netip.Addr{}, fmt.Errorf("external address lookup failed: %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("external address lookup failed: %w", err)
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(string(body)))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("external address lookup returned %q: %w", strings.TrimSpace(string(body)), err)
	}
	logging.Debug("resolved external address", "address", addr, "source", r.CheckIPURL)
	return addr, nil
}

// local returns the source IPv4 address of the default route. Connecting a
// UDP socket sends no packets.
func (r *Resolver) local(ctx context.Context) (netip.Addr, error) {
	conn, err := r.Dial(ctx, "udp4", "192.0.2.1:9")
	if err != nil {
		return netip.Addr{}, fmt.Errorf("local address lookup failed: %w", err)
	}
	defer conn.Close()

	udp, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return netip.Addr{}, fmt.Errorf("local address lookup failed: unexpected address %v", conn.LocalAddr())
	}
	addr, ok := netip.AddrFromSlice(udp.IP)
	if !ok || addr.Unmap().IsUnspecified() {
		return netip.Addr{}, fmt.Errorf("local address lookup failed: no usable address")
	}
	return addr.Unmap(), nil
}
