// Package network provides the shared host network definitions for
// participant containers.
//
// # Shared Resources
//
// Every participant container attaches to one NAT bridge and uses one
// profile. Both are created once per host:
//
//	BridgeName  = "nestbr0" // ipv4.address=auto, ipv4.nat=true, ipv6.address=none
//	ProfileName = "nestpr0" // nesting, CPU/memory limits, eth0 on the bridge, root disk
//
// # Listen Address
//
// All forwarded ports of a run are exposed on one listen address, chosen
// before any container is created:
//
//   - ListenExplicit: an IP given by the operator
//   - ListenExternal: the public address reported by checkip.amazonaws.com
//   - ListenLocal: the source address of the host's default route
//
// Usage:
//
//	addr, err := network.NewResolver().Resolve(ctx, network.ListenExternal, "")
package network
