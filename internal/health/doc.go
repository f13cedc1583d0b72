// Package health waits for participant containers to become reachable.
//
// A started container obtains its IPv4 address from the bridge's DHCP
// server some time after it reports Running, and usually after its
// link-local IPv6 address appears. WaitForAddress polls the live instance
// state until an IPv4 address shows up on eth0:
//
//	addr, err := health.WaitForAddress(ctx, client, "Nest-An-Lee", health.DefaultPollOptions())
//
// Polling is bounded. With the defaults it queries at most 60 times, one
// second apart, then fails with an AddressTimeout error.
package health
