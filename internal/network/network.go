// Package network provides the shared host network and profile definitions
// for participant containers.
package network

import (
	"github.com/firefly-engineering/nest-ctl/internal/hypervisor"
)

// Fixed names of the shared host resources. One of each exists per host.
const (
	BridgeName  = "nestbr0"
	ProfileName = "nestpr0"
	NICName     = "eth0"
)

// Container ports exposed through the forward table.
const (
	SSHTargetPort = 22
	WebTargetPort = 80
	Protocol      = "tcp"
)

// ProfileLimits holds the resource limits applied to every participant container.
type ProfileLimits struct {
	CPU           string
	Memory        string
	MemoryEnforce string
	RootSize      string
	StoragePool   string
}

// DefaultProfileLimits returns the limits used for the Linux labs.
func DefaultProfileLimits() ProfileLimits {
	return ProfileLimits{
		CPU:           "2",
		Memory:        "1GB",
		MemoryEnforce: "soft",
		RootSize:      "5GB",
		StoragePool:   "default",
	}
}

// BridgeSpec returns the NAT bridge with auto-assigned IPv4 and no IPv6.
func BridgeSpec() hypervisor.NetworkSpec {
	return hypervisor.NetworkSpec{
		Name:        BridgeName,
		Type:        "bridge",
		Description: "Nested Network for Linux Labs",
		Config: map[string]string{
			"ipv4.address": "auto",
			"ipv4.nat":     "true",
			"ipv6.address": "none",
		},
	}
}

// ProfileSpec returns the participant profile: nesting enabled, limits
// applied, one NIC on the bridge and a sized root disk.
func ProfileSpec(limits ProfileLimits) hypervisor.ProfileSpec {
	enforce := limits.MemoryEnforce
	if enforce == "" {
		enforce = "soft"
	}
	return hypervisor.ProfileSpec{
		Name:        ProfileName,
		Description: "Nested Linux Labs participant",
		Config: map[string]string{
			"security.nesting":      "true",
			"limits.memory":         limits.Memory,
			"limits.memory.enforce": enforce,
			"limits.cpu":            limits.CPU,
		},
		Devices: map[string]map[string]string{
			NICName: {
				"name":    NICName,
				"network": BridgeName,
				"type":    "nic",
			},
			"root": {
				"path": "/",
				"pool": limits.StoragePool,
				"type": "disk",
				"size": limits.RootSize,
			},
		},
	}
}
