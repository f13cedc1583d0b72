// Package provision runs the per-participant provisioning pipeline.
//
// A run first reconciles the shared infrastructure (bridge network, its
// forward table on the listen address, and the participant profile), then
// walks every roster entry through
//
//	Pending -> CredentialIssued -> ContainerCreated -> ContainerStarted
//	        -> AddressResolved -> PortsAllocated -> RecordAppended
//
// with any step able to end in Failed. Participant i always gets ports
// SSHStart+i and WebStart+i, whether or not earlier participants failed.
//
// Work is bounded by Settings.Parallelism. Canceling the run context stops
// new participants from starting; the ones already started finish so that
// every started container is reachable. The finalizer runs once at the end
// and receives the records in roster order.
package provision
