/*
Package domain contains the core entities and collaborator contracts of the
capability router.

Backend Instance:
BackendInstance is one running worker serving a capability. Its identity is
fixed at creation; lifecycle, health, probe record and metrics are guarded by
the instance's own lock, and the connection count is atomic, so recording
against one instance never blocks another.

	inst := domain.NewBackendInstance(meta)
	inst.IncrementConnections()
	defer inst.DecrementConnections()

Health state machine:
RecordProbe counts consecutive outcomes. An instance becomes healthy only after
HealthyThreshold consecutive successes and unhealthy only after
UnhealthyThreshold consecutive failures. A draining instance keeps its status
until an explicit Undrain.

Capability types:
CapabilityType is a closed set of built-in kinds plus KindCustom, which carries
a free-form name. The text form is the kind name or "custom:<name>".

Collaborators:
Transport, Prober, DeploymentProvider and Store are the external contracts the
registry and orchestrator depend on. Implementations live in the transport,
deploy and repository packages.
*/
package domain
