/*
Package service implements the routing and lifecycle core of the capability router.

It sits between the domain model and the infrastructure packages: transports,
deployment providers and stores are injected through the interfaces declared in
the domain package, so every component here can be driven by fakes in tests.

Key Components:

Registry:
The catalog of backend groups and instances. Membership is guarded by a single
read-mostly lock while per-instance state is synchronized by each instance, so
selection never waits on a probe write.

	registry, err := service.NewRegistry(registryConfig, store, prober, bus, logger)
	if err != nil {
		return err
	}
	if err := registry.Start(ctx); err != nil {
		return err
	}

	id, err := registry.Register(ctx, groupConfig, domain.InstanceMetadata{
		Address: domain.Address{Protocol: domain.ProtocolHTTP, Host: "10.0.0.5", Port: 8080},
	})

HealthMonitor:
Probes every instance on a fixed interval with bounded parallelism. A status
only flips after the configured number of consecutive outcomes; a single
flaky probe never removes an instance from rotation.

LoadBalancer and strategies:
Selection over an already-filtered healthy set. Supported strategies are
round_robin, least_connections, weighted, resource_based and consistent_hash.
Round robin counters and hash rings are kept per candidate composition.

	instance, ok := registry.SelectInstance(domain.Builtin(domain.KindFilesystem), domain.SelectionHints{
		AffinityKey: "session-42",
	})

CircuitBreaker:
One breaker per instance built on sony/gobreaker. In half-open state exactly
one trial request is admitted.

Orchestrator:
Executes requests with retry and failover, scales groups, performs rolling
updates and rollbacks, and supervises failed instances.

	result, err := orchestrator.Execute(ctx, capType, service.ExecuteRequest{
		Method: "read_file",
		Params: json.RawMessage(`{"path":"/etc/hosts"}`),
	})
	if errors.Is(err, apperrors.ErrNoHealthyBackend) {
		// nothing can serve this capability right now
	}

	rev, err := orchestrator.RollingUpdate(ctx, "files", newConfig, "bump to v2")

ConfigReloadService:
Applies group changes found in the configuration file to the running system
through the orchestrator.

EventBus:
Non-blocking fan-out of registry and rollout events. A slow subscriber loses
events instead of stalling the publisher.

Thread Safety:

All exported types are safe for concurrent use. No component holds a lock
across network I/O.
*/
package service
