/*
Package config loads swarmsql's per-node configuration from a YAML file,
environment variables, and compiled-in defaults, in that precedence order
(environment overrides the file; the file overrides defaults).

# Configuration sections

Global: node identity, log level, and the columnar RPC listener address.

Admission: per-user concurrency, queue depth, memory headroom, and the
running-query timeout reported by internal/admission's CheckTimeouts.

Catalog: how often internal/catalog re-advertises this node's local
tables into gossip.

Shuffle: how long internal/shuffle's take_partition waits for a producer.

Security: TLS certificate/key paths for the Flight server, mirroring the
teacher's SecurityConfig/TLSConfig split.

Telemetry: the Prometheus metrics endpoint internal/telemetry serves.

Resilience: circuit breaker thresholds and retry/backoff parameters for
calls to peer nodes.

# Example file

	global:
	  node_id: node-1
	  log_level: INFO
	  flight_address: "0.0.0.0:9443"
	admission:
	  default_max_concurrent: 10
	  max_memory_utilization_pct: 85
	  max_queue_size: 100
	  timeout_secs: 300
	catalog:
	  refresh_interval_secs: 30
	security:
	  tls:
	    enabled: false
*/
package config
