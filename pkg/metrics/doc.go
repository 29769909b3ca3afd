/*
Package metrics provides Prometheus metrics and the admin HTTP surface for
the enrollment authority.

Metrics track the KeyStore's size, the pending-mutation queues' depth, the
durable writer's flush latency and failure count, dispatch latency per
enrollment, and the integrity synchronizer's round duration and back-off
interval. AdminServer exposes /health, /ready and /metrics, mirroring the
shape of a typical Go service's operational endpoints.
*/
package metrics
