/*
Package metrics provides Prometheus metrics for Burrow.

Counters and gauges cover units by kind and state, job submissions and
results, transaction rejections, recovery and reload counts, and loop and
store latencies. Metrics register on the default registry via Init; the
daemon exposes them on an optional local HTTP listener.
*/
package metrics
