// Package metrics implements Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DevicePacketsTotal counts frames moved through a device by direction (rx/tx)
	DevicePacketsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_device_packets_total",
			Help: "Total number of frames received or transmitted by a device",
		},
		[]string{"device", "direction"},
	)

	// DeviceBytesTotal counts frame bytes moved through a device by direction
	DeviceBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_device_bytes_total",
			Help: "Total number of frame bytes received or transmitted by a device",
		},
		[]string{"device", "direction"},
	)

	// DeviceDropsTotal counts frames discarded by a device, by reason
	DeviceDropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_device_drops_total",
			Help: "Total number of frames dropped",
		},
		[]string{"device", "reason"},
	)

	// ConnectionsOpen tracks connections registered on a device
	ConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tern_connections_open",
			Help: "Number of open connections per device",
		},
		[]string{"device"},
	)

	// StreamTruncatedBytesTotal counts inbound bytes dropped because a stream was full
	StreamTruncatedBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_stream_truncated_bytes_total",
			Help: "Total number of inbound bytes dropped on full connection streams",
		},
		[]string{"device"},
	)

	// ARPCacheEntries tracks the size of each device's ARP cache
	ARPCacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tern_arp_cache_entries",
			Help: "Number of entries in the ARP cache",
		},
		[]string{"device"},
	)

	// TCPStateTransitionsTotal counts TCP state entries by target state
	TCPStateTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_tcp_state_transitions_total",
			Help: "Total number of TCP state transitions by new state",
		},
		[]string{"state"},
	)

	// TCPRetransmitsTotal counts resent TCP segments
	TCPRetransmitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "tern_tcp_retransmits_total",
			Help: "Total number of retransmitted TCP segments",
		},
	)

	// TCPRoundTripSeconds records clean round-trip samples
	TCPRoundTripSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tern_tcp_round_trip_seconds",
			Help:    "Round-trip time of acknowledged TCP segments",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16), // 100µs to ~3s
		},
	)

	// DHCPNegotiationsTotal counts DHCP exchanges by kind and result
	DHCPNegotiationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_dhcp_negotiations_total",
			Help: "Total number of DHCP negotiations",
		},
		[]string{"kind", "result"},
	)

	// DNSLookupsTotal counts resolver lookups by query type and result
	DNSLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_dns_lookups_total",
			Help: "Total number of DNS lookups",
		},
		[]string{"type", "result"},
	)

	// DNSQuerySeconds measures DNS round trips to the server
	DNSQuerySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tern_dns_query_seconds",
			Help:    "Latency of DNS queries sent to the server",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 500µs to ~4s
		},
	)

	// ICMPEchoRepliesTotal counts echo requests answered or refused by the rate limiter
	ICMPEchoRepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tern_icmp_echo_replies_total",
			Help: "Total number of ICMP echo requests answered or rate limited",
		},
		[]string{"result"},
	)

	// ReassemblyFlows tracks datagrams awaiting more fragments
	ReassemblyFlows = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tern_reassembly_flows",
			Help: "Number of IPv4 datagrams awaiting fragments",
		},
	)

	// DispatchPollSeconds measures one pass of the dispatch loop over all devices
	DispatchPollSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tern_dispatch_poll_seconds",
			Help:    "Duration of one dispatch loop pass",
			Buckets: prometheus.ExponentialBuckets(0.000001, 2, 20), // 1µs to ~1s
		},
	)
)
