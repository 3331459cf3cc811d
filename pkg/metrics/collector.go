package metrics

import (
	"os"
	"sync"

	"github.com/latency-mesh/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector Prometheus metrics collector
type Collector struct {
	// Snapshot returns a copy of every registered peer's metadata.
	Snapshot func() map[types.PeerAddr]types.StreamMetadata

	// Info metric (always 1)
	nodeInfo *prometheus.Desc

	// Peer metrics, read from the registry at scrape time
	peersTotal        *prometheus.Desc
	peerPing          *prometheus.Desc
	peerAngle         *prometheus.Desc
	peerProbeInFlight *prometheus.Desc

	// Protocol metrics
	framesReceived    *prometheus.Desc
	framesSent        *prometheus.Desc
	discoveryCommands *prometheus.Desc
	disconnects       *prometheus.Desc
	connectsAborted   *prometheus.Desc

	// Counters (protected by mutex)
	metricsLock       sync.RWMutex
	framesRxByKind    map[string]float64
	framesTxByKind    map[string]float64
	discoveryTotal    float64
	disconnectsByKind map[string]float64
	abortedTotal      float64
}

// NewCollector creates a new metrics collector
func NewCollector(snapshot func() map[types.PeerAddr]types.StreamMetadata) *Collector {
	return &Collector{
		Snapshot: snapshot,
		nodeInfo: prometheus.NewDesc(
			"mesh_node_info",
			"Mesh node process info metric (always 1).",
			[]string{"node", "peer_id"},
			nil,
		),
		peersTotal: prometheus.NewDesc(
			"mesh_peers",
			"Number of peers currently registered in this node",
			[]string{"node"},
			nil,
		),
		peerPing: prometheus.NewDesc(
			"mesh_peer_ping_milliseconds",
			"Last measured round-trip latency to a peer",
			[]string{"peer", "node"},
			nil,
		),
		peerAngle: prometheus.NewDesc(
			"mesh_peer_topology_angle_radians",
			"Last triangulated angle of a peer",
			[]string{"peer", "node"},
			nil,
		),
		peerProbeInFlight: prometheus.NewDesc(
			"mesh_peer_probe_in_flight",
			"Whether a ping probe to the peer is outstanding (1) or not (0)",
			[]string{"peer", "node"},
			nil,
		),
		framesReceived: prometheus.NewDesc(
			"mesh_frames_received_total",
			"Protocol frames received by kind",
			[]string{"kind", "node"},
			nil,
		),
		framesSent: prometheus.NewDesc(
			"mesh_frames_sent_total",
			"Protocol frames sent by kind",
			[]string{"kind", "node"},
			nil,
		),
		discoveryCommands: prometheus.NewDesc(
			"mesh_discovery_commands_total",
			"Connect requests emitted in response to peer gossip",
			[]string{"node"},
			nil,
		),
		disconnects: prometheus.NewDesc(
			"mesh_disconnects_total",
			"Peer connections torn down by reason",
			[]string{"reason", "node"},
			nil,
		),
		connectsAborted: prometheus.NewDesc(
			"mesh_connects_aborted_total",
			"Outbound connections aborted because the measured latency exceeded the ceiling",
			[]string{"node"},
			nil,
		),
		framesRxByKind:    make(map[string]float64),
		framesTxByKind:    make(map[string]float64),
		disconnectsByKind: make(map[string]float64),
	}
}

// RecordFrameReceived counts a decoded frame.
func (c *Collector) RecordFrameReceived(kind string) {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.framesRxByKind[kind]++
}

// RecordFrameSent counts a written frame.
func (c *Collector) RecordFrameSent(kind string) {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.framesTxByKind[kind]++
}

// RecordDiscoveryCommand counts an emitted connect request.
func (c *Collector) RecordDiscoveryCommand() {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.discoveryTotal++
}

// RecordDisconnect counts a torn-down connection (low cardinality reason).
func (c *Collector) RecordDisconnect(reason string) {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.disconnectsByKind[reason]++
}

// RecordConnectAborted counts an outbound connect dropped for excessive latency.
func (c *Collector) RecordConnectAborted() {
	if c == nil {
		return
	}
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.abortedTotal++
}

// Describe implements prometheus.Collector interface
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.nodeInfo
	ch <- c.peersTotal
	ch <- c.peerPing
	ch <- c.peerAngle
	ch <- c.peerProbeInFlight
	ch <- c.framesReceived
	ch <- c.framesSent
	ch <- c.discoveryCommands
	ch <- c.disconnects
	ch <- c.connectsAborted
}

// Collect implements prometheus.Collector interface
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	nodeName := os.Getenv("NODE_NAME")
	if nodeName == "" {
		nodeName = "unknown"
	}
	peerID := os.Getenv("PEER_ID")
	if peerID == "" {
		peerID = "unknown"
	}

	ch <- prometheus.MustNewConstMetric(c.nodeInfo, prometheus.GaugeValue, 1, nodeName, peerID)

	var peers map[types.PeerAddr]types.StreamMetadata
	if c.Snapshot != nil {
		peers = c.Snapshot()
	}
	ch <- prometheus.MustNewConstMetric(c.peersTotal, prometheus.GaugeValue, float64(len(peers)), nodeName)

	for addr, meta := range peers {
		peer := addr.String()
		ch <- prometheus.MustNewConstMetric(c.peerPing, prometheus.GaugeValue, float64(meta.Ping), peer, nodeName)
		ch <- prometheus.MustNewConstMetric(c.peerAngle, prometheus.GaugeValue, meta.TopologyAngle, peer, nodeName)
		inFlight := 0.0
		if _, ok := meta.Probe.InFlight(); ok {
			inFlight = 1
		}
		ch <- prometheus.MustNewConstMetric(c.peerProbeInFlight, prometheus.GaugeValue, inFlight, peer, nodeName)
	}

	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()

	for kind, value := range c.framesRxByKind {
		ch <- prometheus.MustNewConstMetric(c.framesReceived, prometheus.CounterValue, value, kind, nodeName)
	}
	for kind, value := range c.framesTxByKind {
		ch <- prometheus.MustNewConstMetric(c.framesSent, prometheus.CounterValue, value, kind, nodeName)
	}
	ch <- prometheus.MustNewConstMetric(c.discoveryCommands, prometheus.CounterValue, c.discoveryTotal, nodeName)
	for reason, value := range c.disconnectsByKind {
		ch <- prometheus.MustNewConstMetric(c.disconnects, prometheus.CounterValue, value, reason, nodeName)
	}
	ch <- prometheus.MustNewConstMetric(c.connectsAborted, prometheus.CounterValue, c.abortedTotal, nodeName)
}
