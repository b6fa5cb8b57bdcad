// Package monitor supplies the two payload producers the register and
// metric reporters call on every tick: node identity/capability info and
// a periodic counters packet, grounded on the monitor collaborator
// RemoteExecutor reaches through GetRegisterInfo/GetMonitorPacketData.
package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RegistrationInfo is the payload the register reporter sends on every
// tick: node identity plus static capability info the head service needs
// in order to route jobs here.
type RegistrationInfo struct {
	NodeName     string    `json:"nodeName"`
	NodeUUID     uuid.UUID `json:"nodeUuid"`
	NetworkName  string    `json:"networkName"`
	NumCPU       int       `json:"numCpu"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// MetricPacket is the periodic counters payload sent to the metric
// service. Counters is keyed by counter name; which names are present is
// controlled by ApplyConfig.
type MetricPacket struct {
	NodeUUID  uuid.UUID          `json:"nodeUuid"`
	Counters  map[string]float64 `json:"counters"`
	Timestamp time.Time          `json:"timestamp"`
}

// sampler produces one counter's current value. Kept as a function type
// so tests can substitute deterministic samplers.
type sampler func() float64

// Monitor tracks node identity and the active set of metric counters, and
// produces the RegistrationInfo/MetricPacket payloads the reporters pull
// on each tick.
type Monitor struct {
	nodeName    string
	networkName string
	logger      *zap.Logger

	mu       sync.RWMutex
	nodeUUID uuid.UUID
	enabled  map[string]sampler
}

// allSamplers is the full catalogue of counters this node can report.
// ApplyConfig narrows this down to a requested subset.
func allSamplers() map[string]sampler {
	return map[string]sampler{
		"goroutines": func() float64 { return float64(runtime.NumGoroutine()) },
		"numCpu":     func() float64 { return float64(runtime.NumCPU()) },
	}
}

// New constructs a Monitor for the local node. nodeName mirrors the
// original's System::GetNodeName(); networkName is the cluster network
// the node registers under.
func New(nodeName, networkName string, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		nodeName:    nodeName,
		networkName: networkName,
		logger:      logger,
		enabled:     allSamplers(),
	}
}

// SetNodeUUID records the identity the head service assigned this node
// once it was accepted on the network, the way StartMetric does
// immediately before starting the metric reporter.
func (m *Monitor) SetNodeUUID(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeUUID = id
}

func (m *Monitor) nodeUUIDLocked() uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nodeUUID
}

// RegisterInfo builds the registration payload. Called by the register
// reporter's Fetch on every tick.
func (m *Monitor) RegisterInfo() (RegistrationInfo, error) {
	return RegistrationInfo{
		NodeName:     m.nodeName,
		NodeUUID:     m.nodeUUIDLocked(),
		NetworkName:  m.networkName,
		NumCPU:       runtime.NumCPU(),
		RegisteredAt: timeNow(),
	}, nil
}

// PacketData builds the metric payload from the currently-enabled
// counters. Called by the metric reporter's Fetch on every tick.
func (m *Monitor) PacketData() (MetricPacket, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counters := make(map[string]float64, len(m.enabled))
	for name, sample := range m.enabled {
		counters[name] = sample()
	}
	return MetricPacket{
		NodeUUID:  m.nodeUUID,
		Counters:  counters,
		Timestamp: timeNow(),
	}, nil
}

// ApplyConfig narrows the enabled counter set to exactly the requested
// names, dropping any unknown name with a warning rather than failing,
// mirroring ApplyMetricConfig's tolerant handling of a stale config.
func (m *Monitor) ApplyConfig(ctx context.Context, counters []string) error {
	all := allSamplers()
	next := make(map[string]sampler, len(counters))
	for _, name := range counters {
		s, ok := all[name]
		if !ok {
			m.logger.Warn("unknown metric counter requested, ignoring", zap.String("counter", name))
			continue
		}
		next[name] = s
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	m.mu.Lock()
	m.enabled = next
	m.mu.Unlock()
	return nil
}

func timeNow() time.Time { return time.Now() }
