package nodeagent

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/coin8086/whpc-linux-communicator/pkg/hostsmanager"
	"github.com/coin8086/whpc-linux-communicator/pkg/jobtask"
	"github.com/coin8086/whpc-linux-communicator/pkg/monitor"
	"github.com/coin8086/whpc-linux-communicator/pkg/reporter"
)

const (
	registerReportInterval  = 10 * time.Second
	heartbeatReportInterval = 5 * time.Second
	metricReportInterval    = 10 * time.Second
)

func marshalMetricPacket(packet monitor.MetricPacket) ([]byte, error) {
	return json.Marshal(packet)
}

// ReporterDeps is the set of collaborators every StartXxx reporter
// constructor needs but that aren't already Agent fields: the HTTP/UDP
// transports and the resolve-URI closures bound to a particular service
// name in the service-location cache.
type ReporterDeps struct {
	HTTPClient  reporter.HTTPDoer
	ResolveHeartbeatURI func(ctx context.Context) (string, error)
	ResolveMetricURI    func(ctx context.Context) (string, error)
	ResolveRegisterURI  func(ctx context.Context) (string, error)
	ResolveHostsFileURI func(ctx context.Context) (string, error)
}

// StartRegisterReporter launches the register reporter, which runs for
// the agent's entire lifetime and re-resolves its own URI on every tick —
// unlike heartbeat/metric, there is no Ping-style restart for it.
func (a *Agent) StartRegisterReporter(deps ReporterDeps) {
	a.withWriteLock(func() {
		a.registerReporter = reporter.New(reporter.Config[monitor.RegistrationInfo]{
			Name:       "RegisterReporter",
			ResolveURI: deps.ResolveRegisterURI,
			Hold:       0,
			Interval:   registerReportInterval,
			Fetch:      a.monitor.RegisterInfo,
			OnFailure:  a.ResyncAndInvalidateCache,
			Transport:  reporter.NewHTTPTransport[monitor.RegistrationInfo](deps.HTTPClient),
			Logger:     a.logger,
		})
		a.registerReporter.Start()
	})
}

// StartHeartbeat (re)starts the heartbeat reporter, which POSTs the full
// job/task table snapshot (carrying NeedResync) on every tick.
//
// Stopping the previous reporter must happen with the Agent lock released:
// its tick loop's Fetch is snapshotTable, which itself needs the write
// lock, so waiting on Stop() while still holding that lock here would
// deadlock against an in-flight tick.
func (a *Agent) StartHeartbeat(deps ReporterDeps) {
	a.mu.Lock()
	old := a.heartbeatReporter
	a.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	next := reporter.New(reporter.Config[jobtask.Snapshot]{
		Name:       "HeartbeatReporter",
		ResolveURI: deps.ResolveHeartbeatURI,
		Hold:       0,
		Interval:   heartbeatReportInterval,
		Fetch:      a.snapshotTable,
		OnFailure:  a.ResyncAndInvalidateCache,
		Transport:  reporter.NewHTTPTransport[jobtask.Snapshot](deps.HTTPClient),
		Logger:     a.logger,
	})
	a.withWriteLock(func() {
		a.heartbeatReporter = next
	})
	next.Start()
}

// snapshotTable takes the Agent's write lock because ToJSON clears the
// table's resync flag as a side effect — a mutation, not a pure read.
func (a *Agent) snapshotTable() (jobtask.Snapshot, error) {
	var snap jobtask.Snapshot
	a.withWriteLock(func() {
		snap = a.table.ToJSON()
	})
	return snap, nil
}

// StartMetric (re)starts the metric (UDP) reporter. The node UUID is
// parsed out of the metric URI's path the way the original recovers it
// from udp://server:port/api/<nodeGuid>/metricreported.
func (a *Agent) StartMetric(deps ReporterDeps) {
	uri := a.cfgStore.MetricURI()
	if uri == "" {
		return
	}

	if id, err := nodeUUIDFromMetricURI(uri); err == nil {
		a.monitor.SetNodeUUID(id)
	} else {
		a.logger.Warn("failed to parse node uuid from metric uri", zap.String("uri", uri), zap.Error(err))
	}

	a.mu.Lock()
	old := a.metricReporter
	a.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	next := reporter.New(reporter.Config[[]byte]{
		Name:       "MetricReporter",
		ResolveURI: deps.ResolveMetricURI,
		Hold:       0,
		Interval:   metricReportInterval,
		Fetch:      a.metricPacketBytes,
		OnFailure:  a.ResyncAndInvalidateCache,
		Transport:  reporter.NewUDPTransport(),
		Logger:     a.logger,
	})
	a.withWriteLock(func() {
		a.metricReporter = next
	})
	next.Start()
}

func (a *Agent) metricPacketBytes() ([]byte, error) {
	packet, err := a.monitor.PacketData()
	if err != nil {
		return nil, err
	}
	return marshalMetricPacket(packet)
}

// StartHostsManager starts the hosts file fetcher if a hosts-file URI is
// configured. A missing URI is a no-op, matching the original's warn-and-skip.
func (a *Agent) StartHostsManager(deps ReporterDeps, client hostsmanager.HTTPDoer, hostsFilePath string) {
	uri := a.cfgStore.HostsFileURI()
	if uri == "" {
		a.logger.Warn("hosts file uri not configured, hosts manager will not be started")
		return
	}

	a.withWriteLock(func() {
		a.hostsManager = hostsmanager.New(deps.ResolveHostsFileURI, a.cfgStore.HostsFetchInterval(), hostsFilePath, client, a.logger)
		a.hostsManager.Start()
	})
}

// Ping restarts the heartbeat reporter only when callbackUri names a new
// heartbeat target, persisting the change first.
func (a *Agent) Ping(deps ReporterDeps, callbackUri string) error {
	if a.cfgStore.HeartbeatURI() == callbackUri {
		return nil
	}
	a.cfgStore.SetHeartbeatURI(callbackUri)
	if err := a.cfgStore.Save(); err != nil {
		return err
	}
	a.StartHeartbeat(deps)
	return nil
}

// Metric restarts the metric reporter only when callbackUri names a new
// metric target.
func (a *Agent) Metric(deps ReporterDeps, callbackUri string) error {
	if a.cfgStore.MetricURI() == callbackUri {
		return nil
	}
	a.cfgStore.SetMetricURI(callbackUri)
	if err := a.cfgStore.Save(); err != nil {
		return err
	}
	a.StartMetric(deps)
	return nil
}

// MetricConfig restarts the metric reporter as needed, then forwards the
// requested counter set to the monitor module.
func (a *Agent) MetricConfig(ctx context.Context, deps ReporterDeps, cfg MetricCountersConfig, callbackUri string) error {
	if err := a.Metric(deps, callbackUri); err != nil {
		return err
	}
	return a.monitor.ApplyConfig(ctx, cfg.Counters)
}
