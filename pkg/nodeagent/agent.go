// Package nodeagent is the orchestrator and public surface of the node
// agent: it owns the job/task registry, the process table, the per-job OS
// account bookkeeping, and the lifecycle of the reporters and hosts
// manager that keep the head service informed.
package nodeagent

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/coin8086/whpc-linux-communicator/pkg/config"
	"github.com/coin8086/whpc-linux-communicator/pkg/hostsmanager"
	"github.com/coin8086/whpc-linux-communicator/pkg/jobtask"
	"github.com/coin8086/whpc-linux-communicator/pkg/monitor"
	"github.com/coin8086/whpc-linux-communicator/pkg/process"
	"github.com/coin8086/whpc-linux-communicator/pkg/reporter"
	"github.com/coin8086/whpc-linux-communicator/pkg/resolver"
	"github.com/coin8086/whpc-linux-communicator/pkg/usersetup"
)

// MPIScriptRunner invokes the external StartMpiContainer.sh /
// StopMpiContainer.sh helpers; default implementation shells out.
type MPIScriptRunner interface {
	StartMpiContainer(taskID int, userName, dockerImage string, nvidia bool) error
	StopMpiContainer(taskID int) error
}

// CompletionTransport posts a completion-event body to a callback URI.
// Satisfied by reporter.HTTPTransport[any] in production.
type CompletionTransport interface {
	Send(ctx context.Context, uri string, payload any) error
}

// Agent is the single shared-lock orchestrator described in the
// concurrency model: one RWMutex guards the job/task table, the process
// table, the per-job user records and their reverse index. Reporters and
// the completion callback all take this same lock when they touch any of
// that state.
type Agent struct {
	mu sync.RWMutex

	table     *jobtask.Table
	processes map[jobtask.ProcessKey]*process.Process
	jobUsers  map[int]*JobUserRecord
	userJobs  map[string]map[int]struct{} // userName -> set of JobIDs

	resolver     *resolver.Resolver
	userManager  usersetup.OSUserManager
	cgroup       process.CgroupController
	mpiScripts   MPIScriptRunner
	cfgStore     config.Store
	monitor      *monitor.Monitor
	completion   CompletionTransport
	logger       *zap.Logger

	heartbeatReporter *reporter.Reporter[jobtask.Snapshot]
	metricReporter    *reporter.Reporter[[]byte]
	registerReporter  *reporter.Reporter[monitor.RegistrationInfo]
	hostsManager      *hostsmanager.Manager
}

// Deps bundles every external collaborator the Agent needs. Fields left
// nil get the ambient default implementation.
type Deps struct {
	Resolver    *resolver.Resolver
	UserManager usersetup.OSUserManager
	Cgroup      process.CgroupController
	MPIScripts  MPIScriptRunner
	ConfigStore config.Store
	Monitor     *monitor.Monitor
	Completion  CompletionTransport
	Logger      *zap.Logger
}

// New constructs an Agent. It does not start any reporter; call
// StartRegisterReporter, StartHeartbeat, StartMetric and StartHostsManager
// once construction-time dependencies are ready.
func New(deps Deps) *Agent {
	if deps.UserManager == nil {
		deps.UserManager = usersetup.NewShellOutUserManager()
	}
	if deps.MPIScripts == nil {
		deps.MPIScripts = newShellMPIScriptRunner()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	return &Agent{
		table:       jobtask.New(),
		processes:   make(map[jobtask.ProcessKey]*process.Process),
		jobUsers:    make(map[int]*JobUserRecord),
		userJobs:    make(map[string]map[int]struct{}),
		resolver:    deps.Resolver,
		userManager: deps.UserManager,
		cgroup:      deps.Cgroup,
		mpiScripts:  deps.MPIScripts,
		cfgStore:    deps.ConfigStore,
		monitor:     deps.Monitor,
		completion:  deps.Completion,
		logger:      deps.Logger,
	}
}

// Stop stops every reporter and the hosts manager. Safe to call even if
// some were never started.
func (a *Agent) Stop() {
	a.mu.RLock()
	heartbeat, metric, register, hosts := a.heartbeatReporter, a.metricReporter, a.registerReporter, a.hostsManager
	a.mu.RUnlock()

	if heartbeat != nil {
		heartbeat.Stop()
	}
	if metric != nil {
		metric.Stop()
	}
	if register != nil {
		register.Stop()
	}
	if hosts != nil {
		hosts.Stop()
	}
}

// resolveTargetUser implements the decision tree from StartJobAndTask:
// empty user, unmapped admin, and the Windows SYSTEM account all map to
// root; otherwise a domain prefix is stripped unless CCP_PRESERVE_DOMAIN
// is set, and a resulting "root" is renamed to avoid colliding with the
// real root account.
func resolveTargetUser(requestedUser string, env map[string]string) (userName string, isAdmin, mapAdminToUser bool) {
	isAdmin = env[envIsAdmin] == "1"
	mapAdminUser := env[envMapAdminUser] == "1"
	mapAdminToRoot := isAdmin && !mapAdminUser
	mapAdminToUser = isAdmin && mapAdminUser
	isWindowsSystemAccount := strings.EqualFold(requestedUser, windowsSystemUser)

	if requestedUser == "" || mapAdminToRoot || isWindowsSystemAccount {
		return "root", isAdmin, mapAdminToUser
	}

	preserveDomain := env[envPreserveDomain] == "1"
	userName = requestedUser
	if !preserveDomain {
		userName = stripDomainPrefix(requestedUser)
	}
	if userName == "root" {
		userName = fakedRootUser
	}
	return userName, isAdmin, mapAdminToUser
}

// stripDomainPrefix drops a "DOMAIN\" prefix from a Windows-style
// identity, leaving a bare Linux-compatible username.
func stripDomainPrefix(name string) string {
	if idx := strings.IndexByte(name, '\\'); idx >= 0 {
		return name[idx+1:]
	}
	return name
}

// shouldInstallSSHKeys mirrors the three scenarios under which the
// original installs SSH material: the user is not an unmapped admin.
func shouldInstallSSHKeys(isAdmin, mapAdminToUser bool, requestedUser string) bool {
	isWindowsSystemAccount := strings.EqualFold(requestedUser, windowsSystemUser)
	return !isAdmin || mapAdminToUser || isWindowsSystemAccount
}

// withWriteLock runs f with the Agent's single shared lock held for
// writing, the way every mutating RemoteExecutor operation does.
func (a *Agent) withWriteLock(f func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f()
}

// withReadLock runs f with the Agent's single shared lock held for
// reading.
func (a *Agent) withReadLock(f func()) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	f()
}

// ResyncAndInvalidateCache marks the table dirty and flushes the service
// resolver's cache. Called from every reporter failure hook and from a
// failed completion callback.
func (a *Agent) ResyncAndInvalidateCache() {
	a.withWriteLock(func() {
		a.table.RequestResync()
	})
	if a.resolver != nil {
		a.resolver.Invalidate()
	}
}

// nodeUUIDFromMetricURI mirrors StartMetric's extraction of the node's
// UUID from the path segment of a metric callback URI shaped like
// udp://server:port/api/<nodeGuid>/metricreported.
func nodeUUIDFromMetricURI(uri string) (uuid.UUID, error) {
	parts := strings.Split(uri, "/")
	if len(parts) < 5 {
		return uuid.Nil, errors.Errorf("metric uri %q missing node id segment", uri)
	}
	return uuid.Parse(parts[4])
}
