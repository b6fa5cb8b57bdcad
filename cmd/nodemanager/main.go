package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/coin8086/whpc-linux-communicator/pkg/config"
	"github.com/coin8086/whpc-linux-communicator/pkg/hostsmanager"
	"github.com/coin8086/whpc-linux-communicator/pkg/launcher"
	"github.com/coin8086/whpc-linux-communicator/pkg/monitor"
	"github.com/coin8086/whpc-linux-communicator/pkg/nodeagent"
	"github.com/coin8086/whpc-linux-communicator/pkg/reporter"
	"github.com/coin8086/whpc-linux-communicator/pkg/resolver"
)

// serviceNames are the keys this agent resolves through ServiceResolver
// to locate the head service's per-purpose endpoints.
const (
	serviceHeartbeat = "heartbeat"
	serviceMetric    = "metric"
	serviceRegister  = "register"
	serviceHostsFile = "hostsfile"
)

func main() {
	var (
		configPath      string
		listenAddr      string
		nodeName        string
		networkName     string
		hostsFilePath   string
		resolveInterval time.Duration
	)

	root := &cobra.Command{
		Use:   "nodemanager",
		Short: "Per-node HPC cluster execution agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(runtimeOptions{
				configPath:      configPath,
				listenAddr:      listenAddr,
				nodeName:        nodeName,
				networkName:     networkName,
				hostsFilePath:   hostsFilePath,
				resolveInterval: resolveInterval,
			})
		},
	}

	flags := root.Flags()
	flags.StringVar(&configPath, "config", "/etc/nodemanager/config.yaml", "path to the persisted config file")
	flags.StringVar(&listenAddr, "listen", ":9999", "address the agent's command API listens on")
	flags.StringVar(&nodeName, "node-name", hostnameOrFallback(), "this node's name, reported to the head service")
	flags.StringVar(&networkName, "network-name", "", "this node's network/partition name, reported to the head service")
	flags.StringVar(&hostsFilePath, "hosts-file", "/etc/hosts", "local hosts file the hosts manager writes to")
	flags.DurationVar(&resolveInterval, "naming-resolve-interval", time.Second, "initial backoff interval for naming-server resolution")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func hostnameOrFallback() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown-node"
	}
	return name
}

type runtimeOptions struct {
	configPath      string
	listenAddr      string
	nodeName        string
	networkName     string
	hostsFilePath   string
	resolveInterval time.Duration
}

func run(opts runtimeOptions) error {
	cfgStore, err := config.NewViperStore(opts.configPath)
	if err != nil {
		return err
	}

	logger := buildLogger(cfgStore.Debug())
	defer logger.Sync()

	httpClient := retryablehttp.NewClient()
	httpClient.Logger = nil
	httpClient.RetryMax = 0 // the resolver/reporter own their retry and backoff policy
	standardClient := httpClient.StandardClient()

	bases := cfgStore.NamingServiceBases()
	var svcResolver *resolver.Resolver
	if len(bases) > 0 {
		svcResolver = resolver.New(bases, opts.resolveInterval, standardClient, logger.With(zap.String("component", "resolver")))
	} else {
		logger.Warn("no naming-service bases configured, reporters will be unable to resolve head-service endpoints")
	}

	mon := monitor.New(opts.nodeName, opts.networkName, logger.With(zap.String("component", "monitor")))

	agent := nodeagent.New(nodeagent.Deps{
		Resolver:    svcResolver,
		ConfigStore: cfgStore,
		Monitor:     mon,
		Completion:  reporter.NewHTTPTransport[any](standardClient),
		Logger:      logger.With(zap.String("component", "nodeagent")),
	})

	deps := nodeagent.ReporterDeps{
		HTTPClient:          standardClient,
		ResolveHeartbeatURI: resolveVia(svcResolver, serviceHeartbeat),
		ResolveMetricURI:    resolveVia(svcResolver, serviceMetric),
		ResolveRegisterURI:  resolveVia(svcResolver, serviceRegister),
		ResolveHostsFileURI: resolveVia(svcResolver, serviceHostsFile),
	}

	agent.StartRegisterReporter(deps)
	agent.StartHeartbeat(deps)
	agent.StartMetric(deps)
	agent.StartHostsManager(deps, hostsmanagerClient(standardClient), opts.hostsFilePath)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	server := newCommandServer(agent, deps, logger)
	httpRunner := launcher.AsRunner(func() error {
		lis, err := net.Listen("tcp", opts.listenAddr)
		if err != nil {
			return err
		}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			server.httpServer.Shutdown(shutdownCtx)
		}()

		logger.Info("command api listening", zap.String("addr", opts.listenAddr))
		if err := server.httpServer.Serve(lis); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	err = launcher.RunAll(
		httpRunner,
		launcher.FromStartStopper(ctx, ownedReporterStopper{agent}),
	)
	if err != nil && err != context.Canceled {
		logger.Error("exiting", zap.Error(err))
		return err
	}
	logger.Info("exiting")
	return nil
}

func buildLogger(debug bool) *zap.Logger {
	if debug {
		logger, err := zap.NewDevelopment()
		if err != nil {
			panic(err)
		}
		return logger
	}
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	return logger
}

// ownedReporterStopper adapts Agent.Stop, which already stops every
// reporter and the hosts manager together, into a launcher.StartStopper
// whose Start is a no-op — the individual StartXxx calls already ran.
type ownedReporterStopper struct {
	agent *nodeagent.Agent
}

func (o ownedReporterStopper) Start() {}
func (o ownedReporterStopper) Stop()  { o.agent.Stop() }

func resolveVia(r *resolver.Resolver, serviceName string) func(ctx context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		if r == nil {
			return "", fmt.Errorf("no naming-service bases configured to resolve %q", serviceName)
		}
		return r.Resolve(ctx, serviceName)
	}
}

// hostsmanagerClient narrows *http.Client down to hostsmanager's own
// HTTPDoer so the two packages stay decoupled at the interface level.
func hostsmanagerClient(client *http.Client) hostsmanager.HTTPDoer {
	return client
}

// commandServer is the thin HTTP decode front-end the spec treats as an
// external collaborator: it exists so this binary is runnable end to end,
// but the decode/dispatch logic itself carries none of the core's
// invariants — those all live in nodeagent.
type commandServer struct {
	agent      *nodeagent.Agent
	deps       nodeagent.ReporterDeps
	logger     *zap.Logger
	httpServer *http.Server
}

func newCommandServer(agent *nodeagent.Agent, deps nodeagent.ReporterDeps, logger *zap.Logger) *commandServer {
	s := &commandServer{agent: agent, deps: deps, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("/jobs/start", s.handleStartJobAndTask)
	mux.HandleFunc("/tasks/start", s.handleStartTask)
	mux.HandleFunc("/jobs/end", s.handleEndJob)
	mux.HandleFunc("/tasks/end", s.handleEndTask)
	mux.HandleFunc("/tasks/output", s.handlePeekTaskOutput)
	mux.HandleFunc("/ping", s.handlePing)
	mux.HandleFunc("/metric", s.handleMetric)
	mux.HandleFunc("/metric/config", s.handleMetricConfig)

	s.httpServer = &http.Server{Handler: mux}
	return s
}

type startJobAndTaskRequest struct {
	CallbackURI string `json:"callbackUri"`
	nodeagent.StartJobAndTaskArgs
}

func (s *commandServer) handleStartJobAndTask(w http.ResponseWriter, r *http.Request) {
	var req startJobAndTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.agent.StartJobAndTask(req.StartJobAndTaskArgs, req.CallbackURI); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type startTaskRequest struct {
	CallbackURI string `json:"callbackUri"`
	nodeagent.StartTaskArgs
}

func (s *commandServer) handleStartTask(w http.ResponseWriter, r *http.Request) {
	var req startTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.agent.StartTask(req.StartTaskArgs, req.CallbackURI); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *commandServer) handleEndJob(w http.ResponseWriter, r *http.Request) {
	var req nodeagent.EndJobArgs
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.agent.EndJob(req))
}

type endTaskRequest struct {
	CallbackURI string `json:"callbackUri"`
	nodeagent.EndTaskArgs
}

func (s *commandServer) handleEndTask(w http.ResponseWriter, r *http.Request) {
	var req endTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, s.agent.EndTask(req.EndTaskArgs, req.CallbackURI))
}

func (s *commandServer) handlePeekTaskOutput(w http.ResponseWriter, r *http.Request) {
	var req nodeagent.PeekTaskOutputArgs
	if !decodeJSON(w, r, &req) {
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Output string `json:"output"`
	}{s.agent.PeekTaskOutput(req)})
}

type callbackURIRequest struct {
	CallbackURI string `json:"callbackUri"`
}

func (s *commandServer) handlePing(w http.ResponseWriter, r *http.Request) {
	var req callbackURIRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.agent.Ping(s.deps, req.CallbackURI); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func (s *commandServer) handleMetric(w http.ResponseWriter, r *http.Request) {
	var req callbackURIRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.agent.Metric(s.deps, req.CallbackURI); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

type metricConfigRequest struct {
	CallbackURI string `json:"callbackUri"`
	nodeagent.MetricCountersConfig
}

func (s *commandServer) handleMetricConfig(w http.ResponseWriter, r *http.Request) {
	var req metricConfigRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.agent.MetricConfig(r.Context(), s.deps, req.MetricCountersConfig, req.CallbackURI); err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, struct{}{})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(dst); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, logger *zap.Logger, err error) {
	logger.Warn("request failed", zap.Error(err))
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
