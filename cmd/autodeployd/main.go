package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/splax/autodeploy/internal/cluster"
	"github.com/splax/autodeploy/internal/cluster/kubernetes"
	"github.com/splax/autodeploy/internal/executor"
	httpx "github.com/splax/autodeploy/internal/http"
	"github.com/splax/autodeploy/internal/jenkins"
	"github.com/splax/autodeploy/internal/queue"
	"github.com/splax/autodeploy/internal/registry"
	"github.com/splax/autodeploy/internal/registry/docker"
	"github.com/splax/autodeploy/internal/relay"
	"github.com/splax/autodeploy/internal/service/deploy"
	"github.com/splax/autodeploy/internal/service/pipeline"
	"github.com/splax/autodeploy/internal/snapshot"
	"github.com/splax/autodeploy/internal/store"
	"github.com/splax/autodeploy/internal/ws"
	"github.com/splax/autodeploy/pkg/config"
	"github.com/splax/autodeploy/pkg/logger"
)

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("autodeployd", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st := store.New(store.Options{
		MaxLogs:      cfg.MaxPipelineLogs,
		MaxPipelines: cfg.MaxPipelines,
		MaxHistory:   cfg.MaxRolloutHistory,
		MaxEvents:    cfg.MaxDeploymentEvents,
	})

	var snapshots *snapshot.Redis
	if addr := strings.TrimSpace(cfg.SnapshotRedisAddr); addr != "" {
		s, err := snapshot.NewRedis(addr, cfg.SnapshotRedisPass, cfg.SnapshotRedisDB, cfg.SnapshotKey, log.With("component", "snapshot"))
		if err != nil {
			log.Warn("snapshot store unavailable", "error", err)
		} else {
			snapshots = s
			defer snapshots.Close()
			restore(ctx, st, snapshots, log)
		}
	}

	hub := ws.NewHub(ws.Options{
		SendTimeout: cfg.WSSendTimeout,
		QueueSize:   cfg.WSQueueSize,
		Logger:      log.With("component", "hub"),
	})
	defer hub.Close()

	if url := strings.TrimSpace(cfg.NATSURL); url != "" {
		natsRelay, err := relay.Connect(relay.Config{URL: url, Subject: cfg.NATSSubject, Name: "autodeployd"}, log.With("component", "relay"))
		if err != nil {
			log.Warn("nats relay unavailable", "error", err)
		} else {
			hub.Subscribe(natsRelay)
			log.Info("nats relay attached", "subject", cfg.NATSSubject)
		}
	}

	tasks := executor.New(log.With("component", "executor"))
	tasks.Start(ctx)

	builds, err := jenkins.New(jenkins.Config{
		BaseURL:  cfg.JenkinsURL,
		Username: cfg.JenkinsUser,
		Token:    cfg.JenkinsToken,
		Job:      cfg.JenkinsPipeline,
		Timeout:  cfg.JenkinsTimeout,
	}, nil)
	if err != nil {
		log.Error("invalid jenkins configuration", "error", err)
		os.Exit(1)
	}

	checks := map[string]func(context.Context) error{}

	var images registry.Lister
	switch strings.ToLower(strings.TrimSpace(cfg.RegistrySource)) {
	case "docker":
		local, err := docker.New(cfg.DockerHost)
		if err != nil {
			log.Warn("docker registry unavailable", "error", err)
			break
		}
		defer local.Close()
		images = local
		checks["docker"] = local.Ping
	case "none", "":
	default:
		images = registry.NewDockerHub(cfg.DockerHubURL, 0, nil)
	}

	runner, strategy := clusterStrategy(cfg, log)

	pipelines := pipeline.New(st, hub, builds, tasks, pipeline.Config{
		Environment: cfg.DefaultPipelineEnv,
		BackendURL:  cfg.BackendURL,
		Queue: queue.Policy{
			MaxAttempts: cfg.QueuePollAttempts,
			Interval:    cfg.QueuePollInterval,
			PollTimeout: cfg.JenkinsTimeout,
		},
		TimeoutFails:   cfg.QueueTimeoutFails,
		TriggerTimeout: cfg.JenkinsTimeout,
	}, log.With("component", "pipeline"))

	deployments := deploy.New(st, hub, tasks, strategy, runner, images, deploy.Config{
		Cluster:   cfg.ClusterName,
		Namespace: cfg.Namespace,
		Workload:  cfg.Workload,
		Image:     cfg.DockerImage,
	}, log.With("component", "deploy"))

	snapshotDone := make(chan struct{})
	if snapshots != nil {
		go func() {
			defer close(snapshotDone)
			snapshot.Run(ctx, st, snapshots, cfg.SnapshotInterval, log.With("component", "snapshot"))
		}()
	} else {
		close(snapshotDone)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter.Close()
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(httpx.Options{
		Logger:       log,
		Pipelines:    pipelines,
		Deployments:  deployments,
		Hub:          hub,
		Executor:     tasks,
		Limiter:      limiter,
		RateLimit:    cfg.RateLimitRequests,
		RateWindow:   cfg.RateLimitWindow,
		SSEHeartbeat: cfg.SSEHeartbeat,
		Checks:       checks,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("autodeploy server starting", "addr", cfg.Addr, "strategy", strategy.Name(), "environment", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		if err := tasks.Stop(shutdownCtx); err != nil {
			log.Warn("background tasks did not finish", "error", err)
		}
		<-snapshotDone
		log.Info("autodeploy server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}

// clusterStrategy picks the rollout strategy. The returned runner is nil for
// the simulated strategy.
func clusterStrategy(cfg config.ServerConfig, log *slog.Logger) (cluster.Runner, deploy.Strategy) {
	simulated := deploy.NewSimulated(cfg.SimulatedRolloutTime)
	switch strings.ToLower(strings.TrimSpace(cfg.ClusterStrategy)) {
	case "kubectl":
		runner := cluster.NewKubectl(cluster.KubectlConfig{
			Path:       cfg.KubectlPath,
			Kubeconfig: cfg.Kubeconfig,
			Timeout:    cfg.ClusterTimeout,
		}, nil, log.With("component", "kubectl"))
		return runner, deploy.NewRealCluster(runner, cfg.RolloutTimeout)
	case "kubernetes":
		runner, err := kubernetes.New(cfg.Kubeconfig, log.With("component", "kubernetes"))
		if err != nil {
			log.Warn("kubernetes client unavailable, using simulated rollouts", "error", err)
			return nil, simulated
		}
		return runner, deploy.NewRealCluster(runner, cfg.RolloutTimeout)
	default:
		return nil, simulated
	}
}

func restore(ctx context.Context, st *store.Store, snapshots *snapshot.Redis, log *slog.Logger) {
	snap, err := snapshots.Load(ctx)
	switch {
	case errors.Is(err, snapshot.ErrNoSnapshot):
		log.Info("no snapshot to restore")
	case err != nil:
		log.Warn("snapshot load failed", "error", err)
	default:
		if err := st.Restore(snap); err != nil {
			log.Warn("snapshot restore failed", "error", err)
			return
		}
		log.Info("state restored from snapshot", "pipelines", len(snap.Pipelines))
	}
}
