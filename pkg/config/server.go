package config

import "time"

// ServerConfig holds runtime configuration for the autodeploy daemon.
type ServerConfig struct {
	Environment string
	LogLevel    string
	Addr        string
	BackendURL  string
	// DefaultPipelineEnv is used when a trigger names no environment.
	DefaultPipelineEnv string

	JenkinsURL      string
	JenkinsUser     string
	JenkinsToken    string
	JenkinsPipeline string
	JenkinsTimeout  time.Duration

	QueuePollAttempts int
	QueuePollInterval time.Duration
	QueueTimeoutFails bool

	DockerImage    string
	DockerHubURL   string
	RegistrySource string
	DockerHost     string

	ClusterStrategy      string
	ClusterName          string
	KubectlPath          string
	Kubeconfig           string
	Namespace            string
	Workload             string
	ClusterTimeout       time.Duration
	RolloutTimeout       time.Duration
	SimulatedRolloutTime time.Duration

	MaxPipelineLogs     int
	MaxPipelines        int
	MaxDeploymentEvents int
	MaxRolloutHistory   int

	WSSendTimeout time.Duration
	WSQueueSize   int
	SSEHeartbeat  time.Duration

	NATSURL     string
	NATSSubject string

	SnapshotRedisAddr string
	SnapshotRedisPass string
	SnapshotRedisDB   int
	SnapshotKey       string

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
	RateLimitRequests  int
	RateLimitWindow    time.Duration

	SnapshotInterval time.Duration
}

// LoadServerConfig constructs a ServerConfig from environment variables.
func LoadServerConfig() ServerConfig {
	return ServerConfig{
		Environment: GetString("APP_ENV", "development"),
		LogLevel:    GetString("LOG_LEVEL", "info"),
		Addr:        GetString("ADX_ADDR", ":8000"),
		BackendURL:  GetString("BACKEND_URL", "http://localhost:8000"),

		DefaultPipelineEnv: GetString("DEFAULT_ENVIRONMENT", "dev"),

		JenkinsURL:      GetString("JENKINS_URL", "http://localhost:8080"),
		JenkinsUser:     GetString("JENKINS_USERNAME", "admin"),
		JenkinsToken:    GetString("JENKINS_TOKEN", ""),
		JenkinsPipeline: GetString("JENKINS_PIPELINE", "autodeploy-pipeline"),
		JenkinsTimeout:  GetSeconds("JENKINS_TIMEOUT_SECONDS", 10),

		QueuePollAttempts: GetInt("QUEUE_POLL_ATTEMPTS", 60),
		QueuePollInterval: GetMillis("QUEUE_POLL_INTERVAL_MS", 2000),
		QueueTimeoutFails: GetBool("QUEUE_TIMEOUT_FAILS", false),

		DockerImage:    GetString("DOCKER_IMAGE", "autodeploy/app"),
		DockerHubURL:   GetString("DOCKERHUB_URL", "https://hub.docker.com"),
		RegistrySource: GetString("REGISTRY_SOURCE", "dockerhub"),
		DockerHost:     GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),

		ClusterStrategy:      GetString("CLUSTER_STRATEGY", "simulated"),
		ClusterName:          GetString("CLUSTER_NAME", "minikube"),
		KubectlPath:          GetString("KUBECTL_PATH", "kubectl"),
		Kubeconfig:           GetString("KUBECONFIG", ""),
		Namespace:            GetString("KUBE_NAMESPACE", "default"),
		Workload:             GetString("KUBE_WORKLOAD", "autodeploy-app"),
		ClusterTimeout:       GetSeconds("CLUSTER_TIMEOUT_SECONDS", 30),
		RolloutTimeout:       GetSeconds("ROLLOUT_TIMEOUT_SECONDS", 300),
		SimulatedRolloutTime: GetSeconds("SIMULATED_ROLLOUT_SECONDS", 5),

		MaxPipelineLogs:     GetInt("MAX_PIPELINE_LOGS", 500),
		MaxPipelines:        GetInt("MAX_PIPELINES", 200),
		MaxDeploymentEvents: GetInt("MAX_DEPLOYMENT_EVENTS", 100),
		MaxRolloutHistory:   GetInt("MAX_ROLLOUT_HISTORY", 10),

		WSSendTimeout: GetMillis("WS_SEND_TIMEOUT_MS", 5000),
		WSQueueSize:   GetInt("WS_QUEUE_SIZE", 256),
		SSEHeartbeat:  GetSeconds("SSE_HEARTBEAT_SECONDS", 15),

		NATSURL:     GetString("NATS_URL", ""),
		NATSSubject: GetString("NATS_SUBJECT", "autodeploy.events"),

		SnapshotRedisAddr: GetString("SNAPSHOT_REDIS_ADDR", ""),
		SnapshotRedisPass: GetString("SNAPSHOT_REDIS_PASSWORD", ""),
		SnapshotRedisDB:   GetInt("SNAPSHOT_REDIS_DB", 0),
		SnapshotKey:       GetString("SNAPSHOT_KEY", "autodeploy:state"),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
		RateLimitRequests:  GetInt("RATE_LIMIT_REQUESTS", 120),
		RateLimitWindow:    GetSeconds("RATE_LIMIT_WINDOW_SECONDS", 60),

		SnapshotInterval: GetSeconds("SNAPSHOT_INTERVAL_SECONDS", 30),
	}
}
