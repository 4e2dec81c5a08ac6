package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	StoreEtcd   = "etcd"
	StoreMemory = "memory"

	ProvisionerPubSub = "pubsub"
	ProvisionerAgones = "agones"
	ProvisionerNone   = "none"
)

type Config struct {
	// transport
	InboundSubscription string
	EventsTopic         string
	ProvisionTopic      string
	GoogleProjectID     string
	CredentialsFile     string

	// shared store
	StoreBackend    string
	EtcdEndpoints   []string
	EtcdDialTimeout time.Duration

	Provisioner     string
	TargetNamespace string

	MetricsPort int
	LogLevel    string

	// liveness
	StaleThreshold   time.Duration
	DeadThreshold    time.Duration
	DeadRetention    time.Duration
	LivenessInterval time.Duration
	PruneInterval    time.Duration

	// routing
	DispatchInterval      time.Duration
	InFlightTimeout       time.Duration
	InFlightSweepInterval time.Duration
	MaxRouteAttempts      int
	PartyDeadline         time.Duration
	PartySweepInterval    time.Duration
	ProvisionCooldown     time.Duration
}

func Load() *Config {
	cfg := &Config{
		InboundSubscription: strings.TrimSpace(getEnv("REGISTRY_INBOUND_SUBSCRIPTION", os.Getenv("REGISTRY_PUBSUB_SUBSCRIPTION"))),
		EventsTopic:         strings.TrimSpace(getEnv("REGISTRY_EVENTS_TOPIC", os.Getenv("REGISTRY_PUBSUB_TOPIC"))),
		ProvisionTopic:      strings.TrimSpace(getEnv("REGISTRY_PROVISION_TOPIC", "")),
		CredentialsFile:     strings.TrimSpace(firstNonEmpty(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"), os.Getenv("REGISTRY_GSA_CREDENTIALS"))),

		StoreBackend:    strings.ToLower(strings.TrimSpace(getEnv("REGISTRY_STORE", StoreEtcd))),
		EtcdEndpoints:   getEnvList("REGISTRY_ETCD_ENDPOINTS", []string{"127.0.0.1:2379"}),
		EtcdDialTimeout: getEnvDuration("REGISTRY_ETCD_DIAL_TIMEOUT", 5*time.Second),

		Provisioner:     strings.ToLower(strings.TrimSpace(getEnv("REGISTRY_PROVISIONER", ProvisionerPubSub))),
		TargetNamespace: strings.TrimSpace(getEnv("TARGET_NAMESPACE", "default")),

		MetricsPort: getEnvInt("REGISTRY_METRICS_PORT", 8080),
		LogLevel:    strings.TrimSpace(getEnv("REGISTRY_LOG_LEVEL", "info")),

		StaleThreshold:   getEnvDuration("REGISTRY_STALE_THRESHOLD", 10*time.Second),
		DeadThreshold:    getEnvDuration("REGISTRY_DEAD_THRESHOLD", 30*time.Second),
		DeadRetention:    getEnvDuration("REGISTRY_DEAD_RETENTION", 10*time.Minute),
		LivenessInterval: getEnvDuration("REGISTRY_LIVENESS_INTERVAL", 2*time.Second),
		PruneInterval:    getEnvDuration("REGISTRY_PRUNE_INTERVAL", time.Minute),

		DispatchInterval:      getEnvDuration("REGISTRY_DISPATCH_INTERVAL", 250*time.Millisecond),
		InFlightTimeout:       getEnvDuration("REGISTRY_INFLIGHT_TIMEOUT", 10*time.Second),
		InFlightSweepInterval: getEnvDuration("REGISTRY_INFLIGHT_SWEEP_INTERVAL", 2*time.Second),
		MaxRouteAttempts:      getEnvInt("REGISTRY_MAX_ROUTE_ATTEMPTS", 3),
		PartyDeadline:         getEnvDuration("REGISTRY_PARTY_DEADLINE", 30*time.Second),
		PartySweepInterval:    getEnvDuration("REGISTRY_PARTY_SWEEP_INTERVAL", 5*time.Second),
		ProvisionCooldown:     getEnvDuration("REGISTRY_PROVISION_COOLDOWN", 15*time.Second),
	}
	if cfg.ProvisionTopic == "" {
		cfg.ProvisionTopic = cfg.EventsTopic
	}

	cfg.GoogleProjectID = getGoogleProjectID(cfg.CredentialsFile, strings.TrimSpace(getEnv("REGISTRY_PUBSUB_PROJECT_ID", "")))
	if cfg.GoogleProjectID == "" {
		log.Warn().Msg("Google project ID not resolved; set GOOGLE_APPLICATION_CREDENTIALS or GOOGLE_PROJECT_ID or REGISTRY_PUBSUB_PROJECT_ID")
	}
	if cfg.InboundSubscription == "" {
		log.Warn().Msg("Pub/Sub subscription not set; set REGISTRY_INBOUND_SUBSCRIPTION or REGISTRY_PUBSUB_SUBSCRIPTION")
	}
	if cfg.EventsTopic == "" {
		log.Warn().Msg("Pub/Sub topic not set; set REGISTRY_EVENTS_TOPIC or REGISTRY_PUBSUB_TOPIC")
	}
	return cfg
}

// Validate reports settings the registry cannot run with.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case StoreEtcd:
		if len(c.EtcdEndpoints) == 0 {
			return fmt.Errorf("etcd store selected without REGISTRY_ETCD_ENDPOINTS")
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	switch c.Provisioner {
	case ProvisionerPubSub, ProvisionerAgones, ProvisionerNone:
	default:
		return fmt.Errorf("unknown provisioner %q", c.Provisioner)
	}
	if c.StaleThreshold <= 0 || c.DeadThreshold < c.StaleThreshold {
		return fmt.Errorf("dead threshold %s must not be below stale threshold %s", c.DeadThreshold, c.StaleThreshold)
	}
	if c.MaxRouteAttempts <= 0 {
		return fmt.Errorf("REGISTRY_MAX_ROUTE_ATTEMPTS must be positive")
	}
	for name, d := range map[string]time.Duration{
		"REGISTRY_LIVENESS_INTERVAL":       c.LivenessInterval,
		"REGISTRY_PRUNE_INTERVAL":          c.PruneInterval,
		"REGISTRY_DISPATCH_INTERVAL":       c.DispatchInterval,
		"REGISTRY_INFLIGHT_TIMEOUT":        c.InFlightTimeout,
		"REGISTRY_INFLIGHT_SWEEP_INTERVAL": c.InFlightSweepInterval,
		"REGISTRY_PARTY_DEADLINE":          c.PartyDeadline,
		"REGISTRY_PARTY_SWEEP_INTERVAL":    c.PartySweepInterval,
		"REGISTRY_DEAD_RETENTION":          c.DeadRetention,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

func (c *Config) HTTPAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(c.MetricsPort))
}

// Redacted returns a view safe for logging
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"projectID":           c.GoogleProjectID,
		"inboundSubscription": c.InboundSubscription,
		"eventsTopic":         c.EventsTopic,
		"provisionTopic":      c.ProvisionTopic,
		"store":               c.StoreBackend,
		"etcdEndpoints":       c.EtcdEndpoints,
		"provisioner":         c.Provisioner,
		"targetNamespace":     c.TargetNamespace,
		"metricsPort":         c.MetricsPort,
		"logLevel":            c.LogLevel,
		"staleThreshold":      c.StaleThreshold.String(),
		"deadThreshold":       c.DeadThreshold.String(),
		"inFlightTimeout":     c.InFlightTimeout.String(),
		"maxRouteAttempts":    c.MaxRouteAttempts,
		"partyDeadline":       c.PartyDeadline.String(),
		"credentialsProvided": c.CredentialsFile != "",
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		iv, err := strconv.Atoi(v)
		if err == nil {
			return iv
		}
		log.Warn().Str("key", key).Str("value", v).Msg("invalid int in environment; using default")
	}
	return def
}

// getEnvDuration accepts Go duration strings ("1500ms", "10s") or plain milliseconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	log.Warn().Str("key", key).Str("value", v).Msg("invalid duration in environment; using default")
	return def
}

// getEnvList splits a comma separated value, dropping blanks.
func getEnvList(key string, def []string) []string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func projectIDFromCredentials(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return "", err
	}
	var x struct {
		ProjectID string `json:"project_id"`
	}
	// unreadable json yields an empty project id
	_ = json.Unmarshal(b, &x)
	return x.ProjectID, nil
}

func getGoogleProjectID(credsFile string, explicit string) string {
	// 1) Prefer GOOGLE_APPLICATION_CREDENTIALS if set
	if p := strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS")); p != "" {
		log.Info().Str("credsFile", p).Msg("GOOGLE_APPLICATION_CREDENTIALS is set; extracting project_id from credentials file")
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			return strings.TrimSpace(pid)
		}
		log.Warn().Str("credsFile", p).Msg("project_id not found in credentials file or unreadable")
	}

	// 2) Explicit override from registry env
	if explicit := strings.TrimSpace(explicit); explicit != "" {
		log.Info().Str("projectID", explicit).Msg("using REGISTRY_PUBSUB_PROJECT_ID for Google project")
		return explicit
	}

	// 3) External k8s override
	if v := strings.TrimSpace(os.Getenv("GOOGLE_PROJECT_ID")); v != "" {
		log.Info().Str("projectID", v).Msg("using GOOGLE_PROJECT_ID from environment")
		return v
	}

	// 4) Common Google envs
	if v := firstNonEmpty(os.Getenv("GOOGLE_CLOUD_PROJECT"), os.Getenv("GCLOUD_PROJECT"), os.Getenv("GCP_PROJECT")); strings.TrimSpace(v) != "" {
		v = strings.TrimSpace(v)
		log.Info().Str("projectID", v).Msg("using Google project from common environment variables")
		return v
	}

	// 5) Fallback to provided credentials file path (REGISTRY_GSA_CREDENTIALS)
	if p := strings.TrimSpace(credsFile); p != "" {
		if pid, err := projectIDFromCredentials(p); err == nil && pid != "" {
			log.Info().Str("credsFile", p).Msg("using project_id from provided credentials file")
			return strings.TrimSpace(pid)
		}
	}
	return ""
}
