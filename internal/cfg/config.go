package cfg

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pelletier/go-toml"

	"github.com/simplesurance/mergequeue/internal/githubclt"
	"github.com/simplesurance/mergequeue/internal/mergequeue"
)

// Environment variables that override the values of the configuration file.
const (
	EnvGithubAPIToken      = "MERGEQUEUE_GITHUB_API_TOKEN"
	EnvGithubWebhookSecret = "MERGEQUEUE_GITHUB_WEBHOOK_SECRET"
	EnvRepositoryOwner     = "MERGEQUEUE_REPOSITORY_OWNER"
	EnvRepository          = "MERGEQUEUE_REPOSITORY"
)

const (
	DefLogFormat             = "logfmt"
	DefLogTimeKey            = "time_iso8601"
	DefLogLevel              = "info"
	DefGithubWebhookEndpoint = "/listener/github"
	DefMetricsEndpoint       = "/metrics"
	DefIntegrationLabel      = "merge-queue"
	DefStatusChecksTimeout   = 90 * time.Minute
	DefIdleQueueCleanupDelay = 5 * time.Minute
	DefMergeMethod           = githubclt.MergeMethodMerge
	DefHTTPListEndpoint      = "/mergequeue"
	DefHTTPHealthEndpoint    = "/mergequeue/health"
	DefHTTPEventsEndpoint    = "/mergequeue/events"
)

type Config struct {
	HTTPListenAddr            string     `toml:"http_server_listen_addr"`
	HTTPSListenAddr           string     `toml:"https_server_listen_addr"`
	HTTPSCertFile             string     `toml:"https_ssl_cert_file"`
	HTTPSKeyFile              string     `toml:"https_ssl_key_file"`
	HTTPGithubWebhookEndpoint string     `toml:"github_webhook_endpoint"`
	GithubWebHookSecret       string     `toml:"github_webhook_secret"`
	GithubAPIToken            string     `toml:"github_api_token"`
	GithubAppID               int64      `toml:"github_app_id"`
	GithubAppInstallationID   int64      `toml:"github_app_installation_id"`
	GithubAppPrivateKeyFile   string     `toml:"github_app_private_key_file"`
	GithubEnterpriseURL       string     `toml:"github_enterprise_url"`
	LogFormat                 string     `toml:"log_format"`
	LogTimeKey                string     `toml:"log_time_key"`
	LogLevel                  string     `toml:"log_level"`
	EventFilterQuery          string     `toml:"event_filter_query"`
	MetricsEndpoint           string     `toml:"metrics_endpoint"`
	MergeQueue                MergeQueue `toml:"merge_queue"`
}

type MergeQueue struct {
	RepositoryOwner         string   `toml:"repository_owner"`
	Repository              string   `toml:"repository"`
	IntegrationLabel        string   `toml:"integration_label"`
	TopPriorityLabels       []string `toml:"top_priority_labels"`
	RequiresAllStatusChecks bool     `toml:"requires_all_status_checks"`
	StatusChecksTimeout     string   `toml:"status_checks_timeout"`
	IdleQueueCleanupDelay   string   `toml:"idle_queue_cleanup_delay"`
	MergeMethod             string   `toml:"merge_method"`
	DryRun                  bool     `toml:"dry_run"`
	HTTPListEndpoint        string   `toml:"http_list_endpoint"`
	HTTPHealthEndpoint      string   `toml:"http_health_endpoint"`
	HTTPEventsEndpoint      string   `toml:"http_events_endpoint"`
}

// Load parses a TOML configuration, sets defaults for unset settings and
// applies environment variable overrides.
// The returned configuration is not validated.
func Load(reader io.Reader) (*Config, error) {
	var result Config

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	result.setDefaults()
	result.applyEnv(os.LookupEnv)

	return &result, nil
}

func setIfEmpty(val *string, def string) {
	if *val == "" {
		*val = def
	}
}

func (c *Config) setDefaults() {
	setIfEmpty(&c.HTTPGithubWebhookEndpoint, DefGithubWebhookEndpoint)
	setIfEmpty(&c.LogFormat, DefLogFormat)
	setIfEmpty(&c.LogTimeKey, DefLogTimeKey)
	setIfEmpty(&c.LogLevel, DefLogLevel)
	setIfEmpty(&c.MetricsEndpoint, DefMetricsEndpoint)

	mq := &c.MergeQueue
	setIfEmpty(&mq.IntegrationLabel, DefIntegrationLabel)
	setIfEmpty(&mq.StatusChecksTimeout, DefStatusChecksTimeout.String())
	setIfEmpty(&mq.IdleQueueCleanupDelay, DefIdleQueueCleanupDelay.String())
	setIfEmpty(&mq.MergeMethod, DefMergeMethod)
	setIfEmpty(&mq.HTTPListEndpoint, DefHTTPListEndpoint)
	setIfEmpty(&mq.HTTPHealthEndpoint, DefHTTPHealthEndpoint)
	setIfEmpty(&mq.HTTPEventsEndpoint, DefHTTPEventsEndpoint)
}

func (c *Config) applyEnv(lookupEnv func(string) (string, bool)) {
	for env, field := range map[string]*string{
		EnvGithubAPIToken:      &c.GithubAPIToken,
		EnvGithubWebhookSecret: &c.GithubWebHookSecret,
		EnvRepositoryOwner:     &c.MergeQueue.RepositoryOwner,
		EnvRepository:          &c.MergeQueue.Repository,
	} {
		if val, exists := lookupEnv(env); exists && val != "" {
			*field = val
		}
	}
}

// Validate returns an error describing all invalid settings.
func (c *Config) Validate() error {
	var errs []error

	if c.HTTPListenAddr == "" && c.HTTPSListenAddr == "" {
		errs = append(errs, errors.New("https_server_listen_addr or http_server_listen_addr must be set"))
	}

	if c.HTTPSListenAddr != "" && (c.HTTPSCertFile == "" || c.HTTPSKeyFile == "") {
		errs = append(errs, errors.New("https_ssl_cert_file and https_ssl_key_file must be set when https_server_listen_addr is set"))
	}

	if c.GithubWebHookSecret == "" {
		errs = append(errs, fmt.Errorf("github_webhook_secret or the environment variable %s must be set", EnvGithubWebhookSecret))
	}

	appSettings := 0
	for _, set := range []bool{c.GithubAppID != 0, c.GithubAppInstallationID != 0, c.GithubAppPrivateKeyFile != ""} {
		if set {
			appSettings++
		}
	}
	if appSettings != 0 && appSettings != 3 {
		errs = append(errs, errors.New("github_app_id, github_app_installation_id and github_app_private_key_file must be set together"))
	}

	if err := c.MergeQueue.validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (m *MergeQueue) validate() error {
	var errs []error

	if m.RepositoryOwner == "" || m.Repository == "" {
		errs = append(errs, fmt.Errorf(
			"merge_queue.repository_owner and merge_queue.repository or the environment variables %s and %s must be set",
			EnvRepositoryOwner, EnvRepository,
		))
	}

	if m.IntegrationLabel == "" {
		errs = append(errs, errors.New("merge_queue.integration_label is empty"))
	}

	switch m.MergeMethod {
	case githubclt.MergeMethodMerge, githubclt.MergeMethodSquash, githubclt.MergeMethodRebase:
	default:
		errs = append(errs, fmt.Errorf("merge_queue.merge_method %q is unsupported, supported are: %s, %s, %s",
			m.MergeMethod, githubclt.MergeMethodMerge, githubclt.MergeMethodSquash, githubclt.MergeMethodRebase,
		))
	}

	if d, err := time.ParseDuration(m.StatusChecksTimeout); err != nil {
		errs = append(errs, fmt.Errorf("merge_queue.status_checks_timeout: %w", err))
	} else if d <= 0 {
		errs = append(errs, errors.New("merge_queue.status_checks_timeout must be positive"))
	}

	if d, err := time.ParseDuration(m.IdleQueueCleanupDelay); err != nil {
		errs = append(errs, fmt.Errorf("merge_queue.idle_queue_cleanup_delay: %w", err))
	} else if d < 0 {
		errs = append(errs, errors.New("merge_queue.idle_queue_cleanup_delay must not be negative"))
	}

	return errors.Join(errs...)
}

// MergeServiceConfig converts the settings to the configuration of the
// merge queues.
func (m *MergeQueue) MergeServiceConfig() (*mergequeue.Config, error) {
	statusChecksTimeout, err := time.ParseDuration(m.StatusChecksTimeout)
	if err != nil {
		return nil, fmt.Errorf("parsing merge_queue.status_checks_timeout failed: %w", err)
	}

	idleCleanupDelay, err := time.ParseDuration(m.IdleQueueCleanupDelay)
	if err != nil {
		return nil, fmt.Errorf("parsing merge_queue.idle_queue_cleanup_delay failed: %w", err)
	}

	return &mergequeue.Config{
		IntegrationLabel:        m.IntegrationLabel,
		TopPriorityLabels:       m.TopPriorityLabels,
		RequiresAllStatusChecks: m.RequiresAllStatusChecks,
		StatusChecksTimeout:     statusChecksTimeout,
		IdleCleanupDelay:        idleCleanupDelay,
	}, nil
}
