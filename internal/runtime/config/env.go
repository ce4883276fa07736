package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// FromEnv overlays NATS_URL and JOBFLOW_* environment variables onto cfg.
// Every variable that fails to parse is reported; the setting it targets keeps
// its previous value.
func FromEnv(cfg *Config) error {
	return fromEnv(cfg, os.Getenv)
}

// envReader parses variables and collects the failures.
type envReader struct {
	getenv func(string) string
	errs   []error
}

func (r *envReader) fail(key, value string, err error) {
	r.errs = append(r.errs, fmt.Errorf("%s=%q: %w", key, value, err))
}

func (r *envReader) setString(key string, dst *string) {
	if v := r.getenv(key); v != "" {
		*dst = v
	}
}

func (r *envReader) setInt(key string, dst *int) {
	v := r.getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, err)
		return
	}
	*dst = n
}

func (r *envReader) setInt64(key string, dst *int64) {
	v := r.getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		r.fail(key, v, err)
		return
	}
	*dst = n
}

func (r *envReader) setBool(key string, dst *bool) {
	v := r.getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, err)
		return
	}
	*dst = b
}

func (r *envReader) setDuration(key string, dst *time.Duration) {
	v := r.getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, err)
		return
	}
	*dst = d
}

func fromEnv(cfg *Config, getenv func(string) string) error {
	r := &envReader{getenv: getenv}

	r.setString("NATS_URL", &cfg.NATSURL)
	r.setString("JOBFLOW_CONNECTION_NAME", &cfg.ConnectionName)
	r.setString("JOBFLOW_IDENTITY", &cfg.Identity)
	r.setInt("JOBFLOW_MAX_RECONNECTS", &cfg.MaxReconnects)
	r.setDuration("JOBFLOW_RECONNECT_WAIT", &cfg.ReconnectWait)
	r.setDuration("JOBFLOW_CONNECT_TIMEOUT", &cfg.ConnectTimeout)
	r.setDuration("JOBFLOW_DRAIN_TIMEOUT", &cfg.DrainTimeout)

	r.stream("JOBFLOW_LIMITS", &cfg.LimitsStream)
	r.stream("JOBFLOW_WORKQUEUE", &cfg.WorkqueueStream)

	r.setString("JOBFLOW_LIMITS_CONSUMER_ROLE", &cfg.LimitsConsumerRole)
	r.setString("JOBFLOW_WORKQUEUE_CONSUMER", &cfg.WorkqueueConsumerName)
	r.setDuration("JOBFLOW_ACK_WAIT", &cfg.AckWait)
	r.setInt("JOBFLOW_MAX_DELIVER", &cfg.MaxDeliver)

	r.setBool("JOBFLOW_METRICS_ENABLED", &cfg.MetricsEnabled)
	r.setInt("JOBFLOW_METRICS_PORT", &cfg.MetricsPort)
	r.setBool("JOBFLOW_STATUS_ENABLED", &cfg.StatusEnabled)
	r.setInt("JOBFLOW_STATUS_PORT", &cfg.StatusPort)
	if v := getenv("JOBFLOW_STATUS_CORS_ORIGINS"); v != "" {
		cfg.StatusCORSAllowedOrigins = nil
		for _, p := range strings.Split(v, ",") {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.StatusCORSAllowedOrigins = append(cfg.StatusCORSAllowedOrigins, p)
			}
		}
	}

	r.setString("JOBFLOW_LOG_LEVEL", &cfg.LogLevel)
	r.setString("JOBFLOW_LOG_FORMAT", &cfg.LogFormat)

	return errors.Join(r.errs...)
}

func (r *envReader) stream(prefix string, s *StreamSettings) {
	r.setString(prefix+"_STREAM", &s.Name)
	r.setString(prefix+"_SUBJECT_PREFIX", &s.Prefix)
	r.setString(prefix+"_STORAGE", &s.Storage)
	r.setInt64(prefix+"_MAX_MSGS", &s.MaxMessages)
	r.setInt64(prefix+"_MAX_BYTES", &s.MaxBytes)
	r.setDuration(prefix+"_MAX_AGE", &s.MaxAge)
	r.setInt(prefix+"_REPLICAS", &s.Replicas)
}
