package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds all configuration for the cog serve daemon
type Config struct {
	// Server configuration
	Host string `ff:"long: host, default: 0.0.0.0, usage: HTTP server host"`
	Port int    `ff:"long: port, default: 5000, usage: HTTP server port"`

	// Mode configuration
	AwaitExplicitShutdown bool `ff:"long: await-explicit-shutdown, default: false, usage: keep serving after setup failure or worker exit until /shutdown"`

	// Directory configuration
	WorkingDirectory string `ff:"long: working-dir, nodefault, usage: working directory of the model worker"`
	UploadURL        string `ff:"long: upload-url, nodefault, usage: output file upload URL"`
	MetricsEndpoint  string `ff:"long: metrics-endpoint, nodefault, usage: endpoint that receives the runner metric"`

	// Worker configuration
	WorkerCommand             string        `ff:"long: worker-command, default: python3 -m coglet, usage: command that runs the model worker"`
	RunnerShutdownGracePeriod time.Duration `ff:"long: runner-shutdown-grace-period, default: 5s, usage: time to wait for the worker to exit before killing it"`
	SetupTimeout              time.Duration `ff:"long: setup-timeout, default: 0s, usage: maximum time to wait for setup or 0 to wait forever"`

	// Environment configuration
	EnvSet   map[string]string
	EnvUnset []string
}

// Command splits WorkerCommand into argv.
func (c Config) Command() []string {
	return strings.Fields(c.WorkerCommand)
}

func (c Config) Validate() error {
	if len(c.Command()) == 0 {
		return errors.New("--worker-command must not be empty")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid --port %d", c.Port)
	}
	if c.RunnerShutdownGracePeriod < 0 || c.SetupTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}
