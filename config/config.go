package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dermesser/clustermq"
	"github.com/dermesser/clustermq/log"
)

// Rotation algorithms of a service queue distributor.
const (
	RotationLoadBalance = "load_balance"
	RotationFirstIdle   = "first_idle"
)

/*
Options holds the per-component settings. Components are configured programmatically;
Parse and Load are a convenience for services that keep these values in a YAML file:

	handshake_timeout: 2s
	send_buffer_size: 131072
	workers:
	  min: 2
	  max: 8
	  max_idle: 1m
*/
type Options struct {
	// Bound on the greeting exchange of each connection
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// Bound on dialing, including retries
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// Steady-state stream timeouts; 0 means none
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// Byte budget of one coalesced write
	SendBufferSize int `yaml:"send_buffer_size"`
	// Interval at which the outbound loops revisit their queues without a wake-up
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxFrameSize int           `yaml:"max_frame_size"`
	Rotation     string        `yaml:"rotation"`
	LogLevel     string        `yaml:"log_level"`
	Workers      WorkerOptions `yaml:"workers"`
}

type WorkerOptions struct {
	Min     int           `yaml:"min"`
	Max     int           `yaml:"max"`
	MaxIdle time.Duration `yaml:"max_idle"`
}

func Default() Options {
	return Options{
		HandshakeTimeout: 5 * time.Second,
		ConnectTimeout:   5 * time.Second,
		SendBufferSize:   64 << 10,
		PollInterval:     10 * time.Millisecond,
		MaxFrameSize:     64 << 20,
		Rotation:         RotationLoadBalance,
		LogLevel:         "warnings",
		Workers: WorkerOptions{
			Min:     1,
			Max:     1,
			MaxIdle: 30 * time.Second,
		},
	}
}

// Parse reads YAML on top of Default() and validates the result.
func Parse(data []byte) (Options, error) {
	o := Default()
	if err := yaml.Unmarshal(data, &o); err != nil {
		return o, clustermq.WrapError(clustermq.ErrInvalidArgument, "parse config", err)
	}
	return o, o.Validate()
}

func Load(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Default(), err
	}
	return Parse(data)
}

func invalid(format string, args ...interface{}) error {
	return clustermq.NewError(clustermq.ErrInvalidArgument, "validate config", fmt.Sprintf(format, args...))
}

func (o Options) Validate() error {
	if o.HandshakeTimeout < 0 || o.ConnectTimeout < 0 || o.ReadTimeout < 0 || o.WriteTimeout < 0 {
		return invalid("timeouts must not be negative")
	}
	if o.SendBufferSize <= 0 {
		return invalid("send_buffer_size must be positive, got %d", o.SendBufferSize)
	}
	if o.PollInterval <= 0 {
		return invalid("poll_interval must be positive, got %s", o.PollInterval)
	}
	if o.MaxFrameSize <= 0 {
		return invalid("max_frame_size must be positive, got %d", o.MaxFrameSize)
	}
	if o.Rotation != RotationLoadBalance && o.Rotation != RotationFirstIdle {
		return invalid("unknown rotation %q", o.Rotation)
	}
	if _, ok := loglevels[strings.ToLower(o.LogLevel)]; !ok {
		return invalid("unknown log_level %q", o.LogLevel)
	}
	if o.Workers.Min < 0 || o.Workers.Max < 1 || o.Workers.Max < o.Workers.Min {
		return clustermq.NewError(clustermq.ErrOutOfRange, "validate config",
			fmt.Sprintf("workers: need 0 <= min <= max and max >= 1, got min=%d max=%d", o.Workers.Min, o.Workers.Max))
	}
	if o.Workers.MaxIdle <= 0 {
		return invalid("workers.max_idle must be positive")
	}
	return nil
}

var loglevels = map[string]int{
	"none":     log.LOGLEVEL_NONE,
	"errors":   log.LOGLEVEL_ERRORS,
	"warnings": log.LOGLEVEL_WARNINGS,
	"info":     log.LOGLEVEL_INFO,
	"debug":    log.LOGLEVEL_DEBUG,
}

// Loglevel maps LogLevel to one of the log.LOGLEVEL_* constants.
func (o Options) Loglevel() int {
	if ll, ok := loglevels[strings.ToLower(o.LogLevel)]; ok {
		return ll
	}
	return log.LOGLEVEL_WARNINGS
}

// ApplyLoglevel sets the global log level from LogLevel.
func (o Options) ApplyLoglevel() {
	log.SetLoglevel(o.Loglevel())
}
