package dynadoc

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"
	"gopkg.in/yaml.v3"
)

// DynamoDB hard limits. The engines chunk to these; they are store facts,
// not tunables.
const (
	// MaxBatchWriteItems is the per-call item ceiling for BatchWriteItem.
	MaxBatchWriteItems = 25
	// MaxBatchGetItems is the per-call key ceiling for BatchGetItem.
	MaxBatchGetItems = 100
	// MaxBatchBytes is the aggregate payload ceiling for a single batch call.
	MaxBatchBytes = 16 << 20
	// MaxItemBytes is the serialized size ceiling for a single item. The
	// engines do not pre-validate against it; it is exposed so callers can
	// decide whether to pre-empt a write the store would reject anyway.
	MaxItemBytes = 400 << 10
)

// BackoffFactory builds a fresh backoff strategy. A strategy instance is
// stateful (successive Next calls grow the delay) and is owned by exactly one
// logical batch operation; the engines call the factory per operation and
// never share instances.
type BackoffFactory func() retry.Backoff

// Settings is the process-wide configuration surface consumed, read-only, by
// all engines. The zero value is not usable; start from DefaultSettings.
type Settings struct {
	// TablePrefix is prepended (with a separator) to every model's table name.
	TablePrefix string

	// ReadCapacity and WriteCapacity are the provisioned throughput numbers
	// used when creating tables.
	ReadCapacity  int64
	WriteCapacity int64

	// Timezone is the display zone datetime fields are decoded into.
	// Date fields are timezone-agnostic.
	Timezone *time.Location

	// StoreDateAsString and StoreDatetimeAsString switch date/datetime storage
	// from numeric (epoch days / unix seconds) to ISO-8601 strings. A field
	// level option overrides these.
	StoreDateAsString     bool
	StoreDatetimeAsString bool

	// Backoff names the default strategy in BackoffRegistry used by batch
	// operations when the store reports unprocessed items. Empty means no
	// backoff: unprocessed items are dropped without retry. Callers that rely
	// on batch completeness must configure a strategy.
	Backoff         string
	BackoffRegistry map[string]BackoffFactory

	// WarnOnScan reports query-planner scan fallbacks through Logger.
	WarnOnScan bool

	Logger *slog.Logger
}

// DefaultSettings returns Settings with UTC timezone, numeric date storage,
// the built-in backoff registry and no default backoff.
func DefaultSettings() *Settings {
	s := &Settings{
		ReadCapacity:  100,
		WriteCapacity: 20,
		Timezone:      time.UTC,
		BackoffRegistry: map[string]BackoffFactory{
			"exponential": ExponentialBackoff(50*time.Millisecond, 5*time.Second),
			"fibonacci":   FibonacciBackoff(100 * time.Millisecond),
			"constant":    ConstantBackoff(500 * time.Millisecond),
		},
		Logger: slog.Default(),
	}
	return s
}

// Validate fills zero fields with defaults and rejects inconsistent settings.
func (s *Settings) Validate() error {
	if s.Timezone == nil {
		s.Timezone = time.UTC
	}
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.ReadCapacity <= 0 {
		s.ReadCapacity = 100
	}
	if s.WriteCapacity <= 0 {
		s.WriteCapacity = 20
	}
	if s.Backoff != "" {
		if _, ok := s.BackoffRegistry[s.Backoff]; !ok {
			return fmt.Errorf("backoff strategy %q not registered", s.Backoff)
		}
	}
	return nil
}

// NewBackoff returns a fresh instance of the configured default strategy, or
// nil when no backoff is configured.
func (s *Settings) NewBackoff() retry.Backoff {
	if s.Backoff == "" {
		return nil
	}
	factory, ok := s.BackoffRegistry[s.Backoff]
	if !ok {
		return nil
	}
	return factory()
}

// ExponentialBackoff returns a factory for capped exponential backoff with
// jitter, per the usual guidance for DynamoDB throttling.
func ExponentialBackoff(base, cap time.Duration) BackoffFactory {
	return func() retry.Backoff {
		b := retry.NewExponential(base)
		b = retry.WithJitterPercent(10, b)
		return retry.WithCappedDuration(cap, b)
	}
}

// FibonacciBackoff returns a factory for fibonacci backoff.
func FibonacciBackoff(base time.Duration) BackoffFactory {
	return func() retry.Backoff {
		return retry.NewFibonacci(base)
	}
}

// ConstantBackoff returns a factory for a fixed delay between retry rounds.
func ConstantBackoff(d time.Duration) BackoffFactory {
	return func() retry.Backoff {
		return retry.NewConstant(d)
	}
}

// Loaded from dynadoc.yaml or equivalents. Strategy names refer to entries in
// the default registry.
type yamlSettings struct {
	TablePrefix           string `yaml:"tablePrefix"`
	ReadCapacity          int64  `yaml:"readCapacity"`
	WriteCapacity         int64  `yaml:"writeCapacity"`
	Timezone              string `yaml:"timezone"`
	StoreDateAsString     bool   `yaml:"storeDateAsString"`
	StoreDatetimeAsString bool   `yaml:"storeDatetimeAsString"`
	Backoff               string `yaml:"backoff"`
	WarnOnScan            bool   `yaml:"warnOnScan"`
}

// SettingsFromYAML builds Settings from a YAML document, on top of
// DefaultSettings. The timezone is a named zone ("UTC", "Local",
// "Europe/Stockholm", ...).
func SettingsFromYAML(data []byte) (*Settings, error) {
	var y yamlSettings
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	s := DefaultSettings()
	s.TablePrefix = y.TablePrefix
	if y.ReadCapacity > 0 {
		s.ReadCapacity = y.ReadCapacity
	}
	if y.WriteCapacity > 0 {
		s.WriteCapacity = y.WriteCapacity
	}
	if y.Timezone != "" {
		loc, err := time.LoadLocation(y.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", y.Timezone, err)
		}
		s.Timezone = loc
	}
	s.StoreDateAsString = y.StoreDateAsString
	s.StoreDatetimeAsString = y.StoreDatetimeAsString
	s.Backoff = y.Backoff
	s.WarnOnScan = y.WarnOnScan
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}
