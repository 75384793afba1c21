package model

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

// Enum helpers (optional).
const (
	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int      `json:"version" yaml:"version"` // fixed 0 for now
	Worker  Command  `json:"worker" yaml:"worker"`
	Test    *Command `json:"test,omitempty" yaml:"test,omitempty"`
	Notify  Notify   `json:"notify" yaml:"notify"`
	Service Service  `json:"service" yaml:"service"`
}

// Command describes a process to spawn.
type Command struct {
	Path    string            `json:"path" yaml:"path"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Timeout string            `json:"timeout,omitempty" yaml:"timeout,omitempty"` // time.ParseDuration format
}

// Environ returns the command environment in os/exec format, the current
// process environment first. Values starting with $ are expanded.
func (c Command) Environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := c.Env[k]
		if strings.HasPrefix(v, "$") {
			v = os.ExpandEnv(v)
		}
		env = append(env, strings.ToUpper(k)+"="+v)
	}
	return env
}

// TimeoutDuration returns a parsed timeout, zero means no timeout.
func (c Command) TimeoutDuration() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("parsing timeout %q: %w", c.Timeout, err)
	}
	return d, nil
}

// Notify configures desktop notifications of pass/fail transitions.
type Notify struct {
	Enabled  bool `json:"enabled" yaml:"enabled"`
	Parallel int  `json:"parallel" yaml:"parallel"`
}

type Service struct {
	Mode     string         `json:"mode" yaml:"mode"` // "manual" | "timer"
	Verbose  bool           `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log      string         `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
	Dir      string         `json:"dir,omitempty" yaml:"dir,omitempty"` // events log directory
	Schedule *TimerSchedule `json:"schedule,omitempty" yaml:"schedule,omitempty"`
	Webhook  *Webhook       `json:"webhook,omitempty" yaml:"webhook,omitempty"`
}

// Webhook posts transition events to an HTTP endpoint.
type Webhook struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url"`
}

// TimerSchedule defines when failed test files are re-run in timer mode.
// Exactly one of the fields is expected.
type TimerSchedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"` // ISO 8601
}

// DefaultConfig spawns the built-in worker which runs the package of each
// test file with go test.
func DefaultConfig() Config {
	self, err := os.Executable()
	if err != nil || self == "" {
		self = "retester"
	}
	return Config{
		Version: 0,
		Worker: Command{
			Path: self,
			Args: []string{"_worker"},
		},
		// the test file is passed as $1, go test runs the whole package
		Test: &Command{
			Path:    "sh",
			Args:    []string{"-c", "go test -count=1 .", "retester-test"},
			Timeout: "10m",
		},
		Notify: Notify{
			Enabled:  true,
			Parallel: 2,
		},
		Service: Service{
			Mode: ServiceModeManual,
			Log:  LogStderr,
		},
	}
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

// CueErrDetails returns human readable descriptions of a LoadConfig error.
func CueErrDetails(err error) []CueErrorDetail {
	return humanize(err, schema)
}
