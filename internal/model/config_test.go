package model_test

import (
	"bytes"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/Retester/internal/model"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
worker:
  path: retester
  args:
    - _worker
  env:
    home: $HOME
  timeout: 1h
test:
  path: go
  args: [test, -count=1]
  timeout: 90s
notify:
  enabled: false
  parallel: 4
service:
  mode: timer
  verbose: true
  log: stderr
  dir: /var/log/retester
  schedule:
    duration: PT5M
  webhook:
    url: http://localhost:8080/events
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.NotNil(t, cfg)
	require.Equal(t, "retester", cfg.Worker.Path)
	require.Equal(t, []string{"_worker"}, cfg.Worker.Args)
	require.Equal(t, "$HOME", cfg.Worker.Env["home"])
	timeout, err := cfg.Worker.TimeoutDuration()
	require.NoError(t, err)
	require.Equal(t, time.Hour, timeout)

	require.NotNil(t, cfg.Test)
	require.Equal(t, "go", cfg.Test.Path)
	require.Equal(t, "90s", cfg.Test.Timeout)

	require.False(t, cfg.Notify.Enabled)
	require.Equal(t, 4, cfg.Notify.Parallel)

	require.Equal(t, model.ServiceModeTimer, cfg.Service.Mode)
	require.True(t, cfg.Service.Verbose)
	require.Equal(t, model.LogStderr, cfg.Service.Log)
	require.Equal(t, "/var/log/retester", cfg.Service.Dir)
	require.NotNil(t, cfg.Service.Schedule)
	require.Equal(t, "PT5M", cfg.Service.Schedule.Duration)
	require.NoError(t, cfg.Service.Schedule.Validate())
	require.Equal(t, &model.Webhook{Enabled: true, URL: "http://localhost:8080/events"}, cfg.Service.Webhook)
}

func TestLoadConfig_Defaults(t *testing.T) {
	yml := `
worker:
  path: retester
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, 0, cfg.Version)
	require.Nil(t, cfg.Test)
	require.True(t, cfg.Notify.Enabled)
	require.Equal(t, 2, cfg.Notify.Parallel)
	require.Equal(t, model.ServiceModeManual, cfg.Service.Mode)
	require.Nil(t, cfg.Service.Schedule)
}

func TestLoadConfig_Fail(t *testing.T) {
	var testCases = []struct {
		scenario string
		yml      string
		path     string
		code     string
	}{
		{
			scenario: "missing worker",
			yml:      "version: 0\n",
			path:     "worker",
			code:     "missing_required",
		},
		{
			scenario: "empty worker path",
			yml:      "worker:\n  path: \"\"\n",
			path:     "worker.path",
			code:     "invalid_value",
		},
		{
			scenario: "unknown field",
			yml:      "worker:\n  path: retester\nfoo: bar\n",
			path:     "foo",
			code:     "unknown_field",
		},
		{
			scenario: "invalid mode",
			yml:      "worker:\n  path: retester\nservice:\n  mode: cron\n",
			path:     "service.mode",
			code:     "invalid_value",
		},
		{
			scenario: "webhook without scheme",
			yml:      "worker:\n  path: retester\nservice:\n  webhook:\n    url: localhost\n",
			path:     "service.webhook.url",
			code:     "invalid_value",
		},
		{
			scenario: "invalid timeout",
			yml:      "worker:\n  path: retester\n  timeout: 5 minutes\n",
			path:     "worker.timeout",
			code:     "invalid_value",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			_, err := model.LoadConfig(strings.NewReader(tc.yml))
			require.Error(t, err)
			require.ErrorContains(t, err, tc.path)

			details := model.CueErrDetails(err)
			idx := slices.IndexFunc(details, func(d model.CueErrorDetail) bool {
				return d.Path == tc.path
			})
			require.GreaterOrEqual(t, idx, 0, "%+v", details)
			d := details[idx]
			require.Equal(t, tc.code, d.Code)
			require.Contains(t, d.Message, tc.path[strings.LastIndexByte(tc.path, '.')+1:])
			if tc.path == "service.mode" {
				require.Contains(t, d.Message, "possible values")
			}
		})
	}

	require.Nil(t, model.CueErrDetails(nil))
}

func TestDefaultConfig(t *testing.T) {
	cfg := model.DefaultConfig()

	// the default configuration is stored as yaml and must load back
	var buf bytes.Buffer
	require.NoError(t, yaml.NewEncoder(&buf).Encode(cfg))
	loaded, err := model.LoadConfig(&buf)
	require.NoError(t, err)
	require.Equal(t, cfg, *loaded)
}

func TestCommand_Environ(t *testing.T) {
	t.Setenv("RETESTER_TEST_HOME", "/home/test")
	cmd := model.Command{
		Env: map[string]string{
			"home":  "$RETESTER_TEST_HOME",
			"debug": "1",
		},
	}
	env := cmd.Environ()
	n := len(env)
	require.GreaterOrEqual(t, n, 2)
	require.Equal(t, []string{"DEBUG=1", "HOME=/home/test"}, env[n-2:])
}
