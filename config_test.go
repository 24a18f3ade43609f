package streamreactor

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	for _, path := range []string{"./cmd/config.yaml", "./cmd/config.toml"} {
		t.Run(filepath.Ext(path), func(t *testing.T) {
			config, err := LoadConfig(path)
			require.NoError(t, err)

			assert.Equal(t, zerolog.InfoLevel, config.LogLevel())
			assert.Equal(t, uint64(8192), config.Global.MaxOpenFiles)
			assert.Equal(t, "127.0.0.1:9102", config.Global.MetricsAddr)

			containerConfig, err := config.Container.ToContainerConfig()
			require.NoError(t, err)
			assert.Equal(t, "streamctl", containerConfig.Name)
			assert.Equal(t, PollerEpoll, containerConfig.Poller)
			assert.Equal(t, 100*time.Millisecond, config.Container.CycleTime())
			assert.Equal(t, time.Second, config.Container.CheckReconnectInterval())

			require.Len(t, config.Binds, 2)
			bindProps, err := config.Binds[0].Properties()
			require.NoError(t, err)
			assert.Equal(t, SocketOptions{SendBufferSize: 65536, ReceiveBufferSize: 65536}, bindProps.SocketOptions)
			assert.False(t, bindProps.CertificateData.TLS)
			assert.Equal(t, "ipc:///tmp/streamctl.sock:stream", config.Binds[1].Endpoint)

			require.Len(t, config.Connects, 1)
			props, err := config.Connects[0].Properties()
			require.NoError(t, err)
			assert.Equal(t, 5*time.Second, props.ReconnectInterval)
			assert.Equal(t, ReconnectForever, props.TotalReconnectDuration)
			assert.Equal(t, 30*time.Second, props.ReconnectBackoffMax)
			assert.Equal(t, VerifyPeer, props.CertificateData.VerifyMode)
			assert.Equal(t, "localhost", props.CertificateData.ServerName)
			assert.Equal(t, "/etc/streamctl/ca.pem", props.CertificateData.CAFile)
		})
	}
}

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfigValidation(t *testing.T) {
	cases := map[string]string{
		"missing budget": `
connects:
  - endpoint: tcp://localhost:7001
`,
		"bad budget": `
connects:
  - endpoint: tcp://localhost:7001
    total_reconnect_duration_ms: -5
`,
		"bad poller": `
container:
  poller: kqueue
`,
		"bad log level": `
global:
  log_level: loud
`,
		"tls without key": `
binds:
  - endpoint: tcp://*:7000
    tls:
      enabled: true
      cert_path: server.crt
`,
		"bad verify mode": `
connects:
  - endpoint: tcp://localhost:7001
    total_reconnect_duration_ms: 0
    tls:
      verify_mode: sometimes
`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, "config.yaml", content))
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, os.IsNotExist(err))

	_, err = LoadConfig(writeConfig(t, "config.yaml", "binds:\n  - endpoint: localhost:7000\n"))
	assert.ErrorIs(t, err, ErrInvalidEndpoint)

	_, err = LoadConfig(writeConfig(t, "config.json", "{}"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = LoadConfig(writeConfig(t, "config.toml", "[global\nlog_level ="))
	assert.Error(t, err)
}

func TestConnectPropertiesDefaults(t *testing.T) {
	zero := int64(0)
	props, err := ConnectConfig{Endpoint: "tcp://localhost:1", TotalReconnectDurationMs: &zero}.Properties()
	require.NoError(t, err)
	assert.Equal(t, defaultReconnectInterval, props.ReconnectInterval)
	assert.Zero(t, props.TotalReconnectDuration)
	assert.Nil(t, props.ProtocolData)

	noRetry := int64(-1)
	props, err = ConnectConfig{Endpoint: "tcp://localhost:1", ReconnectIntervalMs: &noRetry, TotalReconnectDurationMs: &zero}.Properties()
	require.NoError(t, err)
	assert.Equal(t, NoReconnect, props.ReconnectInterval)

	_, err = ConnectConfig{Endpoint: "tcp://localhost:1"}.Properties()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
