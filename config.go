package streamreactor

import (
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

type Global struct {
	LogLevel     string `yaml:"log_level" toml:"log_level"`
	MaxOpenFiles uint64 `yaml:"max_open_files" toml:"max_open_files"`
	MetricsAddr  string `yaml:"metrics_addr" toml:"metrics_addr"`
}

type ContainerSettings struct {
	Name                     string `yaml:"name" toml:"name"`
	Poller                   string `yaml:"poller" toml:"poller"`
	CycleTimeMs              int64  `yaml:"cycle_time_ms" toml:"cycle_time_ms"`
	CheckReconnectIntervalMs int64  `yaml:"check_reconnect_interval_ms" toml:"check_reconnect_interval_ms"`
	EventBufferSize          int    `yaml:"event_buffer_size" toml:"event_buffer_size"`
	LockOsThread             bool   `yaml:"lock_os_thread" toml:"lock_os_thread"`
}

type TLSConfig struct {
	Enabled          bool   `yaml:"enabled" toml:"enabled"`
	VerifyMode       string `yaml:"verify_mode" toml:"verify_mode"`
	CertPath         string `yaml:"cert_path" toml:"cert_path"`
	PkPath           string `yaml:"pk_path" toml:"pk_path"`
	CertChainPath    string `yaml:"cert_chain_path" toml:"cert_chain_path"`
	CACertPath       string `yaml:"ca_cert_path" toml:"ca_cert_path"`
	ClientCACertPath string `yaml:"client_ca_cert_path" toml:"client_ca_cert_path"`
	ServerName       string `yaml:"server_name" toml:"server_name"`
	OcspResponderUrl string `yaml:"ocsp_responder_url" toml:"ocsp_responder_url"`
}

type BindConfig struct {
	Endpoint          string    `yaml:"endpoint" toml:"endpoint"`
	TLS               TLSConfig `yaml:"tls" toml:"tls"`
	SendBufferSize    int       `yaml:"send_buffer_size" toml:"send_buffer_size"`
	ReceiveBufferSize int       `yaml:"receive_buffer_size" toml:"receive_buffer_size"`
}

type ConnectConfig struct {
	Endpoint                 string                 `yaml:"endpoint" toml:"endpoint"`
	TLS                      TLSConfig              `yaml:"tls" toml:"tls"`
	SendBufferSize           int                    `yaml:"send_buffer_size" toml:"send_buffer_size"`
	ReceiveBufferSize        int                    `yaml:"receive_buffer_size" toml:"receive_buffer_size"`
	ReconnectIntervalMs      *int64                 `yaml:"reconnect_interval_ms" toml:"reconnect_interval_ms"`
	TotalReconnectDurationMs *int64                 `yaml:"total_reconnect_duration_ms" toml:"total_reconnect_duration_ms"`
	ReconnectBackoffMaxMs    int64                  `yaml:"reconnect_backoff_max_ms" toml:"reconnect_backoff_max_ms"`
	ProtocolData             map[string]interface{} `yaml:"protocol_data" toml:"protocol_data"`
}

type Config struct {
	Global    Global            `yaml:"global" toml:"global"`
	Container ContainerSettings `yaml:"container" toml:"container"`
	Binds     []BindConfig      `yaml:"binds" toml:"binds"`
	Connects  []ConnectConfig   `yaml:"connects" toml:"connects"`
}

func LoadConfig(filePath string) (*Config, error) {
	file, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	config := &Config{}
	switch {
	case strings.HasSuffix(filePath, ".toml"):
		err = toml.Unmarshal(file, config)
	case strings.HasSuffix(filePath, ".yaml"), strings.HasSuffix(filePath, ".yml"):
		err = yaml.Unmarshal(file, config)
	default:
		return nil, errors.Wrapf(ErrInvalidConfig, "unsupported config format %s", filePath)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", filePath)
	}
	if err = validateConfig(config); err != nil {
		return nil, err
	}
	return config, nil
}

func validateConfig(config *Config) error {
	if _, err := ParsePollerKind(config.Container.Poller); err != nil {
		return err
	}
	if config.Global.LogLevel != "" {
		if _, err := zerolog.ParseLevel(config.Global.LogLevel); err != nil {
			return errors.Wrapf(ErrInvalidConfig, "log level %q", config.Global.LogLevel)
		}
	}
	for _, bind := range config.Binds {
		if _, err := ParseEndpoint(bind.Endpoint); err != nil {
			return err
		}
		if _, err := ParseVerifyMode(bind.TLS.VerifyMode); err != nil {
			return err
		}
		if bind.TLS.Enabled && (bind.TLS.CertPath == "" && bind.TLS.CertChainPath == "" || bind.TLS.PkPath == "") {
			return errors.Wrapf(ErrInvalidConfig, "bind %s: tls needs a certificate and a private key", bind.Endpoint)
		}
	}
	for _, connect := range config.Connects {
		if _, err := ParseEndpoint(connect.Endpoint); err != nil {
			return err
		}
		if _, err := ParseVerifyMode(connect.TLS.VerifyMode); err != nil {
			return err
		}
		if connect.TotalReconnectDurationMs == nil {
			return errors.Wrapf(ErrInvalidConfig, "connect %s: total_reconnect_duration_ms must be set, -1 means unlimited", connect.Endpoint)
		}
		if *connect.TotalReconnectDurationMs < -1 {
			return errors.Wrapf(ErrInvalidConfig, "connect %s: total_reconnect_duration_ms %d", connect.Endpoint, *connect.TotalReconnectDurationMs)
		}
	}
	return nil
}

func (c *Config) LogLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(c.Global.LogLevel)
	if err != nil || c.Global.LogLevel == "" {
		return zerolog.InfoLevel
	}
	return level
}

func (s ContainerSettings) ToContainerConfig() (ContainerConfig, error) {
	kind, err := ParsePollerKind(s.Poller)
	if err != nil {
		return ContainerConfig{}, err
	}
	return ContainerConfig{
		Name:            s.Name,
		Poller:          kind,
		EventBufferSize: s.EventBufferSize,
		LockOsThread:    s.LockOsThread,
	}, nil
}

func (s ContainerSettings) CycleTime() time.Duration {
	return time.Duration(s.CycleTimeMs) * time.Millisecond
}

func (s ContainerSettings) CheckReconnectInterval() time.Duration {
	return time.Duration(s.CheckReconnectIntervalMs) * time.Millisecond
}

func (t TLSConfig) certificateData() (CertificateData, error) {
	mode, err := ParseVerifyMode(t.VerifyMode)
	if err != nil {
		return CertificateData{}, err
	}
	return CertificateData{
		TLS:                  t.Enabled,
		VerifyMode:           mode,
		CertificateFile:      t.CertPath,
		PrivateKeyFile:       t.PkPath,
		CertificateChainFile: t.CertChainPath,
		CAFile:               t.CACertPath,
		ClientCAFile:         t.ClientCACertPath,
		ServerName:           t.ServerName,
		OCSPResponderURL:     t.OcspResponderUrl,
	}, nil
}

func (b BindConfig) Properties() (BindProperties, error) {
	data, err := b.TLS.certificateData()
	if err != nil {
		return BindProperties{}, err
	}
	return BindProperties{
		CertificateData: data,
		SocketOptions:   SocketOptions{SendBufferSize: b.SendBufferSize, ReceiveBufferSize: b.ReceiveBufferSize},
	}, nil
}

func (c ConnectConfig) Properties() (ConnectProperties, error) {
	data, err := c.TLS.certificateData()
	if err != nil {
		return ConnectProperties{}, err
	}
	props := DefaultConnectProperties()
	props.CertificateData = data
	props.SocketOptions = SocketOptions{SendBufferSize: c.SendBufferSize, ReceiveBufferSize: c.ReceiveBufferSize}
	if c.ReconnectIntervalMs != nil {
		props.ReconnectInterval = millis(*c.ReconnectIntervalMs)
	}
	if c.TotalReconnectDurationMs == nil {
		return props, errors.Wrapf(ErrInvalidConfig, "connect %s: total_reconnect_duration_ms must be set", c.Endpoint)
	}
	props.TotalReconnectDuration = millis(*c.TotalReconnectDurationMs)
	props.ReconnectBackoffMax = millis(c.ReconnectBackoffMaxMs)
	if len(c.ProtocolData) > 0 {
		props.ProtocolData = c.ProtocolData
	}
	return props, nil
}

// millis keeps negative values as the -1 sentinel instead of scaling them.
func millis(ms int64) time.Duration {
	if ms < 0 {
		return -1
	}
	return time.Duration(ms) * time.Millisecond
}
