package config

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/rescoord/rescoord/internal/core/observability/log"
	"github.com/rescoord/rescoord/internal/core/orchestrator"
	"github.com/rescoord/rescoord/internal/core/protocol"
	"github.com/rescoord/rescoord/internal/core/router"
	"github.com/rescoord/rescoord/internal/core/transport"
)

const (
	RoleCoordinator = "coordinator"
	RolePeer        = "peer"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is the node configuration file.
type Config struct {
	Role string     `yaml:"role"`
	Name string     `yaml:"name"`
	Node NodeConfig `yaml:"node"`

	Network  NetworkConfig  `yaml:"network"`
	Sampling SamplingConfig `yaml:"sampling"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`

	// Hardware overrides the detected profile field by field.
	Hardware protocol.HardwareProfile `yaml:"hardware"`

	Experiment ExperimentConfig           `yaml:"experiment"`
	Components map[string]ComponentConfig `yaml:"components"`
}

type NodeConfig struct {
	IDFile      string `yaml:"id_file"`
	UseCachedID bool   `yaml:"use_cached_id"`
}

type NetworkConfig struct {
	ListenAddr      string        `yaml:"listen_addr"`
	CoordinatorAddr string        `yaml:"coordinator_addr"`
	DialRetries     int           `yaml:"dial_retries"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	DialBackoff     time.Duration `yaml:"dial_backoff"`

	MaxContentLength int    `yaml:"max_content_length"`
	SequenceModulus  uint32 `yaml:"sequence_modulus"`
	// HandshakeTimeout bounds the peer's wait for the coordinator's handshake reply.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	// PollInterval is how long the router parks on an empty inbound queue.
	PollInterval time.Duration `yaml:"poll_interval"`
}

type SamplingConfig struct {
	Frequency float64       `yaml:"frequency"`
	Retention time.Duration `yaml:"retention"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	// ListenAddr enables the prometheus endpoint when set.
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
}

type ExperimentConfig struct {
	Name         string `yaml:"name"`
	TimelineFile string `yaml:"timeline_file"`

	MinNodes      int           `yaml:"min_nodes"`
	SetupTimeout  time.Duration `yaml:"setup_timeout"`
	StartTimeout  time.Duration `yaml:"start_timeout"`
	ClientTimeout time.Duration `yaml:"client_timeout"`
	StopWhenDone  bool          `yaml:"stop_when_done"`

	ServerComponent  string         `yaml:"server_component"`
	ClientComponent  string         `yaml:"client_component"`
	ServerArgs       map[string]any `yaml:"server_args"`
	ClientArgs       map[string]any `yaml:"client_args"`
	ServerAddressArg string         `yaml:"server_address_arg"`
	MetricNames      []string       `yaml:"metric_names"`
}

// ComponentConfig describes one launchable component. Kind selects the
// lifecycle factory, everything else is handed to it as parameters.
type ComponentConfig struct {
	Kind        string         `yaml:"kind"`
	Command     []string       `yaml:"command"`
	Dir         string         `yaml:"dir"`
	PairCommand []string       `yaml:"pair_command"`
	Params      map[string]any `yaml:"params"`
}

// Default returns a coordinator configuration listening on every interface.
func Default() Config {
	def := transport.DefaultConfig()
	return Config{
		Role: RoleCoordinator,
		Node: NodeConfig{IDFile: ".rescoord-id"},
		Network: NetworkConfig{
			ListenAddr:       "0.0.0.0:5050",
			CoordinatorAddr:  "127.0.0.1:5050",
			DialRetries:      def.DialRetries,
			DialTimeout:      def.DialTimeout,
			DialBackoff:      def.DialBackoff,
			MaxContentLength: def.MaxContentLength,
			SequenceModulus:  def.SequenceModulus,
			HandshakeTimeout: 10 * time.Second,
			PollInterval:     router.DefaultPollInterval,
		},
		Sampling: SamplingConfig{
			Frequency: orchestrator.DefaultSamplingFrequency,
			Retention: 5 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: string(log.FormatJSON),
		},
		Metrics: MetricsConfig{Path: "/metrics"},
		Experiment: ExperimentConfig{
			Name:         "debug",
			SetupTimeout: orchestrator.DefaultSetupTimeout,
			StartTimeout: orchestrator.DefaultStartTimeout,
		},
	}
}

// Load reads path over the defaults.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "open config")
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads YAML from r over the defaults and validates the result.
func Decode(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, "decode config")
	}
	return cfg, cfg.Validate()
}

func (c Config) IsCoordinator() bool { return c.Role == RoleCoordinator }

func (c Config) Validate() error {
	switch c.Role {
	case RoleCoordinator:
		if c.Network.ListenAddr == "" {
			return errors.Wrap(ErrInvalidConfig, "coordinator needs network.listen_addr")
		}
		if c.Experiment.Name == "" {
			return errors.Wrap(ErrInvalidConfig, "coordinator needs experiment.name")
		}
	case RolePeer:
		if c.Network.CoordinatorAddr == "" {
			return errors.Wrap(ErrInvalidConfig, "peer needs network.coordinator_addr")
		}
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown role %q", c.Role)
	}

	if c.Sampling.Frequency <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "sampling.frequency must be positive, got %v", c.Sampling.Frequency)
	}
	if c.Network.HandshakeTimeout <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "network.handshake_timeout must be positive, got %v", c.Network.HandshakeTimeout)
	}
	if c.Network.PollInterval < 0 {
		return errors.Wrapf(ErrInvalidConfig, "network.poll_interval must not be negative, got %v", c.Network.PollInterval)
	}
	if c.Network.SequenceModulus == 1 {
		return errors.Wrap(ErrInvalidConfig, "network.sequence_modulus must be at least 2")
	}
	if c.Node.UseCachedID && c.Node.IDFile == "" {
		return errors.Wrap(ErrInvalidConfig, "use_cached_id needs node.id_file")
	}
	switch log.Format(c.Log.Format) {
	case log.FormatJSON, log.FormatConsole:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown log format %q", c.Log.Format)
	}
	for name, comp := range c.Components {
		if comp.Kind == "" && len(comp.Command) == 0 {
			return errors.Wrapf(ErrInvalidConfig, "component %s needs a kind or a command", name)
		}
	}
	return nil
}

// Transport maps the network section onto multiplexer settings.
func (c Config) Transport() transport.Config {
	cfg := transport.DefaultConfig()
	cfg.MaxContentLength = c.Network.MaxContentLength
	cfg.SequenceModulus = c.Network.SequenceModulus
	cfg.DialRetries = c.Network.DialRetries
	cfg.DialTimeout = c.Network.DialTimeout
	cfg.DialBackoff = c.Network.DialBackoff
	return cfg
}

// Settings maps the experiment section onto orchestrator settings.
func (c Config) Settings() orchestrator.Settings {
	e := c.Experiment
	return orchestrator.Settings{
		MinNodes:          e.MinNodes,
		SetupTimeout:      e.SetupTimeout,
		StartTimeout:      e.StartTimeout,
		ClientTimeout:     e.ClientTimeout,
		SamplingFrequency: c.Sampling.Frequency,
		StopWhenDone:      e.StopWhenDone,
		ServerComponent:   e.ServerComponent,
		ClientComponent:   e.ClientComponent,
		ServerArgs:        e.ServerArgs,
		ClientArgs:        e.ClientArgs,
		ServerAddressArg:  e.ServerAddressArg,
		MetricNames:       e.MetricNames,
	}
}

// LifecycleParams returns the factory kind and parameters of a component.
func (cc ComponentConfig) LifecycleParams() (kind string, params map[string]any) {
	kind = cc.Kind
	if kind == "" {
		kind = "process"
	}
	params = make(map[string]any, len(cc.Params)+3)
	for k, v := range cc.Params {
		params[k] = v
	}
	if len(cc.Command) > 0 {
		params["command"] = cc.Command
	}
	if cc.Dir != "" {
		params["dir"] = cc.Dir
	}
	if len(cc.PairCommand) > 0 {
		params["pair_command"] = cc.PairCommand
	}
	return kind, params
}
