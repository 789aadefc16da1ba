package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable consulted when no config path
// is given on the command line.
const EnvConfigPath = "SHARD_CONFIG"

// ModelArgs describes the transformer topology of one model size class.
type ModelArgs struct {
	Dim        int     `yaml:"dim"`
	HiddenDim  int     `yaml:"hidden_dim"`
	Layers     int     `yaml:"n_layers"`
	Heads      int     `yaml:"n_heads"`
	KVHeads    int     `yaml:"n_kv_heads"`
	VocabSize  int     `yaml:"vocab_size"`
	Eps        float32 `yaml:"norm_eps"`
	RopeTheta  float32 `yaml:"rope_theta"`
	MaxContext int     `yaml:"max_context"`
}

// HeadDim is the per-head width.
func (a ModelArgs) HeadDim() int {
	if a.Heads == 0 {
		return 0
	}
	return a.Dim / a.Heads
}

// KVDim is the width of one key (or value) row across all kv heads.
func (a ModelArgs) KVDim() int {
	return a.KVHeads * a.HeadDim()
}

func (a ModelArgs) Validate() error {
	if a.Dim <= 0 {
		return fmt.Errorf("invalid dim: %d (must be positive)", a.Dim)
	}
	if a.Layers <= 0 {
		return fmt.Errorf("invalid n_layers: %d (must be positive)", a.Layers)
	}
	if a.Heads <= 0 {
		return fmt.Errorf("invalid n_heads: %d (must be positive)", a.Heads)
	}
	if a.KVHeads <= 0 {
		return fmt.Errorf("invalid n_kv_heads: %d (must be positive)", a.KVHeads)
	}
	if a.KVHeads > a.Heads {
		return fmt.Errorf("invalid n_kv_heads: %d (must be <= n_heads: %d)", a.KVHeads, a.Heads)
	}
	if a.Heads%a.KVHeads != 0 {
		return fmt.Errorf("n_heads (%d) must be a multiple of n_kv_heads (%d)", a.Heads, a.KVHeads)
	}
	if a.Dim%a.Heads != 0 {
		return fmt.Errorf("dim mismatch: %d is not divisible by n_heads %d", a.Dim, a.Heads)
	}
	if a.HeadDim()%2 != 0 {
		return fmt.Errorf("head_dim %d must be even for rotary embeddings", a.HeadDim())
	}
	if a.HiddenDim <= 0 {
		return fmt.Errorf("invalid hidden_dim: %d (must be positive)", a.HiddenDim)
	}
	if a.VocabSize <= 0 {
		return fmt.Errorf("invalid vocab_size: %d (must be positive)", a.VocabSize)
	}
	if a.Eps <= 0 {
		return fmt.Errorf("invalid norm_eps: %f (must be positive)", a.Eps)
	}
	if a.RopeTheta <= 0 {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", a.RopeTheta)
	}
	if a.MaxContext <= 0 {
		return fmt.Errorf("invalid max_context: %d (must be positive)", a.MaxContext)
	}
	return nil
}

// Family is a model size class: its topology plus the number of legacy
// checkpoint parts it ships as.
type Family struct {
	Args  ModelArgs `yaml:"args"`
	Files int       `yaml:"files"`
}

// Sampling is applied uniformly to every decode step.
type Sampling struct {
	Temperature    float64 `yaml:"temperature"`
	TopK           int     `yaml:"top_k"`
	TopP           float64 `yaml:"top_p"`
	AlphaFrequency float64 `yaml:"alpha_frequency"`
	AlphaPresence  float64 `yaml:"alpha_presence"`
	Seed           int64   `yaml:"seed"`
}

func (s Sampling) Validate() error {
	if s.Temperature < 0 {
		return fmt.Errorf("invalid temperature: %f (must be >= 0)", s.Temperature)
	}
	if s.TopK < 0 {
		return fmt.Errorf("invalid top_k: %d (must be >= 0)", s.TopK)
	}
	if s.TopP < 0 || s.TopP > 1 {
		return fmt.Errorf("invalid top_p: %f (must be within [0, 1])", s.TopP)
	}
	return nil
}

// Model is one entry of the model table consulted by the resolver.
type Model struct {
	// Family selects the size class, e.g. "8B".
	Family string `yaml:"family"`
	// Path is a local checkpoint directory or file. When set and present the
	// model resolves without any download.
	Path string `yaml:"path"`
	// Repo is the hub repository files are fetched from when Path is absent.
	Repo  string   `yaml:"repo"`
	Files []string `yaml:"files"`
	// Unimplemented marks a recognised model this runtime does not serve yet.
	Unimplemented bool `yaml:"unimplemented"`
}

type RegistryConfig struct {
	URL        string `yaml:"url"`
	FileServer string `yaml:"file_server"`
	HubURL     string `yaml:"hub_url"`
	Workers    int    `yaml:"workers"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Devices []string `yaml:"devices"`
	// Quantize is "" (off) or "int8".
	Quantize       string            `yaml:"quantize"`
	QuantBlockSize int               `yaml:"quant_block_size"`
	Sampling       Sampling          `yaml:"sampling"`
	Families       map[string]Family `yaml:"families"`
	Models         map[string]Model  `yaml:"models"`
	CacheDir       string            `yaml:"cache_dir"`
	Registry       RegistryConfig    `yaml:"registry"`
	// ShardCacheSize bounds how many model instances stay resident.
	ShardCacheSize int `yaml:"shard_cache_size"`
	// MaxSessions bounds how many per-request KV caches stay resident.
	MaxSessions int           `yaml:"max_sessions"`
	Logging     LoggingConfig `yaml:"logging"`
	MetricsAddr string        `yaml:"metrics_addr"`
	ListenAddr  string        `yaml:"listen_addr"`
}

// Llama3Families are the built-in size classes.
func Llama3Families() map[string]Family {
	return map[string]Family{
		"8B": {
			Args: ModelArgs{
				Dim:        4096,
				HiddenDim:  14336,
				Layers:     32,
				Heads:      32,
				KVHeads:    8,
				VocabSize:  128256,
				Eps:        1e-5,
				RopeTheta:  500000,
				MaxContext: 8192,
			},
			Files: 1,
		},
		"70B": {
			Args: ModelArgs{
				Dim:        8192,
				HiddenDim:  28672,
				Layers:     80,
				Heads:      64,
				KVHeads:    8,
				VocabSize:  128256,
				Eps:        1e-5,
				RopeTheta:  500000,
				MaxContext: 8192,
			},
			Files: 8,
		},
	}
}

func Default() Config {
	return Config{
		Devices:        []string{"cpu:0"},
		QuantBlockSize: 32,
		Sampling: Sampling{
			Temperature:    0,
			TopK:           25,
			TopP:           0.9,
			AlphaFrequency: 0.1,
			AlphaPresence:  0.0,
		},
		Families:       Llama3Families(),
		Models:         map[string]Model{},
		CacheDir:       defaultCacheDir(),
		Registry:       RegistryConfig{HubURL: "https://huggingface.co", Workers: 4},
		ShardCacheSize: 1,
		MaxSessions:    64,
		Logging:        LoggingConfig{Level: "info", Format: "console"},
		MetricsAddr:    ":9090",
		ListenAddr:     ":50051",
	}
}

func defaultCacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return dir + string(os.PathSeparator) + "longbow-shard"
	}
	return ".longbow-shard"
}

func (c *Config) Validate() error {
	if len(c.Devices) == 0 {
		return fmt.Errorf("devices: at least one device is required")
	}
	switch strings.ToLower(c.Quantize) {
	case "", "int8":
	default:
		return fmt.Errorf("invalid quantize: %q (want \"\" or \"int8\")", c.Quantize)
	}
	if c.Quantize != "" && c.QuantBlockSize <= 0 {
		return fmt.Errorf("invalid quant_block_size: %d (must be positive)", c.QuantBlockSize)
	}
	if err := c.Sampling.Validate(); err != nil {
		return fmt.Errorf("sampling: %w", err)
	}
	for name, f := range c.Families {
		if err := f.Args.Validate(); err != nil {
			return fmt.Errorf("family %s: %w", name, err)
		}
		if f.Files <= 0 {
			return fmt.Errorf("family %s: invalid files: %d (must be positive)", name, f.Files)
		}
	}
	for id, m := range c.Models {
		if m.Unimplemented {
			continue
		}
		if _, ok := c.Families[m.Family]; !ok {
			return fmt.Errorf("model %s: unknown family %q", id, m.Family)
		}
	}
	if c.ShardCacheSize <= 0 {
		return fmt.Errorf("invalid shard_cache_size: %d (must be positive)", c.ShardCacheSize)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("invalid max_sessions: %d (must be positive)", c.MaxSessions)
	}
	return nil
}

// Family looks up the size class a model entry belongs to.
func (c *Config) Family(name string) (Family, bool) {
	f, ok := c.Families[name]
	return f, ok
}

// LoadFile reads a YAML config layered over Default. An empty path falls back
// to $SHARD_CONFIG, and to the defaults when that is unset too.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Families == nil {
		cfg.Families = map[string]Family{}
	}
	if cfg.Models == nil {
		cfg.Models = map[string]Model{}
	}
	// Built-in families stay available unless a file overrides them by name.
	for name, f := range Llama3Families() {
		if _, ok := cfg.Families[name]; !ok {
			cfg.Families[name] = f
		}
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}
