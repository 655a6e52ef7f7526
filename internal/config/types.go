package config

// Config is the resolved stevedore configuration.
type Config struct {
	Service    ServiceConfig `yaml:"service"`
	API        APIConfig     `yaml:"api"`
	PluginsDir string        `yaml:"plugins_dir"`
	Plugins    []string      `yaml:"plugins"` // static plugins started at boot
	State      StateConfig   `yaml:"state"`
}

type ServiceConfig struct {
	Name     string `yaml:"name"`
	LogLevel string `yaml:"log_level"`
}

type APIConfig struct {
	Listen string     `yaml:"listen"`
	Auth   AuthConfig `yaml:"auth"`
}

type AuthConfig struct {
	APIKey string `yaml:"api_key"`
}

type StateConfig struct {
	Path string `yaml:"path"` // lifecycle journal database
}

// Defaults returns the built-in configuration defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "stevedore",
			LogLevel: "info",
		},
		API: APIConfig{
			Listen: "127.0.0.1:7060",
		},
		PluginsDir: "plugins",
		State: StateConfig{
			Path: "data/stevedore.db",
		},
	}
}
