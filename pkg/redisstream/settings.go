package redisstream

// Settings holds Redis Streams transport configuration for the event bus.
type Settings struct {
	Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Group    string `yaml:"group" mapstructure:"group"`
	Consumer string `yaml:"consumer" mapstructure:"consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "ribbon-relay",
		Consumer: "relay-1",
	}
}
