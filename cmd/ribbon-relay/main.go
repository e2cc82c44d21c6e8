package main

import (
	"context"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/blkd13/ribbon-core/pkg/redisstream"
	"github.com/blkd13/ribbon-core/pkg/relay"
)

var rootCmd = &cobra.Command{
	Use:   "ribbon-relay",
	Short: "Serve the chat relay: dispatch endpoint, shared streaming connection, and turn storage",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogger(viper.GetString("log-level"))
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		redisDefaults := redisstream.DefaultSettings()
		cfg := relay.Config{
			Addr:    viper.GetString("addr"),
			DBPath:  viper.GetString("db"),
			Verbose: viper.GetBool("verbose"),
			Redis: redisstream.Settings{
				Enabled:  viper.GetBool("redis.enabled"),
				Addr:     viper.GetString("redis.addr"),
				Group:    viper.GetString("redis.group"),
				Consumer: viper.GetString("redis.consumer"),
			},
		}
		if cfg.Redis.Addr == "" {
			cfg.Redis.Addr = redisDefaults.Addr
		}
		if cfg.Redis.Group == "" {
			cfg.Redis.Group = redisDefaults.Group
		}
		if cfg.Redis.Consumer == "" {
			cfg.Redis.Consumer = redisDefaults.Consumer
		}

		srv, err := relay.NewServer(cfg)
		if err != nil {
			return err
		}
		return srv.Run(context.Background())
	},
}

func initLogger(level string) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return nil
}

func init() {
	flags := rootCmd.Flags()
	flags.String("addr", ":8088", "HTTP listen address")
	flags.String("db", "", "path to the SQLite database (empty keeps turns in memory)")
	flags.Bool("verbose", false, "verbose event bus logging")
	flags.Bool("redis-enabled", false, "route frames over Redis Streams instead of in-process channels")
	flags.String("redis-addr", "localhost:6379", "Redis address")
	flags.String("redis-group", "ribbon-relay", "Redis consumer group")
	flags.String("redis-consumer", "relay-1", "Redis consumer name")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (trace, debug, info, warn, error)")

	_ = viper.BindPFlag("addr", flags.Lookup("addr"))
	_ = viper.BindPFlag("db", flags.Lookup("db"))
	_ = viper.BindPFlag("verbose", flags.Lookup("verbose"))
	_ = viper.BindPFlag("redis.enabled", flags.Lookup("redis-enabled"))
	_ = viper.BindPFlag("redis.addr", flags.Lookup("redis-addr"))
	_ = viper.BindPFlag("redis.group", flags.Lookup("redis-group"))
	_ = viper.BindPFlag("redis.consumer", flags.Lookup("redis-consumer"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))

	viper.SetEnvPrefix("RIBBON")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	viper.SetConfigName("ribbon-relay")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(home + "/.config/ribbon")
	}
	if err := viper.ReadInConfig(); err == nil {
		log.Debug().Str("config", viper.ConfigFileUsed()).Msg("loaded config file")
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("relay exited with error")
		os.Exit(1)
	}
}
