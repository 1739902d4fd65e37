package main

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"echobridge/adapters/transport"
	"echobridge/echo"
)

func ParseArgs() Args {
	// server config
	pflag.String("server-url", "0.0.0.0:8080", "")

	// core config
	pflag.String("namespace", "App.Notifications", "")
	pflag.String("user-model", "App/Models/User", "")
	pflag.String("notification-event", "notification", "")

	// backend selector
	pflag.String("backend", "null", "null|socket|stateful")

	// socket backend config
	pflag.String("socket-url", "", "")
	pflag.Duration("socket-dial-timeout", 10*time.Second, "")
	pflag.Duration("socket-ping-interval", 30*time.Second, "")
	pflag.Duration("socket-reconnect-delay", time.Second, "")
	pflag.Int("socket-max-reconnect-attempts", 5, "")

	// redis backend config
	pflag.String("redis-addr", "", "")
	pflag.String("redis-password", "", "")
	pflag.Int("redis-db", 0, "")
	pflag.String("redis-key-prefix", "echobridge", "")
	pflag.Duration("redis-ping-interval", 5*time.Second, "")

	// bind pflag to viper
	pflag.Parse()
	viper.BindPFlags(pflag.CommandLine)
	viper.AutomaticEnv()
	viper.SetEnvPrefix("EB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// initial arguments
	return Args{
		ServerURL: viper.GetString("server-url"),
		Backend:   transport.Backend(viper.GetString("backend")),
		Core: echo.Config{
			Namespace:         viper.GetString("namespace"),
			UserModel:         viper.GetString("user-model"),
			NotificationEvent: viper.GetString("notification-event"),
		},
		Socket: transport.SocketConfig{
			URL:                  viper.GetString("socket-url"),
			DialTimeout:          viper.GetDuration("socket-dial-timeout"),
			PingInterval:         viper.GetDuration("socket-ping-interval"),
			ReconnectDelay:       viper.GetDuration("socket-reconnect-delay"),
			MaxReconnectAttempts: viper.GetInt("socket-max-reconnect-attempts"),
		},
		Redis: transport.RedisConfig{
			Addr:         viper.GetString("redis-addr"),
			Password:     viper.GetString("redis-password"),
			DB:           viper.GetInt("redis-db"),
			KeyPrefix:    viper.GetString("redis-key-prefix"),
			PingInterval: viper.GetDuration("redis-ping-interval"),
		},
	}
}

type Args struct {
	ServerURL string
	Backend   transport.Backend
	Core      echo.Config
	Socket    transport.SocketConfig
	Redis     transport.RedisConfig
}

func (args Args) Validate() bool {
	if args.ServerURL == "" {
		return false
	}
	switch args.Backend {
	case transport.BackendNull:
		return true
	case transport.BackendSocket:
		return args.Socket.URL != ""
	case transport.BackendStateful:
		return args.Redis.Addr != ""
	default:
		return false
	}
}
