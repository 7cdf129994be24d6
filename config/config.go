package config

import (
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Backend   BackendConfig   `mapstructure:"backend"`
	Room      RoomConfig      `mapstructure:"room"`
	Transport TransportConfig `mapstructure:"transport"`
}

type ServerConfig struct {
	HTTPAddress    string        `mapstructure:"http_address"`
	RPCAddress     string        `mapstructure:"rpc_address"`
	MetricsAddress string        `mapstructure:"metrics_address"`
	Heartbeat      time.Duration `mapstructure:"heartbeat"`
}

type BackendConfig struct {
	HubPort      int           `mapstructure:"hub_port"`
	PoseInterval time.Duration `mapstructure:"pose_interval"`
}

type RoomConfig struct {
	GameEndTimeout time.Duration `mapstructure:"game_end_timeout"`
}

type TransportConfig struct {
	ListenIP string `mapstructure:"listen_ip"`
	PortMin  uint16 `mapstructure:"port_min"`
	PortMax  uint16 `mapstructure:"port_max"`
}

func LoadConfig(path string) (config *Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetDefault("server.http_address", ":8079")
	viper.SetDefault("server.rpc_address", ":8078")
	viper.SetDefault("server.metrics_address", ":9091")
	viper.SetDefault("server.heartbeat", "30s")
	viper.SetDefault("backend.hub_port", 22023)
	viper.SetDefault("backend.pose_interval", "300ms")
	viper.SetDefault("room.game_end_timeout", "10m")
	viper.SetDefault("transport.listen_ip", "127.0.0.1")
	viper.SetDefault("transport.port_min", 10000)
	viper.SetDefault("transport.port_max", 11000)

	viper.AutomaticEnv()

	// 配置文件缺省时使用默认值
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	err = viper.Unmarshal(&config)
	return
}
