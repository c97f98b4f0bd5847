package config

import "time"

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	DatabasePath      string        `mapstructure:"database_path" yaml:"database_path"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	JWTSecret   string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer   string `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience string `mapstructure:"jwt_audience" yaml:"jwt_audience"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	OutboundQueueSize int           `mapstructure:"outbound_queue_size" yaml:"outbound_queue_size"`

	ChatHistoryLimit int `mapstructure:"chat_history_limit" yaml:"chat_history_limit"`

	RoomCapacity   int           `mapstructure:"room_capacity" yaml:"room_capacity"`
	VideoRoomGrace time.Duration `mapstructure:"video_room_grace" yaml:"video_room_grace"`

	CodeSessionGrace time.Duration `mapstructure:"code_session_grace" yaml:"code_session_grace"`
	EditHistoryCap   int           `mapstructure:"edit_history_cap" yaml:"edit_history_cap"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		DatabasePath:      "realtime.db",
		LogLevel:          "info",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		JWTSecret:         "dev-secret-change-me",
		JWTIssuer:         "skillbridge",
		JWTAudience:       "skillbridge-realtime",
		HeartbeatInterval: 30 * time.Second,
		OutboundQueueSize: 64,
		ChatHistoryLimit:  50,
		RoomCapacity:      12,
		VideoRoomGrace:    2 * time.Minute,
		CodeSessionGrace:  5 * time.Minute,
		EditHistoryCap:    100,
	}
}
