package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "text",
		},
		Worker: WorkerConfig{
			URL:                 "",
			CallTimeoutSeconds:  30,
			SpawnTimeoutSeconds: 10,
		},
		Server: ServerConfig{
			Enabled:    true,
			Host:       "127.0.0.1",
			Port:       8090,
			SocketPath: "/socket",
			WorkerPath: "/worker",
		},
		Store: StoreConfig{
			DBPath: "~/.fluxbus/fluxbus.db",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Endpoint: "/metrics",
		},
	}
}
