package config

import "time"

// DefaultPrompt is used when an analyze request supplies no prompt of
// its own. It matches the product's original placement question.
const DefaultPrompt = "Analyze the video and provide segments of the video that are ideal for brand placements."

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		TwelveLabs: DefaultTwelveLabsConfig(),
		Workflow:   DefaultWorkflowConfig(),
		RunStore:   DefaultRunStoreConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    0, // SSE streams stay open for the life of a run
		ShutdownTimeout: 15 * time.Second,
		APIKey:          "",
		RateLimitRPS:    100,
		RateLimitBurst:  200,
		MaxUploadBytes:  2 << 30, // 2 GiB
	}
}

// DefaultTwelveLabsConfig returns the default TwelveLabs client
// configuration. The API key has no default: it is the one required
// secret and its absence is a startup failure.
func DefaultTwelveLabsConfig() TwelveLabsConfig {
	return TwelveLabsConfig{
		APIKey:  "",
		BaseURL: "",
		Timeout: 2 * time.Minute,
	}
}

// DefaultWorkflowConfig returns the default workflow configuration.
func DefaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{
		PollInterval:  30 * time.Second,
		MaxWait:       0, // unbounded, indexing of long videos can take many minutes
		Temperature:   0.7,
		DefaultPrompt: DefaultPrompt,
		IndexPrefix:   "placement_index",
	}
}

// DefaultRunStoreConfig returns the default run store configuration.
func DefaultRunStoreConfig() RunStoreConfig {
	return RunStoreConfig{
		Backend: "memory",
		TTL:     24 * time.Hour,
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			Password:     "",
			DB:           0,
			PoolSize:     10,
			MinIdleConns: 2,
		},
	}
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig returns the default telemetry configuration.
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "brandlens",
		Environment:  "development",
		SampleRate:   0.1,
	}
}
