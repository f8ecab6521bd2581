package config

import "time"

// DefaultConfig returns the default configuration with the built-in plans and token packages.
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Addr: ":8000",
		},
		Database: DatabaseConfig{
			Path: "dreammaker.db",
		},
		Scheduler: SchedulerConfig{
			PollInterval: Duration(time.Second),
			RestartDelay: Duration(5 * time.Second),
		},
		Quota: QuotaConfig{
			DailyImages:    50,
			ImageTokenCost: 1,
		},
		DefaultPlan: "free",
		Plans: map[string]PlanConfig{
			"free": {
				Name:           "Free",
				GenerationWait: 10,
				QueueWait:      10,
				Tokens:         10,
				Price:          0,
			},
			"premium": {
				Name:           "Premium",
				GenerationWait: 5,
				QueueWait:      3,
				Tokens:         100,
				Price:          9.99,
				Outranks:       []string{"free"},
			},
			"pro": {
				Name:           "Pro",
				GenerationWait: 2,
				QueueWait:      0,
				Tokens:         500,
				Price:          29.99,
				Outranks:       []string{"premium"},
			},
		},
		TokenPackages: map[string]TokenPackageConfig{
			"small":  {Tokens: 50, Price: 4.99},
			"medium": {Tokens: 150, Price: 12.99},
			"large":  {Tokens: 500, Price: 39.99},
		},
		Backend: BackendConfig{
			Type:         "together",
			BaseURL:      "https://api.together.xyz",
			Model:        "black-forest-labs/FLUX.1-schnell-Free",
			MaxDimension: 1440,
			Timeout:      Duration(2 * time.Minute),
			OutputDir:    "static/images/generated",
			Breaker: BreakerConfig{
				ConsecutiveFailures: 5,
				OpenTimeout:         Duration(30 * time.Second),
			},
		},
		Translator: TranslatorConfig{
			Enabled: true,
			BaseURL: "https://translate.googleapis.com",
			Target:  "en",
			Timeout: Duration(10 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
