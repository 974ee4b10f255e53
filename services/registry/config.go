package registry

import (
	"context"

	"github.com/sethvargo/go-envconfig"
)

// Config holds runtime configuration for the registry server.
type Config struct {
	Addr         string `env:"ADDR,default=:3000"`
	Password     string `env:"PASSWORD,required"`
	TasksDir     string `env:"TASKS_DIR,default=./tasks"`
	DBDSN        string `env:"DB_DSN"`
	NATSURL      string `env:"NATS_URL"`
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	RateLimitRPS int    `env:"RATE_LIMIT_RPS,default=50"`
	LogLevel     string `env:"LOG_LEVEL,default=info"`
	AgeSecretKey string `env:"AGE_SECRET_KEY"`
	S3           S3Config
}

// S3Config enables mirroring uploaded archives when Bucket is set.
type S3Config struct {
	Bucket         string `env:"S3_BUCKET"`
	Prefix         string `env:"S3_PREFIX,default=tasks"`
	Endpoint       string `env:"S3_ENDPOINT"`
	Region         string `env:"S3_REGION,default=us-east-1"`
	AccessKey      string `env:"S3_ACCESS_KEY"`
	SecretKey      string `env:"S3_SECRET_KEY"`
	DisableTLS     bool   `env:"S3_DISABLE_TLS,default=false"`
	ForcePathStyle bool   `env:"S3_FORCE_PATH_STYLE,default=true"`
}

// LoadConfig returns a Config populated from environment variables.
func LoadConfig(ctx context.Context) (Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadConfigFrom(ctx context.Context, env map[string]string) (Config, error) {
	var cfg Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.MapLookuper(env),
	}); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
