package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Runtime holds process settings read from the environment.
type Runtime struct {
	Addr              string `env:"PSYNC_ADDR" envDefault:":8080"`
	BasePath          string `env:"PSYNC_BASE_PATH" envDefault:"/v1"`
	JWTSecret         string `env:"PSYNC_JWT_SECRET"`
	RedisURL          string `env:"PSYNC_REDIS_URL"`
	LogLevel          string `env:"PSYNC_LOG_LEVEL" envDefault:"info"`
	AllowTenantHeader bool   `env:"PSYNC_ALLOW_TENANT_HEADER" envDefault:"false"`
}

func LoadRuntime() (Runtime, error) {
	var r Runtime
	if err := env.Parse(&r); err != nil {
		return r, fmt.Errorf("read environment: %w", err)
	}
	return r, nil
}
