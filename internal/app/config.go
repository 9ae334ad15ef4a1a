package app

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	PostgresURL string `env:"POSTGRES_URL,required,notEmpty"`
	EthRPCURL   string `env:"ETH_RPC_URL,required,notEmpty"`
	OrderAPIURL string `env:"ORDER_API_URL,required,notEmpty"`

	HTTPAddr string `env:"HTTP_ADDR"`

	PollInterval        time.Duration `env:"POLL_INTERVAL"`
	SubmissionTimeout   time.Duration `env:"SUBMISSION_TIMEOUT"`
	GasAdjustmentFactor float64       `env:"GAS_ADJUSTMENT_FACTOR"`

	ChainPollInterval time.Duration `env:"CHAIN_POLL_INTERVAL"`
	ChainWorkers      int           `env:"CHAIN_WATCH_WORKERS"`
	NativeSymbol      string        `env:"NATIVE_SYMBOL"`

	OrderAPIRPS     float64       `env:"ORDER_API_RPS"`
	OrderAPITimeout time.Duration `env:"ORDER_API_TIMEOUT"`

	KafkaBrokers []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic   string   `env:"KAFKA_TOPIC"`

	LogLevel string `env:"LOG_LEVEL"`
}

func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Warn(".env file not found, relying on environment variables")
	}
	return parseConfig()
}

func parseConfig() (Config, error) {
	config := Config{
		HTTPAddr:            ":8080",
		PollInterval:        2 * time.Second,
		SubmissionTimeout:   20 * time.Second,
		GasAdjustmentFactor: 1.2,
		ChainPollInterval:   4 * time.Second,
		ChainWorkers:        8,
		NativeSymbol:        "ETH",
		OrderAPIRPS:         5,
		OrderAPITimeout:     5 * time.Second,
		KafkaTopic:          "order-updates",
		LogLevel:            "info",
	}

	if err := env.Parse(&config); err != nil {
		return Config{}, err
	}
	if err := config.validate(); err != nil {
		return Config{}, err
	}

	return config, nil
}

func (c Config) validate() error {
	var errs []error
	if math.IsNaN(c.GasAdjustmentFactor) || c.GasAdjustmentFactor <= 1 {
		errs = append(errs, fmt.Errorf("GAS_ADJUSTMENT_FACTOR must be greater than 1, got %v", c.GasAdjustmentFactor))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval))
	}
	if c.SubmissionTimeout <= 0 {
		errs = append(errs, fmt.Errorf("SUBMISSION_TIMEOUT must be positive, got %s", c.SubmissionTimeout))
	}
	if c.ChainPollInterval <= 0 {
		errs = append(errs, fmt.Errorf("CHAIN_POLL_INTERVAL must be positive, got %s", c.ChainPollInterval))
	}
	if c.OrderAPITimeout <= 0 {
		errs = append(errs, fmt.Errorf("ORDER_API_TIMEOUT must be positive, got %s", c.OrderAPITimeout))
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	return errors.Join(errs...)
}

func (c Config) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 }
