package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del simulador.
type Config struct {
	Simulation SimulationConfig `yaml:"simulation"`
	Scenario   ScenarioConfig   `yaml:"scenario"`
	Storage    StorageConfig    `yaml:"storage"`
	Server     ServerConfig     `yaml:"server"`
	Log        LogConfig        `yaml:"log"`
}

// SimulationConfig controla el ledger y el simulador de fills.
type SimulationConfig struct {
	InitCash         float64 `yaml:"init_cash"`
	TradeOn          string  `yaml:"trade_on"`          // price | bid_ask | bid_ask_N
	InstantExecution bool    `yaml:"instant_execution"` // fills en el mismo paso que la señal
	Tolerance        float64 `yaml:"tolerance"`         // umbral de rebalanceo casi nulo
	MarkField        string  `yaml:"mark_field"`        // campo para sizing y mark-to-market
	PacePerSecond    float64 `yaml:"pace_per_second"`   // 0 = sin límite
}

// ScenarioConfig indica qué escenario reproducir.
type ScenarioConfig struct {
	Path string `yaml:"path"`
}

// StorageConfig controla dónde se persisten los resultados.
type StorageConfig struct {
	DSN string `yaml:"dsn"` // ruta al archivo SQLite, o ":memory:"
}

// ServerConfig controla el servidor de estado (vacío = desactivado).
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Los valores del .env sobreescriben los del YAML para las keys que correspondan.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	setDefaults(&cfg)

	return &cfg, nil
}

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("BACKSIM_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("BACKSIM_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("BACKSIM_INIT_CASH"); v != "" {
		cash, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("BACKSIM_INIT_CASH %q: %w", v, err)
		}
		cfg.Simulation.InitCash = cash
	}
	return nil
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Simulation.InitCash <= 0 {
		cfg.Simulation.InitCash = 1_000_000
	}
	if cfg.Simulation.TradeOn == "" {
		cfg.Simulation.TradeOn = "price"
	}
	if cfg.Simulation.MarkField == "" {
		cfg.Simulation.MarkField = "price"
	}
	if cfg.Simulation.Tolerance <= 0 {
		cfg.Simulation.Tolerance = 1
	}
	if cfg.Simulation.PacePerSecond < 0 {
		cfg.Simulation.PacePerSecond = 0
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "backsim.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
