package params

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Risk struct {
	// RateLimitPerWindow caps accepted order submissions per user per rolling window.
	RateLimitPerWindow int
	RateLimitWindow    time.Duration
	// MaxOpenOrders caps simultaneously open (new/partially_filled) orders per user.
	MaxOpenOrders int
}

type Breaker struct {
	// MaxDeviationBps is the default allowed move from the reference price,
	// in basis points. Pairs may override it.
	MaxDeviationBps int64
	// Window is how long a reference price stays authoritative.
	Window time.Duration
}

type Node struct {
	DataDir string
	APIAddr string
	LogFile string
}

type Config struct {
	Risk    Risk
	Breaker Breaker
	Node    Node
}

func Default() Config {
	return Config{
		Risk: Risk{
			RateLimitPerWindow: 5,
			RateLimitWindow:    time.Second,
			MaxOpenOrders:      200,
		},
		Breaker: Breaker{
			MaxDeviationBps: 1500, // 15%
			Window:          time.Minute,
		},
		Node: Node{
			DataDir: "data",
			APIAddr: ":8080",
			LogFile: "data/spotcore.log",
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) Config {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load() // loads .env from current directory
	}

	if v := os.Getenv("RATE_LIMIT_PER_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Risk.RateLimitPerWindow = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_WINDOW_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Risk.RateLimitWindow = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("MAX_OPEN_ORDERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Risk.MaxOpenOrders = n
		}
	}
	if v := os.Getenv("BREAKER_MAX_DEVIATION_BPS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Breaker.MaxDeviationBps = n
		}
	}
	if v := os.Getenv("BREAKER_WINDOW_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.Breaker.Window = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("API_ADDR"); v != "" {
		cfg.Node.APIAddr = v
	}
	if v := os.Getenv("LOG_FILE"); v != "" {
		cfg.Node.LogFile = v
	}

	return cfg
}
