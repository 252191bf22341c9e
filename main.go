package main

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"finledger/pkg/admission"
	"finledger/pkg/extract"
	"finledger/pkg/ledger"
	"finledger/pkg/logger"
)

var (
	jwtSecret []byte // loaded from env JWT_SECRET (fallback to dev default)
	logg      zerolog.Logger

	gate      admission.Gate
	ledgerSvc *ledger.Service
	scanner   *extract.Client
)

func main() {
	logg = logger.New()

	// Auto-load ./.env if present (no external dependency) before reading vars
	loadDotEnv()
	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = "dev-insecure-secret-change" // development fallback
	}
	jwtSecret = []byte(secret)

	// Support a lightweight migrate command: `./finledger migrate`
	// It runs AutoMigrate then exits. Useful for CI or manual DB setup.
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		initDB()
		logg.Info().Msg("migration completed")
		return
	}

	initDB()
	initServices(context.Background())

	r := gin.Default()
	r.Use(cors.New(corsConfig()))

	setupRoutes(r)

	r.Run(":8081")
}

// initServices wires the admission gate, the ledger service and the
// extraction client from the environment. The extraction client is built
// once here and reused for the life of the process.
func initServices(ctx context.Context) {
	gate = admission.Open()
	if addr := os.Getenv("REDIS_URL"); addr != "" {
		client, err := admission.NewRedisClient(ctx, addr)
		if err != nil {
			logg.Fatal().Err(err).Msg("redis connection failed")
		}
		gate = admission.NewRedisGate(
			client,
			envInt64("ADMISSION_LIMIT", 30),
			time.Minute,
			splitCSV(os.Getenv("ADMISSION_BLOCKLIST")),
		)
	} else {
		logg.Warn().Msg("REDIS_URL not set; admission gate is open")
	}

	ledgerSvc = ledger.New(db, gate)

	if os.Getenv("GEMINI_API_KEY") != "" || os.Getenv("GOOGLE_API_KEY") != "" {
		c, err := extract.NewClient(ctx, os.Getenv("GEMINI_MODEL"))
		if err != nil {
			logg.Fatal().Err(err).Msg("extraction client init failed")
		}
		scanner = c
	} else {
		logg.Warn().Msg("no Gemini API key set; receipt scanning disabled")
	}
}

func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	if origins := splitCSV(os.Getenv("CORS_ORIGINS")); len(origins) > 0 {
		cfg.AllowOrigins = origins
	} else {
		cfg.AllowAllOrigins = true
	}
	cfg.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	cfg.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	return cfg
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		logg.Warn().Str("key", key).Str("value", v).Msg("invalid integer env value, using default")
		return def
	}
	return n
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadDotEnv loads key=value pairs from a local .env file into the environment
// without overwriting variables that are already set. Lines starting with # are ignored.
func loadDotEnv() {
	path := ".env"
	if _, err := os.Stat(path); err != nil {
		return // no .env file
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// split on first '='
		if eq := strings.IndexByte(line, '='); eq > 0 {
			key := strings.TrimSpace(line[:eq])
			val := strings.TrimSpace(line[eq+1:])
			if _, exists := os.LookupEnv(key); !exists {
				_ = os.Setenv(key, val)
			}
		}
	}
}
