package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	APIBaseURL string        `validate:"required,url"`
	APIToken   string
	APITimeout time.Duration `validate:"gt=0"`

	StoreBackend string `validate:"oneof=memory postgres redis"`
	DatabaseURL  string `validate:"required_if=StoreBackend postgres"`
	StateTable   string
	RedisURL     string `validate:"required_if=StoreBackend redis"`
	RedisPrefix  string

	// NATSURL empty disables the broker: positions must then come from replay
	// and notices go to the log.
	NATSURL           string
	NATSSubjectPrefix string
	LogNATSSubjects   bool

	PositionSource  string `validate:"oneof=nats replay"`
	PositionSubject string
	PositionMaxAge  time.Duration
	ReplaySpeedMps  float64 `validate:"gt=0"`

	SampleInterval    time.Duration `validate:"gt=0"`
	SampleDistance    float64       `validate:"gt=0"`
	PollInterval      time.Duration `validate:"gt=0"`
	ImminentRadius    float64       `validate:"gt=0"`
	ApproachingRadius float64       `validate:"gtfield=ImminentRadius"`

	QueueCapacity    int `validate:"gt=0"`
	RequeueOnFailure bool
	AutoFlush        bool
	// LocationPermission simulates the platform grant on headless hosts.
	LocationPermission bool

	LogLevel      string `validate:"oneof=trace debug info warn warning error fatal panic"`
	LogFile       string
	LogMaxAgeDays int `validate:"gte=0"`
	MetricsAddr   string
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{
		APIBaseURL:        os.Getenv("API_BASE_URL"),
		APIToken:          os.Getenv("API_TOKEN"),
		StoreBackend:      strings.ToLower(getenvDefault("STORE_BACKEND", "memory")),
		StateTable:        getenvDefault("STATE_TABLE", "tracker_state"),
		RedisURL:          os.Getenv("REDIS_URL"),
		RedisPrefix:       getenvDefault("REDIS_PREFIX", "tracker:"),
		NATSURL:           os.Getenv("NATS_URL"),
		NATSSubjectPrefix: getenvDefault("NATS_SUBJECT_PREFIX", "transport"),
		PositionSource:    strings.ToLower(getenvDefault("POSITION_SOURCE", "replay")),
		PositionSubject:   getenvDefault("POSITION_SUBJECT", "gps.fix"),
		LogLevel:          strings.ToLower(getenvDefault("LOG_LEVEL", "info")),
		LogFile:           os.Getenv("LOG_FILE"),
		MetricsAddr:       os.Getenv("METRICS_ADDR"),
	}
	cfg.DatabaseURL = databaseURL()

	var err error
	if cfg.APITimeout, err = millis("API_TIMEOUT_MS", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = millis("POLL_INTERVAL_MS", time.Second); err != nil {
		return nil, err
	}
	if cfg.PositionMaxAge, err = seconds("POSITION_MAX_AGE_SEC", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.SampleInterval, err = seconds("SAMPLE_INTERVAL_SEC", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.SampleDistance, err = float("SAMPLE_DISTANCE_M", 20); err != nil {
		return nil, err
	}
	if cfg.ReplaySpeedMps, err = float("REPLAY_SPEED_MPS", 8); err != nil {
		return nil, err
	}
	if cfg.ImminentRadius, err = float("IMMINENT_RADIUS_M", 150); err != nil {
		return nil, err
	}
	if cfg.ApproachingRadius, err = float("APPROACHING_RADIUS_M", 500); err != nil {
		return nil, err
	}
	if cfg.QueueCapacity, err = integer("QUEUE_CAPACITY", 100); err != nil {
		return nil, err
	}
	if cfg.LogMaxAgeDays, err = integer("LOG_MAX_AGE_DAYS", 30); err != nil {
		return nil, err
	}
	cfg.RequeueOnFailure = boolean("FLUSH_REQUEUE_ON_FAILURE", false)
	cfg.AutoFlush = boolean("AUTO_FLUSH", true)
	cfg.LocationPermission = boolean("LOCATION_PERMISSION", true)
	cfg.LogNATSSubjects = boolean("LOG_NATS_SUBJECTS", false)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and the combinations between them.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.PositionSource == "nats" && c.NATSURL == "" {
		return fmt.Errorf("invalid configuration: POSITION_SOURCE=nats requires NATS_URL")
	}
	return nil
}

// databaseURL prefers DATABASE_URL / PG_DSN, else builds a DSN from PG* vars
// when PGDATABASE is set.
func databaseURL() string {
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		return dsn
	}
	db := os.Getenv("PGDATABASE")
	if db == "" {
		return ""
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
}

func millis(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func seconds(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	sec, err := strconv.Atoi(v)
	if err != nil || sec <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return time.Duration(sec) * time.Second, nil
}

func float(k string, def float64) (float64, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return f, nil
}

func integer(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", k, v)
	}
	return n, nil
}

func boolean(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
