package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Directory backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

type Config struct {
	HTTPAddr    string
	MetricsAddr string

	DirectoryBackend string
	DatabaseURL      string
	MongoURI         string
	MongoDB          string
	SeedFile         string
	RouteCacheSize   int
	RouteCacheTTL    time.Duration

	NATSURL           string
	NATSSubjectPrefix string
	LogNATSSubjects   bool
	RabbitMQURL       string

	MQTTBroker   string
	MQTTClientID string
	MQTTTopic    string

	JWTSecret   string
	CORSOrigins []string

	StopRadiusMeters float64
	LiveTimeout      time.Duration
	AssumedSpeedKmh  float64
	SaveTimeout      time.Duration
	SweepInterval    time.Duration
	MaxClockSkew     time.Duration

	HubQueueSize int
	HubSlowLimit int

	LogLevel  string
	LogFormat string
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{
		HTTPAddr:          getenvDefault("HTTP_ADDR", ":8080"),
		MetricsAddr:       os.Getenv("METRICS_ADDR"),
		MongoURI:          getenvDefault("MONGO_URI", "mongodb://127.0.0.1:27017"),
		MongoDB:           getenvDefault("MONGO_DB", "bus_tracker"),
		SeedFile:          os.Getenv("SEED_FILE"),
		NATSURL:           os.Getenv("NATS_URL"),
		NATSSubjectPrefix: getenvDefault("NATS_SUBJECT_PREFIX", "tracking"),
		LogNATSSubjects:   parseBool(os.Getenv("LOG_NATS_SUBJECTS")),
		RabbitMQURL:       os.Getenv("RABBITMQ_URL"),
		MQTTBroker:        os.Getenv("MQTT_BROKER"),
		MQTTClientID:      getenvDefault("MQTT_CLIENT_ID", "bus-tracker"),
		MQTTTopic:         getenvDefault("MQTT_TOPIC", "fleet/vehicle/+/location"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		LogLevel:          getenvDefault("LOG_LEVEL", "info"),
		LogFormat:         getenvDefault("LOG_FORMAT", "text"),
	}

	cfg.DirectoryBackend = strings.ToLower(getenvDefault("DIRECTORY_BACKEND", BackendMemory))
	switch cfg.DirectoryBackend {
	case BackendMemory, BackendMongo:
	case BackendPostgres:
		dsn, err := databaseURL()
		if err != nil {
			return nil, err
		}
		cfg.DatabaseURL = dsn
	default:
		return nil, fmt.Errorf("invalid DIRECTORY_BACKEND: %q", cfg.DirectoryBackend)
	}

	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET must be set")
	}

	cfg.CORSOrigins = splitList(getenvDefault("CORS_ORIGINS", "*"))

	var err error
	if cfg.StopRadiusMeters, err = positiveFloat("STOP_RADIUS_METERS", 100); err != nil {
		return nil, err
	}
	if cfg.AssumedSpeedKmh, err = positiveFloat("ASSUMED_SPEED_KMH", 30); err != nil {
		return nil, err
	}

	// Liveness window (minutes)
	minutes, err := positiveInt("LIVE_TIMEOUT_MINUTES", 2)
	if err != nil {
		return nil, err
	}
	cfg.LiveTimeout = time.Duration(minutes) * time.Minute

	ms, err := positiveInt("SAVE_TIMEOUT_MS", 5000)
	if err != nil {
		return nil, err
	}
	cfg.SaveTimeout = time.Duration(ms) * time.Millisecond

	sec, err := positiveInt("SWEEP_INTERVAL_SEC", 30)
	if err != nil {
		return nil, err
	}
	cfg.SweepInterval = time.Duration(sec) * time.Second

	skew, err := nonNegativeInt("MAX_CLOCK_SKEW_SEC", 30)
	if err != nil {
		return nil, err
	}
	cfg.MaxClockSkew = time.Duration(skew) * time.Second

	if cfg.HubQueueSize, err = positiveInt("HUB_QUEUE_SIZE", 64); err != nil {
		return nil, err
	}
	// Zero disables slow-subscriber disconnection.
	if cfg.HubSlowLimit, err = nonNegativeInt("HUB_SLOW_LIMIT", 8); err != nil {
		return nil, err
	}

	if cfg.RouteCacheSize, err = positiveInt("ROUTE_CACHE_SIZE", 256); err != nil {
		return nil, err
	}
	// Zero keeps cached routes until evicted.
	ttl, err := nonNegativeInt("ROUTE_CACHE_TTL_SEC", 60)
	if err != nil {
		return nil, err
	}
	cfg.RouteCacheTTL = time.Duration(ttl) * time.Second

	return cfg, nil
}

// databaseURL prefers DATABASE_URL / PG_DSN, else builds a DSN from PG* vars.
func databaseURL() (string, error) {
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		return dsn, nil
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	db := os.Getenv("PGDATABASE")
	if db == "" {
		return "", errors.New("PGDATABASE or DATABASE_URL must be set for the postgres backend")
	}
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode), nil
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode), nil
}

func positiveInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func nonNegativeInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func positiveFloat(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return f, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
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
