package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"crowdbus/pkg/geo"
)

type Config struct {
	LogLevel        slog.Level
	HTTPAddr        string        `validate:"required"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`

	FleetFile     string
	DeviceHashKey string `validate:"omitempty,max=64"`
	TileZoomLevel int    `validate:"gte=0,lte=22"`

	FusionInterval time.Duration `validate:"gt=0"`
	SweepInterval  time.Duration `validate:"gt=0"`

	Validation Validation
	Trust      Trust
	Fusion     Fusion
	Tracking   Tracking

	GTFSEnabled        bool
	GTFSURL            string `validate:"required_if=GTFSEnabled true"`
	GTFSUpdateInterval time.Duration

	RedisEnabled  bool
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PositionTTL   time.Duration

	MQTTEnabled     bool
	MQTTBroker      string `validate:"required_if=MQTTEnabled true"`
	MQTTClientID    string
	MQTTTopicPrefix string
	MQTTQoS         int `validate:"gte=0,lte=2"`
	MQTTRetain      bool

	ArchiveDBPath string
	TrustDBPath   string

	RateLimitPerWindow int `validate:"gt=0"`
	RateLimitWindow    time.Duration
	RateLimitWhitelist []string
}

// Validation tunes the per-ping plausibility checks.
type Validation struct {
	ServiceArea          geo.BoundingBox
	MaxAccuracyMeters    float64       `validate:"gt=0"`
	MaxPlausibleSpeedKmh float64       `validate:"gt=0"`
	CorridorMeters       float64       `validate:"gt=0"`
	StaleWindow          time.Duration `validate:"gt=0"`
	RejectionThreshold   float64       `validate:"gte=0,lte=1"`
}

// Trust tunes device reputation.
type Trust struct {
	Smoothing        float64       `validate:"gt=0,lt=1"`
	Baseline         float64       `validate:"gte=0,lte=1"`
	Floor            float64       `validate:"gte=0,lte=1"`
	TrustedThreshold float64       `validate:"gte=0,lte=1"`
	MinContributions int64         `validate:"gte=0"`
	DecayWindow      time.Duration `validate:"gt=0"`
	DecayHalfLife    time.Duration `validate:"gt=0"`
}

// Fusion tunes centroid weighting and outlier suppression.
type Fusion struct {
	MaxPingAge        time.Duration `validate:"gt=0"`
	OutlierK          float64       `validate:"gt=0"`
	MinCutoffMeters   float64       `validate:"gte=0"`
	OutlierCapMeters  float64       `validate:"gtfield=MinCutoffMeters"`
	SuppressionFactor float64       `validate:"gte=0,lt=1"`
	AgreementRadius   float64       `validate:"gt=0"`
	MinContributors   int           `validate:"gte=1"`
	MinTotalWeight    float64       `validate:"gte=0"`
	LowTrustThreshold float64       `validate:"gte=0,lte=1"`
	ChangeMeters      float64       `validate:"gte=0"`
}

// Tracking tunes sessions and trip completion.
type Tracking struct {
	SessionInactivity     time.Duration `validate:"gt=0"`
	SessionRetention      time.Duration `validate:"gt=0"`
	TripInactivityTimeout time.Duration `validate:"gt=0"`
	ScheduleGrace         time.Duration `validate:"gte=0"`
	StopRadiusMeters      float64       `validate:"gt=0"`
	TerminusRadiusMeters  float64       `validate:"gt=0"`
	MaxTripPings          int           `validate:"gt=0"`
}

func Load() (*Config, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	area, err := getBBoxEnv("SERVICE_BBOX")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		LogLevel:        getLogLevelEnv("LOG_LEVEL", slog.LevelInfo),
		HTTPAddr:        getEnv("HTTP_ADDR", ":8080"),
		ReadTimeout:     getDurationEnv("READ_TIMEOUT", 10*time.Second),
		WriteTimeout:    getDurationEnv("WRITE_TIMEOUT", 10*time.Second),
		ShutdownTimeout: getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),

		FleetFile:     getEnv("FLEET_FILE", "fleet.yml"),
		DeviceHashKey: os.Getenv("DEVICE_HASH_KEY"),
		TileZoomLevel: getIntEnv("TILE_ZOOM_LEVEL", 14),

		FusionInterval: getDurationEnv("FUSION_INTERVAL", 3*time.Second),
		SweepInterval:  getDurationEnv("SWEEP_INTERVAL", 30*time.Second),

		Validation: Validation{
			ServiceArea:          area,
			MaxAccuracyMeters:    getFloatEnv("MAX_ACCURACY_METERS", 50),
			MaxPlausibleSpeedKmh: getFloatEnv("MAX_SPEED_KMH", 120),
			CorridorMeters:       getFloatEnv("CORRIDOR_METERS", 300),
			StaleWindow:          getDurationEnv("STALE_WINDOW", time.Minute),
			RejectionThreshold:   getFloatEnv("REJECTION_THRESHOLD", 0.3),
		},
		Trust: Trust{
			Smoothing:        getFloatEnv("TRUST_SMOOTHING", 0.1),
			Baseline:         getFloatEnv("TRUST_BASELINE", 0.5),
			Floor:            getFloatEnv("TRUST_FLOOR", 0.1),
			TrustedThreshold: getFloatEnv("TRUSTED_THRESHOLD", 0.7),
			MinContributions: int64(getIntEnv("TRUST_MIN_CONTRIBUTIONS", 10)),
			DecayWindow:      getDurationEnv("TRUST_DECAY_WINDOW", 24*time.Hour),
			DecayHalfLife:    getDurationEnv("TRUST_DECAY_HALF_LIFE", 72*time.Hour),
		},
		Fusion: Fusion{
			MaxPingAge:        getDurationEnv("MAX_PING_AGE", 2*time.Minute),
			OutlierK:          getFloatEnv("OUTLIER_K", 2),
			MinCutoffMeters:   getFloatEnv("OUTLIER_MIN_CUTOFF_METERS", 25),
			OutlierCapMeters:  getFloatEnv("OUTLIER_CAP_METERS", 200),
			SuppressionFactor: getFloatEnv("OUTLIER_SUPPRESSION_FACTOR", 0),
			AgreementRadius:   getFloatEnv("AGREEMENT_RADIUS_METERS", 50),
			MinContributors:   getIntEnv("FUSION_MIN_CONTRIBUTORS", 2),
			MinTotalWeight:    getFloatEnv("FUSION_MIN_TOTAL_WEIGHT", 0.5),
			LowTrustThreshold: getFloatEnv("FUSION_LOW_TRUST", 0.4),
			ChangeMeters:      getFloatEnv("POSITION_CHANGE_METERS", 5),
		},
		Tracking: Tracking{
			SessionInactivity:     getDurationEnv("SESSION_INACTIVITY", 5*time.Minute),
			SessionRetention:      getDurationEnv("SESSION_RETENTION", 6*time.Hour),
			TripInactivityTimeout: getDurationEnv("TRIP_INACTIVITY_TIMEOUT", 30*time.Minute),
			ScheduleGrace:         getDurationEnv("SCHEDULE_GRACE", 5*time.Minute),
			StopRadiusMeters:      getFloatEnv("STOP_RADIUS_METERS", 60),
			TerminusRadiusMeters:  getFloatEnv("TERMINUS_RADIUS_METERS", 80),
			MaxTripPings:          getIntEnv("MAX_TRIP_PINGS", 20000),
		},

		GTFSEnabled:        getBoolEnv("GTFS_ENABLED", false),
		GTFSURL:            getEnv("GTFS_URL", ""),
		GTFSUpdateInterval: getDurationEnv("GTFS_UPDATE_INTERVAL", 24*time.Hour),

		RedisEnabled:  getBoolEnv("REDIS_ENABLED", false),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),
		PositionTTL:   getDurationEnv("POSITION_TTL", 24*time.Hour),

		MQTTEnabled:     getBoolEnv("MQTT_ENABLED", false),
		MQTTBroker:      getEnv("MQTT_BROKER", ""),
		MQTTClientID:    getEnv("MQTT_CLIENT_ID", "crowdbus"),
		MQTTTopicPrefix: getEnv("MQTT_TOPIC_PREFIX", "crowdbus"),
		MQTTQoS:         getIntEnv("MQTT_QOS", 0),
		MQTTRetain:      getBoolEnv("MQTT_RETAIN", true),

		ArchiveDBPath: getEnv("ARCHIVE_DB_PATH", "data/trips.db"),
		TrustDBPath:   getEnv("TRUST_DB_PATH", "data/trust.db"),

		RateLimitPerWindow: getIntEnv("RATE_LIMIT_PER_WINDOW", 120),
		RateLimitWindow:    getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitWhitelist: getCSVEnv("RATE_LIMIT_WHITELIST"),
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getDurationEnv(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func getIntEnv(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloatEnv(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBoolEnv(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func getLogLevelEnv(key string, defaultVal slog.Level) slog.Level {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	switch strings.ToLower(v) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return defaultVal
	}
}

func getCSVEnv(key string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}

	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			result = append(result, t)
		}
	}
	return result
}

// getBBoxEnv parses "minLat,minLng,maxLat,maxLng". Unset means no restriction.
func getBBoxEnv(key string) (geo.BoundingBox, error) {
	parts := getCSVEnv(key)
	if len(parts) == 0 {
		return geo.BoundingBox{}, nil
	}
	if len(parts) != 4 {
		return geo.BoundingBox{}, fmt.Errorf("%s: expected minLat,minLng,maxLat,maxLng", key)
	}

	var vals [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return geo.BoundingBox{}, fmt.Errorf("%s: %w", key, err)
		}
		vals[i] = f
	}

	bb := geo.BoundingBox{MinLat: vals[0], MinLng: vals[1], MaxLat: vals[2], MaxLng: vals[3]}
	if bb.MinLat >= bb.MaxLat || bb.MinLng >= bb.MaxLng {
		return geo.BoundingBox{}, fmt.Errorf("%s: min must be below max", key)
	}
	return bb, nil
}
