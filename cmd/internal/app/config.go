package app

import "time"

// Config is the immutable runtime configuration snapshot, loaded once from
// ARQONBUS_* environment variables. Reload requires restart.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// CORS for the plain HTTP endpoints (/healthz, /readyz, /metrics).
	// Empty allowlist disables the middleware entirely.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	// Gateway / connection policy.
	OriginRequired    bool
	AllowedOrigins    []string
	DevInsecure       bool
	MaxFrameBytes     int64
	SendQueueSize     int
	SaturationGrace   time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	HeartbeatMisses   int
	RateEvents        int
	RateWindow        time.Duration
	ProcessingBudget  time.Duration
	ReadIdleTimeout   time.Duration
	WSWriteTimeout    time.Duration

	// Envelope validation.
	IDPattern       string
	ClockSkew       time.Duration
	MaxPayloadBytes int

	// Rooms and routing.
	AutoCreateChannels   bool
	AutoCreateOffTenants []string
	DuplicatePolicy      string
	PersistDirect        bool
	PersistRedacted      bool

	// History.
	HistoryBackend         string // memory | redis | postgres
	HistoryCapacity        int
	HistoryDropPolicy      string // drop_oldest | drop_newest
	HistoryDefaultLimit    int
	HistoryMaxLimit        int
	HistoryReplayMaxWindow time.Duration
	HistoryProbeInterval   time.Duration

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisMaxLen   int64

	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32
	DBSchema    string

	// If true, /readyz returns 503 while the durable history backend is
	// unreachable.
	ReadinessRequireHistory bool

	// Authentication.
	AuthMode              string // none | static | jwt
	DefaultTenant         string
	StaticCredentialsFile string
	JWTSecret             string
	JWTIssuer             string
	JWTLeeway             time.Duration

	// CASIL policy file (YAML). Empty means the engine defaults (disabled).
	CASILPolicyFile string

	TelemetryQueueDepth int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:  EnvString("ARQONBUS_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("ARQONBUS_LOG_LEVEL", "info"),
		LogFormat: EnvString("ARQONBUS_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("ARQONBUS_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		IdleTimeout:       EnvDuration("ARQONBUS_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("ARQONBUS_HTTP_MAX_HEADER_BYTES", 1<<20),

		CORSAllowedOrigins:   EnvCSV("ARQONBUS_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("ARQONBUS_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("ARQONBUS_CORS_MAX_AGE_SECONDS", 600),

		OriginRequired:    EnvBool("ARQONBUS_ORIGIN_REQUIRED", true),
		AllowedOrigins:    EnvCSV("ARQONBUS_ALLOWED_ORIGINS", []string{"http://localhost", "http://127.0.0.1"}),
		DevInsecure:       EnvBool("ARQONBUS_DEV_INSECURE", false),
		MaxFrameBytes:     EnvInt64("ARQONBUS_MAX_FRAME_BYTES", 1<<20),
		SendQueueSize:     EnvInt("ARQONBUS_SEND_QUEUE_SIZE", 256),
		SaturationGrace:   EnvDuration("ARQONBUS_SATURATION_GRACE", 5*time.Second),
		HeartbeatInterval: EnvDuration("ARQONBUS_HEARTBEAT_INTERVAL", 25*time.Second),
		HeartbeatTimeout:  EnvDuration("ARQONBUS_HEARTBEAT_TIMEOUT", 5*time.Second),
		HeartbeatMisses:   EnvInt("ARQONBUS_HEARTBEAT_MISSES", 3),
		RateEvents:        EnvInt("ARQONBUS_RATE_EVENTS", 120),
		RateWindow:        EnvDuration("ARQONBUS_RATE_WINDOW", 10*time.Second),
		ProcessingBudget:  EnvDuration("ARQONBUS_PROCESSING_BUDGET", 10*time.Second),
		ReadIdleTimeout:   EnvDuration("ARQONBUS_READ_IDLE_TIMEOUT", 2*time.Minute),
		WSWriteTimeout:    EnvDuration("ARQONBUS_WS_WRITE_TIMEOUT", 5*time.Second),

		IDPattern:       EnvString("ARQONBUS_ID_PATTERN", ""),
		ClockSkew:       EnvDuration("ARQONBUS_CLOCK_SKEW", 5*time.Minute),
		MaxPayloadBytes: EnvInt("ARQONBUS_MAX_PAYLOAD_BYTES", 256<<10),

		AutoCreateChannels:   EnvBool("ARQONBUS_AUTO_CREATE_CHANNELS", true),
		AutoCreateOffTenants: EnvCSV("ARQONBUS_AUTO_CREATE_OFF_TENANTS", nil),
		DuplicatePolicy:      EnvString("ARQONBUS_DUPLICATE_POLICY", "supersede"),
		PersistDirect:        EnvBool("ARQONBUS_HISTORY_PERSIST_DIRECT", false),
		PersistRedacted:      EnvBool("ARQONBUS_HISTORY_PERSIST_REDACTED", false),

		HistoryBackend:         EnvString("ARQONBUS_HISTORY_BACKEND", "memory"),
		HistoryCapacity:        EnvInt("ARQONBUS_HISTORY_CAPACITY", 10000),
		HistoryDropPolicy:      EnvString("ARQONBUS_HISTORY_DROP_POLICY", "drop_oldest"),
		HistoryDefaultLimit:    EnvInt("ARQONBUS_HISTORY_DEFAULT_LIMIT", 100),
		HistoryMaxLimit:        EnvInt("ARQONBUS_HISTORY_MAX_LIMIT", 1000),
		HistoryReplayMaxWindow: EnvDuration("ARQONBUS_HISTORY_REPLAY_MAX_WINDOW", 24*time.Hour),
		HistoryProbeInterval:   EnvDuration("ARQONBUS_HISTORY_PROBE_INTERVAL", 15*time.Second),

		RedisAddr:     EnvString("ARQONBUS_REDIS_ADDR", ""),
		RedisPassword: EnvString("ARQONBUS_REDIS_PASSWORD", ""),
		RedisDB:       EnvInt("ARQONBUS_REDIS_DB", 0),
		RedisMaxLen:   EnvInt64("ARQONBUS_REDIS_MAXLEN", 10000),

		DatabaseURL: EnvString("ARQONBUS_DATABASE_URL", ""),
		DBMaxConns:  EnvInt32("ARQONBUS_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("ARQONBUS_DB_MIN_CONNS", 0),
		DBSchema:    EnvString("ARQONBUS_DB_SCHEMA", "arqonbus"),

		ReadinessRequireHistory: EnvBool("ARQONBUS_READINESS_REQUIRE_HISTORY", false),

		AuthMode:              EnvString("ARQONBUS_AUTH_MODE", "none"),
		DefaultTenant:         EnvString("ARQONBUS_DEFAULT_TENANT", "default"),
		StaticCredentialsFile: EnvString("ARQONBUS_STATIC_CREDENTIALS_FILE", ""),
		JWTSecret:             EnvString("ARQONBUS_JWT_SECRET", ""),
		JWTIssuer:             EnvString("ARQONBUS_JWT_ISSUER", ""),
		JWTLeeway:             EnvDuration("ARQONBUS_JWT_LEEWAY", 30*time.Second),

		CASILPolicyFile: EnvString("ARQONBUS_CASIL_POLICY_FILE", ""),

		TelemetryQueueDepth: EnvInt("ARQONBUS_TELEMETRY_QUEUE_DEPTH", 256),
	}
}
