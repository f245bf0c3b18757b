package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Common contains Elasticsearch parameters shared by every command.
type Common struct {
	ElasticsearchAddrs []string
	Username           string
	Password           string
	Alias              string
}

// Ingest holds the knobs of one ingestion run, file or stream fed.
type Ingest struct {
	Common
	SchemaName   string
	BatchSize    int
	BatchBytes   int
	Workers      int
	MaxErrorRate float64
	MaxAttempts  int
	RetryBackoff time.Duration
}

// Lifecycle configures policy and bootstrap-index provisioning.
type Lifecycle struct {
	Common
	PolicyName      string
	RolloverMaxAge  string
	RolloverMaxSize string
	RolloverMaxDocs int64
	DeleteMinAge    string
	InitialIndex    string
}

// Serve extends Ingest with the Kafka consumer and the ops HTTP endpoint.
type Serve struct {
	Ingest
	KafkaBrokers   []string
	KafkaTopic     string
	KafkaGroup     string
	OpsBindAddr    string
	DedupeCapacity int
	DedupeTTL      time.Duration
}

// LoadCommon builds the shared Elasticsearch config from environment variables.
func LoadCommon() (Common, error) {
	c := Common{
		ElasticsearchAddrs: splitAndTrim(getEnv("ELASTICSEARCH_ADDR", "http://localhost:9200")),
		Username:           getEnv("ESUSER", ""),
		Password:           getEnv("ESPASSWORD", ""),
		Alias:              getEnv("GKG_ALIAS", "gkg"),
	}
	if len(c.ElasticsearchAddrs) == 0 {
		return Common{}, fmt.Errorf("ELASTICSEARCH_ADDR must contain at least one address")
	}
	if c.Alias == "" {
		return Common{}, fmt.Errorf("GKG_ALIAS cannot be empty")
	}
	return c, nil
}

// LoadIngest builds an Ingest config from environment variables.
func LoadIngest() (*Ingest, error) {
	common, err := LoadCommon()
	if err != nil {
		return nil, err
	}

	c := &Ingest{
		Common:       common,
		SchemaName:   getEnv("GKG_SCHEMA", "gkg-1.0"),
		BatchSize:    getInt("GKG_BATCH_SIZE", 500),
		BatchBytes:   getInt("GKG_BATCH_BYTES", 5<<20),
		Workers:      getInt("GKG_WORKERS", 4),
		MaxErrorRate: getFloat("GKG_MAX_ERROR_RATE", 0.05),
		MaxAttempts:  getInt("GKG_MAX_ATTEMPTS", 5),
		RetryBackoff: getDuration("GKG_RETRY_BACKOFF", "500ms"),
	}

	if c.BatchSize <= 0 {
		return nil, fmt.Errorf("GKG_BATCH_SIZE must be positive")
	}
	if c.BatchBytes <= 0 {
		return nil, fmt.Errorf("GKG_BATCH_BYTES must be positive")
	}
	if c.Workers <= 0 {
		return nil, fmt.Errorf("GKG_WORKERS must be positive")
	}
	if c.MaxErrorRate <= 0 || c.MaxErrorRate > 1 {
		return nil, fmt.Errorf("GKG_MAX_ERROR_RATE must be in (0, 1]")
	}
	if c.MaxAttempts <= 0 {
		return nil, fmt.Errorf("GKG_MAX_ATTEMPTS must be positive")
	}

	return c, nil
}

// LoadLifecycle builds a Lifecycle config from environment variables.
func LoadLifecycle() (*Lifecycle, error) {
	common, err := LoadCommon()
	if err != nil {
		return nil, err
	}

	c := &Lifecycle{
		Common:          common,
		PolicyName:      strings.TrimSpace(getEnv("GKG_POLICY", "gkg-policy")),
		RolloverMaxAge:  strings.TrimSpace(getEnv("GKG_ROLLOVER_MAX_AGE", "7d")),
		RolloverMaxSize: strings.TrimSpace(getEnv("GKG_ROLLOVER_MAX_SIZE", "50gb")),
		RolloverMaxDocs: int64(getInt("GKG_ROLLOVER_MAX_DOCS", 0)),
		DeleteMinAge:    strings.TrimSpace(getEnv("GKG_DELETE_MIN_AGE", "30d")),
		InitialIndex:    strings.TrimSpace(getEnv("GKG_INITIAL_INDEX", "")),
	}

	if c.PolicyName == "" {
		return nil, fmt.Errorf("GKG_POLICY cannot be empty")
	}
	if c.RolloverMaxAge == "" && c.RolloverMaxSize == "" && c.RolloverMaxDocs <= 0 {
		return nil, fmt.Errorf("at least one rollover trigger must be set")
	}

	return c, nil
}

// LoadServe builds the streaming daemon config from environment variables.
func LoadServe() (*Serve, error) {
	ingest, err := LoadIngest()
	if err != nil {
		return nil, err
	}

	c := &Serve{
		Ingest:         *ingest,
		KafkaBrokers:   splitAndTrim(getEnv("KAFKA_BROKERS", "localhost:9092")),
		KafkaTopic:     getEnv("KAFKA_TOPIC", "gkg_raw"),
		KafkaGroup:     getEnv("KAFKA_CONSUMER_GROUP", "gkg-ingest"),
		OpsBindAddr:    getEnv("OPS_BIND_ADDR", "0.0.0.0:8090"),
		DedupeCapacity: getInt("GKG_DEDUPE_CAPACITY", 20000),
		DedupeTTL:      getDuration("GKG_DEDUPE_TTL", "24h"),
	}

	if len(c.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("KAFKA_BROKERS must contain at least one broker")
	}
	if c.KafkaTopic == "" {
		return nil, fmt.Errorf("KAFKA_TOPIC cannot be empty")
	}
	if c.DedupeCapacity <= 0 {
		return nil, fmt.Errorf("GKG_DEDUPE_CAPACITY must be positive")
	}

	return c, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getDuration(key, fallback string) time.Duration {
	raw := getEnv(key, fallback)
	d, err := time.ParseDuration(raw)
	if err != nil {
		fd, ferr := time.ParseDuration(fallback)
		if ferr != nil {
			panic(fmt.Sprintf("invalid fallback duration %q: %v", fallback, ferr))
		}
		return fd
	}
	return d
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
