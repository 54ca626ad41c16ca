// Package profile resolves runtime configuration from environment variables
// with sensible defaults, backed by viper.
package profile

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Store driver names accepted by Profile.Driver.
const (
	DriverChromem  = "chromem"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Profile is the resolved runtime configuration.
type Profile struct {
	// Mode can be "prod" or "dev" or "demo".
	Mode string
	// Data is the data directory for file-backed stores.
	Data string
	// Driver selects the vector store backend.
	Driver string
	// DSN is the connection string for the postgres driver, or the file
	// path for sqlite. Derived from Data when empty.
	DSN string

	// Embedding provider settings.
	EmbeddingProvider  string
	EmbeddingModel     string
	EmbeddingDims      int
	EmbeddingAPIKey    string
	EmbeddingBaseURL   string
	EmbeddingRateLimit float64

	// Embedding cache settings.
	CacheCapacity int
	CacheTTL      time.Duration

	// Consolidation settings.
	SimilarityThreshold float64
	ScheduleInterval    time.Duration
}

// FromEnv loads a profile from MEMTIER_* environment variables.
func FromEnv() *Profile {
	v := viper.New()
	v.SetEnvPrefix("memtier")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("mode", "dev")
	v.SetDefault("data", ".")
	v.SetDefault("driver", DriverChromem)
	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dims", 1536)
	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.rate_limit", 0)
	v.SetDefault("cache.capacity", 10000)
	v.SetDefault("cache.ttl", time.Hour)
	v.SetDefault("similarity_threshold", 0.7)
	v.SetDefault("schedule_interval", time.Hour)

	return &Profile{
		Mode:                v.GetString("mode"),
		Data:                v.GetString("data"),
		Driver:              v.GetString("driver"),
		DSN:                 v.GetString("dsn"),
		EmbeddingProvider:   v.GetString("embedding.provider"),
		EmbeddingModel:      v.GetString("embedding.model"),
		EmbeddingDims:       v.GetInt("embedding.dims"),
		EmbeddingAPIKey:     v.GetString("embedding.api_key"),
		EmbeddingBaseURL:    v.GetString("embedding.base_url"),
		EmbeddingRateLimit:  v.GetFloat64("embedding.rate_limit"),
		CacheCapacity:       v.GetInt("cache.capacity"),
		CacheTTL:            v.GetDuration("cache.ttl"),
		SimilarityThreshold: v.GetFloat64("similarity_threshold"),
		ScheduleInterval:    v.GetDuration("schedule_interval"),
	}
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// Validate normalizes the profile and rejects unusable combinations.
func (p *Profile) Validate() error {
	switch p.Mode {
	case "prod", "dev", "demo":
	default:
		p.Mode = "dev"
	}

	switch p.Driver {
	case DriverChromem, DriverSQLite, DriverPostgres:
	default:
		return errors.Errorf("unknown store driver %q", p.Driver)
	}

	if p.Driver == DriverSQLite && p.DSN == "" {
		p.DSN = filepath.Join(p.Data, fmt.Sprintf("memtier_%s.db", p.Mode))
	}
	if p.Driver == DriverPostgres && p.DSN == "" {
		return errors.New("postgres driver requires MEMTIER_DSN")
	}

	if p.EmbeddingDims <= 0 {
		return errors.Errorf("embedding dims must be positive, got %d", p.EmbeddingDims)
	}
	if p.SimilarityThreshold < -1 || p.SimilarityThreshold > 1 {
		return errors.Errorf("similarity threshold must be in [-1, 1], got %v", p.SimilarityThreshold)
	}
	if p.CacheCapacity <= 0 {
		p.CacheCapacity = 10000
	}
	if p.CacheTTL <= 0 {
		p.CacheTTL = time.Hour
	}
	if p.ScheduleInterval <= 0 {
		p.ScheduleInterval = time.Hour
	}
	return nil
}
