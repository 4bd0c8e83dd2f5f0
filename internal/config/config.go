// Package config handles application configuration from environment variables,
// an optional .env file and an optional YAML file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"forum_archive/internal/model"
)

// Default remote field projections.
const (
	DefaultPostFields = "id,from,to,message,message_tags,name,object_id,picture,properties,shares,source," +
		"caption,description,link,story,story_tags,status_type,type,created_time,updated_time,is_expired," +
		"likes.limit(500)"
	DefaultCommentFields = "id,from,message,message_tags,created_time,like_count,attachment"
	DefaultGroupFields   = "id,name,privacy"
	DefaultGroupFilter   = "Skepti-Forum"
)

// Query configures one remote listing.
type Query struct {
	Limit  int    `yaml:"limit"`
	Fields string `yaml:"fields"`
}

// GroupQuery configures group discovery.
type GroupQuery struct {
	Query      `yaml:",inline"`
	PublicOnly bool   `yaml:"publicOnly"`
	Filter     string `yaml:"filter"`
}

// Queries groups the remote query settings.
type Queries struct {
	Groups   GroupQuery `yaml:"groups"`
	Posts    Query      `yaml:"posts"`
	Comments Query      `yaml:"comments"`
	Index    Query      `yaml:"index"`
}

// Config holds the application configuration.
type Config struct {
	APIBaseURL  string  `yaml:"apiBaseUrl"`
	AccessToken string  `yaml:"accessToken"`
	Queries     Queries `yaml:"queries"`

	ArchiveDir    string `yaml:"storageDirectory"`
	ReportingPath string `yaml:"reportingDatabase"`

	RequestsPerSecond float64 `yaml:"requestsPerSecond"`
	FetchConcurrency  int     `yaml:"fetchConcurrency"`
	IndexConcurrency  int     `yaml:"indexConcurrency"`

	HTTPAddr     string        `yaml:"httpAddr"`
	SyncInterval time.Duration `yaml:"syncInterval"`
	LogLevel     string        `yaml:"logLevel"`

	TelegramBotToken string  `yaml:"telegramBotToken"`
	AllowedUsers     []int64 `yaml:"allowedUsers"`
}

type fileConfig struct {
	Archive Config `yaml:"archive"`
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	return &Config{
		APIBaseURL: "https://graph.facebook.com/v2.5",
		Queries: Queries{
			Groups:   GroupQuery{Query: Query{Limit: 750, Fields: DefaultGroupFields}, PublicOnly: true, Filter: DefaultGroupFilter},
			Posts:    Query{Limit: 50, Fields: DefaultPostFields},
			Comments: Query{Limit: 750, Fields: DefaultCommentFields},
			Index:    Query{Limit: 500},
		},
		ArchiveDir:        "./data/archive",
		ReportingPath:     "./data/reporting.db",
		RequestsPerSecond: 5,
		FetchConcurrency:  8,
		IndexConcurrency:  2,
		HTTPAddr:          ":8080",
		LogLevel:          "info",
	}
}

// Load reads configuration. Precedence, lowest first: defaults, the YAML file
// named by CONFIG_FILE (section "archive"), the environment. A .env file in
// the working directory is loaded into the environment when present.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // operator supplied path
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	fc := fileConfig{Archive: *c}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	*c = fc.Archive
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.APIBaseURL, "GRAPH_API_URL")
	setString(&c.AccessToken, "GRAPH_ACCESS_TOKEN")
	setString(&c.Queries.Posts.Fields, "POST_FIELDS")
	setString(&c.Queries.Comments.Fields, "COMMENT_FIELDS")
	setString(&c.Queries.Groups.Fields, "GROUP_FIELDS")
	setString(&c.Queries.Groups.Filter, "GROUP_FILTER")
	setString(&c.ArchiveDir, "ARCHIVE_DIR")
	setString(&c.ReportingPath, "REPORTING_DB")
	setString(&c.HTTPAddr, "HTTP_ADDR")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.TelegramBotToken, "TELEGRAM_BOT_TOKEN")

	for key, dst := range map[string]*int{
		"POST_LIMIT":        &c.Queries.Posts.Limit,
		"COMMENT_LIMIT":     &c.Queries.Comments.Limit,
		"GROUP_LIMIT":       &c.Queries.Groups.Limit,
		"INDEX_PAGE_LIMIT":  &c.Queries.Index.Limit,
		"FETCH_CONCURRENCY": &c.FetchConcurrency,
		"INDEX_CONCURRENCY": &c.IndexConcurrency,
	} {
		if err := setInt(dst, key); err != nil {
			return err
		}
	}

	if raw := os.Getenv("GROUP_PUBLIC_ONLY"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid GROUP_PUBLIC_ONLY %q: %w", raw, err)
		}
		c.Queries.Groups.PublicOnly = v
	}

	if raw := os.Getenv("REQUESTS_PER_SECOND"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("invalid REQUESTS_PER_SECOND %q: %w", raw, err)
		}
		c.RequestsPerSecond = v
	}

	if raw := os.Getenv("SYNC_INTERVAL"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid SYNC_INTERVAL %q: %w", raw, err)
		}
		c.SyncInterval = d
	}

	if raw := os.Getenv("ALLOWED_USERS"); raw != "" {
		var allowedUsers []int64
		for _, s := range strings.Split(raw, ",") {
			s = strings.TrimSpace(s)
			if s == "" {
				continue
			}
			uid, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid user ID %q in ALLOWED_USERS: %w", s, err)
			}
			allowedUsers = append(allowedUsers, uid)
		}
		c.AllowedUsers = allowedUsers
	}
	return nil
}

// Validate checks that numeric settings are usable.
func (c *Config) Validate() error {
	checks := []struct {
		field string
		value int
	}{
		{"queries.posts.limit", c.Queries.Posts.Limit},
		{"queries.comments.limit", c.Queries.Comments.Limit},
		{"queries.groups.limit", c.Queries.Groups.Limit},
		{"queries.index.limit", c.Queries.Index.Limit},
		{"fetchConcurrency", c.FetchConcurrency},
		{"indexConcurrency", c.IndexConcurrency},
	}
	for _, chk := range checks {
		if chk.value < 1 {
			return &model.ConfigError{Field: chk.field, Msg: "must be at least 1"}
		}
	}
	if c.RequestsPerSecond < 0 {
		return &model.ConfigError{Field: "requestsPerSecond", Msg: "must not be negative"}
	}
	if c.ArchiveDir == "" {
		return &model.ConfigError{Field: "storageDirectory", Msg: "is required"}
	}
	return nil
}

// RequireToken reports a ConfigError when no access token is configured.
// Only operations that talk to the remote API need it.
func (c *Config) RequireToken() error {
	if c.AccessToken == "" {
		return &model.ConfigError{Field: "GRAPH_ACCESS_TOKEN", Msg: "is required for remote operations"}
	}
	return nil
}

// IsUserAllowed checks whether a user ID is in the allow list.
// Returns true if the allow list is empty (all users permitted).
func (c *Config) IsUserAllowed(userID int64) bool {
	if len(c.AllowedUsers) == 0 {
		return true
	}
	for _, id := range c.AllowedUsers {
		if id == userID {
			return true
		}
	}
	return false
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	*dst = v
	return nil
}
