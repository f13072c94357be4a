// Package config resolves scribe's settings from flags, environment,
// .env and an optional config.yaml, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"node.town/scribe/session"
	"node.town/scribe/stt"
)

type Config struct {
	APIKey     string
	InstanceID string
	Region     string
	Model      string
	URL        string

	SampleRate      int
	Channels        int
	FrameSamples    int
	MaxAlternatives int
	WordConfidence  bool
	Timestamps      bool

	ConnectTimeout time.Duration
	ShutdownGrace  time.Duration

	SubscriberBuffer int

	TranscriptStore string
	TranscriptPath  string
	SQLitePath      string
	DatabaseURL     string

	Port int

	AudioSource  string
	AudioCommand string
	AudioFile    string
	ToneHz       float64

	Debug bool
}

// SetDefaults registers defaults on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("stt_region", "us-south")
	v.SetDefault("stt_model", "en-US_BroadbandModel")
	v.SetDefault("sample_rate", 44100)
	v.SetDefault("channels", 1)
	v.SetDefault("frame_samples", 1024)
	v.SetDefault("max_alternatives", 3)
	v.SetDefault("word_confidence", false)
	v.SetDefault("timestamps", false)
	v.SetDefault("connect_timeout", "10s")
	v.SetDefault("shutdown_grace", "1s")
	v.SetDefault("subscriber_buffer", 64)
	v.SetDefault("transcript_store", "file")
	v.SetDefault("transcript_path", "transcript.txt")
	v.SetDefault("sqlite_path", "scribe.db")
	v.SetDefault("port", 5000)
	v.SetDefault("audio_source", "command")
	v.SetDefault("audio_command", "arecord -q -t raw -f S16_LE -r {rate} -c {channels}")
	v.SetDefault("tone_hz", 440.0)
	v.SetDefault("debug", false)
}

// Init prepares v the way the CLI uses it: .env first, then an optional
// config.yaml in the working directory, then the environment.
func Init(v *viper.Viper) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	SetDefaults(v)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	return nil
}

// Load reads a Config out of v. Credentials use the STT_* environment
// names; DATABASE_URL feeds the postgres store. Commands that run a session
// call Validate.
func Load(v *viper.Viper) (*Config, error) {
	c := &Config{
		APIKey:           v.GetString("stt_api_key"),
		InstanceID:       v.GetString("stt_instance_id"),
		Region:           v.GetString("stt_region"),
		Model:            v.GetString("stt_model"),
		URL:              v.GetString("stt_url"),
		SampleRate:       v.GetInt("sample_rate"),
		Channels:         v.GetInt("channels"),
		FrameSamples:     v.GetInt("frame_samples"),
		MaxAlternatives:  v.GetInt("max_alternatives"),
		WordConfidence:   v.GetBool("word_confidence"),
		Timestamps:       v.GetBool("timestamps"),
		ConnectTimeout:   v.GetDuration("connect_timeout"),
		ShutdownGrace:    v.GetDuration("shutdown_grace"),
		SubscriberBuffer: v.GetInt("subscriber_buffer"),
		TranscriptStore:  strings.ToLower(v.GetString("transcript_store")),
		TranscriptPath:   v.GetString("transcript_path"),
		SQLitePath:       v.GetString("sqlite_path"),
		DatabaseURL:      v.GetString("database_url"),
		Port:             v.GetInt("port"),
		AudioSource:      strings.ToLower(v.GetString("audio_source")),
		AudioCommand:     v.GetString("audio_command"),
		AudioFile:        v.GetString("audio_file"),
		ToneHz:           v.GetFloat64("tone_hz"),
		Debug:            v.GetBool("debug"),
	}
	if c.TranscriptStore == "postgres" && c.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required for the postgres store")
	}
	return c, nil
}

// Validate checks the settings a session cannot run without. Missing
// credentials are reported together.
func (c *Config) Validate() error {
	var missing []string
	if c.APIKey == "" {
		missing = append(missing, "STT_API_KEY")
	}
	if c.URL == "" {
		if c.InstanceID == "" {
			missing = append(missing, "STT_INSTANCE_ID")
		}
		if c.Region == "" {
			missing = append(missing, "STT_REGION")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing configuration: %s", strings.Join(missing, ", "))
	}

	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels <= 0 {
		return fmt.Errorf("channels must be positive, got %d", c.Channels)
	}

	switch c.AudioSource {
	case "command":
		if c.AudioCommand == "" {
			return errors.New("audio_command is required for the command source")
		}
	case "file":
		if c.AudioFile == "" {
			return errors.New("audio_file is required for the file source")
		}
	case "tone":
	default:
		return fmt.Errorf("unknown audio_source %q", c.AudioSource)
	}

	switch c.TranscriptStore {
	case "", "file", "sqlite", "none":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("unknown transcript_store %q", c.TranscriptStore)
	}
	return nil
}

// Endpoint is the recognizer's websocket URL.
func (c *Config) Endpoint() (string, error) {
	if c.URL != "" {
		return c.URL, nil
	}
	return stt.RecognizeURL(c.Region, c.InstanceID, c.Model)
}

func (c *Config) Credentials() stt.Credentials {
	return stt.Credentials{APIKey: c.APIKey}
}

// StoreLocation is where the configured transcript store lives.
func (c *Config) StoreLocation() string {
	switch c.TranscriptStore {
	case "postgres":
		return c.DatabaseURL
	case "sqlite":
		return c.SQLitePath
	default:
		return c.TranscriptPath
	}
}

// Session builds the session settings.
func (c *Config) Session() (session.Config, error) {
	endpoint, err := c.Endpoint()
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		Endpoint:    endpoint,
		Credentials: c.Credentials(),
		SampleRate:  c.SampleRate,
		Channels:    c.Channels,
		Recognition: stt.StartOptions{
			SampleRate:      c.SampleRate,
			MaxAlternatives: c.MaxAlternatives,
			WordConfidence:  c.WordConfidence,
			Timestamps:      c.Timestamps,
		},
		ConnectTimeout: c.ConnectTimeout,
		ShutdownGrace:  c.ShutdownGrace,
	}, nil
}
