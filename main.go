package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"node.town/scribe/audio"
	"node.town/scribe/config"
	"node.town/scribe/db"
	"node.town/scribe/hub"
	"node.town/scribe/session"
	"node.town/scribe/stt"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(historyCmd)

	rootCmd.PersistentFlags().Bool("debug", false, "Log at debug level")
	rootCmd.PersistentFlags().Int("port", 5000, "HTTP server port")
	rootCmd.PersistentFlags().
		String("audio-source", "command", "Audio source: command, file or tone")
	rootCmd.PersistentFlags().
		String("audio-file", "", "Raw 16-bit PCM file for the file source, - for stdin")
	rootCmd.PersistentFlags().
		String("store", "file", "Transcript store: file, sqlite, postgres or none")

	viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag(
		"audio_source",
		rootCmd.PersistentFlags().Lookup("audio-source"),
	)
	viper.BindPFlag(
		"audio_file",
		rootCmd.PersistentFlags().Lookup("audio-file"),
	)
	viper.BindPFlag(
		"transcript_store",
		rootCmd.PersistentFlags().Lookup("store"),
	)
}

func initConfig() {
	logger = log.New(os.Stderr)

	if err := config.Init(viper.GetViper()); err != nil {
		logger.Warn("config", "error", err)
	}
}

var rootCmd = &cobra.Command{
	Use:   "scribe",
	Short: "Scribe transcribes live audio",
	Long:  `Scribe streams live audio to a speech recognition service and serves the transcript as it arrives.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type loggers struct {
	main *log.Logger
	hear *log.Logger
	mic  *log.Logger
	sess *log.Logger
	hub  *log.Logger
	data *log.Logger
	http *log.Logger
}

func createLoggers(debug bool) loggers {
	logLevel := log.InfoLevel
	if debug {
		logLevel = log.DebugLevel
	}

	logger.SetLevel(logLevel)
	logger.SetReportCaller(debug)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.MarginTop(1).
		Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].
		MaxWidth(6).
		MarginRight(1).
		Bold(false)
	styles.Message = styles.Message.Bold(true).Width(24)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	return loggers{
		main: logger.With().WithPrefix("main"),
		hear: logger.With().WithPrefix("hear"),
		mic:  logger.With().WithPrefix("mic"),
		sess: logger.With().WithPrefix("sess"),
		hub:  logger.With().WithPrefix("hub"),
		data: logger.With().WithPrefix("data"),
		http: logger.With().WithPrefix("http"),
	}
}

// app is everything a running session needs.
type app struct {
	cfg   *config.Config
	logs  loggers
	store db.TranscriptLog
	hub   *hub.Hub
	coord *session.Coordinator

	// onTransition is set before the first session starts.
	onTransition func(id string, from, to session.State)
}

func loadConfig() (*config.Config, loggers) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		logger.Fatal("load config", "error", err)
	}
	logs := createLoggers(cfg.Debug)
	return cfg, logs
}

func openStore(ctx context.Context, cfg *config.Config, logs loggers) db.TranscriptLog {
	store, err := db.Open(ctx, cfg.TranscriptStore, cfg.StoreLocation(), logs.data)
	if err != nil {
		logs.main.Fatal("open transcript store", "store", cfg.TranscriptStore, "error", err)
	}
	return store
}

func newApp(ctx context.Context) *app {
	cfg, logs := loadConfig()
	if err := cfg.Validate(); err != nil {
		logs.main.Fatal("invalid configuration", "error", err)
	}

	sessionCfg, err := cfg.Session()
	if err != nil {
		logs.main.Fatal("recognizer endpoint", "error", err)
	}

	source, err := newSource(cfg, logs.mic)
	if err != nil {
		logs.main.Fatal("audio source", "error", err)
	}

	store := openStore(ctx, cfg, logs)
	h := hub.New(cfg.SubscriberBuffer, store, logs.hub)

	a := &app{cfg: cfg, logs: logs, store: store, hub: h}
	a.coord, err = session.NewCoordinator(sessionCfg, session.Options{
		Dialer: &stt.WebSocketDialer{Logger: logs.hear},
		Source: source,
		Hub:    h,
		Logger: logs.sess,
		OnFailure: func(id string, err error) {
			logs.main.Error("session failed", "session", id, "error", err)
		},
		OnTransition: func(id string, from, to session.State) {
			if a.onTransition != nil {
				a.onTransition(id, from, to)
			}
		},
	})
	if err != nil {
		logs.main.Fatal("create coordinator", "error", err)
	}

	logs.main.Info(
		"ready",
		"endpoint", sessionCfg.Endpoint,
		"credentials", sessionCfg.Credentials,
		"source", cfg.AudioSource,
		"store", cfg.TranscriptStore,
	)

	return a
}

func (a *app) close() {
	if a.store == nil {
		return
	}
	if err := a.store.Close(); err != nil {
		a.logs.data.Warn("close store", "error", err)
	}
}

func newSource(cfg *config.Config, logger *log.Logger) (audio.Source, error) {
	switch cfg.AudioSource {
	case "command":
		return audio.CommandSource(cfg.AudioCommand, cfg.FrameSamples, logger), nil
	case "file":
		return audio.FileSource(cfg.AudioFile, cfg.FrameSamples, true, logger), nil
	case "tone":
		return &audio.ToneSource{Frequency: cfg.ToneHz, FrameSamples: cfg.FrameSamples}, nil
	default:
		return nil, fmt.Errorf("unknown audio source %q", cfg.AudioSource)
	}
}
