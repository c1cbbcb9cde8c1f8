package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strconv"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ArchiveVersion is the engine's version string, set at build time via
// -ldflags; "dev" otherwise.
var ArchiveVersion = "dev"

func init() {
	if Config == nil {
		Config = initDefaultConfig()
	}
}

// Config is the process-wide loaded configuration, populated by Load.
var Config *ArchiveConfig

// ArchiveConfig holds every knob of the recording and replay engine: its
// geometry, its durability flush policy, and the ambient
// serving/observability surface. Field tags drive the reflection-based
// flag/viper binding: mapstructure names the yaml/flag key, default seeds
// both the flag and ForceInit, and description feeds cobra's --help text.
type ArchiveConfig struct {
	ArchiveDir string `mapstructure:"archive-dir" default:"archive" description:"directory holding segment and metadata files"`

	TermBufferLength  int64 `mapstructure:"term-buffer-length" default:"16777216" description:"length in bytes of a single term buffer"`
	SegmentFileLength int64 `mapstructure:"segment-file-length" default:"134217728" description:"length in bytes of a recording segment file; must be a power-of-two multiple of term-buffer-length"`
	MtuLength         int   `mapstructure:"mtu-length" default:"1408" description:"maximum transmission unit length of the transport; not read by the engine, which sizes each replay claim to the fragment"`

	ForceWrites          bool `mapstructure:"force-writes" default:"false" description:"fsync every segment write before acknowledging it"`
	ForceMetadataUpdates bool `mapstructure:"force-metadata-updates" default:"false" description:"fsync the descriptor file after every scalar field update"`

	ReplaySendBatchSize int   `mapstructure:"replay-send-batch-size" default:"8" description:"number of fragments republished per replay session tick"`
	ReplayLingerMillis  int64 `mapstructure:"replay-linger-millis" default:"1000" description:"milliseconds a finished or unconnected replay session lingers before closing"`

	LogLevel string `mapstructure:"log-level" default:"info" description:"the log level: debug, info, warn, error"`
	LogTags  string `mapstructure:"log-tags" default:"" description:"comma-separated verbose log tags to enable, e.g. recorder,cursor"`

	MetricsHost string `mapstructure:"metrics-host" default:"0.0.0.0" description:"host to bind the metrics/health HTTP listener to"`
	MetricsPort int    `mapstructure:"metrics-port" default:"7390" description:"port to bind the metrics/health HTTP listener to"`

	ConductorIdleMicros int `mapstructure:"conductor-idle-micros" default:"1000" description:"microseconds the conductor sleeps after a tick that did no work"`

	EnableProfile bool `mapstructure:"enable-profile" default:"false" description:"write cpu/mem/block profiles and an execution trace on shutdown"`
}

// Load populates Config: read an optional yaml file from MetadataDir, then
// let any explicitly-set flag win over it.
func Load(flags *pflag.FlagSet) {
	configureMetadataDir()

	viper.SetConfigType("yaml")
	viper.AddConfigPath(MetadataDir)
	viper.SetConfigName("archive")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	flags.VisitAll(func(flag *pflag.Flag) {
		if flag.Name == "help" {
			return
		}
		if flag.Changed || !viper.IsSet(flag.Name) {
			viper.Set(flag.Name, flag.Value.String())
		}
	})

	if err := viper.Unmarshal(&Config); err != nil {
		panic(err)
	}

	if Config.ArchiveDir == "" {
		Config.ArchiveDir = "archive"
	}
	if !filepath.IsAbs(Config.ArchiveDir) {
		Config.ArchiveDir = filepath.Join(MetadataDir, Config.ArchiveDir)
	}
	if err := os.MkdirAll(Config.ArchiveDir, 0o755); err != nil {
		panic(fmt.Errorf("could not create archive-dir %q: %w", Config.ArchiveDir, err))
	}
}

// InitConfig writes out the loaded configuration as archive.yaml under
// MetadataDir, creating it if absent or overwriting it when --overwrite is
// passed.
func InitConfig(flags *pflag.FlagSet) {
	Load(flags)
	configPath := filepath.Join(MetadataDir, "archive.yaml")
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := viper.WriteConfigAs(configPath); err != nil {
			slog.Error("could not write the config file", slog.String("path", configPath), slog.String("error", err.Error()))
			os.Exit(1)
		}
		slog.Info("config created", slog.String("path", configPath))
		return
	}
	if overwrite, _ := flags.GetBool("overwrite"); overwrite {
		if err := viper.WriteConfigAs(configPath); err != nil {
			slog.Error("could not write the config file", slog.String("path", configPath), slog.String("error", err.Error()))
			os.Exit(1)
		}
		slog.Info("config overwritten", slog.String("path", configPath))
		return
	}
	slog.Info("config already exists. skipping.", slog.String("path", configPath))
	slog.Info("run with --overwrite to overwrite the existing config")
}

func configureMetadataDir() {
	if !filepath.IsAbs(MetadataDir) {
		cwd, _ := os.Getwd()
		MetadataDir = filepath.Join(cwd, MetadataDir)
	}
	if err := os.MkdirAll(MetadataDir, 0o700); err != nil {
		fmt.Printf("could not create metadata directory at %s. error: %s\n", MetadataDir, err)
		fmt.Println("using current directory as metadata directory")
		MetadataDir = "."
	}
}

func initDefaultConfig() *ArchiveConfig {
	defaultConfig := &ArchiveConfig{}
	configType := reflect.TypeOf(*defaultConfig)
	configValue := reflect.ValueOf(defaultConfig).Elem()

	for i := 0; i < configType.NumField(); i++ {
		field := configType.Field(i)
		value := configValue.Field(i)

		tag := field.Tag.Get("default")
		if tag == "" {
			continue
		}
		switch value.Kind() {
		case reflect.String:
			value.SetString(tag)
		case reflect.Int, reflect.Int64:
			if n, err := strconv.ParseInt(tag, 10, 64); err == nil {
				value.SetInt(n)
			}
		case reflect.Bool:
			if b, err := strconv.ParseBool(tag); err == nil {
				value.SetBool(b)
			}
		}
	}
	return defaultConfig
}

// ForceInit replaces Config with config, filling any zero-valued field from
// the compiled-in defaults — used by tests that only want to override a
// handful of fields.
func ForceInit(config *ArchiveConfig) {
	defaultConfig := initDefaultConfig()

	configType := reflect.TypeOf(*config)
	configValue := reflect.ValueOf(config).Elem()
	defaultConfigValue := reflect.ValueOf(defaultConfig).Elem()

	for i := 0; i < configType.NumField(); i++ {
		value := configValue.Field(i)
		defaultValue := defaultConfigValue.Field(i)
		if value.IsZero() {
			value.Set(defaultValue)
		}
	}

	Config = config
}
