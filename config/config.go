// ffedit/config/config.go
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	FFBin               string        `mapstructure:"FF_BIN"`
	FFProbeBin          string        `mapstructure:"FFPROBE_BIN"`
	FFTimeout           time.Duration `mapstructure:"FF_TIMEOUT"` // 0 disables the deadline
	FFExtraArgs         string        `mapstructure:"FF_EXTRA_ARGS"`
	OutputDir           string        `mapstructure:"OUTPUT_DIR"`
	OutputLocalLifetime time.Duration `mapstructure:"OUTPUT_LOCAL_LIFETIME"`
	CleanupInterval     time.Duration `mapstructure:"CLEANUP_INTERVAL"`
	MaxInputSize        int64         `mapstructure:"MAX_INPUT_SIZE"`
	MaxRetries          int           `mapstructure:"MAX_RETRIES"`
	MaxConcurrency      int           `mapstructure:"MAX_CONCURRENCY"` // 0 means unlimited
	ProgressBuffer      int           `mapstructure:"PROGRESS_BUFFER"`
	ThrottleCPU         float64       `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem     int64         `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk    int64         `mapstructure:"THROTTLE_FREEDISK"`
	AuthEnable          bool          `mapstructure:"AUTH_ENABLE"`
	AuthKey             string        `mapstructure:"AUTH_KEY"`
	Port                string        `mapstructure:"PORT"`
	BaseURL             string        `mapstructure:"BASE"`
	LogLevel            string        `mapstructure:"LOG_LEVEL"`
	LogFormat           string        `mapstructure:"LOG_FORMAT"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	// A missing .env is fine; real deployments use the environment.
	_ = godotenv.Load()

	vp := viper.New()

	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FFPROBE_BIN", "ffprobe")
	vp.SetDefault("FF_TIMEOUT", "0s")
	vp.SetDefault("FF_EXTRA_ARGS", "")
	vp.SetDefault("OUTPUT_DIR", "")
	vp.SetDefault("OUTPUT_LOCAL_LIFETIME", "1h")
	vp.SetDefault("CLEANUP_INTERVAL", "30m")
	vp.SetDefault("MAX_INPUT_SIZE", "4GB")
	vp.SetDefault("MAX_RETRIES", 3)
	vp.SetDefault("MAX_CONCURRENCY", 2)
	vp.SetDefault("PROGRESS_BUFFER", 32)
	vp.SetDefault("THROTTLE_CPU", 10.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "500MB")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "123456")
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("BASE", "")
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("LOG_FORMAT", "json")

	vp.SetConfigName("ffedit_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/ffedit/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("FFEDIT")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The order matters: the first hook that succeeds is used.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
