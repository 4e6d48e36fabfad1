package options

import (
	"fmt"
	"runtime"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const EnvPrefix = "MICREC"

// Backends understood by audio.NewSource.
const (
	BackendPortAudio = "portaudio"
	BackendFFmpeg    = "ffmpeg"
	BackendWav       = "wav"
)

// Options configures a recording. The controller copies it when a session
// starts, so later changes only affect the next session.
type Options struct {
	SampleRate    int    `mapstructure:"sample_rate" validate:"gte=0"`      // 0 lets the device choose
	BitRate       int    `mapstructure:"bit_rate" validate:"gt=0,lte=320"` // kbps
	StartDelayMs  int    `mapstructure:"start_delay_ms" validate:"gte=0"`
	Device        string `mapstructure:"device"`
	DeferEncoding bool   `mapstructure:"defer_encoding"`

	Backend    string `mapstructure:"backend" validate:"oneof=portaudio ffmpeg wav"`
	InputFile  string `mapstructure:"input_file" validate:"required_if=Backend wav"`
	FFmpegPath string `mapstructure:"ffmpeg_path"`
	RealTime   bool   `mapstructure:"real_time"`

	LogLevel string `mapstructure:"log_level" validate:"oneof=trace debug info warn error"`
	LogFile  string `mapstructure:"log_file"`
}

// mobileClass reports whether encoding alongside capture should be avoided
// by default on goos.
func mobileClass(goos string) bool {
	return goos == "android" || goos == "ios"
}

func Defaults() Options {
	return Options{
		SampleRate:    0,
		BitRate:       128,
		StartDelayMs:  300,
		DeferEncoding: mobileClass(runtime.GOOS),
		Backend:       BackendPortAudio,
		LogLevel:      "info",
	}
}

// SetDefaults registers every key with v. Keys unknown to viper are not
// picked up from the environment by Unmarshal.
func SetDefaults(v *viper.Viper) {
	d := Defaults()
	v.SetDefault("sample_rate", d.SampleRate)
	v.SetDefault("bit_rate", d.BitRate)
	v.SetDefault("start_delay_ms", d.StartDelayMs)
	v.SetDefault("device", d.Device)
	v.SetDefault("defer_encoding", d.DeferEncoding)
	v.SetDefault("backend", d.Backend)
	v.SetDefault("input_file", d.InputFile)
	v.SetDefault("ffmpeg_path", d.FFmpegPath)
	v.SetDefault("real_time", d.RealTime)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_file", d.LogFile)
}

// Load resolves options from defaults, an optional config file, MICREC_*
// environment variables and whatever else is bound on v (flags), in viper's
// usual order of precedence.
func Load(v *viper.Viper, configFile string) (Options, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Options{}, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var opts Options
	if err := v.Unmarshal(&opts); err != nil {
		return Options{}, fmt.Errorf("decode options: %w", err)
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func (o Options) Validate() error {
	if err := validator.New().Struct(o); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}

// StartDelay is the startup gate duration.
func (o Options) StartDelay() time.Duration {
	return time.Duration(o.StartDelayMs) * time.Millisecond
}
