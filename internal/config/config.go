// Package config loads process-wide configuration the way the teacher's
// internal/config package does — viper, typed struct, sane defaults —
// generalized from a single YAML file to the env-first surface spec.md
// §6.5 requires.
package config

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Timeouts collects every timer named in spec.md §5.
type Timeouts struct {
	Session        time.Duration
	Ping           time.Duration
	Recovery       time.Duration
	Channel        time.Duration
	Authentication time.Duration
	Request        time.Duration
}

// Config is the process-wide state initialised from the environment
// (spec.md §6.5). Field names mirror the env vars via mapstructure tags;
// viper.AutomaticEnv binds each directly to its environment variable.
type Config struct {
	AuthKeyB64      string   `mapstructure:"auth_key"`
	PublicIP        string   `mapstructure:"public_ip"`
	HTTPInterface   string   `mapstructure:"http_interface"`
	Port            int      `mapstructure:"port"`
	RTCInterface    string   `mapstructure:"rtc_interface"`
	RTCMinPort      uint16   `mapstructure:"rtc_min_port"`
	RTCMaxPort      uint16   `mapstructure:"rtc_max_port"`
	NumWorkers      int      `mapstructure:"num_workers"`
	AudioCodecsRaw  string   `mapstructure:"audio_codecs"`
	VideoCodecsRaw  string   `mapstructure:"video_codecs"`
	MaxBufIn        int      `mapstructure:"max_buf_in"`
	MaxBufOut       int      `mapstructure:"max_buf_out"`
	MaxBitrateIn    int      `mapstructure:"max_bitrate_in"`
	MaxBitrateOut   int      `mapstructure:"max_bitrate_out"`
	MaxVideoBitrate int      `mapstructure:"max_video_bitrate"`
	ChannelSize     int      `mapstructure:"channel_size"`
	Proxy           bool     `mapstructure:"proxy"`
	Mode            string   `mapstructure:"mode"`
	StaticPath      string   `mapstructure:"static_path"`

	AudioCodecs []string `mapstructure:"-"`
	VideoCodecs []string `mapstructure:"-"`
	AuthKey     []byte   `mapstructure:"-"`
	Timeouts    Timeouts `mapstructure:"-"`
}

var allAudioCodecs = []string{"opus"}
var allVideoCodecs = []string{"VP8", "VP9", "H264"}

// Load reads configuration from the environment, following the same
// viper.New/SetDefault/Unmarshal shape as the teacher's config.Load, but
// sourced from env vars per spec.md §6.5 instead of a single YAML file (a
// config file is still optionally merged in, matching the teacher's
// "file with defaults" fallback, for local development).
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("http_interface", "0.0.0.0")
	v.SetDefault("port", 8070)
	v.SetDefault("static_path", "./web")
	v.SetDefault("rtc_interface", "0.0.0.0")
	v.SetDefault("rtc_min_port", 40000)
	v.SetDefault("rtc_max_port", 49999)
	v.SetDefault("num_workers", 0) // 0 => hardware parallelism
	v.SetDefault("audio_codecs", "all")
	v.SetDefault("video_codecs", "all")
	v.SetDefault("max_buf_in", 1<<20)
	v.SetDefault("max_buf_out", 1<<20)
	v.SetDefault("max_bitrate_in", 8_000_000)
	v.SetDefault("max_bitrate_out", 10_000_000)
	v.SetDefault("max_video_bitrate", 4_000_000)
	v.SetDefault("channel_size", 100)
	v.SetDefault("proxy", false)

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.AuthKeyB64 = v.GetString("auth_key")
	if cfg.AuthKeyB64 == "" {
		return nil, fmt.Errorf("AUTH_KEY is required")
	}
	key, err := base64.StdEncoding.DecodeString(cfg.AuthKeyB64)
	if err != nil {
		return nil, fmt.Errorf("AUTH_KEY is not valid base64: %w", err)
	}
	cfg.AuthKey = key

	cfg.PublicIP = v.GetString("public_ip")
	if cfg.PublicIP == "" {
		return nil, fmt.Errorf("PUBLIC_IP is required")
	}

	cfg.AudioCodecs = expandCodecs(cfg.AudioCodecsRaw, allAudioCodecs)
	cfg.VideoCodecs = expandCodecs(cfg.VideoCodecsRaw, allVideoCodecs)

	cfg.Timeouts = Timeouts{
		Session:        durationEnv(v, "timeouts_session", 10*time.Second),
		Ping:           durationEnv(v, "timeouts_ping", 60*time.Second),
		Recovery:       durationEnv(v, "timeouts_recovery", 2*time.Second),
		Channel:        durationEnv(v, "timeouts_channel", time.Hour),
		Authentication: durationEnv(v, "timeouts_authentication", 10*time.Second),
		Request:        durationEnv(v, "timeouts_request", 5*time.Second),
	}

	return &cfg, nil
}

func expandCodecs(raw string, all []string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "all") {
		out := make([]string, len(all))
		copy(out, all)
		return out
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func durationEnv(v *viper.Viper, key string, def time.Duration) time.Duration {
	if !v.IsSet(key) {
		return def
	}
	return v.GetDuration(key)
}
