// Package config loads the application configuration from a YAML file,
// a .env file, and NIGHTWATCH_* environment variables, in that order of
// increasing precedence.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/nightwatch-obs/nightwatch/internal/alerts"
	"github.com/nightwatch-obs/nightwatch/internal/safety"
)

const envPrefix = "NIGHTWATCH"

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

type MountConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	SerialPort string `yaml:"serialPort"`
	BaudRate   int    `yaml:"baudRate"`
	TimeoutSec int    `yaml:"timeoutSec"`
}

// Addr returns host:port for TCP mounts.
func (m MountConfig) Addr() string {
	return fmt.Sprintf("%s:%d", m.Host, m.Port)
}

type WeatherConfig struct {
	Gateway string `yaml:"gateway"`
	PollSec int    `yaml:"pollSec"`
}

type CloudConfig struct {
	File    string `yaml:"file"`
	PollSec int    `yaml:"pollSec"`
}

type PowerConfig struct {
	Addr    string `yaml:"addr"`
	UPSName string `yaml:"upsName"`
	PollSec int    `yaml:"pollSec"`
}

// SafetyConfig overrides the default thresholds; nil fields keep defaults.
type SafetyConfig struct {
	WindLimitMph            *float64 `yaml:"windLimitMph"`
	GustLimitMph            *float64 `yaml:"gustLimitMph"`
	WindHysteresisMph       *float64 `yaml:"windHysteresisMph"`
	HumidityLimit           *float64 `yaml:"humidityLimit"`
	HumidityHysteresis      *float64 `yaml:"humidityHysteresis"`
	DewMarginF              *float64 `yaml:"dewMarginF"`
	RainHoldoffMin          *int     `yaml:"rainHoldoffMin"`
	CloudClearBelow         *float64 `yaml:"cloudClearBelow"`
	CloudCloudyAbove        *float64 `yaml:"cloudCloudyAbove"`
	CloudHysteresis         *float64 `yaml:"cloudHysteresis"`
	SunAltitudeLimit        *float64 `yaml:"sunAltitudeLimit"`
	MinTargetAltitude       *float64 `yaml:"minTargetAltitude"`
	BatteryWarnPercent      *float64 `yaml:"batteryWarnPercent"`
	BatteryParkPercent      *float64 `yaml:"batteryParkPercent"`
	BatteryShutdownPercent  *float64 `yaml:"batteryShutdownPercent"`
	BatteryEmergencyPercent *float64 `yaml:"batteryEmergencyPercent"`
	WeatherStalenessSec     *int     `yaml:"weatherStalenessSec"`
	CloudStalenessSec       *int     `yaml:"cloudStalenessSec"`
	EphemerisStalenessSec   *int     `yaml:"ephemerisStalenessSec"`
	UnsafeToParkSec         *int     `yaml:"unsafeToParkSec"`
	SafeToResumeSec         *int     `yaml:"safeToResumeSec"`
	EvaluationIntervalSec   *int     `yaml:"evaluationIntervalSec"`
	RequireCloud            *bool    `yaml:"requireCloud"`
	RequirePower            *bool    `yaml:"requirePower"`
	RequireNetwork          *bool    `yaml:"requireNetwork"`
}

// Thresholds materializes the overrides over the defaults.
func (s SafetyConfig) Thresholds() safety.Thresholds {
	t := safety.DefaultThresholds()
	setF := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	setF(&t.WindLimitMPH, s.WindLimitMph)
	setF(&t.GustLimitMPH, s.GustLimitMph)
	setF(&t.WindHysteresisMPH, s.WindHysteresisMph)
	setF(&t.HumidityLimit, s.HumidityLimit)
	setF(&t.HumidityHysteresis, s.HumidityHysteresis)
	setF(&t.DewMarginF, s.DewMarginF)
	setF(&t.CloudClearBelow, s.CloudClearBelow)
	setF(&t.CloudCloudyAbove, s.CloudCloudyAbove)
	setF(&t.CloudHysteresis, s.CloudHysteresis)
	setF(&t.SunAltitudeLimit, s.SunAltitudeLimit)
	setF(&t.MinTargetAltitude, s.MinTargetAltitude)
	setF(&t.BatteryWarnPercent, s.BatteryWarnPercent)
	setF(&t.BatteryParkPercent, s.BatteryParkPercent)
	setF(&t.BatteryShutdownPercent, s.BatteryShutdownPercent)
	setF(&t.BatteryEmergencyPercent, s.BatteryEmergencyPercent)
	if s.RainHoldoffMin != nil {
		t.RainHoldoff = time.Duration(*s.RainHoldoffMin) * time.Minute
	}
	if s.WeatherStalenessSec != nil {
		t.WeatherStaleness = time.Duration(*s.WeatherStalenessSec) * time.Second
	}
	if s.CloudStalenessSec != nil {
		t.CloudStaleness = time.Duration(*s.CloudStalenessSec) * time.Second
	}
	if s.EphemerisStalenessSec != nil {
		t.EphemerisStaleness = time.Duration(*s.EphemerisStalenessSec) * time.Second
	}
	if s.UnsafeToParkSec != nil {
		t.UnsafeDurationToPark = time.Duration(*s.UnsafeToParkSec) * time.Second
	}
	if s.SafeToResumeSec != nil {
		t.SafeDurationToResume = time.Duration(*s.SafeToResumeSec) * time.Second
	}
	if s.RequireCloud != nil {
		t.RequireCloud = *s.RequireCloud
	}
	if s.RequirePower != nil {
		t.RequirePower = *s.RequirePower
	}
	if s.RequireNetwork != nil {
		t.RequireNetwork = *s.RequireNetwork
	}
	return t
}

// EvaluationInterval returns the safety loop period.
func (s SafetyConfig) EvaluationInterval() time.Duration {
	if s.EvaluationIntervalSec != nil {
		return time.Duration(*s.EvaluationIntervalSec) * time.Second
	}
	return 10 * time.Second
}

type AlertsConfig struct {
	DedupWindowSec     *int             `yaml:"dedupWindowSec"`
	MinIntervalSec     *int             `yaml:"minIntervalSec"`
	MaxPerHour         *int             `yaml:"maxPerHour"`
	EmailIntervalSec   *int             `yaml:"emailIntervalSec"`
	EscalationDelaySec *int             `yaml:"escalationDelaySec"`
	Quiet              QuietHoursConfig `yaml:"quietHours"`
}

type QuietHoursConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Start    string `yaml:"start"`
	End      string `yaml:"end"`
	MinLevel string `yaml:"minLevel"`
}

// Manager materializes the alert manager settings over the defaults.
func (a AlertsConfig) Manager() alerts.Config {
	c := alerts.DefaultConfig()
	if a.DedupWindowSec != nil {
		c.DedupWindow = time.Duration(*a.DedupWindowSec) * time.Second
	}
	if a.MinIntervalSec != nil {
		c.MinInterval = time.Duration(*a.MinIntervalSec) * time.Second
	}
	if a.MaxPerHour != nil {
		c.MaxPerHour = *a.MaxPerHour
	}
	if a.EmailIntervalSec != nil {
		c.EmailInterval = time.Duration(*a.EmailIntervalSec) * time.Second
	}
	if a.EscalationDelaySec != nil {
		c.EscalationDelay = time.Duration(*a.EscalationDelaySec) * time.Second
	}
	return c
}

func (a AlertsConfig) QuietHours() alerts.QuietHours {
	return alerts.QuietHours{
		Enabled:  a.Quiet.Enabled,
		Start:    a.Quiet.Start,
		End:      a.Quiet.End,
		MinLevel: alerts.Level(a.Quiet.MinLevel),
	}
}

type EmailConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Host     string   `yaml:"host"`
	Port     int      `yaml:"port"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	From     string   `yaml:"from"`
	To       []string `yaml:"to"`
	TLS      bool     `yaml:"tls"`
}

type WebhookConfig struct {
	Name    string   `yaml:"name"`
	URL     string   `yaml:"url"`
	Filters []string `yaml:"filters"`
}

type VoiceConfig struct {
	Enabled             bool    `yaml:"enabled"`
	STTListen           string  `yaml:"sttListen"`
	TTSListen           string  `yaml:"ttsListen"`
	ConfidenceThreshold float64 `yaml:"confidenceThreshold"`
	QueueSize           int     `yaml:"queueSize"`
}

type CatalogConfig struct {
	Database string `yaml:"database"`
}

// SiteConfig is the observatory location used for ephemeris calculations.
type SiteConfig struct {
	LatitudeDeg  float64 `yaml:"latitudeDeg"`
	LongitudeDeg float64 `yaml:"longitudeDeg"`
}

// Config is the root document.
type Config struct {
	DataDir  string          `yaml:"dataDir"`
	Log      LogConfig       `yaml:"log"`
	Server   ServerConfig    `yaml:"server"`
	Mount    MountConfig     `yaml:"mount"`
	Weather  WeatherConfig   `yaml:"weather"`
	Cloud    CloudConfig     `yaml:"cloud"`
	Power    PowerConfig     `yaml:"power"`
	Safety   SafetyConfig    `yaml:"safety"`
	Alerts   AlertsConfig    `yaml:"alerts"`
	Email    EmailConfig     `yaml:"email"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Voice    VoiceConfig     `yaml:"voice"`
	Catalog  CatalogConfig   `yaml:"catalog"`
	Site     SiteConfig      `yaml:"site"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Log:     LogConfig{Level: "info", Format: "auto"},
		Server:  ServerConfig{Enabled: true, Listen: "127.0.0.1:8484"},
		Mount:   MountConfig{Port: 9999, BaudRate: 9600, TimeoutSec: 5},
		Weather: WeatherConfig{PollSec: 30},
		Cloud:   CloudConfig{PollSec: 60},
		Power:   PowerConfig{UPSName: "ups", PollSec: 60},
		Voice: VoiceConfig{
			STTListen:           ":10300",
			TTSListen:           ":10301",
			ConfidenceThreshold: 0.5,
			QueueSize:           8,
		},
	}
}

// Load reads the file at path (optional), overlays .env, then overlays
// NIGHTWATCH_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	// Best effort; a missing .env is not an error.
	_ = godotenv.Load()

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "", "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	if c.Mount.Host == "" && c.Mount.SerialPort == "" {
		return fmt.Errorf("config: mount needs either host or serialPort")
	}
	if c.Email.Enabled {
		if c.Email.Host == "" || len(c.Email.To) == 0 {
			return fmt.Errorf("config: email enabled without host or recipients")
		}
	}
	for _, wh := range c.Webhooks {
		if wh.Name == "" || wh.URL == "" {
			return fmt.Errorf("config: webhook entries need name and url")
		}
	}
	if c.Voice.QueueSize <= 0 {
		c.Voice.QueueSize = 8
	}
	return nil
}

// applyEnv overlays NIGHTWATCH_<SECTION>_<KEY> variables onto the config,
// walking the struct by yaml tag. Dotted paths join with underscores:
// safety.windLimitMph becomes NIGHTWATCH_SAFETY_WIND_LIMIT_MPH.
func applyEnv(cfg *Config) error {
	return walkEnv(reflect.ValueOf(cfg).Elem(), envPrefix)
}

func walkEnv(v reflect.Value, prefix string) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := strings.Split(field.Tag.Get("yaml"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		name := prefix + "_" + camelToUpperSnake(tag)
		fv := v.Field(i)

		if fv.Kind() == reflect.Struct {
			if err := walkEnv(fv, name); err != nil {
				return err
			}
			continue
		}
		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if err := setFromString(fv, raw); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	return nil
}

func setFromString(fv reflect.Value, raw string) error {
	if fv.Kind() == reflect.Pointer {
		if fv.IsNil() {
			fv.Set(reflect.New(fv.Type().Elem()))
		}
		return setFromString(fv.Elem(), raw)
	}
	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		fv.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		fv.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		fv.SetFloat(f)
	case reflect.Slice:
		if fv.Type().Elem().Kind() != reflect.String {
			return nil
		}
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		fv.Set(reflect.ValueOf(parts))
	}
	return nil
}

func camelToUpperSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' && i > 0 {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}
