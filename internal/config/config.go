package config

import (
	"errors"
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/OCAP2/markerpose/internal/backend/camera"
	"github.com/OCAP2/markerpose/internal/backend/replay"
	"github.com/OCAP2/markerpose/internal/backend/vendor"
	"github.com/OCAP2/markerpose/internal/follower"
	"github.com/OCAP2/markerpose/internal/util"
)

// FileName is the config file looked up in the config directory.
const FileName = "markerpose.cfg.json"

var ErrNotFound = errors.New("config file not found")

// Settings is the typed configuration tree.
type Settings struct {
	LogLevel  string `json:"logLevel" yaml:"logLevel" mapstructure:"logLevel" validate:"oneof=debug info warn error"`
	LogsDir   string `json:"logsDir" yaml:"logsDir" mapstructure:"logsDir"`
	FrameRate int    `json:"frameRate" yaml:"frameRate" mapstructure:"frameRate" validate:"min=1,max=240"`
	// Anchor is an optional "long,lat[,elev]" location of the shared origin.
	Anchor string `json:"anchor" yaml:"anchor" mapstructure:"anchor"`

	Backend     BackendConfig     `json:"backend" yaml:"backend" mapstructure:"backend"`
	Follower    FollowerConfig    `json:"follower" yaml:"follower" mapstructure:"follower"`
	Calibration CalibrationConfig `json:"calibration" yaml:"calibration" mapstructure:"calibration"`
	Storage     StorageConfig     `json:"storage" yaml:"storage" mapstructure:"storage"`
	DB          DBConfig          `json:"db" yaml:"db" mapstructure:"db"`
	Influx      InfluxConfig      `json:"influx" yaml:"influx" mapstructure:"influx"`
	Graylog     GraylogConfig     `json:"graylog" yaml:"graylog" mapstructure:"graylog"`
	API         APIConfig         `json:"api" yaml:"api" mapstructure:"api"`
	Stream      StreamConfig      `json:"stream" yaml:"stream" mapstructure:"stream"`
	Monitor     MonitorConfig     `json:"monitor" yaml:"monitor" mapstructure:"monitor"`
}

// BackendConfig selects and configures the detector.
type BackendConfig struct {
	// Force skips capability-based selection when set.
	Force       string          `json:"force" yaml:"force" mapstructure:"force" validate:"omitempty,oneof=vendor camera replay"`
	MarkerIDs   []int           `json:"markerIds" yaml:"markerIds" mapstructure:"markerIds" validate:"min=1,dive,gte=0"`
	LossTimeout time.Duration   `json:"lossTimeout" yaml:"lossTimeout" mapstructure:"lossTimeout" validate:"gt=0"`
	Vendor      vendor.Settings `json:"vendor" yaml:"vendor" mapstructure:"vendor"`
	Camera      camera.Config   `json:"camera" yaml:"camera" mapstructure:"camera"`
	Replay      replay.Config   `json:"replay" yaml:"replay" mapstructure:"replay"`
}

// FollowerConfig binds the follower to one marker.
type FollowerConfig struct {
	MarkerID        int `json:"markerId" yaml:"markerId" mapstructure:"markerId" validate:"gte=0"`
	follower.Config `yaml:",inline" mapstructure:",squash"`
}

type CalibrationConfig struct {
	Steps int `json:"steps" yaml:"steps" mapstructure:"steps" validate:"min=1"`
}

// MemoryConfig holds in-memory/JSON storage backend settings
type MemoryConfig struct {
	OutputDir      string `json:"outputDir" yaml:"outputDir" mapstructure:"outputDir"`
	CompressOutput bool   `json:"compressOutput" yaml:"compressOutput" mapstructure:"compressOutput"`
}

type SQLiteConfig struct {
	Path         string        `json:"path" yaml:"path" mapstructure:"path"`
	DumpInterval time.Duration `json:"dumpInterval" yaml:"dumpInterval" mapstructure:"dumpInterval"`
}

type StorageConfig struct {
	Type   string       `json:"type" yaml:"type" mapstructure:"type" validate:"oneof=memory sqlite postgres"`
	Memory MemoryConfig `json:"memory" yaml:"memory" mapstructure:"memory"`
	SQLite SQLiteConfig `json:"sqlite" yaml:"sqlite" mapstructure:"sqlite"`
}

type DBConfig struct {
	Host     string `json:"host" yaml:"host" mapstructure:"host"`
	Port     string `json:"port" yaml:"port" mapstructure:"port"`
	Username string `json:"username" yaml:"username" mapstructure:"username"`
	Password string `json:"-" yaml:"-" mapstructure:"password"`
	Database string `json:"database" yaml:"database" mapstructure:"database"`
}

type InfluxConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Host     string `json:"host" yaml:"host" mapstructure:"host"`
	Port     string `json:"port" yaml:"port" mapstructure:"port"`
	Protocol string `json:"protocol" yaml:"protocol" mapstructure:"protocol" validate:"oneof=http https"`
	Token    string `json:"-" yaml:"-" mapstructure:"token"`
	Org      string `json:"org" yaml:"org" mapstructure:"org"`
}

type GraylogConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Address string `json:"address" yaml:"address" mapstructure:"address"`
}

type APIConfig struct {
	ServerURL string `json:"serverUrl" yaml:"serverUrl" mapstructure:"serverUrl" validate:"omitempty,url"`
	APIKey    string `json:"-" yaml:"-" mapstructure:"apiKey"`
}

type StreamConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Address string `json:"address" yaml:"address" mapstructure:"address"`
	Buffer  int    `json:"buffer" yaml:"buffer" mapstructure:"buffer" validate:"min=1"`
}

type MonitorConfig struct {
	Interval time.Duration `json:"interval" yaml:"interval" mapstructure:"interval" validate:"gt=0"`
	Address  string        `json:"address" yaml:"address" mapstructure:"address"`
}

// SetDefaults registers a default for every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logLevel", "info")
	v.SetDefault("logsDir", "./markerlogs")
	v.SetDefault("frameRate", 60)
	v.SetDefault("anchor", "")

	v.SetDefault("backend.force", "")
	v.SetDefault("backend.markerIds", []int{0})
	v.SetDefault("backend.lossTimeout", "3s")

	vs := vendor.DefaultSettings()
	v.SetDefault("backend.vendor.markerTypes", vs.MarkerTypes)
	v.SetDefault("backend.vendor.profile", vs.Profile)
	v.SetDefault("backend.vendor.arucoDictionary", vs.ArucoDictionary)
	v.SetDefault("backend.vendor.arucoMarkerSize", vs.ArucoMarkerSize)
	v.SetDefault("backend.vendor.qrCodeSize", vs.QRCodeSize)
	v.SetDefault("backend.vendor.fpsHint", vs.FPSHint)
	v.SetDefault("backend.vendor.resolutionHint", vs.ResolutionHint)
	v.SetDefault("backend.vendor.cameraHint", vs.CameraHint)
	v.SetDefault("backend.vendor.analysisInterval", vs.AnalysisInterval)
	v.SetDefault("backend.vendor.cornerRefinement", vs.CornerRefinement)
	v.SetDefault("backend.vendor.useEdgeRefinement", vs.UseEdgeRefinement)

	cc := camera.DefaultConfig()
	v.SetDefault("backend.camera.family", string(cc.Family))
	v.SetDefault("backend.camera.decimation", cc.Decimation)
	v.SetDefault("backend.camera.tagSize", cc.TagSize)
	v.SetDefault("backend.camera.fieldOfView", cc.FieldOfView)
	v.SetDefault("backend.camera.rightHanded", cc.RightHanded)

	rc := replay.DefaultConfig()
	v.SetDefault("backend.replay.path", "")
	v.SetDefault("backend.replay.loop", false)
	v.SetDefault("backend.replay.interval", rc.Interval.String())
	v.SetDefault("backend.replay.speed", rc.Speed)

	fc := follower.DefaultConfig()
	v.SetDefault("follower.markerId", 0)
	v.SetDefault("follower.window", fc.Window)
	v.SetDefault("follower.positionThreshold", fc.PositionThreshold)
	v.SetDefault("follower.rotationThreshold", fc.RotationThreshold)
	v.SetDefault("follower.offsetEuler", map[string]any{"x": fc.OffsetEuler.X, "y": fc.OffsetEuler.Y, "z": fc.OffsetEuler.Z})
	v.SetDefault("follower.keepVisible", fc.KeepVisible)

	v.SetDefault("calibration.steps", 200)

	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.memory.outputDir", "./recordings")
	v.SetDefault("storage.memory.compressOutput", true)
	v.SetDefault("storage.sqlite.path", "")
	v.SetDefault("storage.sqlite.dumpInterval", "3m")

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.username", "postgres")
	v.SetDefault("db.password", "postgres")
	v.SetDefault("db.database", "markerpose")

	v.SetDefault("influx.enabled", false)
	v.SetDefault("influx.host", "localhost")
	v.SetDefault("influx.port", "8086")
	v.SetDefault("influx.protocol", "http")
	v.SetDefault("influx.token", "supersecrettoken")
	v.SetDefault("influx.org", "markerpose")

	v.SetDefault("graylog.enabled", false)
	v.SetDefault("graylog.address", "localhost:12201")

	v.SetDefault("api.serverUrl", "http://localhost:5000")
	v.SetDefault("api.apiKey", "")

	v.SetDefault("stream.enabled", false)
	v.SetDefault("stream.address", "localhost:50551")
	v.SetDefault("stream.buffer", 64)

	v.SetDefault("monitor.interval", "30s")
	v.SetDefault("monitor.address", "")
}

// Flags returns the command-line flags that override config keys.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.String("config-dir", ".", "directory containing "+FileName)
	fs.String("logLevel", "info", "log level (debug, info, warn, error)")
	fs.Int("frameRate", 60, "frames per second of the main loop")
	fs.String("backend.force", "", "force a backend (vendor, camera, replay)")
	fs.IntSlice("backend.markerIds", []int{0}, "marker ids to track")
	fs.String("backend.replay.path", "", "detection log to replay")
	fs.Bool("backend.replay.loop", false, "restart the replay at the end")
	fs.Int("follower.markerId", 0, "marker the follower binds to")
	fs.Int("follower.window", 1, "averaging window (1-50)")
	fs.String("storage.type", "memory", "storage backend (memory, sqlite, postgres)")
	fs.String("anchor", "", "long,lat[,elev] of the shared origin")
	return fs
}

// BindFlags makes flags that were set on the command line override the file.
// The config-dir flag is not a config key and is skipped.
func BindFlags(fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil || f.Name == "config-dir" {
			return
		}
		err = viper.BindPFlag(f.Name, f)
	})
	return err
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file.
func Load(configDir string) error {
	SetDefaults(viper.GetViper())

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return fmt.Errorf("%w in %s", ErrNotFound, configDir)
		}
		return fmt.Errorf("error reading config file: %v", err)
	}

	return nil
}

// Decode returns the effective settings. Call Load first; without it only
// explicitly set keys are populated.
func Decode() (Settings, error) {
	var s Settings
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		idListHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := viper.Unmarshal(&s, hook); err != nil {
		return Settings{}, fmt.Errorf("decoding config: %w", err)
	}
	return s, nil
}

// idListHook accepts marker id lists written as a string, e.g. "1,5,7" from
// an environment variable or "[1, 5, 7]" quoted in the file.
func idListHook(from, to reflect.Type, data any) (any, error) {
	if from.Kind() != reflect.String || to != reflect.TypeOf([]int(nil)) {
		return data, nil
	}
	return util.ParseIDList(data.(string))
}

// Validate checks struct tags across the whole tree.
func Validate(s Settings) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(s); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// WriteYAML exports the effective settings. Secrets are omitted.
func WriteYAML(w io.Writer, s Settings) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encoding yaml: %w", err)
	}
	return enc.Close()
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetDuration returns a duration config value.
func GetDuration(key string) time.Duration {
	return viper.GetDuration(key)
}
