package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"github.com/OCAP2/markerpose/internal/backend/camera"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(body), 0644))
	return dir
}

func TestLoad_WithValidConfigFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := writeConfig(t, `{
		"logLevel": "debug",
		"backend": { "markerIds": [3, 7], "lossTimeout": "500ms" },
		"follower": { "markerId": 7, "window": 10 },
		"db": { "host": "10.0.0.1", "port": "5433" }
	}`)

	require.NoError(t, Load(dir))
	s, err := Decode()
	require.NoError(t, err)

	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, []int{3, 7}, s.Backend.MarkerIDs)
	assert.Equal(t, 500*time.Millisecond, s.Backend.LossTimeout)
	assert.Equal(t, 7, s.Follower.MarkerID)
	assert.Equal(t, 10, s.Follower.Window)
	assert.Equal(t, "10.0.0.1", s.DB.Host)
	assert.Equal(t, "5433", s.DB.Port)
	require.NoError(t, Validate(s))
}

func TestDecode_MarkerIDsAsString(t *testing.T) {
	t.Cleanup(viper.Reset)

	require.NoError(t, Load(writeConfig(t, `{
		"backend": { "markerIds": "[7, 3, 7]" },
		"monitor": { "interval": "5s" }
	}`)))
	s, err := Decode()
	require.NoError(t, err)

	assert.Equal(t, []int{3, 7}, s.Backend.MarkerIDs)
	assert.Equal(t, 5*time.Second, s.Monitor.Interval)

	viper.Set("backend.markerIds", "1,x")
	_, err = Decode()
	assert.Error(t, err)
}

func TestLoad_DefaultValues(t *testing.T) {
	t.Cleanup(viper.Reset)

	require.NoError(t, Load(writeConfig(t, `{}`)))
	s, err := Decode()
	require.NoError(t, err)

	assert.Equal(t, "info", s.LogLevel)
	assert.Equal(t, "./markerlogs", s.LogsDir)
	assert.Equal(t, 60, s.FrameRate)
	assert.Equal(t, []int{0}, s.Backend.MarkerIDs)
	assert.Equal(t, 3*time.Second, s.Backend.LossTimeout)
	assert.Equal(t, "custom", s.Backend.Vendor.Profile)
	assert.Equal(t, camera.Tag36h11, s.Backend.Camera.Family)
	assert.Equal(t, time.Second/60, s.Backend.Replay.Interval)
	assert.Equal(t, 1.0, s.Backend.Replay.Speed)
	assert.Equal(t, 1, s.Follower.Window)
	assert.Equal(t, 0.005, s.Follower.PositionThreshold)
	assert.Equal(t, 2.0, s.Follower.RotationThreshold)
	assert.Equal(t, r3.Vec{Y: 180}, s.Follower.OffsetEuler)
	assert.Equal(t, 200, s.Calibration.Steps)
	assert.Equal(t, "memory", s.Storage.Type)
	assert.Equal(t, "./recordings", s.Storage.Memory.OutputDir)
	assert.True(t, s.Storage.Memory.CompressOutput)
	assert.Equal(t, 3*time.Minute, s.Storage.SQLite.DumpInterval)
	assert.Equal(t, "postgres", s.DB.Username)
	assert.False(t, s.Influx.Enabled)
	assert.Equal(t, "localhost:12201", s.Graylog.Address)
	assert.Equal(t, 64, s.Stream.Buffer)
	assert.Equal(t, 30*time.Second, s.Monitor.Interval)
	require.NoError(t, Validate(s))
}

func TestLoad_MissingFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	err := Load(t.TempDir())
	require.ErrorIs(t, err, ErrNotFound)

	// defaults are still registered
	s, err := Decode()
	require.NoError(t, err)
	assert.Equal(t, 60, s.FrameRate)
}

func TestLoad_MalformedFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	err := Load(writeConfig(t, `{ not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestBindFlags_OverrideFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	fs := Flags("test")
	require.NoError(t, fs.Parse([]string{"--follower.window=5", "--backend.force=replay", "--config-dir=/ignored"}))
	require.NoError(t, BindFlags(fs))
	require.NoError(t, Load(writeConfig(t, `{"follower": {"window": 3}}`)))

	s, err := Decode()
	require.NoError(t, err)
	assert.Equal(t, 5, s.Follower.Window)
	assert.Equal(t, "replay", s.Backend.Force)
	assert.False(t, viper.IsSet("config-dir"))
}

func TestValidate_RejectsOutOfRange(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{}`)))
	base, err := Decode()
	require.NoError(t, err)

	cases := map[string]func(*Settings){
		"window too large":   func(s *Settings) { s.Follower.Window = 51 },
		"window zero":        func(s *Settings) { s.Follower.Window = 0 },
		"negative threshold": func(s *Settings) { s.Follower.PositionThreshold = -1 },
		"zero loss timeout":  func(s *Settings) { s.Backend.LossTimeout = 0 },
		"no marker ids":      func(s *Settings) { s.Backend.MarkerIDs = nil },
		"negative marker id": func(s *Settings) { s.Backend.MarkerIDs = []int{-1} },
		"zero steps":         func(s *Settings) { s.Calibration.Steps = 0 },
		"unknown storage":    func(s *Settings) { s.Storage.Type = "mongo" },
		"unknown backend":    func(s *Settings) { s.Backend.Force = "lidar" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			s := base
			s.Backend.MarkerIDs = append([]int(nil), base.Backend.MarkerIDs...)
			mutate(&s)
			assert.Error(t, Validate(s))
		})
	}
}

func TestWriteYAML_OmitsSecrets(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{"influx": {"token": "hunter2"}}`)))
	s, err := Decode()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteYAML(&buf, s))

	assert.NotContains(t, buf.String(), "hunter2")

	var back map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &back))
	assert.Equal(t, "info", back["logLevel"])
	follower := back["follower"].(map[string]any)
	assert.Equal(t, 1, follower["window"])
	assert.Equal(t, 0, follower["markerId"])
}

func TestGetters(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("testKey", "testValue")
	viper.Set("testInt", 42)
	viper.Set("testBool", true)
	viper.Set("testDuration", "2s")

	assert.Equal(t, "testValue", GetString("testKey"))
	assert.Equal(t, 42, GetInt("testInt"))
	assert.Equal(t, true, GetBool("testBool"))
	assert.Equal(t, 2*time.Second, GetDuration("testDuration"))
}
