package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stccam/internal/calibration"
	"stccam/internal/config"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	for _, key := range []string{config.EnvConfigPath, "GENTL_PATH", "PORT", "LOG_LEVEL", "STCCAM_LEFT_SERIAL", "STCCAM_RIGHT_SERIAL"} {
		t.Setenv(key, "")
	}

	var out bytes.Buffer
	c := newCLI(&out)
	command, err := c.app.Parse(args)
	require.NoError(t, err)
	err = c.run(context.Background(), command)
	return out.String(), err
}

func TestDevicesCommand(t *testing.T) {
	out, err := runCLI(t, "--mock", "devices")
	require.NoError(t, err)
	assert.Contains(t, out, "SIM0001")
	assert.Contains(t, out, "SIM0002")
	assert.Contains(t, out, "SimCam")
}

func TestFormatsCommand(t *testing.T) {
	out, err := runCLI(t, "--mock", "formats", "--serial", "SIM0002")
	require.NoError(t, err)
	assert.Contains(t, out, "BayerRG8\n")
}

func TestCaptureCommand(t *testing.T) {
	dir := t.TempDir()
	_, err := runCLI(t, "--mock", "--width", "320", "--height", "240", "capture", "--save-dir", dir)
	require.NoError(t, err)

	matches, err := filepath.Glob(filepath.Join(dir, "usb_*.png"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestStereoCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := runCLI(t, "--mock", "--width", "320", "--height", "240", "stereo", "--save-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "left: 320x240x3")

	for _, side := range []string{"left", "right"} {
		matches, err := filepath.Glob(filepath.Join(dir, "stereo_"+side+"_*.png"))
		require.NoError(t, err)
		assert.Len(t, matches, 1, side)
	}
}

func TestCollectCommand(t *testing.T) {
	dir := t.TempDir()
	out, err := runCLI(t, "--mock", "--width", "320", "--height", "240",
		"collect", "--output", dir, "--interval", "10ms", "--max", "2", "--no-check")
	require.NoError(t, err)
	assert.Contains(t, out, "2 組保存")

	matches, err := filepath.Glob(filepath.Join(dir, "*", calibration.LeftDir, "left_img*.png"))
	require.NoError(t, err)
	assert.Len(t, matches, 2)
}

func TestCalibrateCommandWithoutImages(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, calibration.LeftDir), 0o755))

	_, err := runCLI(t, "calibrate", "--dir", dir)
	assert.True(t, errors.Is(err, calibration.ErrNoValidPairs))
}

func TestNoProducer(t *testing.T) {
	_, err := runCLI(t, "devices")
	assert.Error(t, err)
}

func TestInvalidFlags(t *testing.T) {
	_, err := runCLI(t, "--conversion", "YUV", "devices")
	assert.Error(t, err)
}
