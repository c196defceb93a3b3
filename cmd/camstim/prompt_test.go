package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usnistgov/camstim"
)

func defaultSettings() camstim.Settings {
	return camstim.Settings{DefaultCam: 0, PrePostS: 10, StimS: 20, LCurrent: 2000, NStim: 5, Rate: 100}
}

func TestAcceptDefaults(t *testing.T) {
	var out bytes.Buffer
	pr := newPrompter(strings.NewReader("a\nmouse12\n"), &out)
	s := pr.chooseSettings(defaultSettings())
	assert.Equal(t, defaultSettings(), s)
	assert.Equal(t, "mouse12", pr.experimentName())
	assert.Contains(t, out.String(), "Pre/post stimulus = 10 seconds.")
	assert.Contains(t, out.String(), "Laser stimulus current = 2000 mA.")
}

func TestEditSettings(t *testing.T) {
	var out bytes.Buffer
	input := "x\ne\n1\n-3\n4\n6\nlots\n1500.5\n2\nrun\n"
	pr := newPrompter(strings.NewReader(input), &out)
	s := pr.chooseSettings(defaultSettings())
	assert.Equal(t, 1, s.DefaultCam)
	assert.Equal(t, uint(4), s.PrePostS)
	assert.Equal(t, uint(6), s.StimS)
	assert.Equal(t, 1500.5, s.LCurrent)
	assert.Equal(t, uint(2), s.NStim)
	assert.Equal(t, 100, s.Rate)
	assert.Equal(t, "run", pr.experimentName())
	assert.Contains(t, out.String(), "Invalid input. Has to be positive integer.")
	assert.Contains(t, out.String(), "Invalid input. Has to be numeric.")
}

func TestEndOfInput(t *testing.T) {
	var out bytes.Buffer
	pr := newPrompter(strings.NewReader(""), &out)
	assert.Equal(t, defaultSettings(), pr.chooseSettings(defaultSettings()))
	assert.Equal(t, "experiment", pr.experimentName())
}

func TestMakeFileExist(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "a", "b")
	name, err := makeFileExist(dir, "config.yaml")
	require.NoError(t, err)
	assert.FileExists(t, name)
	require.NoError(t, os.WriteFile(name, []byte("x: 1\n"), 0664))
	name2, err := makeFileExist(dir, "config.yaml")
	require.NoError(t, err)
	assert.Equal(t, name, name2)
	contents, err := os.ReadFile(name)
	require.NoError(t, err)
	assert.Equal(t, "x: 1\n", string(contents))
}

func TestExperimentNameStaysInDataDir(t *testing.T) {
	var out bytes.Buffer
	pr := newPrompter(strings.NewReader("../x\na/b\n..\nmouse3\n"), &out)
	assert.Equal(t, "mouse3", pr.experimentName())
	assert.Equal(t, 3, strings.Count(out.String(), "Invalid name"))

	pr = newPrompter(strings.NewReader("../../etc\n"), &out)
	assert.Equal(t, "experiment", pr.experimentName(), "end of input falls back to the default")
}

func TestMakeFileExistExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	name, err := makeFileExist("$HOME/.camstim/logs", "problems.log")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".camstim", "logs", "problems.log"), name)
	assert.FileExists(t, name)

	dir, err := expandHome("$HOME/data")
	require.NoError(t, err)
	assert.Equal(t, home+"/data", dir)
	dir, err = expandHome("/srv/$HOME")
	require.NoError(t, err)
	assert.Equal(t, "/srv/$HOME", dir, "only a leading $HOME is expanded")
}

func TestDeviceName(t *testing.T) {
	assert.Equal(t, "Dev2", deviceName("Dev2/ao2"))
	assert.Equal(t, "Dev1", deviceName("Dev1"))
}
