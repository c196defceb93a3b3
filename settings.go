package camstim

import (
	"fmt"

	"github.com/spf13/viper"
)

// Settings are the operator's choices that persist from one run to the next.
type Settings struct {
	DefaultCam     int
	PrePostS       uint
	StimS          uint
	LCurrent       float64
	NStim          uint
	Rate           int
	AOChannel      string
	AIChannel      string
	CameraSettings string
	DataDir        string
	MaxFrames      int
}

// SetSettingsDefaults registers the compiled-in defaults with v.
func SetSettingsDefaults(v *viper.Viper) {
	v.SetDefault("DefaultCam", 0)
	v.SetDefault("PrePostS", 10)
	v.SetDefault("StimS", 20)
	v.SetDefault("LCurrent", 2000.0)
	v.SetDefault("NStim", 5)
	v.SetDefault("Rate", 100)
	v.SetDefault("AOChannel", "Dev2/ao2")
	v.SetDefault("AIChannel", "Dev2/ai16")
	v.SetDefault("CameraSettings", "CaSettings.yaml")
	v.SetDefault("DataDir", "$HOME/.camstim/data")
	v.SetDefault("MaxFrames", 5000)
}

// LoadSettings reads the settings from v. Anything missing or unparseable
// falls back to the defaults registered by SetSettingsDefaults.
func LoadSettings(v *viper.Viper) Settings {
	SetSettingsDefaults(v)
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		ProblemLogger.Printf("could not parse saved settings, using defaults: %v", err)
		d := viper.New()
		SetSettingsDefaults(d)
		d.Unmarshal(&s)
	}
	return s
}

// SaveSettings stores the protocol and camera choice in v and writes v's config file.
func SaveSettings(v *viper.Viper, s Settings) error {
	v.Set("DefaultCam", s.DefaultCam)
	v.Set("PrePostS", s.PrePostS)
	v.Set("StimS", s.StimS)
	v.Set("LCurrent", s.LCurrent)
	v.Set("NStim", s.NStim)
	v.Set("Rate", s.Rate)
	if err := v.WriteConfig(); err != nil {
		return fmt.Errorf("could not save settings: %w", err)
	}
	return nil
}

// Protocol builds the StimulusProtocol these settings describe.
func (s Settings) Protocol() (*StimulusProtocol, error) {
	return NewStimulusProtocol(s.PrePostS, s.StimS, s.LCurrent, s.NStim, s.Rate)
}

// WithProtocol returns a copy of s holding the parameters of p.
func (s Settings) WithProtocol(p *StimulusProtocol) Settings {
	s.PrePostS = p.PrePostSeconds()
	s.StimS = p.OnSeconds()
	s.LCurrent = p.CurrentmA()
	s.NStim = p.NStim()
	s.Rate = p.SampleRate()
	return s
}
