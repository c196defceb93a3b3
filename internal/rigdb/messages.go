package rigdb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the camstimactivity table:
// one row per program invocation.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// ExperimentMessage is the information for the experimentruns table.
type ExperimentMessage struct {
	ID             string
	ActivityID     string
	Name           string
	Directory      string
	CameraID       string
	PrePostSeconds uint
	OnSeconds      uint
	CurrentmA      float64
	NStim          uint
	SampleRate     int
	FramesWritten  int
	Completed      bool
	Start          time.Time
	End            time.Time
}
