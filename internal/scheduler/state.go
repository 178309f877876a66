package scheduler

import (
	"os"

	yamlutil "github.com/sagikat/shraga/internal/yaml"
)

// State is the scheduler's persisted position, snapshotted each cycle so a
// restart resumes round-robin where it left off.
type State struct {
	Cursor int `yaml:"cursor"`
}

// LoadState reads a snapshot. A missing file yields the zero state.
func LoadState(path string) (State, error) {
	var st State
	err := yamlutil.ReadInto(path, &st)
	if os.IsNotExist(err) {
		return State{}, nil
	}
	if err != nil {
		return State{}, err
	}
	return st, nil
}

// SaveState writes the snapshot atomically.
func SaveState(path string, st State) error {
	return yamlutil.AtomicWrite(path, st)
}
