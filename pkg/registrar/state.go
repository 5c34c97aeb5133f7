package registrar

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// StateVersion tags the state file layout.
const StateVersion = "quanta.registrar/v1"

// State is the durable registrar snapshot.
type State struct {
	Version          string        `yaml:"version"`
	Host             string        `yaml:"host"`
	Port             int           `yaml:"port"`
	Counter          int           `yaml:"counter"`
	Recycled         []string      `yaml:"recycled"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	CredentialPath   string        `yaml:"credential_path"`
}

// LoadState reads the state file at path. It returns nil and no error when
// the file does not exist yet.
func LoadState(path string) (*State, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read registrar state: %w", err)
	}

	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("failed to parse registrar state %s: %w", path, err)
	}
	if st.Version != StateVersion {
		return nil, fmt.Errorf("registrar state %s has version %q, expected %q", path, st.Version, StateVersion)
	}
	if st.Counter < 0 {
		return nil, fmt.Errorf("registrar state %s has negative counter", path)
	}
	for _, id := range st.Recycled {
		if !ValidPartitionID(id) {
			return nil, fmt.Errorf("registrar state %s has invalid recycled id %q", path, id)
		}
	}
	return &st, nil
}

// Save writes st to path atomically.
func (st *State) Save(path string) error {
	st.Version = StateVersion
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal registrar state: %w", err)
	}
	return writeFileAtomic(path, data, 0o600)
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
