// Package snapshot persists value stores as raw array dumps and records training runs.
package snapshot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Marshaler is implemented by *ql.Table and *linear.Weight; the dump keeps the store's native shape.
type Marshaler interface {
	MarshalBinaryTo(io.Writer) (int, error)
}

type Sink interface {
	Save(name string, timestep int, m Marshaler) error
}

type Episode struct {
	Episode   int
	Reward    float64
	Correct   bool
	Converged bool
	Steps     int
}

type Recorder interface {
	RecordEpisode(Episode) error
}

func FileName(name string, timestep int) string {
	return fmt.Sprintf("%s_%d", name, timestep)
}

// Dir writes each snapshot to <Path>/<name>_<timestep>.
type Dir struct {
	Path string
}

func (d Dir) Save(name string, timestep int, m Marshaler) (err error) {
	if err := os.MkdirAll(d.Path, 0o755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	path := filepath.Join(d.Path, FileName(name, timestep))
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close snapshot: %w", cerr)
		}
	}()

	if _, err := m.MarshalBinaryTo(f); err != nil {
		return fmt.Errorf("write snapshot %s: %w", path, err)
	}
	return nil
}

// Multi fans a snapshot out to every sink, stopping at the first error.
type Multi []Sink

func (m Multi) Save(name string, timestep int, mr Marshaler) error {
	for _, s := range m {
		if err := s.Save(name, timestep, mr); err != nil {
			return err
		}
	}
	return nil
}
