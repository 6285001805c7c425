// Package archive keeps benchmark results after a run.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/chainguard-dev/clog"
	"gopkg.in/yaml.v3"

	"github.com/VKCOM/clippybench/internal/fileutil"
)

// ErrResultMissing means the collector left no result database behind,
// usually because benchmarking never ran.
var ErrResultMissing = errors.New("benchmark result database missing")

// IOError is a failure to move or write an archived file.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("archive %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Stage outcomes recorded in a manifest.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

// StageOutcome is how one pipeline stage ended.
type StageOutcome struct {
	Name     string        `yaml:"name"`
	Outcome  string        `yaml:"outcome"`
	Error    string        `yaml:"error,omitempty"`
	Duration time.Duration `yaml:"duration"`
}

// Manifest describes one archived run.
type Manifest struct {
	Change         int            `yaml:"change"`
	RunID          string         `yaml:"run_id"`
	TargetRevision string         `yaml:"target_revision,omitempty"`
	ArtifactIDs    []string       `yaml:"artifact_ids"`
	Profile        string         `yaml:"profile,omitempty"`
	Started        time.Time      `yaml:"started"`
	Finished       time.Time      `yaml:"finished"`
	Stages         []StageOutcome `yaml:"stages"`
	// Results is the archived database file name, empty if there was none.
	Results string `yaml:"results,omitempty"`
}

// ReadManifest loads a manifest written by Archive.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &m, nil
}

// An Uploader mirrors archived files somewhere else.
type Uploader interface {
	Upload(ctx context.Context, key, path string) error
}

// Archiver moves the collector's result database into Dir.
type Archiver struct {
	// ResultPath is the database the collector writes, such as
	// ".rustc-perf__/results.db".
	ResultPath string
	Dir        string
	// Mirror is optional. Mirror failures are logged and otherwise ignored.
	Mirror Uploader
}

// ResultsName is the archived database file name for runID.
func ResultsName(runID string) string {
	return "results-" + runID + ".db"
}

// ManifestName is the manifest file name for runID.
func ManifestName(runID string) string {
	return "results-" + runID + ".yaml"
}

// Archive moves the result database to Dir/results-<runID>.db, replacing a
// previous archive of the same run, and writes m next to it. If there is no
// result database the manifest is still written and the returned error
// wraps ErrResultMissing.
func (a *Archiver) Archive(ctx context.Context, m *Manifest) error {
	log := clog.FromContext(ctx)
	if err := fileutil.MkdirAll(a.Dir); err != nil {
		return &IOError{Op: "mkdir", Path: a.Dir, Err: err}
	}

	var resultErr error
	dbPath := filepath.Join(a.Dir, ResultsName(m.RunID))
	switch _, err := os.Stat(a.ResultPath); {
	case os.IsNotExist(err):
		resultErr = &IOError{Op: "move", Path: a.ResultPath, Err: ErrResultMissing}
		m.Results = ""
	case err != nil:
		resultErr = &IOError{Op: "stat", Path: a.ResultPath, Err: err}
		m.Results = ""
	default:
		if err := fileutil.MoveFile(a.ResultPath, dbPath); err != nil {
			resultErr = &IOError{Op: "move", Path: a.ResultPath, Err: err}
			break
		}
		m.Results = filepath.Base(dbPath)
		log.Infof("Archived results to %s", dbPath)
	}

	data, err := yaml.Marshal(m)
	if err != nil {
		return errors.Join(resultErr, fmt.Errorf("encoding manifest: %w", err))
	}
	manifestPath := filepath.Join(a.Dir, ManifestName(m.RunID))
	if err := fileutil.WriteFile(manifestPath, data); err != nil {
		return errors.Join(resultErr, &IOError{Op: "write", Path: manifestPath, Err: err})
	}

	if a.Mirror != nil {
		uploads := []string{manifestPath}
		if m.Results != "" {
			uploads = append(uploads, dbPath)
		}
		for _, p := range uploads {
			if err := a.Mirror.Upload(ctx, filepath.Base(p), p); err != nil {
				log.Warnf("Mirroring %s failed: %v", p, err)
			}
		}
	}
	return resultErr
}
