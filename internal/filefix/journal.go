package filefix

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/breeze-rmm/gamefix/internal/fsutil"
	"github.com/breeze-rmm/gamefix/internal/logging"
)

// journal records an undo action for every mutation of the target so a
// failed or cancelled operation can be reversed in the opposite order.
type journal struct {
	steps     []step
	trashRoot string
	trashDir  string
	trashed   int
}

type step struct {
	name string
	undo func() error
}

func newJournal(trashRoot string) *journal {
	return &journal{trashRoot: trashRoot}
}

func (j *journal) add(name string, undo func() error) {
	j.steps = append(j.steps, step{name: name, undo: undo})
}

// trash moves path out of the target tree until the operation commits.
func (j *journal) trash(path string) error {
	if j.trashDir == "" {
		if err := os.MkdirAll(j.trashRoot, 0o755); err != nil {
			return fmt.Errorf("failed to create trash root: %w", err)
		}
		dir, err := os.MkdirTemp(j.trashRoot, ".trash-*")
		if err != nil {
			return fmt.Errorf("failed to create trash: %w", err)
		}
		j.trashDir = dir
	}

	j.trashed++
	dest := filepath.Join(j.trashDir, strconv.Itoa(j.trashed))
	if err := fsutil.MoveFile(path, dest); err != nil {
		return fmt.Errorf("failed to set aside %s: %w", path, err)
	}
	j.add("set aside "+path, func() error {
		return fsutil.MoveFile(dest, path)
	})
	return nil
}

// rollback runs every undo action, newest first. Each failure is reported
// and the remaining actions still run.
func (j *journal) rollback() error {
	var errs []error
	for i := len(j.steps) - 1; i >= 0; i-- {
		s := j.steps[i]
		if err := s.undo(); err != nil {
			log.Errorw("undo failed", "step", s.name, logging.KeyError, err)
			errs = append(errs, fmt.Errorf("undo %s: %w", s.name, err))
		}
	}
	j.steps = nil
	if len(errs) == 0 {
		j.discardTrash()
	}
	return errors.Join(errs...)
}

// commit forgets the undo actions and drops the files set aside.
func (j *journal) commit() {
	j.steps = nil
	j.discardTrash()
}

func (j *journal) discardTrash() {
	if j.trashDir == "" {
		return
	}
	if err := os.RemoveAll(j.trashDir); err != nil {
		log.Warnw("failed to remove trash", "path", j.trashDir, logging.KeyError, err)
	}
	j.trashDir = ""
}
