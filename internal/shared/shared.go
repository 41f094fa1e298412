// Package shared counts references to shared fixes. A shared fix has no
// record of its own: every parent that brought it in nests a copy of its
// record, and the reference count is the number of such parents.
package shared

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/breeze-rmm/gamefix/internal/logging"
	"github.com/breeze-rmm/gamefix/internal/manifest"
)

var log = logging.L("shared")

// Coordinator answers reference queries by scanning a target's records.
type Coordinator struct {
	store *manifest.Store
}

// New returns a Coordinator over store.
func New(store *manifest.Store) *Coordinator {
	return &Coordinator{store: store}
}

// Parents returns the installed file records nesting sharedGuid, skipping
// the records named in exclude.
func (c *Coordinator) Parents(sharedGuid uuid.UUID, exclude ...uuid.UUID) ([]*manifest.FileRecord, error) {
	records, err := c.store.List()
	if err != nil && len(records) == 0 {
		return nil, fmt.Errorf("failed to scan installed records: %w", err)
	}
	if err != nil {
		log.Warnw("some records could not be read", logging.KeyError, err)
	}

	skip := make(map[uuid.UUID]bool, len(exclude))
	for _, guid := range exclude {
		skip[guid] = true
	}

	var parents []*manifest.FileRecord
	for _, rec := range records {
		file, ok := rec.(*manifest.FileRecord)
		if !ok || skip[file.Guid] {
			continue
		}
		if file.SharedGuid() == sharedGuid {
			parents = append(parents, file)
		}
	}
	return parents, nil
}

// RefCount is the number of installed parents of sharedGuid outside exclude.
func (c *Coordinator) RefCount(sharedGuid uuid.UUID, exclude ...uuid.UUID) (int, error) {
	parents, err := c.Parents(sharedGuid, exclude...)
	return len(parents), err
}

// Installed returns a copy of the nested record of sharedGuid held by any
// installed parent, or nil when the shared fix is not installed.
func (c *Coordinator) Installed(sharedGuid uuid.UUID, exclude ...uuid.UUID) (*manifest.FileRecord, error) {
	parents, err := c.Parents(sharedGuid, exclude...)
	if err != nil || len(parents) == 0 {
		return nil, err
	}
	return parents[0].InstalledSharedFix.Clone(), nil
}

// Rewrite replaces the nested shared record in every other parent with
// nested. It returns the records as they were before, for undo.
func (c *Coordinator) Rewrite(nested *manifest.FileRecord, exclude ...uuid.UUID) ([]*manifest.FileRecord, error) {
	parents, err := c.Parents(nested.Guid, exclude...)
	if err != nil {
		return nil, err
	}

	var previous []*manifest.FileRecord
	for _, parent := range parents {
		before := parent.Clone()
		parent.InstalledSharedFix = nested.Clone()
		if err := c.store.Save(parent); err != nil {
			return previous, fmt.Errorf("failed to rewrite shared record in %s: %w", parent.Guid, err)
		}
		previous = append(previous, before)
		log.Debugw("shared record rewritten", logging.KeyFixGuid, parent.Guid.String(), "shared", nested.Guid.String(), "version", nested.Version)
	}
	return previous, nil
}
