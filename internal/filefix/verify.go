package filefix

import (
	"context"
	"errors"
	"os"
	"sort"
	"sync"

	"github.com/breeze-rmm/gamefix/internal/fixes"
	"github.com/breeze-rmm/gamefix/internal/hashutil"
	"github.com/breeze-rmm/gamefix/internal/logging"
	"github.com/breeze-rmm/gamefix/internal/manifest"
	"github.com/breeze-rmm/gamefix/internal/progress"
	"github.com/breeze-rmm/gamefix/internal/workerpool"
)

// Report is the outcome of verifying an installed file fix.
type Report struct {
	Checked    int
	Mismatched []string
	Missing    []string
}

// OK reports whether every tracked file matched.
func (r Report) OK() bool {
	return len(r.Mismatched) == 0 && len(r.Missing) == 0
}

// Verify checks every file tracked by rec, including its nested shared fix,
// against the recorded checksum, or the recorded size when no checksum
// exists. Files are hashed in parallel.
func (in *Installer) Verify(ctx context.Context, target fixes.Target, rec *manifest.FileRecord) (Report, error) {
	o := in.newOp(ctx, target, rec.Guid, "")

	type check struct {
		key      string
		checksum string
		size     *int64
	}
	var checks []check
	for _, r := range []*manifest.FileRecord{rec, rec.InstalledSharedFix} {
		if r == nil {
			continue
		}
		for _, key := range r.Files() {
			checks = append(checks, check{key: key, checksum: r.Checksums[key], size: r.FilesList[key]})
		}
	}

	var (
		mu     sync.Mutex
		report Report
	)
	record := func(key string, missing, mismatched bool) {
		mu.Lock()
		defer mu.Unlock()
		report.Checked++
		switch {
		case missing:
			report.Missing = append(report.Missing, key)
		case mismatched:
			report.Mismatched = append(report.Mismatched, key)
		}
		o.rep.Report(progress.PhaseVerifying, report.Checked, len(checks), key)
	}

	pool := workerpool.New(ctx, in.cfg.VerifyWorkers, in.cfg.VerifyWorkers*2)
	for _, c := range checks {
		err := pool.Submit(func(ctx context.Context) error {
			p, err := o.resolve(c.key)
			if err != nil {
				return err
			}
			info, err := os.Stat(p)
			if errors.Is(err, os.ErrNotExist) {
				record(c.key, true, false)
				return nil
			}
			if err != nil {
				return err
			}
			if c.checksum != "" {
				sum, err := hashutil.Checksum(ctx, p)
				if err != nil {
					return err
				}
				record(c.key, false, sum != c.checksum)
				return nil
			}
			record(c.key, false, c.size != nil && *c.size != info.Size())
			return nil
		})
		if err != nil {
			break
		}
	}
	poolErr := pool.Wait()

	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	if poolErr != nil {
		return Report{}, poolErr
	}

	sort.Strings(report.Mismatched)
	sort.Strings(report.Missing)
	log.Infow("fix verified",
		logging.KeyFixGuid, rec.Guid.String(),
		"checked", report.Checked,
		"mismatched", len(report.Mismatched),
		"missing", len(report.Missing))
	return report, nil
}
