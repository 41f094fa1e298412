package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/breeze-rmm/gamefix/internal/archive"
	"github.com/breeze-rmm/gamefix/internal/audit"
	"github.com/breeze-rmm/gamefix/internal/config"
	"github.com/breeze-rmm/gamefix/internal/engine"
	"github.com/breeze-rmm/gamefix/internal/fixes"
	"github.com/breeze-rmm/gamefix/internal/manifest"
	"github.com/breeze-rmm/gamefix/internal/source"
)

var errOperationFailed = errors.New("operation failed")

var (
	variant     string
	force       bool
	ignoreDeps  bool
	archivePath string
	withDeps    bool
)

var installCmd = &cobra.Command{
	Use:   "install <fix>",
	Short: "Install a fix by name or guid",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(true)
		if err != nil {
			return err
		}
		fix, err := a.findFix(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		opts := engine.InstallOptions{
			Variant:            variant,
			Force:              force,
			IgnoreDependencies: ignoreDeps,
			ArchivePath:        archivePath,
		}
		if withDeps {
			installed, err := a.manager.Installed(a.target)
			if err != nil {
				return err
			}
			if err := a.stage(ctx, missingFixes(a, fix, installed)...); err != nil {
				return err
			}
			return printResults(a.manager.InstallWithDependencies(ctx, a.target, fix, opts)...)
		}
		if archivePath == "" {
			if err := a.stage(ctx, fix); err != nil {
				return err
			}
		}
		return printResults(a.manager.Install(ctx, a.target, fix, opts))
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <fix>",
	Short: "Update an installed fix to the catalog version",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(true)
		if err != nil {
			return err
		}
		fix, err := a.findFix(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		if archivePath == "" {
			if err := a.stage(ctx, fix); err != nil {
				return err
			}
		}
		return printResults(a.manager.Update(ctx, a.target, fix, engine.UpdateOptions{
			Variant:            variant,
			Force:              force,
			IgnoreDependencies: ignoreDeps,
			ArchivePath:        archivePath,
		}))
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall <fix>",
	Short: "Revert everything a fix changed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(true)
		if err != nil {
			return err
		}
		fix, err := a.findFix(args[0])
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()
		return printResults(a.manager.Uninstall(ctx, a.target, fix, engine.UninstallOptions{IgnoreDependents: ignoreDeps}))
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify [fix]",
	Short: "Check installed fixes against their records",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(true)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		if len(args) == 1 {
			fix, err := a.findFix(args[0])
			if err != nil {
				return err
			}
			return printResults(a.manager.Verify(ctx, a.target, fix))
		}

		var results []engine.Result
		for _, fix := range a.catalog.FixesFor(a.target.ID) {
			status, err := a.manager.Status(a.target, fix)
			if err != nil {
				return err
			}
			if status != engine.StatusNotInstalled {
				results = append(results, a.manager.Verify(ctx, a.target, fix))
			}
		}
		return printResults(results...)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of every fix of the game",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(true)
		if err != nil {
			return err
		}

		type row struct {
			Guid    string        `json:"guid"`
			Name    string        `json:"name"`
			Kind    fixes.Kind    `json:"kind"`
			Version string        `json:"version"`
			Status  engine.Status `json:"status"`
		}
		var rows []row
		for _, fix := range a.catalog.FixesFor(a.target.ID) {
			status, err := a.manager.Status(a.target, fix)
			if err != nil {
				return err
			}
			base := fix.Common()
			rows = append(rows, row{base.Guid.String(), base.Name, fix.Kind(), string(base.Version), status})
		}

		if jsonOutput {
			return printJSON(rows)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tKIND\tVERSION\tSTATUS")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Name, r.Kind, r.Version, r.Status)
		}
		return w.Flush()
	},
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List the fix records installed in the game directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(true)
		if err != nil {
			return err
		}
		records, err := a.manager.Installed(a.target)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(records)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "GUID\tNAME\tKIND\tVERSION\tBUILD")
		for _, rec := range records {
			base := rec.Common()
			name := ""
			if fix, ok := a.catalog.Find(a.target.ID, base.Guid); ok {
				name = fix.Common().Name
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", base.Guid, name, rec.Kind(), base.Version, base.BuildID)
		}
		return w.Flush()
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch [fix...]",
	Short: "Download fix archives into the staging directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(gameID != 0)
		if err != nil {
			return err
		}
		ctx, cancel := signalContext()
		defer cancel()

		var list []fixes.Fix
		if len(args) == 0 {
			if gameID != 0 {
				list = a.catalog.FixesFor(gameID)
			} else {
				for _, l := range a.catalog.Lists {
					list = append(list, l.Fixes...)
				}
			}
		}
		for _, name := range args {
			fix, err := a.findFix(name)
			if err != nil {
				return err
			}
			list = append(list, fix)
		}
		if err := a.stage(ctx, list...); err != nil {
			return err
		}
		fmt.Printf("archives staged in %s\n", a.router.StagingDir())
		return nil
	},
}

var variantsCmd = &cobra.Command{
	Use:   "variants <fix>",
	Short: "List the variants shipped in a file fix archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setup(true)
		if err != nil {
			return err
		}
		fix, err := a.findFix(args[0])
		if err != nil {
			return err
		}
		ff, ok := fix.(*fixes.FileFix)
		if !ok {
			return fmt.Errorf("%s is a %s fix and has no archive", fix.Common().Name, fix.Kind())
		}
		path := archivePath
		if path == "" {
			ctx, cancel := signalContext()
			defer cancel()
			if err := a.stage(ctx, ff); err != nil {
				return err
			}
			path = source.StagedPath(a.router.StagingDir(), ff.Url)
		}
		names, err := archive.Variants(path)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(names)
		}
		if len(names) == 0 {
			fmt.Println("archive has no variants")
			return nil
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check the hash chain of every audit log file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		files, err := audit.LogFiles(cfg.AuditDir)
		if err != nil {
			return err
		}
		if len(files) == 0 {
			return fmt.Errorf("no audit log in %s", cfg.AuditDir)
		}

		type fileResult struct {
			Path    string `json:"path"`
			Entries int    `json:"entries"`
			Error   string `json:"error,omitempty"`
		}
		results := make([]fileResult, 0, len(files))
		broken := 0
		for _, f := range files {
			n, err := audit.VerifyFile(f)
			r := fileResult{Path: f, Entries: n}
			if err != nil {
				r.Error = err.Error()
				broken++
			}
			results = append(results, r)
		}

		if jsonOutput {
			if err := printJSON(results); err != nil {
				return err
			}
		} else {
			for _, r := range results {
				status := "ok"
				if r.Error != "" {
					status = r.Error
				}
				fmt.Printf("%s: %d entries, %s\n", r.Path, r.Entries, status)
			}
		}
		if broken > 0 {
			return fmt.Errorf("%d of %d audit files: %w", broken, len(files), audit.ErrChainBroken)
		}
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditVerifyCmd)
	variantsCmd.Flags().StringVar(&archivePath, "archive", "", "inspect this archive instead of the staged one")

	for _, cmd := range []*cobra.Command{installCmd, updateCmd} {
		cmd.Flags().StringVar(&variant, "variant", "", "archive variant to install")
		cmd.Flags().BoolVar(&force, "force", false, "install even when the archive hash does not match")
		cmd.Flags().StringVar(&archivePath, "archive", "", "use this archive instead of the staged one")
		cmd.Flags().BoolVar(&ignoreDeps, "ignore-deps", false, "do not require dependencies to be installed")
	}
	installCmd.Flags().BoolVar(&withDeps, "with-deps", false, "install missing dependencies first")
	uninstallCmd.Flags().BoolVar(&ignoreDeps, "ignore-deps", false, "uninstall even when installed fixes depend on it")
}

// missingFixes is fix plus the catalog fixes of its dependency closure that
// are not installed.
func missingFixes(a *app, fix fixes.Fix, installed []manifest.Record) []fixes.Fix {
	have := map[string]bool{}
	for _, rec := range installed {
		have[rec.Common().Guid.String()] = true
	}
	seen := map[string]bool{}
	var out []fixes.Fix
	var walk func(f fixes.Fix)
	walk = func(f fixes.Fix) {
		key := f.Common().Guid.String()
		if seen[key] {
			return
		}
		seen[key] = true
		if !have[key] {
			out = append(out, f)
		}
		for _, dep := range f.Common().Dependencies {
			if d, ok := a.catalog.Find(a.target.ID, dep); ok {
				walk(d)
			}
		}
	}
	walk(fix)
	return out
}

func printResults(results ...engine.Result) error {
	failed := 0
	for _, r := range results {
		if !r.IsSuccess {
			failed++
		}
	}

	if jsonOutput {
		if err := printJSON(results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			fmt.Printf("%-22s %s\n", r.Kind, r.Message)
			files := append([]string(nil), r.Files...)
			sort.Strings(files)
			for _, f := range files {
				fmt.Printf("  %s\n", f)
			}
			for _, g := range r.Fixes {
				fmt.Printf("  fix %s\n", g)
			}
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d: %w", failed, len(results), errOperationFailed)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
