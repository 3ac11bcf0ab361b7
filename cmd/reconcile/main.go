// Command reconcile merges the closed booth ledgers into one report. Booth
// ids may be given as arguments; without them every stored and every active
// registered booth is reconciled.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pterm/pterm"

	"obvv-backend/config"
	"obvv-backend/logger"
	"obvv-backend/models"
	"obvv-backend/registry"
	"obvv-backend/service"
	"obvv-backend/storage"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		pterm.Error.Printfln("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	cfg.BindFlags(fs)
	cfg.BindReconcileFlags(fs)
	showValid := fs.Bool("show-valid", false, "Print every valid vote, not only duplicates")
	fs.Parse(os.Args[1:])

	if err := cfg.Validate(); err != nil {
		pterm.Error.Printfln("Invalid configuration: %v", err)
		os.Exit(1)
	}

	logger.Init(cfg.Logger.Development)
	defer logger.Sync()

	if err := run(cfg, fs.Args(), *showValid); err != nil {
		logger.Sugar.Errorw("reconciliation failed", "error", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, boothIDs []string, showValid bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := cfg.OpenStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sink, closer, err := cfg.OpenAuditSink(store)
	if err != nil {
		return err
	}
	if closer != nil {
		defer closer.Close()
	}

	var reg *registry.BoothRegistry
	if cfg.Reconcile.RegistryPath != "" {
		if reg, err = registry.Load(cfg.Reconcile.RegistryPath); err != nil {
			return err
		}
	}

	timeout, _ := cfg.Reconcile.Timeout()
	reconciler, err := service.NewReconciler(service.ReconcileConfig{
		SkipValidation: cfg.Reconcile.SkipValidation,
		RequireSeals:   cfg.Reconcile.RequireSeals,
		ExpectedMode:   cfg.Reconcile.IntegrityMode(),
		Workers:        cfg.Reconcile.Workers,
		LoadTimeout:    timeout,
	}, service.ReconcilerDeps{
		Store:    store,
		Audit:    sink,
		Registry: reg,
		Logger:   logger.Sugar,
	})
	if err != nil {
		return err
	}

	spinner, _ := pterm.DefaultSpinner.Start("Reconciling booth ledgers")
	var report *models.Report
	if len(boothIDs) == 0 {
		report, err = reconciler.ReconcileAll(ctx)
	} else {
		report, err = reconciler.Reconcile(ctx, boothIDs)
	}
	if err != nil {
		spinner.Fail("Reconciliation interrupted")
		return err
	}
	spinner.Success("Reconciliation finished")

	if err := writeOutputs(cfg.Reconcile.OutputDir, report); err != nil {
		return err
	}
	if cfg.Reconcile.ReportDir != "" {
		archive, err := storage.NewReportArchive(cfg.Reconcile.ReportDir, cfg.Reconcile.ReportsKept, logger.Sugar)
		if err != nil {
			return err
		}
		path, err := archive.Save(report)
		if err != nil {
			return err
		}
		pterm.Info.Printfln("Report archived at %s", path)
	}

	printReport(report, showValid)
	return nil
}

// writeOutputs writes valid_votes.json and duplicate_votes.json.
func writeOutputs(dir string, report *models.Report) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	outputs := map[string]interface{}{
		"valid_votes.json":     report.ValidVotes,
		"duplicate_votes.json": report.DuplicateVotes,
	}
	for name, v := range outputs {
		data, err := json.MarshalIndent(v, "", "    ")
		if err != nil {
			return fmt.Errorf("failed to marshal %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}

func printReport(report *models.Report, showValid bool) {
	if showValid && len(report.ValidVotes) > 0 {
		pterm.DefaultSection.Println("Valid votes")
		data := pterm.TableData{{"Voter token", "Booth", "Entry", "Scanned at"}}
		for _, v := range report.ValidVotes {
			data = append(data, []string{string(v.VoterToken), v.BoothID, fmt.Sprint(v.SequenceIndex), models.CanonicalTimestamp(v.Timestamp)})
		}
		pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	}

	if len(report.DuplicateVotes) > 0 {
		pterm.DefaultSection.Println("Duplicate votes")
		data := pterm.TableData{{"Voter token", "Booth", "Entry", "Scanned at"}}
		for _, d := range report.DuplicateVotes {
			data = append(data, []string{string(d.VoterToken), d.BoothID, fmt.Sprint(d.SequenceIndex), models.CanonicalTimestamp(d.Timestamp)})
		}
		pterm.DefaultTable.WithHasHeader().WithData(data).Render()
	}

	box := pterm.DefaultBox.WithTitle("Reconciliation").WithTitleTopCenter()
	if len(report.BoothsExcluded) > 0 || len(report.AuditFailures) > 0 {
		box = box.WithTitle(pterm.LightRed("Reconciliation"))
	}
	box.Println(service.Summary(report))
}
