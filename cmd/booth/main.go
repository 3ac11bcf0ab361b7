// Command booth runs the voting session of one polling booth. Each line on
// stdin is one scan: an encrypted QR payload when a keyset is configured,
// otherwise a plain voter identifier. The session ends on EOF, on SIGINT or
// SIGTERM, or when the configured session duration runs out.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"

	"obvv-backend/config"
	"obvv-backend/encryption"
	"obvv-backend/logger"
	"obvv-backend/registry"
	"obvv-backend/service"
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		pterm.Error.Printfln("Failed to load configuration: %v", err)
		os.Exit(1)
	}

	fs := flag.NewFlagSet("booth", flag.ExitOnError)
	cfg.BindFlags(fs)
	cfg.BindBoothFlags(fs)
	fs.StringVar(&cfg.Reconcile.RegistryPath, "registry", cfg.Reconcile.RegistryPath, "Booth registry file to enrol this booth's seal key in")
	fs.Parse(os.Args[1:])

	if err := cfg.ValidateBooth(); err != nil {
		pterm.Error.Printfln("Invalid configuration: %v", err)
		os.Exit(1)
	}

	logger.Init(cfg.Logger.Development)
	defer logger.Sync()
	log := logger.Sugar.With("booth_id", cfg.Booth.ID)

	if err := run(cfg); err != nil {
		log.Errorw("booth stopped with error", "error", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log := logger.Sugar.With("booth_id", cfg.Booth.ID)

	store, err := cfg.OpenStore()
	if err != nil {
		return err
	}
	defer store.Close()

	pseudonymizer, err := cfg.Pseudonymizer()
	if err != nil {
		return err
	}

	deps := service.BoothDeps{
		Store:         store,
		Pseudonymizer: pseudonymizer,
		Metrics:       service.NewMetricsCollector(),
		Logger:        logger.Sugar,
	}

	if cfg.Booth.KeysetPath != "" {
		decryptor, err := encryption.LoadPayloadDecryptor(cfg.Booth.KeysetPath, cfg.Booth.AssociatedData)
		if err != nil {
			return err
		}
		deps.Decryptor = decryptor
	}

	if cfg.Booth.SealKeyPath != "" {
		sealer, created, err := encryption.LoadOrGenerateSealer(cfg.Booth.SealKeyPath)
		if err != nil {
			return err
		}
		if created {
			log.Infow("generated booth seal key", "path", cfg.Booth.SealKeyPath, "public_key", sealer.PublicKey())
		}
		deps.Sealer = sealer
		if cfg.Reconcile.RegistryPath != "" {
			if err := enrol(cfg, sealer.PublicKey()); err != nil {
				return err
			}
		}
	}

	duration, _ := cfg.Booth.Duration()
	booth, err := service.NewBoothService(service.BoothConfig{
		BoothID:         cfg.Booth.ID,
		Mode:            cfg.Booth.IntegrityMode(),
		Algorithm:       cfg.Booth.DigestAlgorithm(),
		SessionDuration: duration,
	}, deps)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	if err := booth.Open(ctx); err != nil {
		return err
	}
	pterm.Info.Printfln("Booth %s open for scanning", cfg.Booth.ID)

	scan(ctx, booth, deps.Decryptor != nil)

	// the signal context may already be done; closing must still reach the store
	header, err := booth.Close(context.Background())
	stats := booth.Stats()
	if err != nil {
		pterm.Error.Printfln("Booth %s closed with error: %v", cfg.Booth.ID, err)
		return err
	}

	sealed := "unsealed"
	if header.Seal != nil {
		sealed = "sealed"
	}
	pterm.Success.Printfln("Booth %s closed and %s: %d votes recorded, %d scans rejected",
		cfg.Booth.ID, sealed, stats.Votes, stats.Rejected)
	return nil
}

// scan feeds stdin lines to the booth until EOF, cancellation or the end of
// the session.
func scan(ctx context.Context, booth *service.BoothService, encrypted bool) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Sugar.Warnw("scanner input failed", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			pterm.Warning.Println("Session over, closing booth")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line == "" {
				continue
			}

			var err error
			if encrypted {
				_, err = booth.RecordScan(ctx, []byte(line))
			} else {
				_, err = booth.RecordIdentifier(ctx, line)
			}
			switch {
			case errors.Is(err, service.ErrSessionClosed):
				pterm.Warning.Println("Voting session has ended")
				return
			case err != nil:
				// the reason stays in the log; the screen must not echo voter data
				pterm.Error.Println("Scan rejected")
			default:
				pterm.Success.Printfln("Vote %d recorded", booth.Stats().Votes)
			}
		}
	}
}

// enrol records the booth's seal key and integrity mode in the registry so
// reconciliation can check its seal and pin its mode.
func enrol(cfg *config.Config, publicKey string) error {
	reg, err := registry.Load(cfg.Reconcile.RegistryPath)
	if err != nil {
		return err
	}
	existing, err := reg.Lookup(cfg.Booth.ID)
	switch {
	case errors.Is(err, registry.ErrInactiveBooth):
		return err
	case err == nil && existing.PublicKey == publicKey && existing.Mode == cfg.Booth.IntegrityMode():
		return nil
	}
	if err := reg.Register(registry.Booth{
		BoothID:   cfg.Booth.ID,
		Label:     existing.Label,
		PublicKey: publicKey,
		IsActive:  true,
		Mode:      cfg.Booth.IntegrityMode(),
	}); err != nil {
		return err
	}
	return reg.Save()
}
