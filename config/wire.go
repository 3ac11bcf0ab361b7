package config

import (
	"fmt"
	"io"

	"obvv-backend/anonymizer"
	"obvv-backend/models"
	"obvv-backend/storage"
)

// OpenStore opens the configured ledger store.
func (c *Config) OpenStore() (storage.LedgerStore, error) {
	switch c.Store.Driver {
	case "json":
		s, err := storage.NewJSONStore(c.Store.Dir)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "sqlite", "postgres":
		s, err := storage.OpenSQLStore(storage.Dialect(c.Store.Driver), c.Store.DSN)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", c.Store.Driver)
}

// OpenAuditSink opens the configured audit sink. A SQL sink sharing the
// ledger store's database reuses its connection. The returned closer may be
// nil; the sink is nil for driver none.
func (c *Config) OpenAuditSink(store storage.LedgerStore) (storage.AuditSink, io.Closer, error) {
	switch c.Audit.Driver {
	case "", "none":
		return nil, nil, nil
	case "jsonl":
		sink, err := storage.NewJSONLAuditSink(c.Audit.Path)
		if err != nil {
			return nil, nil, err
		}
		return sink, sink, nil
	case "sqlite", "postgres":
		dialect := storage.Dialect(c.Audit.Driver)
		if sqlStore, ok := store.(*storage.SQLStore); ok && sqlStore.Dialect() == dialect && (c.Audit.DSN == "" || c.Audit.DSN == c.Store.DSN) {
			return storage.NewSQLAuditSink(sqlStore.DB(), dialect), nil, nil
		}
		if c.Audit.DSN == "" {
			return nil, nil, fmt.Errorf("audit dsn required for the %s sink", c.Audit.Driver)
		}
		db, err := storage.OpenDB(dialect, c.Audit.DSN)
		if err != nil {
			return nil, nil, err
		}
		return storage.NewSQLAuditSink(db, dialect), db, nil
	}
	return nil, nil, fmt.Errorf("unknown audit driver %q", c.Audit.Driver)
}

// Pseudonymizer builds the pseudonymizer every component must share.
func (c *Config) Pseudonymizer() (*anonymizer.Pseudonymizer, error) {
	re, err := c.Booth.Pattern()
	if err != nil {
		return nil, err
	}
	var opts []anonymizer.Option
	if re != nil {
		opts = append(opts, anonymizer.WithPattern(re))
	}
	return anonymizer.New(c.Pseudonym.Domain, opts...), nil
}

func (b BoothConfig) IntegrityMode() models.IntegrityMode {
	m, _ := models.ParseIntegrityMode(b.Mode)
	return m
}

func (r ReconcileConfig) IntegrityMode() models.IntegrityMode {
	m, _ := models.ParseIntegrityMode(r.ExpectedMode)
	return m
}

func (b BoothConfig) DigestAlgorithm() models.DigestAlgorithm {
	a, _ := models.ParseDigestAlgorithm(b.Algorithm)
	return a
}
