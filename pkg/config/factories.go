package config

import (
	"context"
	"fmt"

	"github.com/juju/clock"
	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/dittoshare/pkg/driver"
	"github.com/marmos91/dittoshare/pkg/driver/dummy"
	"github.com/marmos91/dittoshare/pkg/metrics"
	"github.com/marmos91/dittoshare/pkg/share"
	"github.com/marmos91/dittoshare/pkg/store"
	"github.com/marmos91/dittoshare/pkg/store/badger"
	"github.com/marmos91/dittoshare/pkg/store/memory"
)

// createStore creates the store selected by cfg.Type. Every transaction
// is reported to m.
func createStore(ctx context.Context, cfg StoreConfig, clk clock.Clock, m metrics.StoreMetrics) (store.Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case "memory":
		return store.New(store.WithMetrics(memory.New(), m), clk), nil
	case "badger":
		return createBadgerStore(ctx, cfg, clk, m)
	default:
		return nil, fmt.Errorf("unknown store type: %q", cfg.Type)
	}
}

// createBadgerStore decodes the badger section and opens the database.
func createBadgerStore(ctx context.Context, cfg StoreConfig, clk clock.Clock, m metrics.StoreMetrics) (store.Store, error) {
	var badgerCfg badger.Config
	if err := mapstructure.Decode(cfg.Badger, &badgerCfg); err != nil {
		return nil, fmt.Errorf("invalid badger config: %w", err)
	}
	if badgerCfg.DBPath == "" && !badgerCfg.InMemory {
		return nil, fmt.Errorf("badger store requires db_path")
	}

	b, err := badger.Open(ctx, badgerCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return store.New(store.WithMetrics(b, m), clk), nil
}

// createDriver creates the driver of one backend. The free-form options
// are decoded into the driver's config; pools and name come from the
// backend section.
func createDriver(cfg BackendConfig, clk clock.Clock) (driver.Driver, error) {
	switch cfg.Driver {
	case "dummy":
		var dcfg dummy.Config
		if err := decodeOptions(cfg.Options, &dcfg); err != nil {
			return nil, fmt.Errorf("invalid dummy driver options for backend %s: %w", cfg.Name, err)
		}
		dcfg.BackendName = cfg.Name
		dcfg.Pools = cfg.Pools
		return dummy.New(dcfg, clk), nil
	default:
		return nil, fmt.Errorf("unknown driver: %q", cfg.Driver)
	}
}

// decodeOptions decodes a free-form section, accepting duration strings
// and rejecting unknown keys.
func decodeOptions(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
		ErrorUnused: true,
		Result:      out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

// seedShareTypes creates the configured share types that do not exist yet.
// Existing types are left untouched.
func seedShareTypes(ctx context.Context, st store.Store, types []ShareTypeConfig) (int, error) {
	created := 0
	for _, t := range types {
		_, err := st.GetShareTypeByName(ctx, t.Name)
		if err == nil {
			continue
		}
		if !share.IsNotFound(err) {
			return created, fmt.Errorf("failed to look up share type %s: %w", t.Name, err)
		}

		specs := make(map[string]string, len(t.ExtraSpecs))
		for k, v := range t.ExtraSpecs {
			specs[k] = v
		}
		if err := st.CreateShareType(ctx, &share.ShareType{ID: share.NewID(), Name: t.Name, ExtraSpecs: specs}); err != nil {
			return created, fmt.Errorf("failed to create share type %s: %w", t.Name, err)
		}
		created++
	}
	return created, nil
}
