package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/shelfsight/shelfscan/internal/config"
	"github.com/shelfsight/shelfscan/internal/cost"
	"github.com/shelfsight/shelfscan/internal/engine"
	"github.com/shelfsight/shelfscan/internal/executor"
	"github.com/shelfsight/shelfscan/internal/model"
	"github.com/shelfsight/shelfscan/internal/schema"
	"github.com/shelfsight/shelfscan/internal/store"
	"github.com/shelfsight/shelfscan/pkg/claude"
	"github.com/shelfsight/shelfscan/pkg/vizcmp"
)

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "shelfscan.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, nil)
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// ratesFromConfig converts the pricing section into calculator rates.
func ratesFromConfig(c *config.Config) cost.Rates {
	rates := cost.Rates{
		Models:            make(map[string]cost.ModelRate, len(c.Pricing.Executors)),
		ComparatorPerCall: c.Pricing.ComparatorPerCall,
	}
	for modelID, p := range c.Pricing.Executors {
		rates.Models[modelID] = cost.ModelRate{
			PerCall: p.PerCall,
			Input:   p.InputPerMTok,
			Output:  p.OutputPerMTok,
		}
	}
	return rates
}

// initEngine builds the full extraction stack: schema registry, store,
// Claude executors behind the fan-out adapter, the comparator client, and
// the engine itself. The caller owns the returned store.
func initEngine(ctx context.Context) (*engine.Engine, store.Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	if cfg.Comparator.BaseURL == "" {
		return nil, nil, eris.New("comparator.base_url is required")
	}

	reg, err := schema.Load(cfg.Schema.Path)
	if err != nil {
		return nil, nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, nil, eris.Wrap(err, "migrate store")
	}

	calc := cost.NewCalculator(ratesFromConfig(cfg))

	execs := make([]executor.ModelExecutor, 0, len(cfg.Executors))
	for _, ec := range cfg.Executors {
		execs = append(execs, claude.New(ec.Name, ec.Model, cfg.Anthropic.Key, cfg.Anthropic.BaseURL))
	}
	adapter, err := executor.NewAdapter(reg, calc, execs, cfg.Executors)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}

	cmp := &comparator{
		client: vizcmp.NewClient(cfg.Comparator.BaseURL, cfg.Comparator.Key),
	}

	eng := engine.New(cfg, st, adapter, cmp, reg, engine.WithCalculator(calc))
	return eng, st, nil
}

// comparator adapts the vizcmp client to the engine's Comparator interface.
type comparator struct {
	client vizcmp.Client
}

func (c *comparator) Compare(ctx context.Context, result *model.MergedResult, imageRef string) (*model.ComparatorReport, error) {
	start := time.Now()

	req := vizcmp.CompareRequest{
		ImageRef: imageRef,
		Items:    make([]vizcmp.LayoutItem, 0, len(result.Items)),
	}
	for i := range result.Items {
		req.Items = append(req.Items, vizcmp.LayoutItem{
			Position: result.Items[i].Position,
			Payload:  result.Items[i].Payload,
		})
	}

	resp, err := c.client.Compare(ctx, req)
	if err != nil {
		return nil, err
	}

	report := &model.ComparatorReport{
		OverallAccuracy: resp.OverallAccuracy,
		PerPosition:     resp.PerPosition,
		Elapsed:         time.Since(start),
	}
	for _, m := range resp.Mismatches {
		report.Mismatches = append(report.Mismatches, model.Mismatch{
			Kind:     model.MismatchKind(m.Kind),
			Position: m.Position,
			Field:    m.Field,
			Severity: m.Severity,
			Detail:   m.Detail,
		})
	}
	return report, nil
}
