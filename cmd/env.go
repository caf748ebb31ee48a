package main

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/crypto-pipeline/internal/extract"
	"github.com/sells-group/crypto-pipeline/internal/monitoring"
	"github.com/sells-group/crypto-pipeline/internal/pipeline"
	"github.com/sells-group/crypto-pipeline/internal/warehouse"
)

// pipelineEnv holds the warehouse and the components built on it.
type pipelineEnv struct {
	Warehouse warehouse.Warehouse
	Pipeline  *pipeline.Pipeline
	Monitor   *monitoring.Monitor
	Alerter   *monitoring.Alerter
}

// Close releases resources held by the environment.
func (pe *pipelineEnv) Close() {
	if pe.Warehouse != nil {
		_ = pe.Warehouse.Close()
	}
}

// openWarehouse connects to the configured warehouse without touching its
// schema. Read-only commands use it so they work with a read-only role.
func openWarehouse(ctx context.Context) (warehouse.Warehouse, error) {
	return warehouse.Open(ctx, cfg.Database)
}

// initWarehouse opens the configured warehouse and ensures its schema
// exists.
func initWarehouse(ctx context.Context) (warehouse.Warehouse, error) {
	wh, err := openWarehouse(ctx)
	if err != nil {
		return nil, err
	}
	if err := wh.Migrate(ctx); err != nil {
		_ = wh.Close()
		return nil, eris.Wrap(err, "migrate warehouse")
	}
	return wh, nil
}

// initPipeline opens the warehouse and builds the pipeline and health
// monitor on top of it. Callers should defer env.Close().
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	wh, err := initWarehouse(ctx)
	if err != nil {
		return nil, err
	}
	return newEnv(wh), nil
}

func newEnv(wh warehouse.Warehouse) *pipelineEnv {
	ex := extract.New(cfg.Pipeline, cfg.API)
	return &pipelineEnv{
		Warehouse: wh,
		Pipeline:  pipeline.New(ex, wh),
		Monitor:   monitoring.NewMonitor(wh, cfg.Monitoring),
		Alerter:   monitoring.NewAlerter(cfg.Monitoring),
	}
}
