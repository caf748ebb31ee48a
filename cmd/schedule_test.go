package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/crypto-pipeline/internal/model"
	"github.com/sells-group/crypto-pipeline/internal/pipeline"
)

type stubExtractor struct {
	records []model.PriceRecord
	err     error
}

func (s stubExtractor) Extract(context.Context) ([]model.PriceRecord, error) {
	return s.records, s.err
}

type stubLoader struct {
	logs []model.RunLog
}

func (s *stubLoader) BulkInsert(_ context.Context, records []model.PriceRecord) (int, error) {
	return len(records), nil
}

func (s *stubLoader) LogRun(_ context.Context, entry model.RunLog) error {
	s.logs = append(s.logs, entry)
	return nil
}

func TestPipelineJob_Success(t *testing.T) {
	ld := &stubLoader{}
	p := pipeline.New(stubExtractor{records: []model.PriceRecord{{Symbol: "BTC"}, {Symbol: "ETH"}}}, ld)

	pipelineJob(p)(context.Background())

	assert.Len(t, ld.logs, 4)
	assert.Equal(t, model.RunStatusSuccess, ld.logs[3].Status)
	assert.Equal(t, 2, ld.logs[3].RecordsProcessed)
}

func TestPipelineJob_FailureDoesNotPanic(t *testing.T) {
	ld := &stubLoader{}
	p := pipeline.New(stubExtractor{err: errors.New("coingecko: rate limit exceeded 429")}, ld)

	assert.NotPanics(t, func() { pipelineJob(p)(context.Background()) })
	assert.Len(t, ld.logs, 2)
	assert.Equal(t, model.RunStatusFailed, ld.logs[1].Status)
}
