package pipeline

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/crypto-pipeline/internal/model"
)

// --- Extractor Mock ---

type mockExtractor struct {
	mock.Mock
}

func (m *mockExtractor) Extract(ctx context.Context) ([]model.PriceRecord, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.PriceRecord), args.Error(1)
}

// --- Loader Mock ---

type mockLoader struct {
	mock.Mock
}

func (m *mockLoader) BulkInsert(ctx context.Context, records []model.PriceRecord) (int, error) {
	args := m.Called(ctx, records)
	return args.Int(0), args.Error(1)
}

func (m *mockLoader) LogRun(ctx context.Context, entry model.RunLog) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

// logged returns the stage transitions recorded by LogRun, in call order.
func (m *mockLoader) logged() []string {
	var out []string
	for _, c := range m.Calls {
		if c.Method != "LogRun" {
			continue
		}
		e := c.Arguments.Get(1).(model.RunLog)
		out = append(out, string(e.Stage)+":"+string(e.Status))
	}
	return out
}

// entry returns the last RunLog recorded for stage and status.
func (m *mockLoader) entry(stage model.Stage, status model.RunStatus) (model.RunLog, bool) {
	var found model.RunLog
	ok := false
	for _, c := range m.Calls {
		if c.Method != "LogRun" {
			continue
		}
		e := c.Arguments.Get(1).(model.RunLog)
		if e.Stage == stage && e.Status == status {
			found, ok = e, true
		}
	}
	return found, ok
}

func stageIs(stage model.Stage, status model.RunStatus) any {
	return mock.MatchedBy(func(e model.RunLog) bool {
		return e.Stage == stage && e.Status == status
	})
}
