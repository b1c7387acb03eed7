package protocol

import (
	"context"
	"encoding/json"

	"github.com/nerrad567/nativesync/internal/infrastructure/config"
	"github.com/nerrad567/nativesync/internal/infrastructure/logging"
	"github.com/nerrad567/nativesync/internal/platform"
)

// testLogger returns a logger that writes JSON to stdout at error level,
// keeping test output quiet.
func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "json"}, "test")
}

// serviceCall records one CallService invocation.
type serviceCall struct {
	Domain  string
	Service string
	Data    map[string]any
}

// fakeClient is an in-memory platform.Client for handler tests.
type fakeClient struct {
	snap    *platform.Snapshot
	calls   []serviceCall
	callErr error

	commands   []string
	commandRes json.RawMessage
	commandErr error
}

func (f *fakeClient) Snapshot(_ context.Context) (*platform.Snapshot, error) {
	return f.snap, nil
}

func (f *fakeClient) GetState(_ context.Context, entityID string) (*platform.State, bool, error) {
	if f.snap == nil {
		return nil, false, nil
	}
	st, ok := f.snap.State(entityID)
	return st, ok, nil
}

func (f *fakeClient) CallService(_ context.Context, domain, service string, data map[string]any) error {
	f.calls = append(f.calls, serviceCall{Domain: domain, Service: service, Data: data})
	return f.callErr
}

func (f *fakeClient) SubscribeEvents(_ string, _ func(platform.Event)) (func(), error) {
	return func() {}, nil
}

func (f *fakeClient) Command(_ context.Context, msgType string, _ map[string]any) (json.RawMessage, error) {
	f.commands = append(f.commands, msgType)
	return f.commandRes, f.commandErr
}

// callsTo filters recorded service calls by service name.
func (f *fakeClient) callsTo(service string) []serviceCall {
	var out []serviceCall
	for _, c := range f.calls {
		if c.Service == service {
			out = append(out, c)
		}
	}
	return out
}
