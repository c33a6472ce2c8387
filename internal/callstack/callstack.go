// Package callstack assembles the call lifecycle controller with the side
// effects every process that changes calls must carry: publication, the
// audit trail and responder dispatch. cmd/api and cmd/peer both build it here.
package callstack

import (
	"log/slog"

	"campus-calls/internal/audit"
	"campus-calls/internal/calls"
	"campus-calls/internal/dispatch"
	"campus-calls/internal/notify"
	"campus-calls/internal/realtime"
)

type Stores struct {
	Calls    calls.Repository
	Audit    audit.Repository
	Settings dispatch.SettingsStore
	Busy     dispatch.BusyTracker
}

type Stack struct {
	Calls    *calls.Service
	Audit    *audit.Service
	Dispatch *dispatch.Engine
}

// New wires the services. opts are applied after the defaults, so callers
// can set timeouts or a clock.
func New(st Stores, bus realtime.Publisher, n notify.Notifier, log *slog.Logger, opts ...calls.Option) Stack {
	if log == nil {
		log = slog.Default()
	}
	auditSvc := audit.NewService(st.Audit, log)
	engine := dispatch.NewEngine(st.Settings, st.Busy, n, log)
	base := []calls.Option{
		calls.WithPublisher(bus),
		calls.WithNotifier(n),
		calls.WithObservers(auditSvc, engine),
		calls.WithLogger(log),
	}
	return Stack{
		Calls:    calls.NewService(st.Calls, append(base, opts...)...),
		Audit:    auditSvc,
		Dispatch: engine,
	}
}
