package service

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/xfeldman/sboxd/internal/events"
	"github.com/xfeldman/sboxd/internal/registry"
	"github.com/xfeldman/sboxd/internal/supervisor"
)

// KernelStatusHook returns a supervisor hook that publishes kernel-status
// events and records transitions in db (when non-nil).
func KernelStatusHook(pub events.Publisher, db *registry.DB, log *zap.Logger) func(supervisor.Status) {
	if log == nil {
		log = zap.NewNop()
	}
	return func(st supervisor.Status) {
		msg := st.LastError
		if msg == "" && st.PID > 0 {
			msg = fmt.Sprintf("pid %d", st.PID)
		}
		progress := 0
		if st.State == supervisor.StateRunning {
			progress = 100
		}
		pub.Publish(events.Event{
			OpID:     st.RunID,
			Topic:    events.TopicKernel,
			Stage:    string(st.State),
			Progress: progress,
			Message:  msg,
			Time:     st.Since,
		})

		if db == nil {
			return
		}
		err := db.SaveTransition(&registry.Transition{
			State:    string(st.State),
			RunID:    st.RunID,
			PID:      st.PID,
			ExitCode: st.ExitCode,
			Error:    st.LastError,
			At:       st.Since,
		})
		if err != nil {
			log.Warn("record kernel transition", zap.Error(err))
		}
	}
}
