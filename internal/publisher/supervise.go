package publisher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sentriapp/camera-control-plane/internal/events"
	"github.com/sentriapp/camera-control-plane/internal/metrics"
	"github.com/sentriapp/camera-control-plane/internal/model"
	"github.com/sentriapp/camera-control-plane/internal/store"
)

// supervise owns one run from spawn to terminal state: it promotes the run to
// publishing on the first progress sample, streams metrics, and applies the
// bounded reconnect policy on unexpected exits. Stop converges with this loop
// through the store's exactly-once finalize guard.
func (m *Manager) supervise(rn *run) {
	defer m.wg.Done()

	maxReconnects := rn.server.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = m.cfg.MaxReconnects
	}
	delay := time.Duration(rn.server.ReconnectDelaySeconds) * time.Second
	if delay <= 0 {
		delay = m.cfg.ReconnectDelay
	}

	attempts := 0
	for {
		exitMsg, stopRequested := m.watchProcess(rn)
		if stopRequested {
			return
		}

		if attempts >= maxReconnects {
			m.finalizeCrashed(rn, fmt.Sprintf("%s; reconnect limit %d exhausted", exitMsg, maxReconnects))
			return
		}
		attempts++
		metrics.Default().IncCounter("sentri_publication_retries_total", nil)
		if err := m.store.RecordPublicationError(context.Background(), rn.pub.ID, exitMsg); err != nil {
			m.log.Error().Err(err).Str("publication_id", rn.pub.ID).Msg("record crash")
		}
		m.log.Warn().
			Str("camera_id", rn.camera.ID).
			Int("attempt", attempts).
			Int("max_reconnects", maxReconnects).
			Str("cause", exitMsg).
			Msg("relay process died, reconnecting")

		timer := time.NewTimer(delay)
		select {
		case <-rn.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		if err := m.store.MarkStarting(context.Background(), rn.pub.ID); err != nil {
			m.log.Error().Err(err).Str("publication_id", rn.pub.ID).Msg("mark starting for retry")
		}
		m.hub.Publish(events.Event{
			Type:      events.EventStatusChanged,
			CameraID:  rn.camera.ID,
			SessionID: rn.pub.SessionID,
			Status:    model.PublicationStarting,
			Message:   fmt.Sprintf("reconnect attempt %d/%d", attempts, maxReconnects),
		})

		proc, err := m.runner.Spawn(rn.ctx, rn.spec)
		if err != nil {
			m.finalizeCrashed(rn, fmt.Sprintf("respawn failed: %v", err))
			return
		}
		rn.setProc(proc)
	}
}

// watchProcess follows one subprocess until it exits or the run is stopped.
// stopRequested means the run context was cancelled; the stop path owns
// finalization in that case.
func (m *Manager) watchProcess(rn *run) (exitMsg string, stopRequested bool) {
	proc := rn.currentProc()
	confirmed := false
	timedOut := false
	connectTimer := time.NewTimer(m.cfg.ConnectTimeout)
	defer connectTimer.Stop()
	var lastPersist time.Time

	for {
		select {
		case sample, ok := <-proc.Samples():
			if !ok {
				if rn.ctx.Err() != nil {
					return "", true
				}
				// A late sample may have confirmed the stream after the
				// connect timer fired; report the real exit in that case.
				if timedOut && !confirmed {
					return fmt.Sprintf("no stream confirmation within %s", m.cfg.ConnectTimeout), false
				}
				exit := proc.Exit()
				msg := fmt.Sprintf("relay process exited unexpectedly (code %d)", exit.Code)
				if tail := lastLine(exit.StderrTail); tail != "" {
					msg += ": " + tail
				}
				return msg, false
			}
			if !confirmed {
				confirmed = true
				connectTimer.Stop()
				if err := m.store.MarkPublishing(context.Background(), rn.pub.ID, proc.PID(), proc.CommandLine()); err != nil {
					m.log.Error().Err(err).Str("publication_id", rn.pub.ID).Msg("mark publishing")
				}
				m.hub.Publish(events.Event{
					Type:      events.EventStatusChanged,
					CameraID:  rn.camera.ID,
					SessionID: rn.pub.SessionID,
					Status:    model.PublicationPublishing,
				})
				m.log.Info().Str("camera_id", rn.camera.ID).Int("pid", proc.PID()).Msg("stream confirmed, publishing")
			}
			rn.setLatest(sample)
			sampleCopy := sample
			m.hub.Publish(events.Event{
				Type:      events.EventMetricSample,
				CameraID:  rn.camera.ID,
				SessionID: rn.pub.SessionID,
				Status:    model.PublicationPublishing,
				Sample:    &sampleCopy,
			})
			if lastPersist.IsZero() || time.Since(lastPersist) >= m.cfg.MetricsInterval {
				if err := m.store.InsertMetricSample(context.Background(), rn.pub.ID, sample); err != nil {
					m.log.Error().Err(err).Str("publication_id", rn.pub.ID).Msg("persist metric sample")
				}
				lastPersist = time.Now()
			}

		case <-connectTimer.C:
			if !confirmed {
				timedOut = true
				m.log.Warn().Str("camera_id", rn.camera.ID).Dur("timeout", m.cfg.ConnectTimeout).Msg("no stream confirmation, terminating relay process")
				proc.Terminate(m.cfg.StopGracePeriod)
			}

		case <-rn.ctx.Done():
			proc.Terminate(m.cfg.StopGracePeriod)
			<-proc.Done()
			return "", true
		}
	}
}

func (m *Manager) finalizeCrashed(rn *run, msg string) {
	m.mu.Lock()
	if m.runs[rn.camera.ID] == rn {
		delete(m.runs, rn.camera.ID)
	}
	activeCount := len(m.runs)
	m.mu.Unlock()
	metrics.Default().SetGauge("sentri_publications_active", float64(activeCount), nil)

	finalized, err := m.store.FinalizePublication(context.Background(), store.FinalizeInput{
		PublicationID: rn.pub.ID,
		Status:        model.PublicationError,
		Reason:        model.TerminationError,
		LastError:     msg,
	})
	if err != nil {
		m.log.Error().Err(err).Str("publication_id", rn.pub.ID).Msg("finalize crashed run")
		return
	}
	if finalized {
		metrics.Default().IncCounter("sentri_publication_stops_total", map[string]string{"reason": string(model.TerminationError)})
		m.hub.Publish(events.Event{
			Type:      events.EventStatusChanged,
			CameraID:  rn.camera.ID,
			SessionID: rn.pub.SessionID,
			Status:    model.PublicationError,
			Message:   msg,
		})
		m.log.Error().Str("camera_id", rn.camera.ID).Str("cause", msg).Msg("publication failed")
	}
}

func lastLine(tail string) string {
	tail = strings.TrimSpace(tail)
	if tail == "" {
		return ""
	}
	lines := strings.Split(tail, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
