package publisher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sentriapp/camera-control-plane/internal/config"
	"github.com/sentriapp/camera-control-plane/internal/events"
	"github.com/sentriapp/camera-control-plane/internal/metrics"
	"github.com/sentriapp/camera-control-plane/internal/model"
	"github.com/sentriapp/camera-control-plane/internal/relayclient"
	"github.com/sentriapp/camera-control-plane/internal/store"
	"github.com/sentriapp/camera-control-plane/internal/supervisor"
)

type Store interface {
	GetCamera(ctx context.Context, cameraID string) (*model.Camera, error)
	GetRelayServer(ctx context.Context, serverID int64) (*model.RelayServer, error)
	GetActivePublication(ctx context.Context, cameraID string) (*model.Publication, error)
	GetLatestPublication(ctx context.Context, cameraID string) (*model.Publication, error)
	CreatePublication(ctx context.Context, in store.CreatePublicationInput) (*model.Publication, error)
	SetRemoteLinkage(ctx context.Context, in store.RemoteLinkageInput) error
	MarkPublishing(ctx context.Context, publicationID string, pid int, commandLine string) error
	MarkStarting(ctx context.Context, publicationID string) error
	RecordPublicationError(ctx context.Context, publicationID, message string) error
	FinalizePublication(ctx context.Context, in store.FinalizeInput) (bool, error)
	ListActivePublications(ctx context.Context) ([]model.Publication, error)
	ReconcileOrphanedPublications(ctx context.Context) (int, error)
	InsertMetricSample(ctx context.Context, publicationID string, sample model.MetricSample) error
	LatestMetricSample(ctx context.Context, publicationID string) (*model.MetricSample, error)
}

// Manager owns the full lifecycle of publishing camera streams to relay
// servers: one supervised relay subprocess per camera, per-camera serialized
// state transitions, bounded reconnects, and a persisted record kept
// consistent with live process state.
type Manager struct {
	cfg    config.Config
	store  Store
	relay  relayclient.Client
	runner supervisor.Runner
	hub    *events.Hub
	log    zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	runs  map[string]*run
	wg    sync.WaitGroup
}

// StopResult reports whether a stop actually ended a run. Stopping a camera
// with no active publication is a successful no-op.
type StopResult struct {
	Stopped   bool
	SessionID string
}

// Status is the read-only view served to dashboards.
type Status struct {
	CameraID      string
	ServerID      int64
	PublicationID string
	SessionID     string
	Status        model.PublicationStatus
	IsActive      bool
	PublishPath   string
	PublishURL    string
	WebRTCURL     string
	StartTime     time.Time
	StopTime      *time.Time
	UptimeSeconds int
	ErrorCount    int
	LastError     string
	LastErrorTime *time.Time
	Latest        *model.MetricSample
}

type run struct {
	pub    *model.Publication
	camera model.Camera
	server model.RelayServer
	spec   supervisor.CommandSpec

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	proc   supervisor.Process
	latest *model.MetricSample
}

func (r *run) currentProc() supervisor.Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.proc
}

func (r *run) setProc(p supervisor.Process) {
	r.mu.Lock()
	r.proc = p
	r.mu.Unlock()
}

func (r *run) setLatest(s model.MetricSample) {
	r.mu.Lock()
	cp := s
	r.latest = &cp
	r.mu.Unlock()
}

func (r *run) latestSample() *model.MetricSample {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.latest == nil {
		return nil
	}
	cp := *r.latest
	return &cp
}

func NewManager(cfg config.Config, st Store, relay relayclient.Client, runner supervisor.Runner, hub *events.Hub, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		store:  st,
		relay:  relay,
		runner: runner,
		hub:    hub,
		log:    log,
		locks:  make(map[string]*sync.Mutex),
		runs:   make(map[string]*run),
	}
}

// cameraLock serializes state transitions per camera. The lock is held for
// the duration of a transition, never for the life of the subprocess.
func (m *Manager) cameraLock(cameraID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[cameraID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[cameraID] = l
	}
	return l
}

// Start begins publishing a camera to a relay server. If an active
// publication already exists it is returned as-is unless forceRestart is set,
// in which case the existing run is stopped first and a fresh session begins.
func (m *Manager) Start(ctx context.Context, cameraID string, serverID int64, forceRestart bool) (*model.Publication, error) {
	lock := m.cameraLock(cameraID)
	lock.Lock()
	defer lock.Unlock()

	active, err := m.store.GetActivePublication(ctx, cameraID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		if !forceRestart {
			m.log.Info().Str("camera_id", cameraID).Str("session_id", active.SessionID).Msg("publication already active, start is a no-op")
			return active, nil
		}
		if _, err := m.stopLocked(ctx, cameraID, model.TerminationUserStopped); err != nil {
			return nil, err
		}
	}

	camera, err := m.store.GetCamera(ctx, cameraID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown camera %s", ErrConfiguration, cameraID)
		}
		return nil, err
	}
	if !camera.Enabled {
		return nil, fmt.Errorf("%w: camera %s is disabled", ErrConfiguration, cameraID)
	}
	if strings.TrimSpace(camera.StreamURL) == "" {
		return nil, fmt.Errorf("%w: camera %s has no stream endpoint", ErrConfiguration, cameraID)
	}
	server, err := m.store.GetRelayServer(ctx, serverID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown relay server %d", ErrConfiguration, serverID)
		}
		return nil, err
	}

	publishPath := server.PathPrefix + camera.ID
	pub, err := m.store.CreatePublication(ctx, store.CreatePublicationInput{
		CameraID:    cameraID,
		ServerID:    serverID,
		PublishPath: publishPath,
	})
	if err != nil {
		return nil, err
	}

	kindLabel := string(server.Kind)
	target := fmt.Sprintf("rtsp://%s:%d/%s", server.Host, server.RTSPPort, publishPath)
	if server.Kind == model.ServerRemote {
		info, rerr := m.relay.EnsureRemoteCamera(ctx, *server, *camera)
		if rerr != nil {
			mapped := mapRelayError(rerr)
			m.failStart(ctx, pub, kindLabel, mapped)
			return nil, mapped
		}
		if err := m.store.SetRemoteLinkage(ctx, store.RemoteLinkageInput{
			PublicationID:  pub.ID,
			RemoteCameraID: info.RemoteCameraID,
			PublishURL:     info.PublishURL,
			WebRTCURL:      info.WebRTCURL,
			PublishToken:   info.PublishToken,
		}); err != nil {
			m.failStart(ctx, pub, kindLabel, err)
			return nil, err
		}
		metrics.Default().IncCounter("sentri_relay_registrations_total", map[string]string{"status": "ok"})
		pub.RemoteCameraID = info.RemoteCameraID
		pub.PublishURL = info.PublishURL
		pub.WebRTCURL = info.WebRTCURL
		pub.PublishToken = info.PublishToken
		target = publishTarget(info)
	}

	spec := buildRelayCommand(m.cfg.FFmpegPath, *camera, target)
	spawnStart := time.Now()
	proc, err := m.runner.Spawn(ctx, spec)
	durMS := float64(time.Since(spawnStart).Milliseconds())
	if err != nil {
		metrics.Default().ObserveHistogram("sentri_process_spawn_latency_ms", durMS, map[string]string{"status": "error"})
		mapped := fmt.Errorf("%w: %v", ErrProcessSpawn, err)
		m.failStart(ctx, pub, kindLabel, mapped)
		return nil, mapped
	}
	metrics.Default().ObserveHistogram("sentri_process_spawn_latency_ms", durMS, map[string]string{"status": "ok"})
	metrics.Default().IncCounter("sentri_publication_starts_total", map[string]string{"kind": kindLabel, "status": "ok"})

	runCtx, cancel := context.WithCancel(context.Background())
	rn := &run{
		pub:    pub,
		camera: *camera,
		server: *server,
		spec:   spec,
		ctx:    runCtx,
		cancel: cancel,
		proc:   proc,
	}
	m.mu.Lock()
	m.runs[cameraID] = rn
	activeCount := len(m.runs)
	m.mu.Unlock()
	metrics.Default().SetGauge("sentri_publications_active", float64(activeCount), nil)

	m.wg.Add(1)
	go m.supervise(rn)

	m.hub.Publish(events.Event{
		Type:      events.EventStatusChanged,
		CameraID:  cameraID,
		SessionID: pub.SessionID,
		Status:    model.PublicationStarting,
	})
	m.log.Info().
		Str("camera_id", cameraID).
		Int64("server_id", serverID).
		Str("session_id", pub.SessionID).
		Int("pid", proc.PID()).
		Msg("publication started")
	return pub, nil
}

// failStart resolves a failed start to a terminal error row so no publication
// is ever left dangling in starting. The compensating writes run on a detached
// context: a start that failed because the request context was cancelled still
// has to land them.
func (m *Manager) failStart(ctx context.Context, pub *model.Publication, kindLabel string, cause error) {
	ctx = context.WithoutCancel(ctx)
	metrics.Default().IncCounter("sentri_publication_starts_total", map[string]string{"kind": kindLabel, "status": "error"})
	if err := m.store.RecordPublicationError(ctx, pub.ID, cause.Error()); err != nil {
		m.log.Error().Err(err).Str("publication_id", pub.ID).Msg("record start failure")
	}
	finalized, err := m.store.FinalizePublication(ctx, store.FinalizeInput{
		PublicationID: pub.ID,
		Status:        model.PublicationError,
		Reason:        model.TerminationError,
		LastError:     cause.Error(),
	})
	if err != nil {
		m.log.Error().Err(err).Str("publication_id", pub.ID).Msg("finalize failed start")
		return
	}
	if finalized {
		metrics.Default().IncCounter("sentri_publication_stops_total", map[string]string{"reason": string(model.TerminationError)})
		m.hub.Publish(events.Event{
			Type:      events.EventStatusChanged,
			CameraID:  pub.CameraID,
			SessionID: pub.SessionID,
			Status:    model.PublicationError,
			Message:   cause.Error(),
		})
	}
}

// Stop ends the active publication for a camera. Idempotent: a second stop
// for the same camera is a no-op and writes no further history.
func (m *Manager) Stop(ctx context.Context, cameraID string) (StopResult, error) {
	lock := m.cameraLock(cameraID)
	lock.Lock()
	defer lock.Unlock()
	return m.stopLocked(ctx, cameraID, model.TerminationUserStopped)
}

func (m *Manager) stopLocked(ctx context.Context, cameraID string, reason model.TerminationReason) (StopResult, error) {
	m.mu.Lock()
	rn := m.runs[cameraID]
	delete(m.runs, cameraID)
	activeCount := len(m.runs)
	m.mu.Unlock()
	metrics.Default().SetGauge("sentri_publications_active", float64(activeCount), nil)

	if rn != nil {
		rn.cancel()
		if p := rn.currentProc(); p != nil {
			p.Terminate(m.cfg.StopGracePeriod)
			<-p.Done()
		}
	}

	active, err := m.store.GetActivePublication(ctx, cameraID)
	if err != nil {
		return StopResult{}, err
	}
	if active == nil {
		return StopResult{Stopped: false}, nil
	}

	finalized, err := m.store.FinalizePublication(ctx, store.FinalizeInput{
		PublicationID: active.ID,
		Status:        model.PublicationStopped,
		Reason:        reason,
	})
	if err != nil {
		return StopResult{}, err
	}
	if finalized {
		metrics.Default().IncCounter("sentri_publication_stops_total", map[string]string{"reason": string(reason)})
		m.hub.Publish(events.Event{
			Type:      events.EventStatusChanged,
			CameraID:  cameraID,
			SessionID: active.SessionID,
			Status:    model.PublicationStopped,
		})
		m.log.Info().Str("camera_id", cameraID).Str("session_id", active.SessionID).Str("reason", string(reason)).Msg("publication stopped")
	}
	return StopResult{Stopped: true, SessionID: active.SessionID}, nil
}

// Status returns the current view for one camera, or nil when the camera has
// never had a publication.
func (m *Manager) Status(ctx context.Context, cameraID string) (*Status, error) {
	pub, err := m.store.GetLatestPublication(ctx, cameraID)
	if err != nil {
		return nil, err
	}
	if pub == nil {
		return nil, nil
	}
	return m.toStatus(ctx, *pub), nil
}

// ListActive returns a fresh snapshot across all cameras; each call
// re-queries the store.
func (m *Manager) ListActive(ctx context.Context) ([]Status, error) {
	pubs, err := m.store.ListActivePublications(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(pubs))
	for _, p := range pubs {
		out = append(out, *m.toStatus(ctx, p))
	}
	return out, nil
}

func (m *Manager) toStatus(ctx context.Context, pub model.Publication) *Status {
	st := &Status{
		CameraID:      pub.CameraID,
		ServerID:      pub.ServerID,
		PublicationID: pub.ID,
		SessionID:     pub.SessionID,
		Status:        pub.Status,
		IsActive:      pub.IsActive,
		PublishPath:   pub.PublishPath,
		PublishURL:    pub.PublishURL,
		WebRTCURL:     pub.WebRTCURL,
		StartTime:     pub.StartTime,
		StopTime:      pub.StopTime,
		ErrorCount:    pub.ErrorCount,
		LastError:     pub.LastError,
		LastErrorTime: pub.LastErrorTime,
	}
	if pub.IsActive {
		st.UptimeSeconds = int(time.Since(pub.StartTime).Seconds())
	} else if pub.StopTime != nil {
		st.UptimeSeconds = int(pub.StopTime.Sub(pub.StartTime).Seconds())
	}

	m.mu.Lock()
	rn := m.runs[pub.CameraID]
	m.mu.Unlock()
	if rn != nil && rn.pub.ID == pub.ID {
		st.Latest = rn.latestSample()
	}
	if st.Latest == nil {
		if sample, err := m.store.LatestMetricSample(ctx, pub.ID); err == nil {
			st.Latest = sample
		}
	}
	return st
}

// ReconcileStartup closes out publication rows left active by a previous
// manager process. Their handles are gone; resuming is impossible.
func (m *Manager) ReconcileStartup(ctx context.Context) (int, error) {
	n, err := m.store.ReconcileOrphanedPublications(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Warn().Int("publications", n).Msg("reconciled orphaned publications from previous run")
	}
	return n, nil
}

// Shutdown stops every running publication and waits for supervisors to
// drain, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	cameras := make([]string, 0, len(m.runs))
	for id := range m.runs {
		cameras = append(cameras, id)
	}
	m.mu.Unlock()

	for _, cameraID := range cameras {
		lock := m.cameraLock(cameraID)
		lock.Lock()
		if _, err := m.stopLocked(ctx, cameraID, model.TerminationShutdown); err != nil {
			m.log.Error().Err(err).Str("camera_id", cameraID).Msg("stop during shutdown")
		}
		lock.Unlock()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		m.log.Warn().Msg("shutdown deadline reached before supervisors drained")
	}
}

func mapRelayError(err error) error {
	switch {
	case errors.Is(err, relayclient.ErrAuthFailed):
		metrics.Default().IncCounter("sentri_relay_logins_total", map[string]string{"status": "error"})
		return fmt.Errorf("%w: %v", ErrAuthentication, err)
	default:
		metrics.Default().IncCounter("sentri_relay_registrations_total", map[string]string{"status": "error"})
		return fmt.Errorf("%w: %v", ErrRemoteRegistration, err)
	}
}

func publishTarget(info relayclient.RemoteCameraInfo) string {
	if info.PublishToken == "" {
		return info.PublishURL
	}
	sep := "?"
	if strings.Contains(info.PublishURL, "?") {
		sep = "&"
	}
	return info.PublishURL + sep + "token=" + url.QueryEscape(info.PublishToken)
}

// buildRelayCommand assembles the ffmpeg invocation that forwards the camera
// stream to the relay target without re-encoding.
func buildRelayCommand(ffmpegPath string, camera model.Camera, target string) supervisor.CommandSpec {
	args := []string{"-hide_banner", "-loglevel", "warning", "-stats"}
	source := cameraSourceURL(camera)
	if strings.HasPrefix(source, "rtsp://") {
		transport := camera.Transport
		if transport == "" {
			transport = "tcp"
		}
		args = append(args, "-rtsp_transport", transport)
	}
	args = append(args, "-i", source, "-c", "copy", "-f", "rtsp", target)
	return supervisor.CommandSpec{Path: ffmpegPath, Args: args}
}

// cameraSourceURL injects stored credentials into the stream URL when the URL
// itself carries none.
func cameraSourceURL(camera model.Camera) string {
	if camera.Username == "" {
		return camera.StreamURL
	}
	u, err := url.Parse(camera.StreamURL)
	if err != nil || u.User != nil {
		return camera.StreamURL
	}
	u.User = url.UserPassword(camera.Username, camera.Password)
	return u.String()
}
