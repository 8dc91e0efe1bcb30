package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sentriapp/camera-control-plane/internal/model"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrPublicationActive = errors.New("publication already active")
	ErrAlreadyFinalized  = errors.New("publication already finalized")
)

type Store struct {
	db DB
}

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

func New(db DB) *Store {
	return &Store{db: db}
}

type CreatePublicationInput struct {
	CameraID    string
	ServerID    int64
	PublishPath string
	CommandLine string
}

type RemoteLinkageInput struct {
	PublicationID  string
	RemoteCameraID string
	PublishURL     string
	WebRTCURL      string
	PublishToken   string
}

type FinalizeInput struct {
	PublicationID string
	Status        model.PublicationStatus
	Reason        model.TerminationReason
	LastError     string
}

const publicationColumns = `
select p.id, p.camera_id, p.server_id, p.session_id, p.status, p.is_active,
       p.command_line, p.pid, p.publish_path,
       coalesce(p.remote_camera_id, ''), coalesce(p.publish_url, ''), coalesce(p.webrtc_url, ''), coalesce(p.publish_token, ''),
       p.start_time, p.stop_time, p.error_count, coalesce(p.last_error, ''), p.last_error_time
from publications p`

func scanPublication(row pgx.Row) (*model.Publication, error) {
	var out model.Publication
	if err := row.Scan(
		&out.ID, &out.CameraID, &out.ServerID, &out.SessionID, &out.Status, &out.IsActive,
		&out.CommandLine, &out.PID, &out.PublishPath,
		&out.RemoteCameraID, &out.PublishURL, &out.WebRTCURL, &out.PublishToken,
		&out.StartTime, &out.StopTime, &out.ErrorCount, &out.LastError, &out.LastErrorTime,
	); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetActivePublication returns nil, nil when no active row exists for the camera.
func (s *Store) GetActivePublication(ctx context.Context, cameraID string) (*model.Publication, error) {
	q := publicationColumns + `
where p.camera_id = $1 and p.is_active
limit 1`
	out, err := scanPublication(s.db.QueryRow(ctx, q, cameraID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return out, err
}

// GetLatestPublication returns the most recent row for the camera across all
// runs, or nil, nil when the camera has never published.
func (s *Store) GetLatestPublication(ctx context.Context, cameraID string) (*model.Publication, error) {
	q := publicationColumns + `
where p.camera_id = $1
order by p.start_time desc, p.id desc
limit 1`
	out, err := scanPublication(s.db.QueryRow(ctx, q, cameraID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return out, err
}

func (s *Store) ListActivePublications(ctx context.Context) ([]model.Publication, error) {
	q := publicationColumns + `
where p.is_active
order by p.camera_id asc`
	rows, err := s.db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Publication, 0)
	for rows.Next() {
		p, err := scanPublication(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CreatePublication inserts a new active row in starting state. The caller is
// expected to hold the per-camera lock; the in-transaction check plus the
// partial unique index on (camera_id) where is_active are the storage-level
// backstop for the one-active-run-per-camera invariant.
func (s *Store) CreatePublication(ctx context.Context, in CreatePublicationInput) (*model.Publication, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	var existingID string
	err = tx.QueryRow(ctx, `select id from publications where camera_id = $1 and is_active limit 1`, in.CameraID).Scan(&existingID)
	if err == nil {
		return nil, fmt.Errorf("%w: camera %s run %s", ErrPublicationActive, in.CameraID, existingID)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	newID := "pub_" + uuid.NewString()
	sessionID := "ses_" + uuid.NewString()
	now := time.Now().UTC()
	const insertQ = `
insert into publications
  (id, camera_id, server_id, session_id, status, is_active, command_line, publish_path, start_time, error_count, created_at, updated_at)
values
  ($1, $2, $3, $4, 'starting', true, $5, $6, $7, 0, $7, $7)`
	if _, err := tx.Exec(ctx, insertQ, newID, in.CameraID, in.ServerID, sessionID, in.CommandLine, in.PublishPath, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &model.Publication{
		ID:          newID,
		CameraID:    in.CameraID,
		ServerID:    in.ServerID,
		SessionID:   sessionID,
		Status:      model.PublicationStarting,
		IsActive:    true,
		CommandLine: in.CommandLine,
		PublishPath: in.PublishPath,
		StartTime:   now,
	}, nil
}

func (s *Store) SetRemoteLinkage(ctx context.Context, in RemoteLinkageInput) error {
	const q = `
update publications
set remote_camera_id = $2, publish_url = $3, webrtc_url = $4, publish_token = $5, updated_at = now()
where id = $1 and is_active`
	tag, err := s.db.Exec(ctx, q, in.PublicationID, in.RemoteCameraID, in.PublishURL, in.WebRTCURL, in.PublishToken)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkPublishing records the confirmed subprocess and promotes the run.
func (s *Store) MarkPublishing(ctx context.Context, publicationID string, pid int, commandLine string) error {
	const q = `
update publications
set status = 'publishing', pid = $2, command_line = $3, updated_at = now()
where id = $1 and is_active`
	tag, err := s.db.Exec(ctx, q, publicationID, pid, commandLine)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkStarting moves an active run back to starting for a reconnect attempt.
func (s *Store) MarkStarting(ctx context.Context, publicationID string) error {
	const q = `
update publications
set status = 'starting', pid = null, updated_at = now()
where id = $1 and is_active`
	tag, err := s.db.Exec(ctx, q, publicationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) RecordPublicationError(ctx context.Context, publicationID, message string) error {
	const q = `
update publications
set error_count = error_count + 1, last_error = $2, last_error_time = now(), updated_at = now()
where id = $1 and is_active`
	tag, err := s.db.Exec(ctx, q, publicationID, message)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FinalizePublication ends a run: marks the row inactive and terminal, and
// writes its history summary. The is_active guard makes it exactly-once; a
// second caller gets finalized=false and no duplicate history row, so the
// explicit-stop and crash-detection paths can race safely.
func (s *Store) FinalizePublication(ctx context.Context, in FinalizeInput) (bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	const closeQ = `
update publications
set status = $2, is_active = false, stop_time = now(),
    last_error = case when $3 <> '' then $3 else last_error end,
    last_error_time = case when $3 <> '' then now() else last_error_time end,
    updated_at = now()
where id = $1 and is_active`
	tag, err := tx.Exec(ctx, closeQ, in.PublicationID, string(in.Status), in.LastError)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 0 {
		return false, tx.Commit(ctx)
	}

	const historyQ = `
insert into publication_history
  (id, publication_id, camera_id, server_id, session_id, start_time, stop_time, duration_seconds,
   termination_reason, error_count, last_error, avg_fps, avg_bitrate_kbps, total_frames, dropped_frames, created_at)
select
  'hist_' || p.id,
  p.id, p.camera_id, p.server_id, p.session_id, p.start_time, p.stop_time,
  greatest(floor(extract(epoch from (p.stop_time - p.start_time)))::integer, 0),
  $2, p.error_count, coalesce(p.last_error, ''),
  coalesce(m.avg_fps, 0), coalesce(m.avg_bitrate, 0), coalesce(m.max_frames, 0), coalesce(m.max_dropped, 0),
  now()
from publications p
left join (
  select publication_id, avg(fps) as avg_fps, avg(bitrate_kbps) as avg_bitrate,
         max(frames) as max_frames, max(dropped_frames) as max_dropped
  from publication_metrics
  where publication_id = $1
  group by publication_id
) m on m.publication_id = p.id
where p.id = $1`
	if _, err := tx.Exec(ctx, historyQ, in.PublicationID, string(in.Reason)); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// ReconcileOrphanedPublications closes out rows left active by a previous
// manager run. Their subprocess handles are unrecoverable, so each becomes a
// terminal error with an orphaned history record. Returns the row count.
func (s *Store) ReconcileOrphanedPublications(ctx context.Context) (int, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	const historyQ = `
insert into publication_history
  (id, publication_id, camera_id, server_id, session_id, start_time, stop_time, duration_seconds,
   termination_reason, error_count, last_error, avg_fps, avg_bitrate_kbps, total_frames, dropped_frames, created_at)
select
  'hist_' || p.id,
  p.id, p.camera_id, p.server_id, p.session_id, p.start_time, now(),
  greatest(floor(extract(epoch from (now() - p.start_time)))::integer, 0),
  'orphaned', p.error_count, 'manager restarted while run was active',
  coalesce(m.avg_fps, 0), coalesce(m.avg_bitrate, 0), coalesce(m.max_frames, 0), coalesce(m.max_dropped, 0),
  now()
from publications p
left join (
  select publication_id, avg(fps) as avg_fps, avg(bitrate_kbps) as avg_bitrate,
         max(frames) as max_frames, max(dropped_frames) as max_dropped
  from publication_metrics
  group by publication_id
) m on m.publication_id = p.id
where p.is_active and p.status in ('starting', 'publishing')
on conflict (id) do nothing`
	if _, err := tx.Exec(ctx, historyQ); err != nil {
		return 0, err
	}

	const closeQ = `
update publications
set status = 'error', is_active = false, stop_time = now(),
    last_error = 'manager restarted while run was active', last_error_time = now(), updated_at = now()
where is_active and status in ('starting', 'publishing')`
	tag, err := tx.Exec(ctx, closeQ)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// ReconcileStaleActive is the jobs-worker sweep variant: it only touches
// active rows whose updated_at is older than the cutoff, meaning no live
// manager has reported on them recently.
func (s *Store) ReconcileStaleActive(ctx context.Context, cutoff time.Duration) (int, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	const historyQ = `
insert into publication_history
  (id, publication_id, camera_id, server_id, session_id, start_time, stop_time, duration_seconds,
   termination_reason, error_count, last_error, avg_fps, avg_bitrate_kbps, total_frames, dropped_frames, created_at)
select
  'hist_' || p.id,
  p.id, p.camera_id, p.server_id, p.session_id, p.start_time, now(),
  greatest(floor(extract(epoch from (now() - p.start_time)))::integer, 0),
  'orphaned', p.error_count, 'no manager heartbeat within stale cutoff',
  0, 0, 0, 0, now()
from publications p
where p.is_active and p.updated_at < now() - $1::interval
on conflict (id) do nothing`
	interval := fmt.Sprintf("%d seconds", int(cutoff.Seconds()))
	if _, err := tx.Exec(ctx, historyQ, interval); err != nil {
		return 0, err
	}

	const closeQ = `
update publications
set status = 'error', is_active = false, stop_time = now(),
    last_error = 'no manager heartbeat within stale cutoff', last_error_time = now(), updated_at = now()
where is_active and updated_at < now() - $1::interval`
	tag, err := tx.Exec(ctx, closeQ, interval)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) InsertMetricSample(ctx context.Context, publicationID string, sample model.MetricSample) error {
	const q = `
insert into publication_metrics
  (publication_id, observed_at, fps, bitrate_kbps, frames, dropped_frames, speed, viewer_count)
values ($1, $2, $3, $4, $5, $6, $7, $8)`
	if _, err := s.db.Exec(ctx, q,
		publicationID, sample.Timestamp.UTC(), sample.FPS, sample.BitrateKbps,
		sample.Frames, sample.DroppedFrames, sample.Speed, sample.ViewerCount,
	); err != nil {
		return err
	}
	// Doubles as the liveness heartbeat read by the stale-active sweep.
	_, err := s.db.Exec(ctx, `update publications set updated_at = now() where id = $1 and is_active`, publicationID)
	return err
}

// LatestMetricSample returns nil, nil when the run has no samples yet.
func (s *Store) LatestMetricSample(ctx context.Context, publicationID string) (*model.MetricSample, error) {
	const q = `
select observed_at, fps, bitrate_kbps, frames, dropped_frames, speed, viewer_count
from publication_metrics
where publication_id = $1
order by observed_at desc, id desc
limit 1`
	var out model.MetricSample
	if err := s.db.QueryRow(ctx, q, publicationID).Scan(
		&out.Timestamp, &out.FPS, &out.BitrateKbps, &out.Frames, &out.DroppedFrames, &out.Speed, &out.ViewerCount,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

func (s *Store) PruneMetricSamples(ctx context.Context, retention time.Duration) (int, error) {
	interval := fmt.Sprintf("%d seconds", int(retention.Seconds()))
	tag, err := s.db.Exec(ctx, `delete from publication_metrics where observed_at < now() - $1::interval`, interval)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
