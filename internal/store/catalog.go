package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sentriapp/camera-control-plane/internal/model"
)

// Camera and relay-server catalog access. The lifecycle manager only reads
// these; the CRUD handlers own mutation.

const cameraColumns = `
select c.id, c.name, c.stream_url, coalesce(c.username, ''), coalesce(c.password, ''), coalesce(c.transport, 'tcp'), c.enabled, c.created_at, c.updated_at
from cameras c`

func scanCamera(row pgx.Row) (*model.Camera, error) {
	var out model.Camera
	if err := row.Scan(
		&out.ID, &out.Name, &out.StreamURL, &out.Username, &out.Password, &out.Transport, &out.Enabled, &out.CreatedAt, &out.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) GetCamera(ctx context.Context, cameraID string) (*model.Camera, error) {
	out, err := scanCamera(s.db.QueryRow(ctx, cameraColumns+` where c.id = $1`, cameraID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return out, err
}

func (s *Store) ListCameras(ctx context.Context) ([]model.Camera, error) {
	rows, err := s.db.Query(ctx, cameraColumns+` order by c.name asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Camera, 0)
	for rows.Next() {
		c, err := scanCamera(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CreateCamera(ctx context.Context, in model.Camera) (*model.Camera, error) {
	if in.ID == "" {
		in.ID = "cam_" + uuid.NewString()
	}
	if in.Transport == "" {
		in.Transport = "tcp"
	}
	now := time.Now().UTC()
	const q = `
insert into cameras (id, name, stream_url, username, password, transport, enabled, created_at, updated_at)
values ($1, $2, $3, $4, $5, $6, $7, $8, $8)`
	if _, err := s.db.Exec(ctx, q, in.ID, in.Name, in.StreamURL, in.Username, in.Password, in.Transport, in.Enabled, now); err != nil {
		return nil, err
	}
	in.CreatedAt = now
	in.UpdatedAt = now
	return &in, nil
}

func (s *Store) UpdateCamera(ctx context.Context, in model.Camera) (*model.Camera, error) {
	const q = `
update cameras
set name = $2, stream_url = $3, username = $4, password = $5, transport = $6, enabled = $7, updated_at = now()
where id = $1`
	tag, err := s.db.Exec(ctx, q, in.ID, in.Name, in.StreamURL, in.Username, in.Password, in.Transport, in.Enabled)
	if err != nil {
		return nil, err
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrNotFound
	}
	return s.GetCamera(ctx, in.ID)
}

func (s *Store) DeleteCamera(ctx context.Context, cameraID string) error {
	tag, err := s.db.Exec(ctx, `delete from cameras where id = $1`, cameraID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const serverColumns = `
select r.id, r.name, r.kind, r.host, r.rtsp_port, coalesce(r.path_prefix, ''),
       coalesce(r.api_url, ''), coalesce(r.username, ''), coalesce(r.password, ''),
       r.max_reconnects, r.reconnect_delay_seconds
from relay_servers r`

func scanRelayServer(row pgx.Row) (*model.RelayServer, error) {
	var out model.RelayServer
	if err := row.Scan(
		&out.ID, &out.Name, &out.Kind, &out.Host, &out.RTSPPort, &out.PathPrefix,
		&out.APIURL, &out.Username, &out.Password,
		&out.MaxReconnects, &out.ReconnectDelaySeconds,
	); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) GetRelayServer(ctx context.Context, serverID int64) (*model.RelayServer, error) {
	out, err := scanRelayServer(s.db.QueryRow(ctx, serverColumns+` where r.id = $1`, serverID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return out, err
}

func (s *Store) ListRelayServers(ctx context.Context) ([]model.RelayServer, error) {
	rows, err := s.db.Query(ctx, serverColumns+` order by r.id asc`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.RelayServer, 0)
	for rows.Next() {
		r, err := scanRelayServer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CreateRelayServer(ctx context.Context, in model.RelayServer) (*model.RelayServer, error) {
	if in.Kind == "" {
		in.Kind = model.ServerLocal
	}
	const q = `
insert into relay_servers (name, kind, host, rtsp_port, path_prefix, api_url, username, password, max_reconnects, reconnect_delay_seconds, created_at, updated_at)
values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
returning id`
	if err := s.db.QueryRow(ctx, q,
		in.Name, string(in.Kind), in.Host, in.RTSPPort, in.PathPrefix,
		in.APIURL, in.Username, in.Password, in.MaxReconnects, in.ReconnectDelaySeconds,
	).Scan(&in.ID); err != nil {
		return nil, err
	}
	return &in, nil
}
