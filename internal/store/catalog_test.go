package store

import (
	"context"
	"errors"
	"regexp"
	"testing"

	pgxmock "github.com/pashagolub/pgxmock/v3"

	"github.com/sentriapp/camera-control-plane/internal/model"
)

func TestGetCamera_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("select c.id, c.name, c.stream_url,")).
		WithArgs("cam_missing").
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "name", "stream_url", "username", "password", "transport", "enabled", "created_at", "updated_at",
		}))

	s := New(mock)
	if _, err := s.GetCamera(context.Background(), "cam_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateCamera_GeneratesIDAndDefaults(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("insert into cameras")).
		WithArgs(pgxmock.AnyArg(), "dock", "rtsp://10.0.0.20/stream1", "", "", "tcp", true, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	s := New(mock)
	cam, err := s.CreateCamera(context.Background(), model.Camera{
		Name:      "dock",
		StreamURL: "rtsp://10.0.0.20/stream1",
		Enabled:   true,
	})
	if err != nil {
		t.Fatalf("CreateCamera returned err: %v", err)
	}
	if cam.ID == "" || cam.Transport != "tcp" {
		t.Fatalf("expected generated id and tcp transport, got %+v", cam)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpdateCamera_NotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectExec(regexp.QuoteMeta("update cameras")).
		WithArgs("cam_missing", "dock", "rtsp://10.0.0.20/stream1", "", "", "tcp", true).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	s := New(mock)
	_, err = s.UpdateCamera(context.Background(), model.Camera{
		ID:        "cam_missing",
		Name:      "dock",
		StreamURL: "rtsp://10.0.0.20/stream1",
		Transport: "tcp",
		Enabled:   true,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateRelayServer_ReturnsAssignedID(t *testing.T) {
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock pool: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(regexp.QuoteMeta("insert into relay_servers")).
		WithArgs("edge", "remote", "relay.example.net", 8554, "ingest/", "https://relay.example.net", "ops", "hunter2", 5, 10).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(int64(3)))

	s := New(mock)
	srv, err := s.CreateRelayServer(context.Background(), model.RelayServer{
		Name:                  "edge",
		Kind:                  model.ServerRemote,
		Host:                  "relay.example.net",
		RTSPPort:              8554,
		PathPrefix:            "ingest/",
		APIURL:                "https://relay.example.net",
		Username:              "ops",
		Password:              "hunter2",
		MaxReconnects:         5,
		ReconnectDelaySeconds: 10,
	})
	if err != nil {
		t.Fatalf("CreateRelayServer returned err: %v", err)
	}
	if srv.ID != 3 {
		t.Fatalf("expected assigned id 3, got %d", srv.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
