package store

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"

	"github.com/birddigital/convai-relay/pkg/relay"
)

type execCall struct {
	sql  string
	args []any
}

type fakeDB struct {
	calls []execCall
	err   error
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	if f.err != nil {
		return pgconn.CommandTag{}, f.err
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func quietLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestRecord(t *testing.T) {
	db := &fakeDB{}
	s := newStore(db, quietLog())

	id := uuid.New()
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	ended := started.Add(90 * time.Second)
	sum := relay.Summary{
		Status: relay.Status{
			ID:                id,
			State:             relay.StateClosed,
			StreamSid:         "MZ1",
			CallSid:           "CA1",
			ConversationID:    "conv_1",
			FramesToProvider:  120,
			FramesToTelephony: 80,
			FramesDropped:     2,
			CreatedAt:         started,
			EndedAt:           &ended,
		},
		Closure:           relay.Closure{Code: 1000, Reason: "stop received", Initiator: relay.InitiatorTelephony},
		ProviderConnected: true,
	}

	if err := s.Record(context.Background(), sum); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if len(db.calls) != 1 {
		t.Fatalf("exec calls = %d, want 1", len(db.calls))
	}

	call := db.calls[0]
	if !strings.Contains(call.sql, "INSERT INTO call_sessions") || !strings.Contains(call.sql, "ON CONFLICT (id) DO NOTHING") {
		t.Fatalf("sql = %s", call.sql)
	}
	if len(call.args) != 15 {
		t.Fatalf("args = %d, want 15", len(call.args))
	}

	want := map[int]any{
		0:  id,
		1:  "MZ1",
		2:  "CA1",
		3:  "conv_1",
		4:  "closed",
		5:  1000,
		6:  "stop received",
		7:  "telephony",
		8:  true,
		9:  int64(120),
		10: int64(80),
		11: int64(2),
		14: int64(90000),
	}
	for i, w := range want {
		if call.args[i] != w {
			t.Errorf("arg %d = %v (%T), want %v (%T)", i, call.args[i], call.args[i], w, w)
		}
	}
}

func TestRecord_WrapsError(t *testing.T) {
	dbErr := errors.New("connection refused")
	s := newStore(&fakeDB{err: dbErr}, quietLog())

	err := s.Record(context.Background(), relay.Summary{})
	if !errors.Is(err, dbErr) {
		t.Fatalf("err = %v, want wrapped db error", err)
	}
}

func TestMigrate(t *testing.T) {
	db := &fakeDB{}
	s := newStore(db, quietLog())

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(db.calls) != 1 || !strings.Contains(db.calls[0].sql, "CREATE TABLE IF NOT EXISTS call_sessions") {
		t.Fatalf("calls = %+v", db.calls)
	}
}

func TestNop(t *testing.T) {
	var r Recorder = Nop{}
	if err := r.Record(context.Background(), relay.Summary{}); err != nil {
		t.Fatal(err)
	}
}
