package export

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"geobatch/src/core/auth"
	"geobatch/src/core/fault"
	"geobatch/src/infrastructure/logstream"
	"geobatch/src/storage/postgres/exportctrl"
	"geobatch/src/storage/postgres/jobctrl"
)

type fakeExports struct {
	exports map[int64]*exportctrl.Export
	nextID  int64
	month   map[int64]int64
}

func newFakeExports() *fakeExports {
	return &fakeExports{exports: map[int64]*exportctrl.Export{}, nextID: 1, month: map[int64]int64{}}
}

func (f *fakeExports) Generate(ctx context.Context, uid, jobID int64, format string) (*exportctrl.Export, error) {
	if _, ok := exportctrl.Formats[format]; !ok {
		return nil, fault.Validation("unsupported export format %q", format)
	}
	e := &exportctrl.Export{ID: f.nextID, UID: uid, JobID: jobID, Format: format, Status: jobctrl.StatusPending}
	f.exports[e.ID] = e
	f.nextID++
	f.month[uid]++
	return e, nil
}

func (f *fakeExports) FromID(ctx context.Context, id int64) (*exportctrl.Export, error) {
	e, ok := f.exports[id]
	if !ok {
		return nil, fault.NotFound("no export %d", id)
	}
	return e, nil
}

func (f *fakeExports) CountMonth(ctx context.Context, uid int64) (int64, error) {
	return f.month[uid], nil
}

type fakeJobs struct {
	jobs map[int64]*jobctrl.Job
}

func (f *fakeJobs) FromID(ctx context.Context, id int64) (*jobctrl.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return nil, fault.NotFound("no job %d", id)
	}
	return j, nil
}

type fakeSubmitter struct {
	submitted []int64
}

func (f *fakeSubmitter) SubmitExport(id, job int64, format string) error {
	f.submitted = append(f.submitted, id)
	return nil
}

type fakeLogs struct {
	streams map[string][]logstream.Event
}

func (f *fakeLogs) Events(ctx context.Context, stream string) ([]logstream.Event, error) {
	events, ok := f.streams[stream]
	if !ok {
		return nil, fault.NotFound("no logs for stream %s", stream)
	}
	return events, nil
}

func newTestService(t *testing.T) (*Service, *fakeExports, *fakeJobs, *fakeSubmitter, *storeArtifacts, *fakeLogs) {
	t.Helper()
	exports := newFakeExports()
	jobs := &fakeJobs{jobs: map[int64]*jobctrl.Job{
		1: {ID: 1, Run: 1, Status: jobctrl.StatusSuccess},
		2: {ID: 2, Run: 1, Status: jobctrl.StatusFail},
	}}
	sub := &fakeSubmitter{}
	art := &storeArtifacts{objects: map[string]string{}}
	logs := &fakeLogs{streams: map[string][]logstream.Event{}}
	svc := NewService(exports, jobs, sub, art, logs, 2, "prod")
	return svc, exports, jobs, sub, art, logs
}

type storeArtifacts struct {
	objects map[string]string
}

func (a *storeArtifacts) StreamObject(ctx context.Context, key string, w io.Writer) (int64, error) {
	body, ok := a.objects[key]
	if !ok {
		return 0, fault.NotFound("no artifact at %s", key)
	}
	n, err := w.Write([]byte(body))
	return int64(n), err
}

func TestCreateSubmitsSuccessfulJob(t *testing.T) {
	svc, _, _, sub, _, _ := newTestService(t)

	export, err := svc.Create(context.Background(), auth.Identity{UID: 10}, 1, "geojson")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if export.UID != 10 || export.JobID != 1 {
		t.Errorf("export = %+v", export)
	}
	if len(sub.submitted) != 1 || sub.submitted[0] != export.ID {
		t.Errorf("submitted = %v", sub.submitted)
	}
}

func TestCreateRejectsUnsuccessfulJob(t *testing.T) {
	svc, _, _, _, _, _ := newTestService(t)

	_, err := svc.Create(context.Background(), auth.Identity{UID: 10}, 2, "geojson")
	if fault.KindOf(err) != fault.KindPrecondition {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestCreateEnforcesMonthlyQuota(t *testing.T) {
	svc, _, _, _, _, _ := newTestService(t)
	who := auth.Identity{UID: 10}

	for i := 0; i < 2; i++ {
		if _, err := svc.Create(context.Background(), who, 1, "csv"); err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
	}

	_, err := svc.Create(context.Background(), who, 1, "csv")
	if fault.KindOf(err) != fault.KindConflict {
		t.Fatalf("expected conflict at quota, got %v", err)
	}
}

func TestCreateTestStackSkipsSubmission(t *testing.T) {
	exports := newFakeExports()
	jobs := &fakeJobs{jobs: map[int64]*jobctrl.Job{1: {ID: 1, Status: jobctrl.StatusSuccess}}}
	sub := &fakeSubmitter{}
	svc := NewService(exports, jobs, sub, &storeArtifacts{}, &fakeLogs{}, 5, "test")

	export, err := svc.Create(context.Background(), auth.Identity{UID: 10}, 1, "csv")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if export == nil {
		t.Fatal("no export created")
	}
	if len(sub.submitted) != 0 {
		t.Errorf("test stack submitted %v", sub.submitted)
	}
}

func TestCreateAdminBypassesQuota(t *testing.T) {
	svc, exports, _, _, _, _ := newTestService(t)
	admin := auth.Identity{UID: 1, Admin: true}
	exports.month[1] = 100

	if _, err := svc.Create(context.Background(), admin, 1, "csv"); err != nil {
		t.Fatalf("admin Create: %v", err)
	}
}

func TestDataOwnerGate(t *testing.T) {
	svc, exports, _, _, art, _ := newTestService(t)

	export, _ := exports.Generate(context.Background(), 10, 1, "csv")
	export.Status = jobctrl.StatusSuccess
	art.objects["prod/export/1/export.zip"] = "zip-bytes"

	var buf bytes.Buffer
	n, err := svc.Data(context.Background(), auth.Identity{UID: 10}, export.ID, &buf)
	if err != nil {
		t.Fatalf("owner Data: %v", err)
	}
	if n != int64(len("zip-bytes")) || buf.String() != "zip-bytes" {
		t.Errorf("streamed %d bytes %q", n, buf.String())
	}

	if _, err := svc.Data(context.Background(), auth.Identity{UID: 11}, export.ID, &bytes.Buffer{}); fault.KindOf(err) != fault.KindForbidden {
		t.Errorf("stranger Data: got %v, want forbidden", err)
	}

	if _, err := svc.Data(context.Background(), auth.Identity{UID: 99, Admin: true}, export.ID, &bytes.Buffer{}); err != nil {
		t.Errorf("admin Data: %v", err)
	}
}

func TestDataPendingExport(t *testing.T) {
	svc, exports, _, _, _, _ := newTestService(t)

	export, _ := exports.Generate(context.Background(), 10, 1, "csv")

	_, err := svc.Data(context.Background(), auth.Identity{UID: 10}, export.ID, &bytes.Buffer{})
	if fault.KindOf(err) != fault.KindPrecondition {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestLogGates(t *testing.T) {
	svc, exports, _, _, _, logs := newTestService(t)

	export, _ := exports.Generate(context.Background(), 10, 1, "csv")

	if _, err := svc.Log(context.Background(), auth.Identity{UID: 10}, export.ID); fault.KindOf(err) != fault.KindNotFound {
		t.Errorf("no loglink: got %v, want not found", err)
	}

	export.Loglink = "export/1"
	logs.streams["export/1"] = []logstream.Event{{ID: "a", Message: "starting"}}

	events, err := svc.Log(context.Background(), auth.Identity{UID: 10}, export.ID)
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if len(events) != 1 || !strings.Contains(events[0].Message, "starting") {
		t.Errorf("events = %+v", events)
	}

	if _, err := svc.Log(context.Background(), auth.Identity{UID: 11}, export.ID); fault.KindOf(err) != fault.KindForbidden {
		t.Errorf("stranger Log: got %v, want forbidden", err)
	}
}
