package destmgr

import (
	"context"
	"testing"

	"github.com/mrjamesdickson/xnat-dicom-router-sub003/core"
	"github.com/mrjamesdickson/xnat-dicom-router-sub003/destclient"
)

// fakeClient is a scriptable destclient.Client for exercising the
// Manager's registry and health-transition logic without a real
// XNAT/DICOM-peer/file destination.
type fakeClient struct {
	probeResult bool
	closed      bool
}

func (f *fakeClient) Probe(ctx context.Context) bool { return f.probeResult }
func (f *fakeClient) Send(ctx context.Context, params destclient.SendParams, files []string) (core.SendResult, error) {
	return core.SendResult{Success: true}, nil
}
func (f *fakeClient) Close() error { f.closed = true; return nil }

func factoryFor(clients map[string]*fakeClient) ClientFactory {
	return func(dest core.Destination) (destclient.Client, error) {
		c := &fakeClient{probeResult: true}
		clients[dest.Name] = c
		return c, nil
	}
}

func TestAddRejectsDisabledDestination(t *testing.T) {
	clients := map[string]*fakeClient{}
	m := New(factoryFor(clients), 2)
	if err := m.Add(core.Destination{Name: "xnat1", Enabled: false}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, _, _, ok := m.Get("xnat1"); ok {
		t.Fatalf("a disabled destination was registered")
	}
}

func TestAddRejectsDuplicateName(t *testing.T) {
	clients := map[string]*fakeClient{}
	m := New(factoryFor(clients), 2)
	if err := m.Add(core.Destination{Name: "xnat1", Enabled: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Add(core.Destination{Name: "xnat1", Enabled: true}); err == nil {
		t.Fatalf("expected an error adding a duplicate destination name")
	}
}

func TestUpdateSwapsClientAndClosesOld(t *testing.T) {
	clients := map[string]*fakeClient{}
	m := New(factoryFor(clients), 2)
	if err := m.Add(core.Destination{Name: "xnat1", Enabled: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	oldClient := clients["xnat1"]
	newSpec := core.Destination{Name: "xnat1", Enabled: true, File: &core.FileSinkSpec{BasePath: "/new-base"}}
	if err := m.Update("xnat1", newSpec); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !oldClient.closed {
		t.Fatalf("Update did not close the old client")
	}
	dest, client, _, ok := m.Get("xnat1")
	if !ok || dest.File == nil || dest.File.BasePath != "/new-base" {
		t.Fatalf("Update did not swap in the new spec: %+v", dest)
	}
	if client == destclient.Client(oldClient) {
		t.Fatalf("Update did not swap in a new client")
	}
}

func TestUpdateUnknownDestinationClosesNewClientAndFails(t *testing.T) {
	clients := map[string]*fakeClient{}
	m := New(factoryFor(clients), 2)
	if err := m.Update("missing", core.Destination{Name: "missing", Enabled: true}); err == nil {
		t.Fatalf("expected an error updating an unregistered destination")
	}
	if c, ok := clients["missing"]; !ok || !c.closed {
		t.Fatalf("the orphaned new client built for the failed update was not closed")
	}
}

func TestRemoveClosesClient(t *testing.T) {
	clients := map[string]*fakeClient{}
	m := New(factoryFor(clients), 2)
	if err := m.Add(core.Destination{Name: "xnat1", Enabled: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Remove("xnat1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if !clients["xnat1"].closed {
		t.Fatalf("Remove did not close the client")
	}
	if _, _, _, ok := m.Get("xnat1"); ok {
		t.Fatalf("destination still registered after Remove")
	}
}

func TestCheckRecordsSuccessAndFailure(t *testing.T) {
	clients := map[string]*fakeClient{}
	m := New(factoryFor(clients), 2)
	if err := m.Add(core.Destination{Name: "xnat1", Enabled: true}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := m.Check(context.Background(), "xnat1"); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !m.IsAvailable("xnat1") {
		t.Fatalf("IsAvailable = false after a successful probe")
	}

	clients["xnat1"].probeResult = false
	if err := m.Check(context.Background(), "xnat1"); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if m.IsAvailable("xnat1") {
		t.Fatalf("IsAvailable = true after a failed probe")
	}
	h, ok := m.GetHealth("xnat1")
	if !ok || h.ConsecutiveFailures != 1 {
		t.Fatalf("unexpected health after one failure: %+v", h)
	}
}

func TestCheckUnknownDestinationReturnsNotFound(t *testing.T) {
	m := New(factoryFor(map[string]*fakeClient{}), 2)
	if err := m.Check(context.Background(), "nope"); err == nil {
		t.Fatalf("expected an error checking an unregistered destination")
	}
}

func TestCheckAllProbesEveryDestination(t *testing.T) {
	clients := map[string]*fakeClient{}
	m := New(factoryFor(clients), 2)
	for _, name := range []string{"xnat1", "xnat2", "file1"} {
		if err := m.Add(core.Destination{Name: name, Enabled: true}); err != nil {
			t.Fatalf("Add(%s): %v", name, err)
		}
	}
	clients["xnat2"].probeResult = false

	if err := m.CheckAll(context.Background()); err != nil {
		t.Fatalf("CheckAll: %v", err)
	}
	all := m.GetAllHealth()
	if len(all) != 3 {
		t.Fatalf("GetAllHealth returned %d entries, want 3", len(all))
	}
	if !all["xnat1"].Available || !all["file1"].Available || all["xnat2"].Available {
		t.Fatalf("unexpected health snapshot: %+v", all)
	}
}
