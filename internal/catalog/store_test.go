package catalog

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "catalog.sqlite3"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndGetDevice(t *testing.T) {
	store := newTestStore(t)
	d := &Device{Name: "kitchen-bulb", Kind: DeviceIntegration}

	if err := store.CreateDevice(d); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	if d.ID == "" {
		t.Fatal("expected CreateDevice to mint an id")
	}

	got, err := store.GetDevice(d.ID)
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if got.Name != "kitchen-bulb" || got.Kind != DeviceIntegration {
		t.Errorf("got device %+v", got)
	}
}

func TestGetDevice_NotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetDevice("missing"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("error = %v, want ErrDeviceNotFound", err)
	}
}

func TestDeleteDevice_CascadesFeatures(t *testing.T) {
	store := newTestStore(t)
	d := &Device{Name: "hallway-sensor", Kind: DeviceHardware}
	if err := store.CreateDevice(d); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	f := &Feature{DeviceID: d.ID, Name: "motion", Direction: DirectionSource, Kind: KindBool}
	if err := store.CreateFeature(f); err != nil {
		t.Fatalf("CreateFeature: %v", err)
	}

	if err := store.DeleteDevice(d.ID); err != nil {
		t.Fatalf("DeleteDevice: %v", err)
	}
	if _, err := store.GetFeature(d.ID, "motion"); !errors.Is(err, ErrFeatureNotFound) {
		t.Errorf("GetFeature after cascade delete = %v, want ErrFeatureNotFound", err)
	}
}

func TestCreateFeature_RejectsAutomationOnSourceOnly(t *testing.T) {
	store := newTestStore(t)
	d := &Device{Name: "thermostat", Kind: DeviceIntegration}
	if err := store.CreateDevice(d); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}

	f := &Feature{
		DeviceID:  d.ID,
		Name:      "temperature",
		Direction: DirectionSource,
		Kind:      KindNumber,
		Automate:  json.RawMessage(`{"nodes":[]}`),
	}
	if err := store.CreateFeature(f); !errors.Is(err, ErrInvalidFeature) {
		t.Errorf("CreateFeature error = %v, want ErrInvalidFeature", err)
	}
}

func TestCreateAndGetFeature_WithAutomation(t *testing.T) {
	store := newTestStore(t)
	d := &Device{Name: "living-room", Kind: DeviceVirtual, Subtype: "scene"}
	if err := store.CreateDevice(d); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}

	automate := json.RawMessage(`{"nodes":[{"id":0,"properties":{"tag":"Target"}}]}`)
	f := &Feature{
		DeviceID:  d.ID,
		Name:      "any_light_on",
		Direction: DirectionSink,
		Kind:      KindBool,
		Meta:      map[string]json.RawMessage{"value_on": json.RawMessage(`"ON"`)},
		Automate:  automate,
	}
	if err := store.CreateFeature(f); err != nil {
		t.Fatalf("CreateFeature: %v", err)
	}

	got, err := store.GetFeature(d.ID, "any_light_on")
	if err != nil {
		t.Fatalf("GetFeature: %v", err)
	}
	if string(got.Automate) != string(automate) {
		t.Errorf("got automate %s, want %s", got.Automate, automate)
	}
	if string(got.Meta["value_on"]) != `"ON"` {
		t.Errorf("got meta value_on %s, want \"ON\"", got.Meta["value_on"])
	}
}

func TestListAutomatedFeatures(t *testing.T) {
	store := newTestStore(t)
	d := &Device{Name: "hub", Kind: DeviceVirtual}
	if err := store.CreateDevice(d); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}

	plain := &Feature{DeviceID: d.ID, Name: "plain", Direction: DirectionSource, Kind: KindBool}
	automated := &Feature{DeviceID: d.ID, Name: "computed", Direction: DirectionSink, Kind: KindBool, Automate: json.RawMessage(`{}`)}
	if err := store.CreateFeature(plain); err != nil {
		t.Fatalf("CreateFeature plain: %v", err)
	}
	if err := store.CreateFeature(automated); err != nil {
		t.Fatalf("CreateFeature automated: %v", err)
	}

	features, err := store.ListAutomatedFeatures()
	if err != nil {
		t.Fatalf("ListAutomatedFeatures: %v", err)
	}
	if len(features) != 1 || features[0].Name != "computed" {
		t.Errorf("got %+v, want only computed", features)
	}
}

func TestUpdateFeature(t *testing.T) {
	store := newTestStore(t)
	d := &Device{Name: "garage", Kind: DeviceHardware}
	if err := store.CreateDevice(d); err != nil {
		t.Fatalf("CreateDevice: %v", err)
	}
	f := &Feature{DeviceID: d.ID, Name: "door", Direction: DirectionSourceSink, Kind: KindBool}
	if err := store.CreateFeature(f); err != nil {
		t.Fatalf("CreateFeature: %v", err)
	}

	f.Automate = json.RawMessage(`{"nodes":[]}`)
	if err := store.UpdateFeature(f); err != nil {
		t.Fatalf("UpdateFeature: %v", err)
	}

	got, err := store.GetFeature(d.ID, "door")
	if err != nil {
		t.Fatalf("GetFeature: %v", err)
	}
	if string(got.Automate) != `{"nodes":[]}` {
		t.Errorf("got automate %s", got.Automate)
	}
}

func TestFeatureValueID(t *testing.T) {
	f := Feature{DeviceID: "d1", Name: "state"}
	if got, want := f.ValueID(), "d1/state"; got != want {
		t.Errorf("ValueID() = %q, want %q", got, want)
	}
}
