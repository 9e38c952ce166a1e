package headless

import (
	"testing"

	"github.com/nvandessel/simcore/internal/bundle"
	"github.com/nvandessel/simcore/internal/bundle/bundletest"
	"github.com/nvandessel/simcore/internal/models"
)

func TestParseDescriptor(t *testing.T) {
	d, err := ParseDescriptor([]byte("scenes:\n  - \"Town\"\nassets:\n  - \"Car\"\n"))
	if err != nil {
		t.Fatalf("ParseDescriptor() error = %v", err)
	}
	if len(d.Scenes) != 1 || d.Scenes[0] != "Town" || len(d.Assets) != 1 || d.Assets[0] != "Car" {
		t.Errorf("descriptor = %+v", d)
	}
	if _, err := ParseDescriptor([]byte("scenes: [")); err == nil {
		t.Error("expected parse error")
	}
}

func TestEngine_Lifecycle(t *testing.T) {
	dir := t.TempDir()
	e := New(nil)
	if e.ActiveScene() != HomeScene {
		t.Fatalf("initial scene = %q", e.ActiveScene())
	}

	mapPath := bundletest.Build(t, dir, bundletest.Spec{Category: bundle.Environment, GUID: "map-1", Scenes: []string{"Borregas"}})
	mapBundle, err := bundle.Open(mapPath, bundle.Environment, bundle.Options{})
	if err != nil {
		t.Fatal(err)
	}
	scenes, err := e.LoadEnvironment(mapBundle)
	if err != nil || len(scenes) != 1 {
		t.Fatalf("LoadEnvironment() = %v, %v", scenes, err)
	}
	if e.ActiveScene() != "Borregas" || e.Environment() != "Borregas" {
		t.Errorf("active scene = %q", e.ActiveScene())
	}

	vehPath := bundletest.Build(t, dir, bundletest.Spec{Category: bundle.Vehicle, GUID: "veh-1", Name: "Jaguar"})
	vehBundle, err := bundle.Open(vehPath, bundle.Vehicle, bundle.Options{})
	if err != nil {
		t.Fatal(err)
	}
	prefab, err := e.LoadPrefab(vehBundle)
	if err != nil {
		t.Fatal(err)
	}
	if prefab.AssetID != "veh-1" || prefab.Name != "Jaguar" || len(prefab.Assets) != 1 {
		t.Errorf("prefab = %+v", prefab)
	}

	if err := e.Instantiate(models.AgentConfig{Name: "Ego", GUID: "g1"}, prefab, nil); err != nil {
		t.Fatal(err)
	}
	if err := e.InitSimulator(&models.SimulationConfig{ID: "sim"}); err != nil {
		t.Fatal(err)
	}
	if len(e.Agents()) != 1 || !e.SimulatorRunning() {
		t.Errorf("agents = %v, simulator = %v", e.Agents(), e.SimulatorRunning())
	}

	e.UnloadAll()
	if len(e.Agents()) != 0 || e.SimulatorRunning() || e.Environment() != "" || e.Unloads() != 1 {
		t.Error("UnloadAll should clear the scene")
	}
	if err := e.LoadHome(); err != nil {
		t.Fatal(err)
	}
	if e.ActiveScene() != HomeScene {
		t.Errorf("after LoadHome scene = %q", e.ActiveScene())
	}
}
