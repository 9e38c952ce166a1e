package bundle_test

import (
	"archive/zip"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nvandessel/simcore/internal/bundle"
	"github.com/nvandessel/simcore/internal/bundle/bundletest"
)

func TestOpen_Valid(t *testing.T) {
	live := bundle.TrackHandles(t)
	dir := t.TempDir()
	path := bundletest.Build(t, dir, bundletest.Spec{
		Category: bundle.Environment,
		GUID:     "map-1",
		Name:     "BorregasAve",
		Textures: []byte("tex"),
	})

	b, err := bundle.Open(path, bundle.Environment, bundle.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	if b.Manifest.AssetGUID != "map-1" || b.Manifest.AssetName != "BorregasAve" {
		t.Errorf("Manifest = %+v", b.Manifest)
	}
	if b.Platform != bundle.CurrentPlatform() {
		t.Errorf("Platform = %v, want %v", b.Platform, bundle.CurrentPlatform())
	}
	main, err := b.ReadMain()
	if err != nil {
		t.Fatalf("ReadMain: %v", err)
	}
	if !strings.Contains(string(main), "map-1") {
		t.Errorf("main payload = %q", main)
	}
	if b.Textures == nil {
		t.Fatal("expected textures stream")
	}
	tex, _ := io.ReadAll(b.Textures)
	if string(tex) != "tex" {
		t.Errorf("textures = %q", tex)
	}
	if b.Plugin != nil {
		t.Error("expected no plugin stream")
	}
	if n := live(); n != 0 {
		t.Errorf("open archive handles after Open = %d, want 0", n)
	}
}

func TestOpen_MainIsSeekable(t *testing.T) {
	path := bundletest.Build(t, t.TempDir(), bundletest.Spec{Category: bundle.Vehicle})
	b, err := bundle.Open(path, bundle.Vehicle, bundle.Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	first, _ := b.ReadMain()
	second, _ := b.ReadMain()
	if string(first) != string(second) || len(first) == 0 {
		t.Errorf("ReadMain should rewind: %q vs %q", first, second)
	}
}

func TestOpen_VersionMismatchReleasesHandles(t *testing.T) {
	for _, c := range []bundle.Category{bundle.Environment, bundle.Vehicle, bundle.Sensor} {
		t.Run(string(c), func(t *testing.T) {
			live := bundle.TrackHandles(t)
			path := bundletest.Build(t, t.TempDir(), bundletest.Spec{
				Category: c,
				Version:  bundle.ExpectedVersion(c) - 1,
			})

			_, err := bundle.Open(path, c, bundle.Options{})
			if !errors.Is(err, bundle.ErrVersionMismatch) {
				t.Fatalf("Open error = %v, want ErrVersionMismatch", err)
			}
			var verr *bundle.VersionError
			if !errors.As(err, &verr) || verr.Category != c {
				t.Errorf("expected VersionError for %s, got %v", c, err)
			}
			if n := live(); n != 0 {
				t.Errorf("leaked %d archive handles", n)
			}
		})
	}
}

func TestOpen_Failures(t *testing.T) {
	dir := t.TempDir()

	noManifest := filepath.Join(dir, "no-manifest.zip")
	writeRawZip(t, noManifest, map[string]string{"x_vehicle_main_linux": "data"})

	badManifest := filepath.Join(dir, "bad-manifest.zip")
	writeRawZip(t, badManifest, map[string]string{bundle.ManifestEntry: "{not json"})

	noMain := bundletest.Build(t, dir, bundletest.Spec{Category: bundle.Vehicle, GUID: "no-main", OmitMain: true})

	otherPlatform := bundle.Windows
	if bundle.CurrentPlatform() == bundle.Windows {
		otherPlatform = bundle.Linux
	}
	wrongPlatform := bundletest.Build(t, dir, bundletest.Spec{Category: bundle.Vehicle, GUID: "wrong-platform", Platform: otherPlatform})

	wrongCategory := bundletest.Build(t, dir, bundletest.Spec{Category: bundle.Environment, GUID: "env-as-vehicle", Version: bundle.VehicleFormatVersion})

	tests := []struct {
		name string
		path string
		want error
	}{
		{"manifest missing", noManifest, bundle.ErrManifestMissing},
		{"manifest malformed", badManifest, bundle.ErrManifestMalformed},
		{"main payload missing", noMain, bundle.ErrPayloadMissing},
		{"main for other platform only", wrongPlatform, bundle.ErrPayloadMissing},
		{"entries for another category", wrongCategory, bundle.ErrPayloadMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			live := bundle.TrackHandles(t)
			b, err := bundle.Open(tt.path, bundle.Vehicle, bundle.Options{})
			if !errors.Is(err, tt.want) {
				t.Fatalf("Open error = %v, want %v", err, tt.want)
			}
			if b != nil {
				t.Error("expected nil bundle on failure")
			}
			if n := live(); n != 0 {
				t.Errorf("leaked %d archive handles", n)
			}
		})
	}
}

func TestOpen_NotAnArchive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.zip")
	os.WriteFile(path, []byte("not a zip"), 0644)

	if _, err := bundle.Open(path, bundle.Vehicle, bundle.Options{}); err == nil {
		t.Fatal("expected error for non-zip file")
	}
}

func TestOpen_PluginExtraction(t *testing.T) {
	dir := t.TempDir()
	pluginDir := filepath.Join(dir, "plugins")
	path := bundletest.Build(t, dir, bundletest.Spec{Category: bundle.Vehicle, GUID: "veh-fmu", FMUName: "dynamics"})

	b, err := bundle.Open(path, bundle.Vehicle, bundle.Options{PluginDir: pluginDir})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if b.Plugin == nil {
		t.Fatal("expected plugin stream")
	}

	wantSuffix := "linux.so"
	if bundle.CurrentPlatform() == bundle.Windows {
		wantSuffix = "windows.dll"
	}
	want := filepath.Join(pluginDir, "veh-fmu", "dynamics_"+wantSuffix)
	if b.PluginPath != want {
		t.Errorf("PluginPath = %q, want %q", b.PluginPath, want)
	}
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("plugin not extracted: %v", err)
	}

	// Second open reuses the directory.
	if _, err := bundle.Open(path, bundle.Vehicle, bundle.Options{PluginDir: pluginDir}); err != nil {
		t.Fatalf("second Open: %v", err)
	}
}

func TestOpen_DeclaredPluginMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing-plugin.zip")
	m := bundle.Manifest{BundleFormat: bundle.VehicleFormatVersion, AssetGUID: "v", FMUName: "ghost"}
	err := bundle.WriteFile(path, m, []bundle.Payload{{
		Key:  bundle.Key{Category: bundle.Vehicle, Platform: bundle.CurrentPlatform(), Kind: bundle.KindMain},
		Data: bundletest.Descriptor([]string{"v"}),
	}})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := bundle.Open(path, bundle.Vehicle, bundle.Options{}); !errors.Is(err, bundle.ErrPayloadMissing) {
		t.Errorf("Open error = %v, want ErrPayloadMissing", err)
	}
}

func TestVerifyLayout(t *testing.T) {
	if err := bundle.VerifyLayout([]string{"Main"}); err != nil {
		t.Errorf("single scene rejected: %v", err)
	}
	for _, names := range [][]string{nil, {"A", "B"}} {
		if err := bundle.VerifyLayout(names); !errors.Is(err, bundle.ErrUnsupportedLayout) {
			t.Errorf("VerifyLayout(%v) = %v, want ErrUnsupportedLayout", names, err)
		}
	}
}

func writeRawZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zw := zip.NewWriter(f)
	for name, body := range entries {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		w.Write([]byte(body))
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
}
