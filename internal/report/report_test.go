package report

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sampleReport() *Report {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &Report{
		SimulationID: "sim-1",
		Name:         "Highway merge",
		Status:       "Error",
		Message:      "outdated vehicle bundle",
		TestReportID: "tr-1",
		Config:       json.RawMessage(`{"id":"sim-1"}`),
		CreatedAt:    at,
		Events: []Event{
			{Kind: "status", Message: "Loading", At: at},
			{Kind: "error", Message: "outdated vehicle bundle", At: at.Add(time.Second)},
		},
	}
}

func TestWriteRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports", "sim-1"+Extension)

	if err := Write(path, sampleReport()); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	want := sampleReport()
	if got.SimulationID != want.SimulationID || got.Status != want.Status || got.Message != want.Message {
		t.Errorf("Read() = %+v", got)
	}
	if string(got.Config) != string(want.Config) {
		t.Errorf("Config = %s, want %s", got.Config, want.Config)
	}
	if len(got.Events) != 2 || !got.Events[1].At.Equal(want.Events[1].At) {
		t.Errorf("Events = %+v", got.Events)
	}
	if errs := got.Errors(); len(errs) != 1 || errs[0].Message != "outdated vehicle bundle" {
		t.Errorf("Errors() = %+v", errs)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file should not remain after Write")
	}
}

func TestReadHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sim-1"+Extension)
	if err := Write(path, sampleReport()); err != nil {
		t.Fatal(err)
	}

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("ReadHeader() error = %v", err)
	}
	if h.Version != FormatVersion || h.SimulationID != "sim-1" || h.EventCount != 2 || h.Status != "Error" {
		t.Errorf("header = %+v", h)
	}
	if len(h.Checksum) < len("sha256:") || h.Checksum[:7] != "sha256:" {
		t.Errorf("checksum = %q", h.Checksum)
	}
}

func TestVerify_Corrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sim-1"+Extension)
	if err := Write(path, sampleReport()); err != nil {
		t.Fatal(err)
	}
	if err := Verify(path); err != nil {
		t.Fatalf("Verify() on intact file = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	if err := Verify(path); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("Verify() = %v, want ErrChecksumMismatch", err)
	}
	if _, err := Read(path); !errors.Is(err, ErrChecksumMismatch) {
		t.Errorf("Read() = %v, want ErrChecksumMismatch", err)
	}
}

func TestRead_Errors(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
	}{
		{"empty", ""},
		{"not json", "hello\nworld"},
		{"wrong version", `{"version":99,"checksum":"sha256:00"}` + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+Extension)
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := Read(path); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := Read(filepath.Join(dir, "missing"+Extension)); err == nil {
		t.Error("expected error for missing file")
	}
	if err := Write(filepath.Join(dir, "nil"+Extension), nil); err == nil {
		t.Error("expected error for nil report")
	}
}

func TestListAndPrune(t *testing.T) {
	dir := t.TempDir()
	base := time.Now().Add(-time.Hour)

	for i, id := range []string{"a", "b", "c", "d"} {
		path := filepath.Join(dir, id+Extension)
		r := sampleReport()
		r.SimulationID = id
		if err := Write(path, r); err != nil {
			t.Fatal(err)
		}
		mod := base.Add(time.Duration(i) * time.Minute)
		if err := os.Chtimes(path, mod, mod); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	list, err := List(dir)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(list) != 4 {
		t.Fatalf("List() = %d entries, want 4", len(list))
	}
	if filepath.Base(list[0].Path) != "d"+Extension {
		t.Errorf("newest = %s, want d%s", list[0].Path, Extension)
	}

	removed, err := Prune(dir, 2)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if len(removed) != 2 {
		t.Errorf("Prune() removed %d, want 2", len(removed))
	}
	list, _ = List(dir)
	if len(list) != 2 {
		t.Errorf("after Prune, %d reports remain, want 2", len(list))
	}
	if _, err := os.Stat(filepath.Join(dir, "a"+Extension)); !os.IsNotExist(err) {
		t.Error("oldest report should be pruned")
	}
}

func TestList_MissingDir(t *testing.T) {
	list, err := List(filepath.Join(t.TempDir(), "nope"))
	if err != nil || list != nil {
		t.Errorf("List() = %v, %v; want nil, nil", list, err)
	}
	if removed, err := Prune(filepath.Join(t.TempDir(), "nope"), 0); err != nil || removed != nil {
		t.Errorf("Prune(0) = %v, %v", removed, err)
	}
}
