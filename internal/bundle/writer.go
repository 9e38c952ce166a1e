package bundle

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Payload is one entry to pack into a bundle.
type Payload struct {
	Key  Key
	Data []byte
}

// Write packs a bundle into w. The manifest is written first,
// followed by payloads in a stable order.
func Write(w io.Writer, m Manifest, payloads []Payload) error {
	zw := zip.NewWriter(w)

	manifestData, err := m.Marshal()
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	if err := writeEntry(zw, ManifestEntry, manifestData); err != nil {
		return err
	}

	sorted := make([]Payload, len(payloads))
	copy(sorted, payloads)
	sort.SliceStable(sorted, func(i, j int) bool {
		return EntryName(m, sorted[i].Key) < EntryName(m, sorted[j].Key)
	})

	for _, p := range sorted {
		name := EntryName(m, p.Key)
		if name == "" {
			return fmt.Errorf("no entry name for %s payload (plugin declared without fmuName?)", p.Key.Kind)
		}
		if err := writeEntry(zw, name, p.Data); err != nil {
			return err
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("closing archive: %w", err)
	}
	return nil
}

// WriteFile packs a bundle to path, creating parent directories.
func WriteFile(path string, m Manifest, payloads []Payload) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating bundle file: %w", err)
	}
	if err := Write(f, m, payloads); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}

func writeEntry(zw *zip.Writer, name string, data []byte) error {
	fw, err := zw.Create(name)
	if err != nil {
		return fmt.Errorf("creating entry %s: %w", name, err)
	}
	if _, err := fw.Write(data); err != nil {
		return fmt.Errorf("writing entry %s: %w", name, err)
	}
	return nil
}
