// Package report writes and reads per-run analysis reports.
//
// A report file is a plain JSON header line followed by a gzip-compressed JSON
// payload. The header carries a sha256 checksum of the compressed bytes so a
// report can be verified without decompressing it.
package report

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// FormatVersion is the current report file format.
const FormatVersion = 1

// Extension is the file suffix of report files.
const Extension = ".report"

// MaxDecompressedSize is the maximum allowed size of a decompressed report (50MB).
const MaxDecompressedSize = 50 * 1024 * 1024

// ErrChecksumMismatch is returned when the payload does not match the header.
var ErrChecksumMismatch = errors.New("report checksum mismatch")

// Header is the plain-text first line of a report file.
type Header struct {
	Version      int       `json:"version"`
	SimulationID string    `json:"simulation_id"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	Checksum     string    `json:"checksum"`
	EventCount   int       `json:"event_count"`
}

// Event is one analytics event in a report.
type Event struct {
	Kind    string    `json:"kind"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// Report is the analysis of one simulation run.
type Report struct {
	SimulationID string          `json:"simulation_id"`
	Name         string          `json:"name"`
	Status       string          `json:"status"`
	Message      string          `json:"message,omitempty"`
	TestReportID string          `json:"test_report_id,omitempty"`
	Config       json.RawMessage `json:"config,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	Events       []Event         `json:"events,omitempty"`
}

// Errors returns the events of kind "error".
func (r *Report) Errors() []Event {
	var out []Event
	for _, e := range r.Events {
		if e.Kind == "error" {
			out = append(out, e)
		}
	}
	return out
}

// Write stores r at path as header line + gzip payload.
func Write(path string, r *Report) error {
	if r == nil {
		return fmt.Errorf("report is nil")
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}

	var compressed bytes.Buffer
	gzw := gzip.NewWriter(&compressed)
	if _, err := gzw.Write(payload); err != nil {
		return fmt.Errorf("compressing payload: %w", err)
	}
	if err := gzw.Close(); err != nil {
		return fmt.Errorf("closing gzip writer: %w", err)
	}

	header := Header{
		Version:      FormatVersion,
		SimulationID: r.SimulationID,
		Status:       r.Status,
		CreatedAt:    r.CreatedAt,
		Checksum:     checksum(compressed.Bytes()),
		EventCount:   len(r.Events),
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}

	// Written to a temp file first so a crash never leaves a truncated report.
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	w := bufio.NewWriter(f)
	w.Write(headerBytes)
	w.WriteByte('\n')
	w.Write(compressed.Bytes())
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing report: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("installing report: %w", err)
	}
	return nil
}

// Read loads the report at path, verifying its checksum.
func Read(path string) (*Report, error) {
	header, compressed, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	if got := checksum(compressed); got != header.Checksum {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, header.Checksum, got)
	}

	gzr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("creating gzip reader: %w", err)
	}
	defer gzr.Close()

	decompressed, err := io.ReadAll(io.LimitReader(gzr, MaxDecompressedSize+1))
	if err != nil {
		return nil, fmt.Errorf("decompressing payload: %w", err)
	}
	if int64(len(decompressed)) > MaxDecompressedSize {
		return nil, fmt.Errorf("decompressed payload exceeds maximum size of %d bytes", MaxDecompressedSize)
	}

	var r Report
	if err := json.Unmarshal(decompressed, &r); err != nil {
		return nil, fmt.Errorf("parsing report: %w", err)
	}
	return &r, nil
}

// ReadHeader reads only the header line of a report.
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()
	return parseHeader(bufio.NewReader(f))
}

// Verify checks the integrity of a report without decompressing it.
func Verify(path string) error {
	header, compressed, err := readRaw(path)
	if err != nil {
		return err
	}
	if got := checksum(compressed); got != header.Checksum {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, header.Checksum, got)
	}
	return nil
}

// Info describes a report file on disk.
type Info struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// List returns the report files in dir, newest first. A missing dir is empty.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading report directory: %w", err)
	}

	var reports []Info
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Extension) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		reports = append(reports, Info{
			Path:    filepath.Join(dir, e.Name()),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
	}
	sort.Slice(reports, func(i, j int) bool {
		return reports[i].ModTime.After(reports[j].ModTime)
	})
	return reports, nil
}

// Prune keeps the keep newest reports in dir and removes the rest.
// It returns the paths removed. A non-positive keep disables pruning.
func Prune(dir string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	reports, err := List(dir)
	if err != nil {
		return nil, err
	}
	if len(reports) <= keep {
		return nil, nil
	}

	var removed []string
	for _, r := range reports[keep:] {
		if err := os.Remove(r.Path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("removing %s: %w", r.Path, err)
		}
		removed = append(removed, r.Path)
	}
	return removed, nil
}

func readRaw(path string) (*Header, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	header, err := parseHeader(reader)
	if err != nil {
		return nil, nil, err
	}
	compressed, err := io.ReadAll(reader)
	if err != nil {
		return nil, nil, fmt.Errorf("reading compressed payload: %w", err)
	}
	return header, compressed, nil
}

func parseHeader(r *bufio.Reader) (*Header, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("reading header line: %w", err)
	}
	var header Header
	if err := json.Unmarshal(bytes.TrimSpace(line), &header); err != nil {
		return nil, fmt.Errorf("parsing header: %w", err)
	}
	if header.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported report format version %d", header.Version)
	}
	return &header, nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}
