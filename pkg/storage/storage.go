package storage

import (
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/protei/callflow/pkg/volte"
)

// Config holds file output settings.
type Config struct {
	FlowsEnabled bool
	FlowsPath    string
	CDREnabled   bool
	CDRPath      string
	MaxSizeMB    int
	Compress     bool
}

// Storage persists correlated results to files: call flows as JSONL and
// call detail records as CSV, both with size-based rotation.
type Storage struct {
	config     Config
	flowWriter *FlowWriter
	cdrWriter  *CDRWriter
}

// New creates a storage instance, opening the enabled writers.
func New(config Config) (*Storage, error) {
	s := &Storage{config: config}

	if config.FlowsEnabled {
		w, err := NewFlowWriter(config.FlowsPath, config.MaxSizeMB, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to create flow writer: %w", err)
		}
		s.flowWriter = w
	}

	if config.CDREnabled {
		w, err := NewCDRWriter(config.CDRPath, config.MaxSizeMB, config.Compress)
		if err != nil {
			return nil, fmt.Errorf("failed to create CDR writer: %w", err)
		}
		s.cdrWriter = w
	}

	return s, nil
}

// WriteFlow persists one call flow to the enabled sinks.
func (s *Storage) WriteFlow(flow *volte.CallFlow) error {
	if s.flowWriter != nil {
		if err := s.flowWriter.Write(flow); err != nil {
			return err
		}
	}
	if s.cdrWriter != nil {
		if err := s.cdrWriter.Write(flow); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and closes all writers.
func (s *Storage) Close() error {
	var firstErr error
	if s.flowWriter != nil {
		if err := s.flowWriter.Close(); err != nil {
			firstErr = err
		}
	}
	if s.cdrWriter != nil {
		if err := s.cdrWriter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FlowWriter appends call flows to a JSONL file with size rotation.
type FlowWriter struct {
	mu        sync.Mutex
	path      string
	maxBytes  int64
	compress  bool
	file      *os.File
	encoder   *json.Encoder
	written   int64
	rotateSeq int
}

// NewFlowWriter opens a JSONL flow writer.
func NewFlowWriter(path string, maxSizeMB int, compress bool) (*FlowWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	w := &FlowWriter{
		path:     path,
		maxBytes: int64(maxSizeMB) * 1024 * 1024,
		compress: compress,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write appends one flow as a JSON line.
func (w *FlowWriter) Write(flow *volte.CallFlow) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	data, err := json.Marshal(volte.FlowJSON(flow))
	if err != nil {
		return fmt.Errorf("failed to marshal flow %s: %w", flow.FlowID, err)
	}

	if w.maxBytes > 0 && w.written+int64(len(data)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	n, err := w.file.Write(append(data, '\n'))
	w.written += int64(n)
	return err
}

// Close closes the underlying file.
func (w *FlowWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *FlowWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	w.file = f
	w.written = info.Size()
	return nil
}

func (w *FlowWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.rotateSeq++
	rotated := fmt.Sprintf("%s.%d-%d", w.path, time.Now().Unix(), w.rotateSeq)
	if err := os.Rename(w.path, rotated); err != nil {
		return err
	}
	if w.compress {
		go compressFile(rotated)
	}
	return w.open()
}

// cdrFields is the CDR column layout.
var cdrFields = []string{
	"flow_id", "type", "start_time", "end_time",
	"caller_msisdn", "callee_msisdn", "caller_imsi",
	"setup_time_ms", "ring_time_ms", "call_duration_ms",
	"rtp_jitter_ms", "rtp_packet_loss_percent", "estimated_mos",
	"sip_messages", "diameter_messages", "gtp_messages", "rtp_packets",
}

// CDRWriter appends call detail records to a CSV file with rotation.
type CDRWriter struct {
	mu        sync.Mutex
	path      string
	maxBytes  int64
	compress  bool
	file      *os.File
	writer    *csv.Writer
	written   int64
	rotateSeq int
}

// NewCDRWriter opens a CSV CDR writer, emitting the header on a new file.
func NewCDRWriter(path string, maxSizeMB int, compress bool) (*CDRWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	w := &CDRWriter{
		path:     path,
		maxBytes: int64(maxSizeMB) * 1024 * 1024,
		compress: compress,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

// Write appends one flow as a CDR row.
func (w *CDRWriter) Write(flow *volte.CallFlow) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.maxBytes > 0 && w.written > w.maxBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	record := []string{
		flow.FlowID,
		string(flow.Type),
		flow.StartTime.UTC().Format(time.RFC3339),
		flow.EndTime.UTC().Format(time.RFC3339),
		flow.Caller.MSISDN,
		flow.Callee.MSISDN,
		flow.Caller.IMSI,
		formatFloat(flow.Stats.SetupTimeMs),
		formatFloat(flow.Stats.RingTimeMs),
		formatFloat(flow.Stats.CallDurationMs),
		formatFloat(flow.Stats.RTPJitterMs),
		formatFloat(flow.Stats.RTPPacketLoss),
		formatFloat(flow.Stats.EstimatedMOS),
		strconv.FormatUint(uint64(flow.Stats.SIPMessages), 10),
		strconv.FormatUint(uint64(flow.Stats.DiameterMessages), 10),
		strconv.FormatUint(uint64(flow.Stats.GTPMessages), 10),
		strconv.FormatUint(uint64(flow.Stats.RTPPackets), 10),
	}

	if err := w.writer.Write(record); err != nil {
		return err
	}
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		return err
	}

	for _, field := range record {
		w.written += int64(len(field)) + 1
	}
	return nil
}

// Close flushes and closes the underlying file.
func (w *CDRWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	w.writer.Flush()
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *CDRWriter) open() error {
	_, statErr := os.Stat(w.path)
	isNew := os.IsNotExist(statErr)

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	w.file = f
	w.writer = csv.NewWriter(f)
	w.written = info.Size()

	if isNew {
		if err := w.writer.Write(cdrFields); err != nil {
			f.Close()
			return err
		}
		w.writer.Flush()
	}
	return w.writer.Error()
}

func (w *CDRWriter) rotate() error {
	w.writer.Flush()
	if err := w.file.Close(); err != nil {
		return err
	}
	w.rotateSeq++
	rotated := fmt.Sprintf("%s.%d-%d", w.path, time.Now().Unix(), w.rotateSeq)
	if err := os.Rename(w.path, rotated); err != nil {
		return err
	}
	if w.compress {
		go compressFile(rotated)
	}
	return w.open()
}

// compressFile gzips a rotated file and removes the original. Best
// effort: failures leave the uncompressed file in place.
func compressFile(path string) {
	src, err := os.Open(path)
	if err != nil {
		return
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	defer dst.Close()

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		os.Remove(path + ".gz")
		return
	}
	if err := gz.Close(); err != nil {
		os.Remove(path + ".gz")
		return
	}

	os.Remove(path)
}

func formatFloat(v float64) string {
	if v == 0 {
		return ""
	}
	return strconv.FormatFloat(v, 'f', 2, 64)
}
