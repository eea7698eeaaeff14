package replay

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"boussoled/internal/geo"
	"boussoled/internal/heading"
)

// Log format: line-oriented text.
//
//   - Blank lines and lines starting with '#' are ignored.
//   - Line "START" resets the origin (next record time is relative to 0 again).
//   - Data lines are <t_ns>,<kind>,<json> where t_ns is nanoseconds since
//     START and kind is one of O, L, E, P.
//
// The JSON payload of O is a heading.Sample, of L a geo.Point, of E
// {"error": msg} and of P {"dx": x, "dy": y}.

type Kind byte

const (
	KindStart         Kind = 0
	KindOrientation   Kind = 'O'
	KindLocation      Kind = 'L'
	KindLocationError Kind = 'E'
	KindPointer       Kind = 'P'
)

func (k Kind) valid() bool {
	switch k {
	case KindOrientation, KindLocation, KindLocationError, KindPointer:
		return true
	}
	return false
}

type Record struct {
	At      time.Duration
	Kind    Kind
	Payload json.RawMessage
}

type pointerPayload struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

type errorPayload struct {
	Error string `json:"error"`
}

func (r Record) Orientation() (heading.Sample, error) {
	var s heading.Sample
	if r.Kind != KindOrientation {
		return s, fmt.Errorf("replay: record kind %q is not orientation", r.Kind)
	}
	err := json.Unmarshal(r.Payload, &s)
	return s, err
}

func (r Record) Location() (geo.Point, error) {
	var p geo.Point
	if r.Kind != KindLocation {
		return p, fmt.Errorf("replay: record kind %q is not location", r.Kind)
	}
	err := json.Unmarshal(r.Payload, &p)
	return p, err
}

func (r Record) LocationError() (string, error) {
	var e errorPayload
	if r.Kind != KindLocationError {
		return "", fmt.Errorf("replay: record kind %q is not location error", r.Kind)
	}
	err := json.Unmarshal(r.Payload, &e)
	return e.Error, err
}

func (r Record) Pointer() (dx, dy float64, err error) {
	var p pointerPayload
	if r.Kind != KindPointer {
		return 0, 0, fmt.Errorf("replay: record kind %q is not pointer", r.Kind)
	}
	err = json.Unmarshal(r.Payload, &p)
	return p.DX, p.DY, err
}

type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

func (rr *Reader) ReadAll() ([]Record, error) {
	s := bufio.NewScanner(rr.r)
	s.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	recs := make([]Record, 0, 1024)
	lineNo := 0
	for s.Scan() {
		lineNo++
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == "START" {
			recs = append(recs, Record{Kind: KindStart})
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("replay: line %d: %w", lineNo, err)
		}
		recs = append(recs, rec)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return recs, nil
}

func parseLine(line string) (Record, error) {
	parts := strings.SplitN(line, ",", 3)
	if len(parts) != 3 {
		return Record{}, fmt.Errorf("invalid line (want <t_ns>,<kind>,<json>): %q", line)
	}
	tsStr := strings.TrimSpace(parts[0])
	kindStr := strings.TrimSpace(parts[1])
	payload := strings.TrimSpace(parts[2])

	tsNs, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("invalid timestamp %q: %w", tsStr, err)
	}
	if tsNs < 0 {
		return Record{}, fmt.Errorf("invalid timestamp (negative): %d", tsNs)
	}
	if len(kindStr) != 1 || !Kind(kindStr[0]).valid() {
		return Record{}, fmt.Errorf("unknown record kind %q", kindStr)
	}
	if !json.Valid([]byte(payload)) {
		return Record{}, fmt.Errorf("invalid json payload %q", payload)
	}
	return Record{
		At:      time.Duration(tsNs),
		Kind:    Kind(kindStr[0]),
		Payload: json.RawMessage(payload),
	}, nil
}

// ReadFile reads every record of the log at path.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return NewReader(f).ReadAll()
}

// Writer appends raw input samples to a log. It satisfies the compass
// recorder interface and is safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	start   time.Time
	now     func() time.Time
	session string
	closed  bool
}

func CreateWriter(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	ww := &Writer{
		f:       f,
		w:       bufio.NewWriterSize(f, 64*1024),
		start:   time.Now(),
		now:     time.Now,
		session: uuid.NewString(),
	}
	if _, err := fmt.Fprintf(ww.w, "# boussoled session %s %s\nSTART\n", ww.session, ww.start.UTC().Format(time.RFC3339)); err != nil {
		_ = f.Close()
		return nil, err
	}
	return ww, nil
}

// Session returns the id written in the log header.
func (ww *Writer) Session() string { return ww.session }

func (ww *Writer) write(kind Kind, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return errors.New("replay writer is closed")
	}
	// Monotonic when both readings come from time.Now.
	d := ww.now().Sub(ww.start)
	if d < 0 {
		d = 0
	}
	_, err = fmt.Fprintf(ww.w, "%d,%c,%s\n", d.Nanoseconds(), kind, b)
	return err
}

func (ww *Writer) RecordOrientation(s heading.Sample) error {
	return ww.write(KindOrientation, s)
}

func (ww *Writer) RecordLocation(p geo.Point) error {
	return ww.write(KindLocation, p)
}

func (ww *Writer) RecordLocationError(msg string) error {
	return ww.write(KindLocationError, errorPayload{Error: msg})
}

func (ww *Writer) RecordPointer(dx, dy float64) error {
	return ww.write(KindPointer, pointerPayload{DX: dx, DY: dy})
}

func (ww *Writer) Flush() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	return ww.w.Flush()
}

func (ww *Writer) Close() error {
	ww.mu.Lock()
	defer ww.mu.Unlock()
	if ww.closed {
		return nil
	}
	ww.closed = true
	if err := ww.w.Flush(); err != nil {
		_ = ww.f.Close()
		return err
	}
	return ww.f.Close()
}
