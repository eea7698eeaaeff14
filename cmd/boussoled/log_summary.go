package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"boussoled/internal/replay"
)

type logSummary struct {
	Segments       int
	Records        int
	Invalid        int
	MaxDuration    time.Duration
	KindCounts     map[replay.Kind]int
	LocationErrors map[string]int
}

func summarizeInputLog(records []replay.Record) logSummary {
	s := logSummary{KindCounts: map[replay.Kind]int{}, LocationErrors: map[string]int{}}
	if len(records) == 0 {
		return s
	}

	hasRecords := false
	segments := 0
	for _, r := range records {
		if r.Kind == replay.KindStart {
			segments++
			continue
		}
		hasRecords = true
		s.Records++
		if r.At > s.MaxDuration {
			s.MaxDuration = r.At
		}
		if !decodes(r) {
			s.Invalid++
			continue
		}
		s.KindCounts[r.Kind]++
		if r.Kind == replay.KindLocationError {
			msg, _ := r.LocationError()
			s.LocationErrors[msg]++
		}
	}
	if segments == 0 && hasRecords {
		segments = 1
	}
	s.Segments = segments
	return s
}

// decodes reports whether the payload matches its kind.
func decodes(r replay.Record) bool {
	var err error
	switch r.Kind {
	case replay.KindOrientation:
		_, err = r.Orientation()
	case replay.KindLocation:
		_, err = r.Location()
	case replay.KindLocationError:
		_, err = r.LocationError()
	case replay.KindPointer:
		_, _, err = r.Pointer()
	default:
		return false
	}
	return err == nil
}

func kindName(k replay.Kind) string {
	switch k {
	case replay.KindOrientation:
		return "orientation"
	case replay.KindLocation:
		return "location"
	case replay.KindLocationError:
		return "location_error"
	case replay.KindPointer:
		return "pointer"
	}
	return fmt.Sprintf("kind_%d", k)
}

func printLogSummary(w io.Writer, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return fmt.Errorf("path is empty")
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	recs, err := replay.NewReader(f).ReadAll()
	if err != nil {
		return err
	}

	s := summarizeInputLog(recs)

	fmt.Fprintf(w, "path: %s\n", path)
	fmt.Fprintf(w, "segments: %d\n", s.Segments)
	fmt.Fprintf(w, "records: %d\n", s.Records)
	fmt.Fprintf(w, "invalid_records: %d\n", s.Invalid)
	fmt.Fprintf(w, "max_duration: %s\n", s.MaxDuration)

	kinds := make([]int, 0, len(s.KindCounts))
	for k := range s.KindCounts {
		kinds = append(kinds, int(k))
	}
	sort.Ints(kinds)
	fmt.Fprintf(w, "kind_counts:\n")
	for _, k := range kinds {
		kind := replay.Kind(k)
		fmt.Fprintf(w, "  %s: %d\n", kindName(kind), s.KindCounts[kind])
	}

	if len(s.LocationErrors) > 0 {
		msgs := make([]string, 0, len(s.LocationErrors))
		for m := range s.LocationErrors {
			msgs = append(msgs, m)
		}
		sort.Strings(msgs)
		fmt.Fprintf(w, "location_errors:\n")
		for _, m := range msgs {
			fmt.Fprintf(w, "  %q: %d\n", m, s.LocationErrors[m])
		}
	}
	return nil
}
