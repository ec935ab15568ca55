// Package timerange implements the half-open TAMS timerange grammar and the
// interval algebra used by the segment index.
//
// Two wire forms are accepted:
//
//	compact:  [S_E)  where S and E are sec:subsec, subsec in nanoseconds
//	standard: [S,E)  where S and E are MM:SS.mmm or HH:MM:SS.mmm
//
// A missing end means +infinity, a missing start means -infinity, and a single
// timestamp is a point interval.
package timerange

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const nanosPerSecond = 1e9

// TimeRange is a half-open interval [Start, End) in seconds since the Unix
// epoch. Either bound may be infinite.
type TimeRange struct {
	Start float64
	End   float64
}

// Eternity covers all representable time.
var Eternity = TimeRange{Start: math.Inf(-1), End: math.Inf(1)}

// ParseError reports a timerange that does not match either wire form.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid timerange %q: %s", e.Input, e.Reason)
}

// Parse parses either wire form. It is strict: malformed input returns a
// *ParseError. Callers that want the legacy zero-range fallback use
// ParseLenient.
func Parse(s string) (TimeRange, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return TimeRange{}, &ParseError{Input: s, Reason: "empty"}
	}

	body := trimmed
	body = strings.TrimPrefix(body, "[")
	body = strings.TrimSuffix(body, ")")
	body = strings.TrimSuffix(body, "]")

	var startTok, endTok string
	var spanned bool
	switch {
	case strings.Contains(body, "_"):
		parts := strings.SplitN(body, "_", 2)
		startTok, endTok = parts[0], parts[1]
		spanned = true
	case strings.Contains(body, ","):
		parts := strings.SplitN(body, ",", 2)
		startTok, endTok = parts[0], parts[1]
		spanned = true
	default:
		startTok = body
	}

	tr := TimeRange{}
	if strings.TrimSpace(startTok) == "" {
		tr.Start = math.Inf(-1)
	} else {
		v, err := parseTimestamp(startTok)
		if err != nil {
			return TimeRange{}, &ParseError{Input: s, Reason: err.Error()}
		}
		tr.Start = v
	}

	switch {
	case !spanned:
		// point interval
		tr.End = tr.Start
	case strings.TrimSpace(endTok) == "":
		tr.End = math.Inf(1)
	default:
		v, err := parseTimestamp(endTok)
		if err != nil {
			return TimeRange{}, &ParseError{Input: s, Reason: err.Error()}
		}
		tr.End = v
	}

	if tr.Start > tr.End {
		return TimeRange{}, &ParseError{Input: s, Reason: "start after end"}
	}

	return tr, nil
}

// ParseLenient preserves the legacy behavior of the segment index: malformed
// input collapses to the zero range and a warning, instead of failing the
// caller's whole operation.
func ParseLenient(s string, logger kitlog.Logger) TimeRange {
	tr, err := Parse(s)
	if err != nil {
		level.Warn(logger).Log("msg", "malformed timerange, using zero range", "timerange", s, "err", err)
		return TimeRange{}
	}
	return tr
}

// parseTimestamp accepts sec:subsec (compact) or [HH:]MM:SS.mmm (standard).
func parseTimestamp(tok string) (float64, error) {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return 0, fmt.Errorf("empty timestamp")
	}

	neg := false
	if strings.HasPrefix(tok, "-") {
		neg = true
		tok = tok[1:]
	}

	var v float64
	var err error
	if strings.Contains(tok, ".") || strings.Count(tok, ":") >= 2 {
		v, err = parseClock(tok)
	} else {
		v, err = parseCompact(tok)
	}
	if err != nil {
		return 0, err
	}
	if neg {
		v = -v
	}
	return v, nil
}

// parseCompact parses sec[:subsec] where subsec is a nanosecond count.
func parseCompact(tok string) (float64, error) {
	secTok := tok
	nanoTok := ""
	if idx := strings.IndexByte(tok, ':'); idx >= 0 {
		secTok, nanoTok = tok[:idx], tok[idx+1:]
	}

	sec, err := strconv.ParseInt(secTok, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad seconds %q", secTok)
	}

	var nanos int64
	if nanoTok != "" {
		nanos, err = strconv.ParseInt(nanoTok, 10, 64)
		if err != nil || nanos < 0 || nanos >= nanosPerSecond {
			return 0, fmt.Errorf("bad subseconds %q", nanoTok)
		}
	}

	return float64(sec) + float64(nanos)/nanosPerSecond, nil
}

// parseClock parses MM:SS.mmm or HH:MM:SS.mmm.
func parseClock(tok string) (float64, error) {
	parts := strings.Split(tok, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("bad clock timestamp %q", tok)
	}

	var hours, minutes int64
	var err error
	if len(parts) == 3 {
		hours, err = strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("bad hours %q", parts[0])
		}
		parts = parts[1:]
	}

	minutes, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad minutes %q", parts[0])
	}

	seconds, err := strconv.ParseFloat(parts[1], 64)
	if err != nil || seconds < 0 {
		return 0, fmt.Errorf("bad seconds %q", parts[1])
	}

	return float64(hours)*3600 + float64(minutes)*60 + seconds, nil
}

// Overlaps reports whether the two half-open intervals share any instant.
func (t TimeRange) Overlaps(o TimeRange) bool {
	return t.Start < o.End && t.End > o.Start
}

// Contains reports whether o lies entirely within t.
func (t TimeRange) Contains(o TimeRange) bool {
	return t.Start <= o.Start && t.End >= o.End
}

// IsPoint reports whether the range is a single instant.
func (t TimeRange) IsPoint() bool {
	return t.Start == t.End
}

// IsEternity reports whether both bounds are infinite.
func (t TimeRange) IsEternity() bool {
	return math.IsInf(t.Start, -1) && math.IsInf(t.End, 1)
}

// Duration returns End-Start; infinite for unbounded ranges.
func (t TimeRange) Duration() float64 {
	return t.End - t.Start
}

// String renders the compact wire form. Round-tripping String through Parse
// yields equal boundaries.
func (t TimeRange) String() string {
	var b strings.Builder
	b.WriteByte('[')
	if !math.IsInf(t.Start, -1) {
		b.WriteString(formatCompact(t.Start))
	}
	if !t.IsPoint() || t.IsEternity() {
		b.WriteByte('_')
		if !math.IsInf(t.End, 1) {
			b.WriteString(formatCompact(t.End))
		}
	}
	b.WriteByte(')')
	return b.String()
}

func formatCompact(v float64) string {
	neg := math.Signbit(v)
	v = math.Abs(v)
	sec := int64(v)
	nanos := int64(math.Round((v - float64(sec)) * nanosPerSecond))
	if nanos >= nanosPerSecond {
		sec++
		nanos -= nanosPerSecond
	}
	sign := ""
	if neg {
		sign = "-"
	}
	return fmt.Sprintf("%s%d:%d", sign, sec, nanos)
}

// KeyComponents maps the range start onto the date components used for
// storage key derivation. A non-finite start falls back to the current date,
// matching the adapter's legacy behavior.
func (t TimeRange) KeyComponents() (year int, month time.Month, day int) {
	if math.IsInf(t.Start, 0) || math.IsNaN(t.Start) {
		return time.Now().UTC().Date()
	}
	sec := int64(t.Start)
	nanos := int64((t.Start - float64(sec)) * nanosPerSecond)
	return time.Unix(sec, nanos).UTC().Date()
}

// DayKeys generates the YYYY/MM/DD storage-allocation prefixes touched by the
// range, capped at max entries. Unbounded ranges yield only the start day.
func (t TimeRange) DayKeys(max int) []string {
	year, month, day := t.KeyComponents()
	first := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)

	keys := []string{dayKey(first)}
	if max <= 1 || math.IsInf(t.End, 1) || math.IsInf(t.Start, 0) {
		return keys
	}

	end := time.Unix(int64(t.End), 0).UTC()
	for d := first.AddDate(0, 0, 1); !d.After(end) && len(keys) < max; d = d.AddDate(0, 0, 1) {
		keys = append(keys, dayKey(d))
	}
	return keys
}

func dayKey(d time.Time) string {
	return fmt.Sprintf("%04d/%02d/%02d", d.Year(), int(d.Month()), d.Day())
}
