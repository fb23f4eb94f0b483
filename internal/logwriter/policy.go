package logwriter

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Mode selects how the out/err files are opened and rolled.
type Mode string

const (
	ModeAppend            Mode = "append"
	ModeReset             Mode = "reset"
	ModeNone              Mode = "none"
	ModeRollBySize        Mode = "roll-by-size"
	ModeRollByTime        Mode = "roll-by-time"
	ModeRollBySizeAndTime Mode = "roll-by-size-and-time"
)

// ParseMode accepts the config spelling of a mode. Both "-" and "_" separators are allowed.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "_", "-"))
	switch m {
	case "":
		return ModeAppend, nil
	case ModeAppend, ModeReset, ModeNone, ModeRollBySize, ModeRollByTime, ModeRollBySizeAndTime:
		return m, nil
	}
	return "", fmt.Errorf("unknown log mode %q", s)
}

func (m Mode) bySize() bool { return m == ModeRollBySize || m == ModeRollBySizeAndTime }
func (m Mode) byTime() bool { return m == ModeRollByTime || m == ModeRollBySizeAndTime }

const (
	DefaultMaxSize       int64 = 10 * 1000 * 1000
	DefaultKeepFiles           = 8
	DefaultDatePattern         = "20060102"
	DefaultArchiveBucket       = "200601"
	DefaultArchiveDelay        = 5 * time.Second
)

// Policy is the read-only rotation policy of one service.
type Policy struct {
	Mode        Mode
	MaxSize     int64
	KeepFiles   int
	DatePattern string
	// Daily rollover instant (local time). A log day starts at this instant.
	RolloverHour   int
	RolloverMinute int

	Archive       bool
	ArchiveAfter  time.Duration
	ArchiveBucket string
	ArchiveDelay  time.Duration
}

// DefaultPolicy returns the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		Mode:          ModeAppend,
		MaxSize:       DefaultMaxSize,
		KeepFiles:     DefaultKeepFiles,
		DatePattern:   DefaultDatePattern,
		ArchiveBucket: DefaultArchiveBucket,
		ArchiveDelay:  DefaultArchiveDelay,
	}
}

// Validate reports policy values that can not drive a writer.
func (p Policy) Validate() error {
	if _, err := ParseMode(string(p.Mode)); err != nil {
		return err
	}
	if p.Mode.bySize() && p.MaxSize <= 0 {
		return fmt.Errorf("log max size must be positive in %s mode", p.Mode)
	}
	if p.KeepFiles < 0 {
		return fmt.Errorf("keep files must not be negative")
	}
	if p.Mode.byTime() && p.DatePattern == "" {
		return fmt.Errorf("date pattern is required in %s mode", p.Mode)
	}
	if p.RolloverHour < 0 || p.RolloverHour > 23 || p.RolloverMinute < 0 || p.RolloverMinute > 59 {
		return fmt.Errorf("invalid rollover time %02d:%02d", p.RolloverHour, p.RolloverMinute)
	}
	if p.Archive && p.ArchiveAfter < 0 {
		return fmt.Errorf("archive age must not be negative")
	}
	return nil
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (hour, minute int, err error) {
	if s == "" {
		return 0, 0, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

const (
	kindOut = "out"
	kindErr = "err"
)

// naming renders and recognises the file names of one service.
type naming struct {
	dir     string
	service string
	pattern string
	dated   bool
	bucket  string
	offset  time.Duration
	re      map[string]*regexp.Regexp
}

func newNaming(dir, service string, p Policy) naming {
	n := naming{
		dir:     dir,
		service: service,
		pattern: p.DatePattern,
		dated:   p.Mode.byTime(),
		bucket:  p.ArchiveBucket,
		offset:  time.Duration(p.RolloverHour)*time.Hour + time.Duration(p.RolloverMinute)*time.Minute,
		re:      make(map[string]*regexp.Regexp, 2),
	}
	if n.pattern == "" {
		n.pattern = DefaultDatePattern
	}
	if n.bucket == "" {
		n.bucket = DefaultArchiveBucket
	}
	for _, k := range []string{kindOut, kindErr} {
		n.re[k] = regexp.MustCompile(`^` + regexp.QuoteMeta(service) + `\.(?:(.+)\.)?` + k + `(?:\.(\d+))?\.log$`)
	}
	return n
}

// day returns the log day key for t.
func (n naming) day(t time.Time) string {
	return t.Add(-n.offset).Format(n.pattern)
}

// active is the path the stream of kind writes to at time t.
func (n naming) active(kind string, t time.Time) string {
	if n.dated {
		return filepath.Join(n.dir, n.service+"."+n.day(t)+"."+kind+".log")
	}
	return filepath.Join(n.dir, n.service+"."+kind+".log")
}

// rolled inserts .N before the final extension so a date segment is preserved.
func rolled(path string, idx int) string {
	return strings.TrimSuffix(path, ".log") + "." + strconv.Itoa(idx) + ".log"
}

// match reports whether name belongs to stream kind and returns its date segment if any.
func (n naming) match(kind, name string) (date string, ok bool) {
	m := n.re[kind].FindStringSubmatch(name)
	if m == nil {
		return "", false
	}
	// svc.x.out.log belongs to a service named svc.x, not to svc
	if m[1] != "" {
		if _, err := time.Parse(n.pattern, m[1]); err != nil {
			return "", false
		}
	}
	return m[1], true
}

func (n naming) archive(bucket string) string {
	return filepath.Join(n.dir, n.service+"."+bucket+".zip")
}
