package capture

import (
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/go-sourcemap/sourcemap"
)

// Location is a resolved code position. Line and Column are 1-based.
type Location struct {
	File   string
	Line   int
	Column int
}

// SelectFrame picks the most useful call frame: the first one whose URL
// matches no ignore pattern, falling back to the first frame when every
// URL is ignored. CDP positions are 0-based; the result is 1-based.
func SelectFrame(trace *runtime.StackTrace, ignore []*regexp.Regexp) (Location, bool) {
	if trace == nil || len(trace.CallFrames) == 0 {
		return Location{}, false
	}
	frame := trace.CallFrames[0]
	if len(ignore) > 0 {
		for _, candidate := range trace.CallFrames {
			if !matchesAny(candidate.URL, ignore) {
				frame = candidate
				break
			}
		}
	}
	return Location{
		File:   frame.URL,
		Line:   int(frame.LineNumber) + 1,
		Column: int(frame.ColumnNumber) + 1,
	}, true
}

func matchesAny(s string, patterns []*regexp.Regexp) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// StripPrefixes removes the first matching literal prefix from file, for
// display only. Sourcemap lookup runs on the unstripped URL.
func StripPrefixes(file string, prefixes []string) string {
	for _, prefix := range prefixes {
		if prefix != "" && strings.HasPrefix(file, prefix) {
			return file[len(prefix):]
		}
	}
	return file
}

// SourcemapResolver maps generated positions back to authored sources
// via sibling .map files. Lookups are best-effort: any failure is cached
// as a miss and the original location flows through unchanged.
type SourcemapResolver struct {
	client *http.Client

	mu    sync.Mutex
	cache map[string]*sourcemap.Consumer // nil entry = known miss
}

func NewSourcemapResolver() *SourcemapResolver {
	return &SourcemapResolver{
		client: &http.Client{Timeout: 3 * time.Second},
		cache:  map[string]*sourcemap.Consumer{},
	}
}

// Resolve maps loc through the sibling source map of loc.File, when one
// exists. Unresolvable locations come back unchanged.
func (r *SourcemapResolver) Resolve(loc Location) Location {
	if r == nil || loc.File == "" {
		return loc
	}
	consumer := r.consumerFor(loc.File)
	if consumer == nil {
		return loc
	}
	source, _, line, col, ok := consumer.Source(loc.Line, loc.Column)
	if !ok || source == "" {
		return loc
	}
	return Location{File: source, Line: line, Column: col}
}

func (r *SourcemapResolver) consumerFor(file string) *sourcemap.Consumer {
	r.mu.Lock()
	consumer, seen := r.cache[file]
	r.mu.Unlock()
	if seen {
		return consumer
	}

	consumer = r.fetch(file)
	r.mu.Lock()
	r.cache[file] = consumer
	r.mu.Unlock()
	return consumer
}

func (r *SourcemapResolver) fetch(file string) *sourcemap.Consumer {
	u, err := url.Parse(file)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil
	}
	mapURL := file + ".map"
	resp, err := r.client.Get(mapURL)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil
	}
	// 16 MiB is generous; production maps rarely exceed a few MiB.
	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil
	}
	consumer, err := sourcemap.Parse(mapURL, data)
	if err != nil {
		return nil
	}
	return consumer
}

const redactedPlaceholder = "[REDACTED]"

// Redact replaces every match of the configured patterns. Applied to
// text and string args before they reach a buffer or a log file.
func Redact(s string, patterns []*regexp.Regexp) string {
	for _, p := range patterns {
		s = p.ReplaceAllString(s, redactedPlaceholder)
	}
	return s
}
