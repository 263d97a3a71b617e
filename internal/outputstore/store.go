// Package outputstore keeps the captured output of extended commands in
// a byte-capped in-memory buffer that later calls can page through.
package outputstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/ship-commander/cmdbridge/internal/events"
	"github.com/ship-commander/cmdbridge/internal/telemetry/invariants"
)

// DefaultMaxBytes caps the total size of live records.
const DefaultMaxBytes = 8 * 1024 * 1024

// ErrNotFound indicates the id was never recorded or has been evicted.
var ErrNotFound = errors.New("output not found")

// Stream selects which captured stream a read covers.
type Stream string

const (
	// StreamCombined reads stdout followed by stderr.
	StreamCombined Stream = "combined"
	// StreamStdout reads stdout only.
	StreamStdout Stream = "stdout"
	// StreamStderr reads stderr only.
	StreamStderr Stream = "stderr"
)

// ParseStream maps a caller supplied name onto a Stream. Empty means
// combined.
func ParseStream(raw string) (Stream, error) {
	switch Stream(strings.ToLower(strings.TrimSpace(raw))) {
	case "", StreamCombined:
		return StreamCombined, nil
	case StreamStdout:
		return StreamStdout, nil
	case StreamStderr:
		return StreamStderr, nil
	default:
		return "", fmt.Errorf("unknown stream %q", raw)
	}
}

// Record is one stored output. Stdout and Stderr keep the chunks in the
// order they were written.
type Record struct {
	ID          string
	ToolName    string
	Stdout      []string
	Stderr      []string
	ReturnValue any
	Truncated   bool
	CreatedAt   time.Time
	SizeBytes   int
}

// Range selects a slice of lines. End <= 0 reads to the last line.
type Range struct {
	Stream Stream
	Start  int
	End    int
}

// Page is the result of a ranged read.
type Page struct {
	ID          string
	ToolName    string
	Lines       []string
	TotalLines  int
	Start       int
	End         int
	ReturnValue any
	Truncated   bool
}

// PutOption customizes one Put call.
type PutOption func(*putOptions)

type putOptions struct {
	toolName string
}

// WithToolName records which operation produced the output.
func WithToolName(name string) PutOption {
	return func(options *putOptions) {
		options.toolName = strings.TrimSpace(name)
	}
}

// EventPublisher receives eviction notifications.
type EventPublisher interface {
	Publish(event events.Event)
}

// Option customizes store construction.
type Option func(*Store)

// WithEventPublisher publishes OutputEvicted events when records are
// dropped to stay under the cap.
func WithEventPublisher(publisher EventPublisher) Option {
	return func(store *Store) {
		if publisher != nil {
			store.publisher = publisher
		}
	}
}

// WithClock overrides the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(store *Store) {
		if now != nil {
			store.now = now
		}
	}
}

// Store is safe for concurrent use. It never blocks on anything other
// than its own lock.
type Store struct {
	mu        sync.RWMutex
	maxBytes  int
	records   map[string]*Record
	order     []string
	total     int
	nextID    uint64
	now       func() time.Time
	publisher EventPublisher
}

// New creates a store holding at most maxBytes across all records.
// A non-positive cap selects DefaultMaxBytes.
func New(maxBytes int, options ...Option) *Store {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	store := &Store{
		maxBytes: maxBytes,
		records:  make(map[string]*Record),
		now:      time.Now,
	}
	for _, option := range options {
		if option == nil {
			continue
		}
		option(store)
	}
	return store
}

// NextID reserves the next sequential id, starting at "1".
func (s *Store) NextID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	return strconv.FormatUint(s.nextID, 10)
}

// Put records output for id, appending chunks when the id already
// exists. A non-nil returnValue replaces the stored one. Writes never
// fail because of the cap: older records are evicted instead.
func (s *Store) Put(id string, stdout, stderr []string, returnValue any, options ...PutOption) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("output id must not be empty")
	}
	var opts putOptions
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}

	s.mu.Lock()
	record, exists := s.records[id]
	if !exists {
		record = &Record{ID: id, CreatedAt: s.now().UTC()}
		s.records[id] = record
		s.order = append(s.order, id)
	} else {
		s.total -= record.SizeBytes
	}
	if opts.toolName != "" {
		record.ToolName = opts.toolName
	}
	record.Stdout = append(record.Stdout, stdout...)
	record.Stderr = append(record.Stderr, stderr...)
	if returnValue != nil {
		record.ReturnValue = returnValue
	}
	record.SizeBytes = recordSize(record)
	if record.SizeBytes > s.maxBytes {
		shrinkToFit(record, s.maxBytes)
	}
	s.total += record.SizeBytes

	evicted := s.evictLocked(id)
	total, maxBytes := s.total, s.maxBytes
	s.mu.Unlock()

	invariants.CheckOutputWithinCap(context.Background(), "outputstore.put", total, maxBytes)

	if len(evicted) > 0 && s.publisher != nil {
		s.publisher.Publish(events.Event{
			Type:       events.EventTypeOutputEvicted,
			EntityType: "output",
			EntityID:   strings.Join(evicted, ","),
			Payload:    evicted,
			Severity:   events.SeverityInfo,
		})
	}
	return nil
}

// Get returns a copy of the full record.
func (s *Store) Get(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[strings.TrimSpace(id)]
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	copied := *record
	copied.Stdout = append([]string(nil), record.Stdout...)
	copied.Stderr = append([]string(nil), record.Stderr...)
	return copied, nil
}

// Read returns the lines of one stream within span. Line endings are
// preserved; offsets past the end yield an empty page. Every stored
// chunk ends a line, so chunks without a trailing newline are not
// glued to the next one.
func (s *Store) Read(id string, span Range) (Page, error) {
	record, err := s.Get(id)
	if err != nil {
		return Page{}, err
	}
	if span.Start < 0 {
		return Page{}, fmt.Errorf("start must be >= 0, got %d", span.Start)
	}

	var text string
	switch span.Stream {
	case StreamStdout:
		text = joinChunks(record.Stdout)
	case StreamStderr:
		text = joinChunks(record.Stderr)
	default:
		text = joinStreams(record.Stdout, record.Stderr)
	}
	lines := SplitLines(text)

	start := min(span.Start, len(lines))
	end := len(lines)
	if span.End > 0 {
		end = min(span.End, len(lines))
	}
	if end < start {
		end = start
	}

	return Page{
		ID:          record.ID,
		ToolName:    record.ToolName,
		Lines:       append([]string{}, lines[start:end]...),
		TotalLines:  len(lines),
		Start:       span.Start,
		End:         end,
		ReturnValue: record.ReturnValue,
		Truncated:   record.Truncated,
	}, nil
}

// Stats reports the live record count and their combined size.
func (s *Store) Stats() (records int, bytes int, maxBytes int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), s.total, s.maxBytes
}

// Clear drops every record. Ids keep counting up.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]*Record)
	s.order = nil
	s.total = 0
}

// evictLocked drops the oldest records other than keep until the total
// fits under the cap.
func (s *Store) evictLocked(keep string) []string {
	var evicted []string
	remaining := s.order[:0]
	for i, id := range s.order {
		if s.total <= s.maxBytes {
			remaining = append(remaining, s.order[i:]...)
			break
		}
		if id == keep {
			remaining = append(remaining, id)
			continue
		}
		s.total -= s.records[id].SizeBytes
		delete(s.records, id)
		evicted = append(evicted, id)
	}
	s.order = remaining
	return evicted
}

func recordSize(record *Record) int {
	size := 0
	for _, chunk := range record.Stdout {
		size += len(chunk)
	}
	for _, chunk := range record.Stderr {
		size += len(chunk)
	}
	if record.ReturnValue != nil {
		size += len(fmt.Sprint(record.ReturnValue))
	}
	return size
}

// shrinkToFit keeps the earliest output that fits in maxBytes and flags
// the record as truncated.
func shrinkToFit(record *Record, maxBytes int) {
	budget := maxBytes
	if record.ReturnValue != nil {
		budget -= len(fmt.Sprint(record.ReturnValue))
		if budget < 0 {
			record.ReturnValue = nil
			budget = maxBytes
		}
	}
	record.Stdout, budget = keepWithin(record.Stdout, budget)
	record.Stderr, _ = keepWithin(record.Stderr, budget)
	record.Truncated = true
	record.SizeBytes = recordSize(record)
}

func keepWithin(chunks []string, budget int) ([]string, int) {
	kept := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		if budget <= 0 {
			break
		}
		if len(chunk) > budget {
			cut := budget
			for cut > 0 && !utf8.RuneStart(chunk[cut]) {
				cut--
			}
			if cut > 0 {
				kept = append(kept, chunk[:cut])
			}
			budget = 0
			break
		}
		kept = append(kept, chunk)
		budget -= len(chunk)
	}
	return kept, budget
}

func joinStreams(stdout, stderr []string) string {
	return joinChunks(append(append([]string(nil), stdout...), stderr...))
}

func joinChunks(chunks []string) string {
	var b strings.Builder
	for _, chunk := range chunks {
		if chunk == "" {
			continue
		}
		if b.Len() > 0 && !strings.HasSuffix(b.String(), "\n") {
			b.WriteByte('\n')
		}
		b.WriteString(chunk)
	}
	return b.String()
}
