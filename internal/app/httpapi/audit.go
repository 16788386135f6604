package httpapi

import (
	"bufio"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/quantumshield/backend/internal/middleware"
)

const defaultAuditCapacity = 500

// auditEntry is one mutating API call.
type auditEntry struct {
	Time       time.Time `json:"time"`
	TraceID    string    `json:"trace_id,omitempty"`
	User       string    `json:"user,omitempty"`
	Role       string    `json:"role,omitempty"`
	AuthMethod string    `json:"auth_method,omitempty"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
}

type auditSink interface {
	Append(entry auditEntry) error
}

// auditLog is a fixed-capacity ring of recent mutations, mirrored to an
// optional sink.
type auditLog struct {
	mu    sync.Mutex
	ring  []auditEntry
	next  int
	full  bool
	sink  auditSink
	clock func() time.Time
}

func newAuditLog(capacity int, sink auditSink) *auditLog {
	if capacity <= 0 {
		capacity = defaultAuditCapacity
	}
	return &auditLog{ring: make([]auditEntry, capacity), sink: sink, clock: time.Now}
}

func (l *auditLog) record(entry auditEntry) {
	l.mu.Lock()
	l.ring[l.next] = entry
	l.next = (l.next + 1) % len(l.ring)
	if l.next == 0 {
		l.full = true
	}
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		_ = sink.Append(entry)
	}
}

// recent walks the ring newest first. An empty user matches every entry.
func (l *auditLog) recent(limit int, user string) []auditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	if l.full {
		size = len(l.ring)
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]auditEntry, 0, limit)
	for i := 1; i <= size && len(out) < limit; i++ {
		e := l.ring[(l.next-i+len(l.ring))%len(l.ring)]
		if user != "" && e.User != user {
			continue
		}
		out = append(out, e)
	}
	return out
}

func mutating(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

// handler audits mutating requests once they complete. It runs after auth so
// the caller is known.
func (l *auditLog) handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !mutating(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		rw := &middleware.ResponseWriter{ResponseWriter: w, Status: http.StatusOK}
		next.ServeHTTP(rw, r)

		p, _ := middleware.PrincipalFrom(r.Context())
		l.record(auditEntry{
			Time:       l.clock().UTC(),
			TraceID:    middleware.TraceID(r.Context()),
			User:       p.UserID,
			Role:       p.Role,
			AuthMethod: p.Method,
			Method:     r.Method,
			Path:       r.URL.Path,
			Status:     rw.Status,
			RemoteAddr: clientAddr(r),
			UserAgent:  r.UserAgent(),
		})
	})
}

func clientAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	return r.RemoteAddr
}

// jsonlSink appends entries to a file, one JSON document per line.
type jsonlSink struct {
	mu  sync.Mutex
	f   *os.File
	buf *bufio.Writer
}

func openJSONLSink(path string) (*jsonlSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, err
	}
	return &jsonlSink{f: f, buf: bufio.NewWriter(f)}, nil
}

func (s *jsonlSink) Append(entry auditEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.buf.Write(append(line, '\n')); err != nil {
		return err
	}
	return s.buf.Flush()
}
