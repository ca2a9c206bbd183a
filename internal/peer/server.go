package peer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/roach88/causalog/internal/ir"
	"github.com/roach88/causalog/internal/store"
)

// Routes served by Handler.
const (
	routeFact      = "/v1/facts/{factID}"
	routeFactRange = "/v1/facts"
	routeSegment   = "/v1/segments/{segmentID}"
	routeEntry     = "/v1/entries/{scope}/{entryID}"
)

// Wire shapes. Entries travel in their canonical wire projection.
type entryResponse struct {
	Entry json.RawMessage `json:"entry"`
}

type entriesResponse struct {
	Entries []json.RawMessage `json:"entries"`
	// Next is the cursor of the following batch when the range was cut at
	// the requested limit.
	Next string `json:"next,omitempty"`
}

type segmentResponse struct {
	Segment store.Segment     `json:"segment"`
	Entries []json.RawMessage `json:"entries"`
}

type errorResponse struct {
	RequestID string    `json:"request_id"`
	Error     errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Handler exposes p over HTTP. Every route is a read; there is no way to
// write through it.
func Handler(p DataProvider, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &server{p: p, log: logger.With("component", "peer")}
	r := chi.NewRouter()
	r.Get(routeFact, s.handleFact)
	r.Get(routeFactRange, s.handleFactRange)
	r.Get(routeSegment, s.handleSegment)
	r.Get(routeEntry, s.handleEntry)
	return r
}

type server struct {
	p   DataProvider
	log *slog.Logger
}

func (s *server) handleFact(w http.ResponseWriter, r *http.Request) {
	e, err := s.p.QueryFact(r.Context(), chi.URLParam(r, "factID"))
	s.writeEntry(w, e, err)
}

func (s *server) handleEntry(w http.ResponseWriter, r *http.Request) {
	ref := ir.EntryRef{Scope: ir.Scope(chi.URLParam(r, "scope")), ID: chi.URLParam(r, "entryID")}
	if err := ref.Scope.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_SCOPE", err.Error())
		return
	}
	e, err := s.p.QueryEntry(r.Context(), ref)
	s.writeEntry(w, e, err)
}

func (s *server) handleFactRange(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	domain := q.Get("domain")
	if domain == "" {
		writeError(w, http.StatusBadRequest, "BAD_QUERY", "domain is required")
		return
	}
	var (
		tr    TimeRange
		after cursor
		limit uint64
		err   error
	)
	if tr.From, err = parseTS(q.Get("from")); err == nil {
		if tr.To, err = parseTS(q.Get("to")); err == nil {
			if after, err = parseCursor(q.Get("after")); err == nil {
				limit, err = parseLimit(q.Get("limit"))
			}
		}
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_QUERY", err.Error())
		return
	}
	entries, err := s.p.QueryFactRange(r.Context(), domain, tr)
	if err != nil {
		s.internal(w, r, err)
		return
	}
	entries = after.skip(entries)
	var next string
	if limit > 0 && uint64(len(entries)) > limit {
		entries = entries[:limit]
		next = cursorOf(entries[len(entries)-1]).String()
	}
	raw, err := encodeEntries(entries)
	if err != nil {
		s.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entriesResponse{Entries: raw, Next: next})
}

// cursor is a position in a (timestamp, id) ordered range.
type cursor struct {
	ts uint64
	id string
}

func cursorOf(e ir.LogEntry) cursor { return cursor{ts: e.Timestamp, id: e.ID} }

func (c cursor) String() string { return strconv.FormatUint(c.ts, 10) + ":" + c.id }

// skip drops the entries at or before c.
func (c cursor) skip(entries []ir.LogEntry) []ir.LogEntry {
	if c.id == "" {
		return entries
	}
	for i, e := range entries {
		if e.Timestamp > c.ts || (e.Timestamp == c.ts && e.ID > c.id) {
			return entries[i:]
		}
	}
	return nil
}

func parseCursor(s string) (cursor, error) {
	if s == "" {
		return cursor{}, nil
	}
	ts, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return cursor{}, fmt.Errorf("invalid cursor %q", s)
	}
	n, err := strconv.ParseUint(ts, 10, 64)
	if err != nil {
		return cursor{}, fmt.Errorf("invalid cursor %q", s)
	}
	return cursor{ts: n, id: id}, nil
}

func (s *server) handleSegment(w http.ResponseWriter, r *http.Request) {
	data, err := s.p.QueryLogSegment(r.Context(), chi.URLParam(r, "segmentID"))
	if err != nil {
		s.internal(w, r, err)
		return
	}
	if data == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "segment not found")
		return
	}
	raw, err := encodeEntries(data.Entries)
	if err != nil {
		s.internal(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, segmentResponse{Segment: data.Segment, Entries: raw})
}

func (s *server) writeEntry(w http.ResponseWriter, e *ir.LogEntry, err error) {
	if err != nil {
		s.log.Error("query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "QUERY_FAILED", err.Error())
		return
	}
	if e == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "entry not found")
		return
	}
	data, err := ir.MarshalEntry(*e)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ENCODE_FAILED", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, entryResponse{Entry: data})
}

func (s *server) internal(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error("query failed", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "QUERY_FAILED", err.Error())
}

func encodeEntries(entries []ir.LogEntry) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		data, err := ir.MarshalEntry(e)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}

func parseTS(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	ts, err := strconv.ParseUint(s, 10, 63)
	if err != nil {
		return 0, errors.New("timestamps are non-negative integers")
	}
	return ts, nil
}

func parseLimit(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid limit %q", s)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{
		RequestID: "req_" + uuid.NewString(),
		Error:     errorBody{Code: code, Message: message},
	})
}
