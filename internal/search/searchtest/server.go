// Package searchtest provides an in-process fake of the Azure AI Search REST
// surface used by the search client.
package searchtest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// APIKey is the key the fake server accepts.
const APIKey = "test-search-key"

var (
	indexPath = regexp.MustCompile(`^/indexes\('([^']+)'\)(/stats|/docs/search\.index|/docs/search)?$`)
	eqFilter  = regexp.MustCompile(`^(\w+) eq '((?:[^']|'')*)'$`)
)

// Request is one recorded call.
type Request struct {
	Method string
	Path   string
	Query  string
	Body   []byte
}

// Server is a fake search service. Documents are kept per index as raw JSON
// objects keyed by DocId.
type Server struct {
	*httptest.Server

	mu       sync.Mutex
	schemas  map[string]json.RawMessage
	docs     map[string]map[string]map[string]interface{}
	requests []Request

	// StatsFailures is how many stats calls answer 404 after an index is
	// created, simulating propagation delay.
	StatsFailures int
	statsCalls    map[string]int
}

// NewServer starts a fake search service.
func NewServer() *Server {
	s := &Server{
		schemas:    make(map[string]json.RawMessage),
		docs:       make(map[string]map[string]map[string]interface{}),
		statsCalls: make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Requests returns a copy of the recorded requests.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// CountRequests counts recorded requests matching method and path suffix.
func (s *Server) CountRequests(method, pathSuffix string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Method == method && strings.HasSuffix(r.Path, pathSuffix) {
			n++
		}
	}
	return n
}

// Schema returns the last schema submitted for index.
func (s *Server) Schema(index string) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schemas[index]
}

// Document returns a stored document by key.
func (s *Server) Document(index, id string) (map[string]interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[index][id]
	return d, ok
}

// DocumentIDs returns the sorted keys stored in index.
func (s *Server) DocumentIDs(index string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.docs[index]))
	for id := range s.docs[index] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	r.Body.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: body})

	if r.Header.Get("api-key") != APIKey {
		writeError(w, http.StatusForbidden, "invalid api key")
		return
	}
	if r.URL.Query().Get("api-version") == "" {
		writeError(w, http.StatusBadRequest, "api-version is required")
		return
	}

	m := indexPath.FindStringSubmatch(r.URL.Path)
	if m == nil {
		writeError(w, http.StatusNotFound, "no such route")
		return
	}
	index, sub := m[1], m[2]

	switch {
	case sub == "" && r.Method == http.MethodPut:
		_, existed := s.schemas[index]
		s.schemas[index] = json.RawMessage(body)
		if s.docs[index] == nil {
			s.docs[index] = make(map[string]map[string]interface{})
		}
		if existed {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.statsCalls[index] = 0
		w.WriteHeader(http.StatusCreated)
		w.Write(body)

	case sub == "" && r.Method == http.MethodDelete:
		if _, ok := s.schemas[index]; !ok {
			writeError(w, http.StatusNotFound, "The index '"+index+"' for service 'fake' was not found.")
			return
		}
		delete(s.schemas, index)
		delete(s.docs, index)
		w.WriteHeader(http.StatusNoContent)

	case sub == "/stats" && r.Method == http.MethodGet:
		if _, ok := s.schemas[index]; !ok {
			writeError(w, http.StatusNotFound, "index not found")
			return
		}
		s.statsCalls[index]++
		if s.statsCalls[index] <= s.StatsFailures {
			writeError(w, http.StatusNotFound, "index not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"documentCount": len(s.docs[index]), "storageSize": 0})

	case sub == "/docs/search.index" && r.Method == http.MethodPost:
		s.handleIndexBatch(w, index, body)

	case sub == "/docs/search" && r.Method == http.MethodPost:
		s.handleSearch(w, index, body)

	default:
		writeError(w, http.StatusMethodNotAllowed, "unsupported")
	}
}

func (s *Server) handleIndexBatch(w http.ResponseWriter, index string, body []byte) {
	if _, ok := s.schemas[index]; !ok {
		writeError(w, http.StatusNotFound, "index not found")
		return
	}
	var batch struct {
		Value []map[string]interface{} `json:"value"`
	}
	if err := json.Unmarshal(body, &batch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	type status struct {
		Key          string  `json:"key"`
		Status       bool    `json:"status"`
		ErrorMessage *string `json:"errorMessage"`
		StatusCode   int     `json:"statusCode"`
	}
	results := make([]status, 0, len(batch.Value))
	for _, doc := range batch.Value {
		key, _ := doc["DocId"].(string)
		action, _ := doc["@search.action"].(string)
		delete(doc, "@search.action")

		switch action {
		case "delete":
			delete(s.docs[index], key)
			results = append(results, status{Key: key, Status: true, StatusCode: 200})
		case "upload", "mergeOrUpload", "":
			existing, ok := s.docs[index][key]
			if !ok || action == "upload" {
				existing = make(map[string]interface{})
			}
			for k, v := range doc {
				existing[k] = v
			}
			s.docs[index][key] = existing
			code := http.StatusCreated
			if ok {
				code = http.StatusOK
			}
			results = append(results, status{Key: key, Status: true, StatusCode: code})
		default:
			msg := "unsupported action " + action
			results = append(results, status{Key: key, Status: false, ErrorMessage: &msg, StatusCode: 400})
		}
	}

	code := http.StatusOK
	for _, r := range results {
		if !r.Status {
			code = http.StatusMultiStatus
		}
	}
	writeJSON(w, code, map[string]interface{}{"value": results})
}

func (s *Server) handleSearch(w http.ResponseWriter, index string, body []byte) {
	if _, ok := s.schemas[index]; !ok {
		writeError(w, http.StatusNotFound, "index not found")
		return
	}
	var req struct {
		Search string `json:"search"`
		Filter string `json:"filter"`
		Top    int    `json:"top"`
		Skip   int    `json:"skip"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var field, value string
	if req.Filter != "" {
		m := eqFilter.FindStringSubmatch(req.Filter)
		if m == nil {
			writeError(w, http.StatusBadRequest, "unsupported filter")
			return
		}
		field, value = m[1], strings.ReplaceAll(m[2], "''", "'")
	}

	ids := make([]string, 0, len(s.docs[index]))
	for id := range s.docs[index] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]map[string]interface{}, 0)
	skipped := 0
	for _, id := range ids {
		doc := s.docs[index][id]
		if field != "" && doc[field] != value {
			continue
		}
		if req.Search != "" && req.Search != "*" {
			body, _ := doc["Description"].(string)
			if !strings.Contains(strings.ToLower(body), strings.ToLower(req.Search)) {
				continue
			}
		}
		if skipped < req.Skip {
			skipped++
			continue
		}
		hit := map[string]interface{}{"@search.score": 1.0}
		for k, v := range doc {
			if k != "DescriptionVector" {
				hit[k] = v
			}
		}
		out = append(out, hit)
		if req.Top > 0 && len(out) >= req.Top {
			break
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"value": out})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": map[string]string{"code": http.StatusText(status), "message": msg}})
}
