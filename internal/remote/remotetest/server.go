// Package remotetest provides an in-process fake of the remote document
// service for tests: databases, user accounts, membership, revisioned
// documents, and a changes feed, all over the same HTTP surface the real
// service exposes.
package remotetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const userDocPrefix = "org.couchdb.user:"

// StoredDoc is one revisioned document inside the fake.
type StoredDoc struct {
	Rev     string
	Deleted bool
	Body    map[string]any
	Seq     int
}

// Database holds documents and the membership list of one database.
type Database struct {
	Docs    map[string]*StoredDoc
	Members map[string]bool
}

// Server is the fake remote document service.
type Server struct {
	*httptest.Server

	AdminUser string
	AdminPass string

	mu    sync.Mutex
	dbs   map[string]*Database
	users map[string]string // username → password
	seq   int
	gen   int // revision generation counter
}

// New starts a fake service with the given administrative credentials.
// Callers own shutdown via s.Close().
func New(adminUser, adminPass string) *Server {
	s := &Server{
		AdminUser: adminUser,
		AdminPass: adminPass,
		dbs:       make(map[string]*Database),
		users:     make(map[string]string),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// CreateDB seeds a database directly, bypassing HTTP.
func (s *Server) CreateDB(name string, members ...string) *Database {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createDBLocked(name, members...)
}

func (s *Server) createDBLocked(name string, members ...string) *Database {
	db := &Database{Docs: map[string]*StoredDoc{}, Members: map[string]bool{}}
	for _, m := range members {
		db.Members[m] = true
	}
	s.dbs[name] = db
	return db
}

// CreateUser seeds a user account directly.
func (s *Server) CreateUser(username, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[username] = password
}

// PutDoc seeds or updates a document directly, assigning a fresh revision
// and sequence. Returns the new revision.
func (s *Server) PutDoc(dbName, id string, body map[string]any) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	db := s.dbs[dbName]
	if db == nil {
		db = s.createDBLocked(dbName)
	}
	return s.storeLocked(db, id, body, false)
}

// DeleteDoc tombstones a document directly.
func (s *Server) DeleteDoc(dbName, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db := s.dbs[dbName]; db != nil {
		s.storeLocked(db, id, map[string]any{}, true)
	}
}

// Doc returns the stored document, or nil.
func (s *Server) Doc(dbName, id string) *StoredDoc {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db := s.dbs[dbName]; db != nil {
		return db.Docs[id]
	}
	return nil
}

// HasDB reports whether the database exists.
func (s *Server) HasDB(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dbs[name]
	return ok
}

// HasUser reports whether the user account exists.
func (s *Server) HasUser(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[username]
	return ok
}

// IsMember reports whether username is a member of dbName.
func (s *Server) IsMember(dbName, username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	db := s.dbs[dbName]
	return db != nil && db.Members[username]
}

func (s *Server) storeLocked(db *Database, id string, body map[string]any, deleted bool) string {
	s.seq++
	s.gen++
	rev := fmt.Sprintf("%d-%08x", s.gen, s.seq)
	if prev := db.Docs[id]; prev != nil {
		rev = fmt.Sprintf("%d-%08x", revGen(prev.Rev)+1, s.seq)
	}
	db.Docs[id] = &StoredDoc{Rev: rev, Deleted: deleted, Body: body, Seq: s.seq}
	return rev
}

func revGen(rev string) int {
	head, _, _ := strings.Cut(rev, "-")
	n, _ := strconv.Atoi(head)
	return n
}

// ── HTTP Surface ────────────────────────────────────────────

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	username, password, _ := r.BasicAuth()
	isAdmin := username == s.AdminUser && password == s.AdminPass
	if !isAdmin {
		if pw, ok := s.users[username]; !ok || pw != password {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case len(parts) == 1 && parts[0] == "_users":
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
	case parts[0] == "_users" && len(parts) == 2:
		s.handleUserDoc(w, r, isAdmin, parts[1])
	case len(parts) == 1:
		s.handleDB(w, r, isAdmin, username, parts[0])
	case len(parts) == 2 && parts[1] == "_security":
		s.handleSecurity(w, r, isAdmin, parts[0])
	case len(parts) == 2 && parts[1] == "_changes":
		s.handleChanges(w, r, isAdmin, username, parts[0])
	case len(parts) == 2:
		s.handleDoc(w, r, isAdmin, username, parts[0], parts[1])
	default:
		http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
	}
}

func (s *Server) authorized(db *Database, isAdmin bool, username string) bool {
	if isAdmin {
		return true
	}
	// An empty members list leaves the database open to any authenticated
	// user, matching the remote service's default.
	return len(db.Members) == 0 || db.Members[username]
}

func (s *Server) handleDB(w http.ResponseWriter, r *http.Request, isAdmin bool, username, name string) {
	db, exists := s.dbs[name]
	switch r.Method {
	case http.MethodHead, http.MethodGet:
		if !exists {
			http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
			return
		}
		if !s.authorized(db, isAdmin, username) {
			http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		if !isAdmin {
			http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
			return
		}
		if exists {
			http.Error(w, `{"error":"file_exists"}`, http.StatusPreconditionFailed)
			return
		}
		s.createDBLocked(name)
		w.WriteHeader(http.StatusCreated)
	default:
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleUserDoc(w http.ResponseWriter, r *http.Request, isAdmin bool, docID string) {
	if !isAdmin {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}
	username := strings.TrimPrefix(docID, userDocPrefix)
	switch r.Method {
	case http.MethodHead, http.MethodGet:
		if _, ok := s.users[username]; !ok {
			http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		if _, ok := s.users[username]; ok {
			http.Error(w, `{"error":"conflict"}`, http.StatusConflict)
			return
		}
		var body struct {
			Name     string `json:"name"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
			http.Error(w, `{"error":"bad_request"}`, http.StatusBadRequest)
			return
		}
		s.users[body.Name] = body.Password
		w.WriteHeader(http.StatusCreated)
	default:
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleSecurity(w http.ResponseWriter, r *http.Request, isAdmin bool, name string) {
	db, exists := s.dbs[name]
	if !exists {
		http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPut {
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if !isAdmin {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}
	var sec struct {
		Members struct {
			Names []string `json:"names"`
		} `json:"members"`
	}
	if err := json.NewDecoder(r.Body).Decode(&sec); err != nil {
		http.Error(w, `{"error":"bad_request"}`, http.StatusBadRequest)
		return
	}
	db.Members = map[string]bool{}
	for _, n := range sec.Members.Names {
		db.Members[n] = true
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDoc(w http.ResponseWriter, r *http.Request, isAdmin bool, username, name, id string) {
	db, exists := s.dbs[name]
	if !exists {
		http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
		return
	}
	if !s.authorized(db, isAdmin, username) {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}

	switch r.Method {
	case http.MethodGet, http.MethodHead:
		doc, ok := db.Docs[id]
		if !ok || doc.Deleted {
			http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
			return
		}
		out := make(map[string]any, len(doc.Body)+2)
		for k, v := range doc.Body {
			out[k] = v
		}
		out["_id"] = id
		out["_rev"] = doc.Rev
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	case http.MethodPut:
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, `{"error":"bad_request"}`, http.StatusBadRequest)
			return
		}
		rev, _ := body["_rev"].(string)
		if prev, ok := db.Docs[id]; ok && !prev.Deleted && rev != prev.Rev {
			http.Error(w, `{"error":"conflict"}`, http.StatusConflict)
			return
		} else if (!ok || prev.Deleted) && rev != "" {
			http.Error(w, `{"error":"conflict"}`, http.StatusConflict)
			return
		}
		deleted, _ := body["_deleted"].(bool)
		delete(body, "_id")
		delete(body, "_rev")
		delete(body, "_deleted")
		newRev := s.storeLocked(db, id, body, deleted)
		w.Header().Set("Etag", `"`+newRev+`"`)
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "id": id, "rev": newRev})
	default:
		http.Error(w, `{"error":"method_not_allowed"}`, http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request, isAdmin bool, username, name string) {
	db, exists := s.dbs[name]
	if !exists {
		http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
		return
	}
	if !s.authorized(db, isAdmin, username) {
		http.Error(w, `{"error":"forbidden"}`, http.StatusForbidden)
		return
	}

	since := 0
	if v := r.URL.Query().Get("since"); v != "" {
		since, _ = strconv.Atoi(v)
	}

	type row struct {
		ID      string         `json:"id"`
		Seq     string         `json:"seq"`
		Deleted bool           `json:"deleted,omitempty"`
		Doc     map[string]any `json:"doc,omitempty"`
	}
	type pending struct {
		id  string
		doc *StoredDoc
	}
	var queue []pending
	last := since
	for id, doc := range db.Docs {
		if doc.Seq <= since {
			continue
		}
		queue = append(queue, pending{id: id, doc: doc})
		if doc.Seq > last {
			last = doc.Seq
		}
	}
	sort.Slice(queue, func(i, j int) bool { return queue[i].doc.Seq < queue[j].doc.Seq })

	results := make([]row, 0, len(queue))
	for _, p := range queue {
		out := make(map[string]any, len(p.doc.Body)+3)
		for k, v := range p.doc.Body {
			out[k] = v
		}
		out["_id"] = p.id
		out["_rev"] = p.doc.Rev
		if p.doc.Deleted {
			out["_deleted"] = true
		}
		results = append(results, row{ID: p.id, Seq: strconv.Itoa(p.doc.Seq), Deleted: p.doc.Deleted, Doc: out})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"results":  results,
		"last_seq": strconv.Itoa(last),
	})
}
