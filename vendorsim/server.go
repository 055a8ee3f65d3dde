package vendorsim

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/freundallein/erpexport/chassis/protocol"
)

const (
	// HistoryPath ...
	HistoryPath = "/history"
	exportPath  = "/export/"
)

// Config ...
type Config struct {
	// Location renders create_time, the vendor's local zone.
	Location *time.Location
	// Steps is the number of history fetches a task needs to reach 100%.
	Steps int
	// ProcessingCode answers a submission while the same export still runs.
	ProcessingCode int
	DoneState      int
}

type export struct {
	moduleName string
	rejectCode int
	noURL      bool
}

type task struct {
	id     int
	record protocol.TaskRecord
	steps  int
	noURL  bool
}

// Server fakes the vendor's asynchronous export API.
type Server struct {
	mu       sync.Mutex
	cfg      Config
	router   *mux.Router
	exports  map[string]*export
	tasks    []*task
	seeded   []protocol.TaskRecord
	nextID   int
	submits  int
	fetches  int
	requests []protocol.HistoryRequest
	log      *logrus.Entry
}

// New ...
func New(cfg Config, log *logrus.Entry) *Server {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Steps < 1 {
		cfg.Steps = 3
	}
	if cfg.ProcessingCode == 0 {
		cfg.ProcessingCode = 2006
	}
	if cfg.DoneState == 0 {
		cfg.DoneState = 1
	}
	s := &Server{
		cfg:     cfg,
		exports: make(map[string]*export),
		log:     log,
	}
	router := mux.NewRouter()
	router.HandleFunc(exportPath+"{name}", s.handleSubmit).Methods(http.MethodPost)
	router.HandleFunc(HistoryPath, s.handleHistory).Methods(http.MethodPost)
	router.HandleFunc("/files/{id:[0-9]+}.{ext}", s.handleFile).Methods(http.MethodGet)
	s.router = router
	return s
}

// ServeHTTP ...
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Register an export endpoint; tasks it creates carry moduleName.
func (s *Server) Register(name, moduleName string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exports[name] = &export{moduleName: moduleName}
	return exportPath + name
}

// Reject makes the endpoint answer code without creating a task.
func (s *Server) Reject(name string, code int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.exports[name]; ok {
		e.rejectCode = code
	}
}

// OmitURL makes tasks of the endpoint complete without a download URL.
func (s *Server) OmitURL(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.exports[name]; ok {
		e.noURL = true
	}
}

// Seed adds a foreign record to every history page.
func (s *Server) Seed(record protocol.TaskRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seeded = append(s.seeded, record)
}

// Stats returns submission and history fetch counters.
func (s *Server) Stats() (submits, fetches int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits, s.fetches
}

// HistoryRequests returns every history query received.
func (s *Server) HistoryRequests() []protocol.HistoryRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.HistoryRequest(nil), s.requests...)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	var params map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeJSON(w, protocol.SubmitResponse{Code: 400, Msg: "bad params"})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.submits++
	e, ok := s.exports[name]
	if !ok {
		writeJSON(w, protocol.SubmitResponse{Code: 404, Msg: "unknown export"})
		return
	}
	if e.rejectCode != 0 {
		writeJSON(w, protocol.SubmitResponse{Code: e.rejectCode, Msg: "rejected"})
		return
	}
	for _, t := range s.tasks {
		if t.record.ModuleName == e.moduleName && t.record.Schedule < 100 {
			writeJSON(w, protocol.SubmitResponse{Code: s.cfg.ProcessingCode, Msg: "export already processing"})
			return
		}
	}
	s.nextID++
	t := &task{
		id: s.nextID,
		record: protocol.TaskRecord{
			Name:       fmt.Sprintf("%s导出", e.moduleName),
			ModuleName: e.moduleName,
			State:      0,
			CreateTime: time.Now().In(s.cfg.Location).Format(protocol.CreateTimeLayout),
		},
		noURL: e.noURL,
	}
	s.tasks = append(s.tasks, t)
	s.log.WithFields(logrus.Fields{
		"event":      "sim_task_created",
		"taskID":     t.id,
		"moduleName": e.moduleName,
	}).Debug("export task created")
	writeJSON(w, protocol.SubmitResponse{Code: 0, Msg: "success"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	var request protocol.HistoryRequest
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		writeJSON(w, protocol.HistoryResponse{Code: 400, Msg: "bad request"})
		return
	}
	base := "http://" + r.Host

	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	s.requests = append(s.requests, request)
	records := append([]protocol.TaskRecord(nil), s.seeded...)
	// newest first like the vendor, later tasks first within one second
	for i := len(s.tasks) - 1; i >= 0; i-- {
		s.advance(s.tasks[i], base)
		records = append(records, s.tasks[i].record)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreateTime > records[j].CreateTime
	})
	if request.PageSize > 0 && len(records) > request.PageSize {
		records = records[:request.PageSize]
	}
	response := protocol.HistoryResponse{Code: 0}
	response.Data.Content = records
	writeJSON(w, response)
}

func (s *Server) advance(t *task, base string) {
	if t.record.Schedule >= 100 {
		return
	}
	t.steps++
	t.record.Schedule = float64(100 * t.steps / s.cfg.Steps)
	if t.steps >= s.cfg.Steps {
		t.record.Schedule = 100
		t.record.State = s.cfg.DoneState
		if !t.noURL {
			t.record.URL = fmt.Sprintf("%s/files/%d.xlsx", base, t.id)
		}
	}
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.mu.Lock()
	var found *task
	for _, t := range s.tasks {
		if fmt.Sprint(t.id) == id && strings.HasSuffix(t.record.URL, r.URL.Path) {
			found = t
		}
	}
	s.mu.Unlock()
	if found == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Write(Content(found.record))
}

// Content is the payload served for a finished task.
func Content(record protocol.TaskRecord) []byte {
	return []byte(strings.Repeat(fmt.Sprintf("%s,%s\n", record.ModuleName, record.CreateTime), 64))
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
