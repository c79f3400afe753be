package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// Employee is one row of the fake backend's data set
type Employee struct {
	ID          int     `json:"id"`
	Tag         string  `json:"tag"`
	Details     Details `json:"details"`
	CurrentMood string  `json:"currentMood"`
	IsAvailable bool    `json:"isAvailable"`
	StartDate   string  `json:"startDate"`
}

// Details holds an employee's personal data
type Details struct {
	Forename    string  `json:"forename"`
	Surname     string  `json:"surname"`
	Nationality *string `json:"nationality"`
}

// GraphQLRequest is the body the gateway posts to a GraphQL backend
type GraphQLRequest struct {
	Query         string          `json:"query"`
	OperationName string          `json:"operationName"`
	Variables     json.RawMessage `json:"variables"`
}

// GraphQLResponse is a GraphQL-over-HTTP response body
type GraphQLResponse struct {
	Data   any            `json:"data"`
	Errors []GraphQLError `json:"errors,omitempty"`
}

// GraphQLError is one entry of a response's errors list
type GraphQLError struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

func nationality(s string) *string { return &s }

func seedEmployees() map[int]*Employee {
	return map[int]*Employee{
		1: {ID: 1, CurrentMood: "HAPPY", IsAvailable: true, StartDate: "2022-01-01",
			Details: Details{Forename: "Jens", Surname: "Neuse", Nationality: nationality("GERMAN")}},
		2: {ID: 2, CurrentMood: "HAPPY", IsAvailable: false, StartDate: "2022-01-01",
			Details: Details{Forename: "Dustin", Surname: "Deus", Nationality: nationality("GERMAN")}},
		3: {ID: 3, CurrentMood: "SAD", IsAvailable: true, StartDate: "2022-02-01",
			Details: Details{Forename: "Stefan", Surname: "Avram", Nationality: nationality("AMERICAN")}},
		4: {ID: 4, CurrentMood: "HAPPY", IsAvailable: false, StartDate: "2022-03-01",
			Details: Details{Forename: "Björn", Surname: "Schwenzer"}},
	}
}

// FakeBackend answers the employees fixture operations by operation name.
// It returns whole employee objects regardless of the selection so callers
// see fields outside their response shape.
type FakeBackend struct {
	mu        sync.Mutex
	employees map[int]*Employee
	requests  []GraphQLRequest

	calls  atomic.Int64
	status atomic.Int32
	delay  atomic.Int64
}

// NewFakeBackend creates a backend seeded with four employees
func NewFakeBackend() *FakeBackend {
	return &FakeBackend{employees: seedEmployees()}
}

// Calls returns how many requests reached the backend
func (b *FakeBackend) Calls() int64 {
	return b.calls.Load()
}

// Requests returns a copy of every request received
func (b *FakeBackend) Requests() []GraphQLRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]GraphQLRequest(nil), b.requests...)
}

// LastRequest returns the most recent request, or false when none arrived
func (b *FakeBackend) LastRequest() (GraphQLRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.requests) == 0 {
		return GraphQLRequest{}, false
	}
	return b.requests[len(b.requests)-1], true
}

// FailWith makes every HTTP response use status; zero restores normal
// operation.
func (b *FakeBackend) FailWith(status int) {
	b.status.Store(int32(status))
}

// SetDelay delays every response by d
func (b *FakeBackend) SetDelay(d time.Duration) {
	b.delay.Store(int64(d))
}

// Mood returns the current mood of an employee
func (b *FakeBackend) Mood(id int) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.employees[id]; ok {
		return e.CurrentMood
	}
	return ""
}

// Execute answers one request
func (b *FakeBackend) Execute(req GraphQLRequest) GraphQLResponse {
	b.calls.Add(1)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.requests = append(b.requests, req)

	var vars map[string]any
	if len(req.Variables) > 0 {
		if err := json.Unmarshal(req.Variables, &vars); err != nil {
			return GraphQLResponse{Errors: []GraphQLError{{Message: "invalid variables"}}}
		}
	}

	switch req.OperationName {
	case "GetEmployeeById":
		e, ok := b.employees[intVar(vars, "id")]
		if !ok {
			return GraphQLResponse{Data: map[string]any{"employee": nil}}
		}
		return GraphQLResponse{Data: map[string]any{"employee": e}}

	case "UpdateEmployeeMood":
		e, ok := b.employees[intVar(vars, "id")]
		if !ok {
			return GraphQLResponse{
				Data:   map[string]any{"updateMood": nil},
				Errors: []GraphQLError{{Message: "employee not found", Path: []any{"updateMood"}}},
			}
		}
		if mood, ok := vars["mood"].(string); ok {
			e.CurrentMood = mood
		}
		return GraphQLResponse{Data: map[string]any{"updateMood": e}}

	// CountEmployees is the operation reload tests add to a running tree
	case "ListEmployees", "CountEmployees":
		return GraphQLResponse{Data: map[string]any{"employees": b.sorted(nil)}}

	case "FindEmployees":
		criteria, _ := vars["criteria"].(map[string]any)
		return GraphQLResponse{Data: map[string]any{"findEmployees": b.sorted(func(e *Employee) bool {
			return matches(e, criteria)
		})}}
	}

	return GraphQLResponse{Errors: []GraphQLError{{Message: "unknown operation " + req.OperationName}}}
}

func (b *FakeBackend) sorted(keep func(*Employee) bool) []*Employee {
	out := make([]*Employee, 0, len(b.employees))
	for _, e := range b.employees {
		if keep == nil || keep(e) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func matches(e *Employee, criteria map[string]any) bool {
	if n, ok := criteria["nationality"].(string); ok {
		if e.Details.Nationality == nil || !strings.EqualFold(*e.Details.Nationality, n) {
			return false
		}
	}
	if f, ok := criteria["forename"].(string); ok && f != e.Details.Forename {
		return false
	}
	return true
}

func intVar(vars map[string]any, name string) int {
	if f, ok := vars[name].(float64); ok {
		return int(f)
	}
	return 0
}

// ServeHTTP implements a GraphQL-over-HTTP endpoint
func (b *FakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if d := time.Duration(b.delay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-r.Context().Done():
			return
		}
	}
	if status := int(b.status.Load()); status != 0 {
		b.calls.Add(1)
		http.Error(w, "backend failure at 10.0.0.7:4000", status)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req GraphQLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(b.Execute(req))
}

// HandleMessage answers a request carried in a NATS message body
func (b *FakeBackend) HandleMessage(data []byte) []byte {
	var req GraphQLRequest
	if err := json.Unmarshal(data, &req); err != nil {
		out, _ := json.Marshal(GraphQLResponse{Errors: []GraphQLError{{Message: "invalid body"}}})
		return out
	}
	out, _ := json.Marshal(b.Execute(req))
	return out
}

// StartFakeBackend serves a fresh FakeBackend over HTTP for the duration of
// the test and returns it with its endpoint URL.
func StartFakeBackend(t testing.TB) (*FakeBackend, string) {
	t.Helper()
	backend := NewFakeBackend()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)
	return backend, srv.URL + "/graphql"
}
