package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/c360/connectgate/contract"
	"github.com/c360/connectgate/errors"
	"github.com/c360/connectgate/registry"
)

// ServiceListing is the body of GET /admin/services
type ServiceListing struct {
	State       string        `json:"state"`
	Fingerprint string        `json:"fingerprint,omitempty"`
	Services    []ServiceInfo `json:"services"`
	LastReload  *ReloadResult `json:"last_reload,omitempty"`
}

// ServiceInfo describes one served service
type ServiceInfo struct {
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Source      string       `json:"source,omitempty"`
	Methods     []MethodInfo `json:"methods"`
}

// MethodInfo describes one served contract
type MethodInfo struct {
	Name      string `json:"name"`
	Procedure string `json:"procedure"`
	Kind      string `json:"kind"`
	Cacheable bool   `json:"cacheable,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
	Input     string `json:"input"`
	Output    string `json:"output"`
}

// ReloadResult is the body of POST /admin/reload
type ReloadResult struct {
	Outcome     string    `json:"outcome"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Services    int       `json:"services"`
	Contracts   int       `json:"contracts"`
	Skipped     []string  `json:"skipped,omitempty"`
	Duration    string    `json:"duration"`
	At          time.Time `json:"at"`
	Error       string    `json:"error,omitempty"`
}

func newReloadResult(r registry.Report) *ReloadResult {
	return &ReloadResult{
		Outcome:     string(r.Outcome),
		Fingerprint: r.Fingerprint,
		Services:    r.Services,
		Contracts:   r.Contracts,
		Skipped:     r.Skipped,
		Duration:    r.Duration.String(),
		At:          r.At,
		Error:       r.Error(),
	}
}

func (g *Gateway) handleServices(w http.ResponseWriter, _ *http.Request) {
	listing := ServiceListing{
		State:    g.holder.State().String(),
		Services: []ServiceInfo{},
	}
	if last := g.holder.LastReport(); !last.At.IsZero() {
		listing.LastReload = newReloadResult(last)
	}
	if reg := g.holder.Current(); reg != nil {
		listing.Fingerprint = reg.Fingerprint()
		for _, svc := range reg.Services() {
			listing.Services = append(listing.Services, describeService(svc))
		}
	}
	writeJSON(w, http.StatusOK, listing)
}

func describeService(svc *contract.Service) ServiceInfo {
	info := ServiceInfo{
		Name:        string(svc.FullName),
		Description: svc.Description,
		Source:      svc.Source,
	}
	for _, c := range svc.Contracts() {
		m := MethodInfo{
			Name:      c.Method,
			Procedure: c.Procedure(),
			Kind:      c.Kind.String(),
			Cacheable: c.Cacheable,
			Input:     string(c.Input.FullName()),
			Output:    string(c.Output.FullName()),
		}
		if c.Timeout > 0 {
			m.Timeout = c.Timeout.String()
		}
		info.Methods = append(info.Methods, m)
	}
	return info
}

// handleReload runs a reload and reports its outcome. A failed discovery
// answers 422; the served registry is unaffected.
func (g *Gateway) handleReload(w http.ResponseWriter, r *http.Request) {
	report, err := g.holder.Reload(r.Context())
	if err != nil {
		status := http.StatusUnprocessableEntity
		if errors.IsKind(err, errors.KindNotReady) {
			status = http.StatusServiceUnavailable
			report.Outcome = registry.OutcomeFailed
			report.Err = err
		}
		writeJSON(w, status, newReloadResult(report))
		return
	}
	writeJSON(w, http.StatusOK, newReloadResult(report))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
