package contract

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"google.golang.org/protobuf/reflect/protoreflect"

	"github.com/c360/connectgate/errors"
)

// Registry is an immutable lookup from (service, method) to Contract.
// A reload builds a new Registry; readers never observe a partial one.
type Registry struct {
	services    []*Service
	byName      map[protoreflect.FullName]*Service
	byProcedure map[string]*Contract
	contracts   int
	fingerprint string
}

// NewRegistry assembles services into a registry. Two services with the
// same fully-qualified name are a DiscoveryError.
func NewRegistry(services []*Service) (*Registry, error) {
	r := &Registry{
		byName:      make(map[protoreflect.FullName]*Service, len(services)),
		byProcedure: make(map[string]*Contract),
	}

	sorted := make([]*Service, len(services))
	copy(sorted, services)
	// stable, so duplicates are reported in source order
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].FullName < sorted[j].FullName })

	h := sha256.New()
	for _, svc := range sorted {
		if prev, dup := r.byName[svc.FullName]; dup {
			return nil, errors.Discovery(
				fmt.Errorf("service %s is defined in both %s and %s", svc.FullName, prev.Source, svc.Source),
				svc.Source)
		}
		r.byName[svc.FullName] = svc
		for _, c := range svc.contracts {
			r.byProcedure[c.Procedure()] = c
			r.contracts++
		}
		fmt.Fprintf(h, "%s=%s\n", svc.FullName, svc.fingerprint)
	}
	r.services = sorted
	r.fingerprint = hex.EncodeToString(h.Sum(nil))
	return r, nil
}

// Resolve returns the contract for service and method. The NotFound error
// says whether the service or only the method is unknown.
func (r *Registry) Resolve(service, method string) (*Contract, error) {
	svc, ok := r.byName[protoreflect.FullName(service)]
	if !ok {
		return nil, errors.NotFound("unknown service %s", service)
	}
	c, ok := svc.byMethod[method]
	if !ok {
		return nil, errors.NotFound("unknown method %s on service %s", method, service)
	}
	return c, nil
}

// ResolveProcedure resolves an RPC path of the form /<service>/<method>
func (r *Registry) ResolveProcedure(path string) (*Contract, error) {
	if c, ok := r.byProcedure[path]; ok {
		return c, nil
	}
	service, method, ok := SplitProcedure(path)
	if !ok {
		return nil, errors.NotFound("malformed procedure %s", path)
	}
	return r.Resolve(service, method)
}

// SplitProcedure splits /<service>/<method> into its parts
func SplitProcedure(path string) (service, method string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == path {
		return "", "", false
	}
	i := strings.LastIndexByte(trimmed, '/')
	if i <= 0 || i == len(trimmed)-1 {
		return "", "", false
	}
	return trimmed[:i], trimmed[i+1:], true
}

// Services returns every service ordered by full name
func (r *Registry) Services() []*Service {
	out := make([]*Service, len(r.services))
	copy(out, r.services)
	return out
}

// Service returns one service by full name
func (r *Registry) Service(name string) (*Service, bool) {
	svc, ok := r.byName[protoreflect.FullName(name)]
	return svc, ok
}

// Contracts returns every contract ordered by procedure
func (r *Registry) Contracts() []*Contract {
	out := make([]*Contract, 0, r.contracts)
	for _, svc := range r.services {
		out = append(out, svc.contracts...)
	}
	return out
}

// Len returns the number of contracts
func (r *Registry) Len() int {
	return r.contracts
}

// Fingerprint digests every service and contract. Equal fingerprints mean
// equal resolvable contract sets.
func (r *Registry) Fingerprint() string {
	return r.fingerprint
}
