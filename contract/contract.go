package contract

import (
	"fmt"
	"regexp"
	"time"

	"google.golang.org/protobuf/reflect/protoreflect"
)

// Kind is a contract's side-effect classification
type Kind int

const (
	// ReadOnly contracts come from GraphQL queries. They may be called with
	// GET and their responses may be cached.
	ReadOnly Kind = iota
	// Mutating contracts come from GraphQL mutations and accept POST only
	Mutating
)

// String returns the classification name
func (k Kind) String() string {
	if k == Mutating {
		return "mutating"
	}
	return "read_only"
}

// FieldConstraint is a declared range constraint on one input field. Min
// and Max apply to numbers, MaxLength and Pattern to strings.
type FieldConstraint struct {
	Min       *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max       *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	MaxLength *int     `json:"max_length,omitempty" yaml:"max_length,omitempty"`
	Pattern   string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`

	re *regexp.Regexp
}

// Matches reports whether s satisfies Pattern. An empty pattern matches.
func (c *FieldConstraint) Matches(s string) bool {
	if c.re == nil {
		return true
	}
	return c.re.MatchString(s)
}

func (c *FieldConstraint) compile() error {
	if c.Pattern == "" {
		return nil
	}
	re, err := regexp.Compile(c.Pattern)
	if err != nil {
		return fmt.Errorf("pattern %q: %w", c.Pattern, err)
	}
	c.re = re
	return nil
}

// Variable is one declared operation variable. Its request field is Field.
type Variable struct {
	Name       string
	Type       string // GraphQL type text, e.g. [Int!]!
	Required   bool   // non-null without a default
	HasDefault bool
	Default    any // JSON-compatible value of the declared default
	Field      protoreflect.FieldDescriptor
}

// Contract is the fixed request/response pairing for one method
type Contract struct {
	ServiceName   protoreflect.FullName // employees.v1.HrService
	Method        string                // GetEmployeeById
	Kind          Kind
	Input         protoreflect.MessageDescriptor
	Output        protoreflect.MessageDescriptor
	Descriptor    protoreflect.MethodDescriptor
	Operation     string // GraphQL document text sent to the backend
	OperationName string
	Variables     []Variable
	Timeout       time.Duration // zero means the configured default
	Cacheable     bool
	Constraints   map[string]*FieldConstraint // keyed by dotted external path
	Names         *NameTable
	Source        string

	fingerprint string
}

// Procedure returns the RPC path, /employees.v1.HrService/GetEmployeeById
func (c *Contract) Procedure() string {
	return "/" + string(c.ServiceName) + "/" + c.Method
}

// FullName returns the fully-qualified method name
func (c *Contract) FullName() protoreflect.FullName {
	return c.Descriptor.FullName()
}

// ReadOnly reports whether the contract has no side effects
func (c *Contract) ReadOnly() bool {
	return c.Kind == ReadOnly
}

// Fingerprint is a digest of every attribute that affects request handling
func (c *Contract) Fingerprint() string {
	return c.fingerprint
}

// Constraint returns the declared constraint for a dotted field path
// (list indices removed), or nil.
func (c *Contract) Constraint(path string) *FieldConstraint {
	return c.Constraints[path]
}

// Service groups the contracts discovered in one service directory
type Service struct {
	FullName    protoreflect.FullName
	Package     string
	Version     string
	Name        string
	Description string
	Source      string
	File        protoreflect.FileDescriptor
	Descriptor  protoreflect.ServiceDescriptor

	contracts   []*Contract
	byMethod    map[string]*Contract
	fingerprint string
}

// Contracts returns the service's contracts ordered by method name
func (s *Service) Contracts() []*Contract {
	out := make([]*Contract, len(s.contracts))
	copy(out, s.contracts)
	return out
}

// Contract returns the named method's contract
func (s *Service) Contract(method string) (*Contract, bool) {
	c, ok := s.byMethod[method]
	return c, ok
}

// Fingerprint is a digest of the service descriptor and every contract
func (s *Service) Fingerprint() string {
	return s.fingerprint
}
