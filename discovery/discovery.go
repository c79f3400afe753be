package discovery

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"path"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/gqlerror"
	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/c360/connectgate/contract"
	"github.com/c360/connectgate/errors"
)

//go:embed service.schema.json
var serviceSchemaJSON string

var serviceSchema = mustCompileSchema(serviceSchemaJSON)

func mustCompileSchema(doc string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
	if err != nil {
		panic(fmt.Sprintf("service definition schema: %v", err))
	}
	return schema
}

// Result is the outcome of one discovery run
type Result struct {
	Registry *contract.Registry
	Files    int
	Skipped  []string // operations that were not compiled, with the reason
	Duration time.Duration
}

// Discoverer builds a contract registry from a source
type Discoverer struct {
	source      Source
	logger      *slog.Logger
	concurrency int
}

// Option configures a Discoverer
type Option func(*Discoverer)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(d *Discoverer) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithConcurrency bounds how many services are compiled at once
func WithConcurrency(n int) Option {
	return func(d *Discoverer) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// New creates a Discoverer over source
func New(source Source, opts ...Option) *Discoverer {
	d := &Discoverer{
		source:      source,
		logger:      slog.Default(),
		concurrency: runtime.GOMAXPROCS(0),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "discovery", "source", source.Location())
	return d
}

// Source returns the source the discoverer reads
func (d *Discoverer) Source() Source {
	return d.source
}

// Discover reads a snapshot and compiles every service. It either returns
// a complete registry or a DiscoveryError; partial registries are never
// returned.
func (d *Discoverer) Discover(ctx context.Context) (*Result, error) {
	start := time.Now()

	files, err := d.source.Snapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Discovery(err, d.source.Location())
	}

	schemaText, ok := files[SchemaFile]
	if !ok {
		return nil, errors.Discovery(fmt.Errorf("missing %s", SchemaFile), d.source.Location())
	}
	schema, err := gqlparser.LoadSchema(&ast.Source{Name: SchemaFile, Input: string(schemaText)})
	if err != nil {
		return nil, errors.Discovery(fmt.Errorf("invalid schema: %w", err), SchemaFile)
	}

	dirs := groupByService(files, d.logger)

	services := make([]*contract.Service, len(dirs))
	skipped := make([][]string, len(dirs))
	failures := make([]error, len(dirs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.concurrency)
	for i, dir := range dirs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			services[i], skipped[i], failures[i] = d.compileService(schema, dir, files)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// report the first failure in directory order so runs are repeatable
	for _, err := range failures {
		if err != nil {
			return nil, err
		}
	}

	compiled := make([]*contract.Service, 0, len(services))
	var allSkipped []string
	for i, svc := range services {
		allSkipped = append(allSkipped, skipped[i]...)
		if svc != nil {
			compiled = append(compiled, svc)
		}
	}

	reg, err := contract.NewRegistry(compiled)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Registry: reg,
		Files:    len(files),
		Skipped:  allSkipped,
		Duration: time.Since(start),
	}
	d.logger.Info("Discovery complete",
		"services", len(reg.Services()),
		"contracts", reg.Len(),
		"skipped", len(allSkipped),
		"duration", res.Duration)
	return res, nil
}

// serviceDir lists one service directory's files
type serviceDir struct {
	name       string
	definition string   // path of service.yaml, empty when missing
	operations []string // paths of *.graphql files
}

func groupByService(files Files, logger *slog.Logger) []serviceDir {
	byName := make(map[string]*serviceDir)
	for _, p := range files.Paths() {
		dir, file := path.Split(p)
		dir = strings.TrimSuffix(dir, "/")
		if dir == "" {
			if p != SchemaFile {
				logger.Debug("Ignoring file at contract root", "path", p)
			}
			continue
		}
		if strings.Contains(dir, "/") {
			logger.Debug("Ignoring nested file", "path", p)
			continue
		}

		sd, ok := byName[dir]
		if !ok {
			sd = &serviceDir{name: dir}
			byName[dir] = sd
		}
		switch {
		case file == ServiceFile:
			sd.definition = p
		case strings.HasSuffix(file, ".graphql"):
			sd.operations = append(sd.operations, p)
		default:
			logger.Debug("Ignoring file", "path", p)
		}
	}

	dirs := make([]serviceDir, 0, len(byName))
	for _, sd := range byName {
		dirs = append(dirs, *sd)
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].name < dirs[j].name })
	return dirs
}

func (d *Discoverer) compileService(schema *ast.Schema, dir serviceDir, files Files) (*contract.Service, []string, error) {
	if dir.definition == "" {
		if len(dir.operations) == 0 {
			return nil, nil, nil
		}
		return nil, nil, errors.Discovery(fmt.Errorf("missing %s", ServiceFile), dir.name)
	}

	def, err := parseServiceFile(dir.definition, files[dir.definition])
	if err != nil {
		return nil, nil, err
	}

	var ops []contract.Operation
	var skipped []string
	for _, p := range dir.operations {
		op, skip, err := parseOperation(schema, p, files[p])
		if err != nil {
			return nil, nil, err
		}
		if skip != "" {
			d.logger.Warn("Skipping operation", "path", p, "reason", skip)
			skipped = append(skipped, p+": "+skip)
			continue
		}
		ops = append(ops, op)
	}

	svc, err := contract.BuildService(schema, def, ops)
	if err != nil {
		return nil, nil, err
	}
	d.logger.Debug("Compiled service", "service", svc.FullName, "contracts", len(ops))
	return svc, skipped, nil
}

// serviceFile mirrors service.yaml
type serviceFile struct {
	Package     string                    `yaml:"package"`
	Version     string                    `yaml:"version"`
	Service     string                    `yaml:"service"`
	Description string                    `yaml:"description"`
	Methods     map[string]methodOverride `yaml:"methods"`
}

type methodOverride struct {
	Timeout string                               `yaml:"timeout"`
	Cache   bool                                 `yaml:"cache"`
	Fields  map[string]*contract.FieldConstraint `yaml:"fields"`
}

func parseServiceFile(location string, data []byte) (contract.ServiceDef, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return contract.ServiceDef{}, errors.Discovery(fmt.Errorf("invalid YAML: %w", err), location)
	}
	if raw == nil {
		return contract.ServiceDef{}, errors.Discovery(fmt.Errorf("empty service definition"), location)
	}

	result, err := serviceSchema.Validate(gojsonschema.NewGoLoader(raw))
	if err != nil {
		return contract.ServiceDef{}, errors.Discovery(fmt.Errorf("schema check: %w", err), location)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return contract.ServiceDef{}, errors.Discovery(
			fmt.Errorf("invalid service definition: %s", strings.Join(msgs, "; ")), location)
	}

	var sf serviceFile
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return contract.ServiceDef{}, errors.Discovery(err, location)
	}

	def := contract.ServiceDef{
		Package:     sf.Package,
		Version:     sf.Version,
		Name:        sf.Service,
		Description: sf.Description,
		Source:      location,
		Methods:     make(map[string]contract.MethodOptions, len(sf.Methods)),
	}
	for name, m := range sf.Methods {
		opts := contract.MethodOptions{Cache: m.Cache, Fields: m.Fields}
		if m.Timeout != "" {
			d, err := time.ParseDuration(m.Timeout)
			if err != nil || d <= 0 {
				return contract.ServiceDef{}, errors.Discovery(
					fmt.Errorf("method %s: invalid timeout %q", name, m.Timeout), location)
			}
			opts.Timeout = d
		}
		def.Methods[name] = opts
	}
	return def, nil
}

// parseOperation validates one operation file against the schema. A
// non-empty skip reason means the file is valid but not compiled.
func parseOperation(schema *ast.Schema, location string, data []byte) (contract.Operation, string, error) {
	text := string(data)
	doc, errs := gqlparser.LoadQuery(schema, text)
	if len(errs) > 0 {
		return contract.Operation{}, "", errors.Discovery(formatGQLErrors(errs), location)
	}

	switch n := len(doc.Operations); {
	case n == 0:
		return contract.Operation{}, "", errors.Discovery(fmt.Errorf("no operation defined"), location)
	case n > 1:
		return contract.Operation{}, "", errors.Discovery(fmt.Errorf("%d operations defined, expected one", n), location)
	}

	od := doc.Operations[0]
	if od.Name == "" {
		return contract.Operation{}, "", errors.Discovery(fmt.Errorf("anonymous operations cannot become contracts"), location)
	}
	if od.Operation == ast.Subscription {
		return contract.Operation{}, "subscriptions are not supported", nil
	}
	return contract.Operation{Source: location, Text: text, Definition: od}, "", nil
}

func formatGQLErrors(errs gqlerror.List) error {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		if len(e.Locations) > 0 {
			msgs = append(msgs, fmt.Sprintf("%d:%d: %s", e.Locations[0].Line, e.Locations[0].Column, e.Message))
			continue
		}
		msgs = append(msgs, e.Message)
	}
	return fmt.Errorf("invalid operation: %s", strings.Join(msgs, "; "))
}
