package weave

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Stage names of the default pipeline, in execution order.
const (
	StageStrip    = "strip"
	StageCensus   = "census"
	StageRedirect = "redirect"
	StageNops     = "nops"
)

var stageNames = []string{StageStrip, StageCensus, StageRedirect, StageNops}

// Config holds settings and state for a RewriteEngine.
type Config struct {
	InputFlag, OutputDir             string
	ReportJsonFile, ReportChartsFile string
	DisableFlag, StripFlag           string
	RedirectFlags, PropertyFlags     []string
	ReceiverFlag, GuardFlag          string
	JournalDir                       string
	CacheMB                          int
	IncludeDiffs, StripNops          bool
	// Logger receives progress and warnings, nothing is logged when nil.
	Logger *log.Logger
	// Custom flags support - all stored as strings for ease of use
	CustomFlags map[string]string
	// Computed fields
	Inputs          []string
	Redirects       map[string]string
	Receiver, Guard *FieldRef
	Strip           []string
	Disabled        map[string]bool
	Properties      map[string]string
	// Internal state tracking
	prepared bool
}

// ModuleReader loads a module from an input path.
type ModuleReader interface {
	ReadModule(path string) (*Module, error)
}

// ModuleWriter persists a rewritten module. Implementations must leave an existing file untouched on failure.
type ModuleWriter interface {
	WriteModule(path string, m *Module) error
}

// StorageProvider creates the storage holding the body journal.
type StorageProvider interface {
	NewStorage() (Storage, error)
}

// ReportWriter writes the run report, an empty path skips that output.
type ReportWriter interface {
	WriteReportFiles(reportJsonFile, reportChartsFile string, report ReportMetrics) error
}

// DefaultModuleReader reads compressed module containers.
type DefaultModuleReader struct{}

func (DefaultModuleReader) ReadModule(path string) (*Module, error) {
	return ReadModuleFile(path)
}

// DefaultModuleWriter writes compressed module containers atomically.
type DefaultModuleWriter struct{}

func (DefaultModuleWriter) WriteModule(path string, m *Module) error {
	return WriteModuleFile(path, m)
}

// DefaultStorageProvider keeps the journal in memory, or in a Badger database when a path is set.
type DefaultStorageProvider struct {
	Path    string
	CacheMB int
	store   Storage
}

func (d *DefaultStorageProvider) NewStorage() (Storage, error) {
	if d.store == nil {
		if d.Path == "" {
			d.store = NewMemStorage()
		} else {
			store, err := NewBadgerStorage(d.Path, d.CacheMB, false)
			if err != nil {
				return nil, err
			}
			d.store = store
		}
	}
	return d.store, nil
}

// SingletonStorageProvider is a StorageProvider that returns a single consistent storage instance.
type SingletonStorageProvider struct {
	Store Storage
}

func (s *SingletonStorageProvider) NewStorage() (Storage, error) {
	return s.Store, nil
}

// DefaultReportWriter writes the JSON report and the chart image.
type DefaultReportWriter struct{}

func (DefaultReportWriter) WriteReportFiles(jsonPath, chartPath string, report ReportMetrics) error {
	reportMap, err := BuildReportMap(report)
	if err != nil {
		return err
	} else if err := reportMap.WriteToFile(jsonPath); err != nil {
		return err
	} else if chartPath != "" {
		return WriteReportCharts(chartPath, report)
	}
	return nil
}

// StageFactory builds the pipeline stages for a single module run.
type StageFactory func(config *Config, collector *CallSiteCollector) ([]Stage, error)

// DefaultStages builds the strip, census, redirect and nops stages from the configuration. Stages without
// configuration, or named in the disabled set, are included but disabled.
func DefaultStages(config *Config, collector *CallSiteCollector) ([]Stage, error) {
	redirect, err := NewCallRedirect(config.Logger, collector, config.Redirects, config.Receiver, config.Guard)
	if err != nil {
		return nil, err
	}
	var censusFilter func(*MethodRef) bool
	if len(config.Redirects) > 0 {
		censusFilter = redirect.matches
	}
	stages := []Stage{
		{Name: StageStrip, Enabled: len(config.Strip) > 0, Visitor: NewMemberStrip(config.Strip...)},
		{Name: StageCensus, Enabled: true, Visitor: NewCallCensus(config.Logger, collector, censusFilter)},
		{Name: StageRedirect, Enabled: len(config.Redirects) > 0, Visitor: redirect},
		{Name: StageNops, Enabled: config.StripNops, Visitor: NopStrip{}},
	}
	for i := range stages {
		if config.Disabled[stages[i].Name] {
			stages[i].Enabled = false
		}
	}
	return stages, nil
}

// RewriteEngine runs the rewrite pipeline over every input module and reports the result.
type RewriteEngine struct {
	Config          *Config
	ModuleReader    ModuleReader
	ModuleWriter    ModuleWriter
	StorageProvider StorageProvider
	ReportWriter    ReportWriter
	Stages          StageFactory
}

// NewRewriteEngine creates a RewriteEngine with default providers.
func NewRewriteEngine(config *Config) *RewriteEngine {
	return &RewriteEngine{
		Config:       config,
		ModuleReader: DefaultModuleReader{},
		ModuleWriter: DefaultModuleWriter{},
		StorageProvider: &DefaultStorageProvider{
			Path:    config.JournalDir,
			CacheMB: config.CacheMB,
		},
		ReportWriter: DefaultReportWriter{},
		Stages:       DefaultStages,
	}
}

// NewRewriteEngineWithProviders creates a RewriteEngine using the supplied providers, nil values keep the
// defaults.
func NewRewriteEngineWithProviders(config *Config, moduleReader ModuleReader, moduleWriter ModuleWriter,
	storageProvider StorageProvider, reportWriter ReportWriter, stages StageFactory) *RewriteEngine {
	engine := NewRewriteEngine(config)
	if moduleReader != nil {
		engine.ModuleReader = moduleReader
	}
	if moduleWriter != nil {
		engine.ModuleWriter = moduleWriter
	}
	if storageProvider != nil {
		engine.StorageProvider = storageProvider
	}
	if reportWriter != nil {
		engine.ReportWriter = reportWriter
	}
	if stages != nil {
		engine.Stages = stages
	}
	return engine
}

type moduleResult struct {
	module      *Module
	metrics     ModuleMetrics
	stats       []StageStats
	diagnostics error
}

// Run rewrites every input module. Modules are processed concurrently, each by its own sequential pipeline.
// Recoverable method errors are reported as diagnostics, any other error fails the run before the report is
// written. Rewritten modules are only written once every module completed, a failed run leaves all outputs
// untouched.
func (e *RewriteEngine) Run() error {
	startTime := time.Now()

	if err := e.Config.Prepare(); err != nil {
		return err
	}
	logger := e.Config.Logger

	storage, err := e.StorageProvider.NewStorage()
	if err != nil {
		return fmt.Errorf("error opening journal storage: %w", err)
	}
	defer storage.Close()
	journal := NewJournal(storage)

	cache, err := NewAnalysisCache(int64(e.Config.CacheMB) << 10) // budget of about 1k instructions per MB
	if err != nil {
		return err
	}
	defer cache.Close()
	collector := NewCallSiteCollector(logger, cache)

	results := make([]moduleResult, len(e.Config.Inputs))
	errGroup := ErrGroupLimitCPU()
	for i, input := range e.Config.Inputs {
		errGroup.Go(func() error {
			result, err := e.rewriteModule(input, journal, collector)
			if err != nil {
				return fmt.Errorf("error rewriting %s: %w", input, err)
			}
			results[i] = result
			return nil
		})
	}
	if err := errGroup.Wait(); err != nil {
		return err
	}

	writeGroup := ErrGroupLimitCPU()
	for _, r := range results {
		writeGroup.Go(func() error {
			if err := e.ModuleWriter.WriteModule(r.metrics.Output, r.module); err != nil {
				return fmt.Errorf("%s: error writing module: %w", r.metrics.Output, err)
			}
			return nil
		})
	}
	if err := writeGroup.Wait(); err != nil {
		return err
	}

	report := ReportMetrics{GeneratedAt: startTime}
	var diagnostics *multierror.Error
	perModuleStats := make([][]StageStats, len(results))
	for i, r := range results {
		report.Modules = append(report.Modules, r.metrics)
		perModuleStats[i] = r.stats
		if r.diagnostics != nil {
			diagnostics = multierror.Append(diagnostics, r.diagnostics)
		}
	}
	report.Stages = mergeStageStats(perModuleStats)
	if diagnostics != nil {
		for _, err := range diagnostics.Errors {
			report.Diagnostics = append(report.Diagnostics, err.Error())
		}
		logger.Printf("WARN: %d methods were left unchanged due to analysis errors", len(diagnostics.Errors))
	}
	report.RunDuration = time.Since(startTime).Milliseconds()

	if err := e.ReportWriter.WriteReportFiles(e.Config.ReportJsonFile, e.Config.ReportChartsFile, report); err != nil {
		return fmt.Errorf("error writing report files: %w", err)
	}
	logger.Printf("Rewrite of %d modules completed in %s", len(results), time.Since(startTime).Round(time.Millisecond))
	return nil
}

func (e *RewriteEngine) rewriteModule(input string, journal *Journal, collector *CallSiteCollector) (moduleResult, error) {
	startTime := time.Now()
	m, err := e.ModuleReader.ReadModule(input)
	if err != nil {
		return moduleResult{}, fmt.Errorf("error reading module: %w", err)
	}
	if len(e.Config.Properties) > 0 {
		if m.Properties == nil {
			m.Properties = make(map[string]string, len(e.Config.Properties))
		}
		for k, v := range e.Config.Properties {
			m.Properties[k] = v
		}
	}

	methodCount, err := journal.Snapshot(input, m)
	if err != nil {
		return moduleResult{}, fmt.Errorf("error recording journal: %w", err)
	}
	stages, err := e.Stages(e.Config, collector)
	if err != nil {
		return moduleResult{}, fmt.Errorf("error creating stages: %w", err)
	}
	pipeline := NewPipeline(e.Config.Logger, stages...)
	if err := pipeline.Run(m); err != nil {
		return moduleResult{}, err
	}
	changes, err := journal.Changes(input, m, e.Config.IncludeDiffs)
	if err != nil {
		return moduleResult{}, fmt.Errorf("error reading journal: %w", err)
	}

	result := moduleResult{
		module: m,
		metrics: ModuleMetrics{
			Name:               m.Name,
			Input:              input,
			Output:             e.Config.OutputPath(input),
			FormatVersion:      m.FormatVersion,
			MethodCount:        methodCount,
			ChangedMethodCount: len(changes),
			RewriteDuration:    time.Since(startTime).Milliseconds(),
			Changes:            changes,
		},
		stats:       pipeline.Stats(),
		diagnostics: pipeline.Diagnostics(),
	}
	var merr *multierror.Error
	if errors.As(result.diagnostics, &merr) {
		result.metrics.SkippedCount = len(merr.Errors)
	}
	return result, nil
}

// OutputPath returns where the rewritten form of the input is written. Without an output directory inputs are
// replaced in place.
func (c *Config) OutputPath(input string) string {
	if c.OutputDir == "" {
		return input
	}
	return filepath.Join(c.OutputDir, filepath.Base(input))
}

// Prepare performs comprehensive validation and preparation of the configuration
func (c *Config) Prepare() error {
	if c.prepared {
		return errors.New("config has already been prepared")
	} else if strings.TrimSpace(c.InputFlag) == "" {
		return errors.New("input module or directory is required")
	}
	if c.Logger == nil {
		c.Logger = discardLogger
	}

	inputs, err := expandInputs(c.InputFlag)
	if err != nil {
		return err
	}
	c.Inputs = inputs

	if c.OutputDir != "" {
		if err := c.validateOutputPath(filepath.Join(c.OutputDir, "out"+ContainerExtension)); err != nil {
			return fmt.Errorf("invalid output directory: %w", err)
		}
		seen := make(map[string]string, len(inputs))
		for _, input := range inputs {
			output := c.OutputPath(input)
			if prior, ok := seen[output]; ok {
				return fmt.Errorf("inputs %s and %s would both be written to %s", prior, input, output)
			}
			seen[output] = input
		}
	}

	if c.CacheMB < 1 || c.CacheMB > 10240 { // 10GB limit
		return fmt.Errorf("cache size must be between 1 and 10240 MB, got %d", c.CacheMB)
	}

	c.Redirects = make(map[string]string, len(c.RedirectFlags))
	for _, redirect := range c.RedirectFlags {
		from, to, ok := strings.Cut(redirect, "=")
		if !ok {
			return fmt.Errorf("redirect must be in format 'Type::Method=Type::Method', got '%s'", redirect)
		} else if _, _, err := ParseMemberName(from); err != nil {
			return fmt.Errorf("invalid redirect source: %w", err)
		} else if _, _, err := ParseMemberName(to); err != nil {
			return fmt.Errorf("invalid redirect target: %w", err)
		} else if _, dup := c.Redirects[from]; dup {
			return fmt.Errorf("duplicate redirect for %s", from)
		}
		c.Redirects[from] = to
	}
	if c.Receiver, err = parseFieldFlag(c.ReceiverFlag, &TypeRef{Namespace: "System", Name: "Object"}); err != nil {
		return fmt.Errorf("invalid receiver field: %w", err)
	} else if c.Guard, err = parseFieldFlag(c.GuardFlag, &TypeRef{Namespace: "System", Name: "Boolean"}); err != nil {
		return fmt.Errorf("invalid guard field: %w", err)
	} else if (c.Receiver != nil || c.Guard != nil) && len(c.Redirects) == 0 {
		return errors.New("receiver and guard fields require at least one redirect")
	}

	for _, name := range splitList(c.StripFlag) {
		if _, _, err := ParseMemberName(name); err != nil && strings.Contains(name, "::") {
			return fmt.Errorf("invalid strip member: %w", err)
		}
		c.Strip = append(c.Strip, name)
	}

	c.Disabled = make(map[string]bool)
	for _, name := range splitList(c.DisableFlag) {
		if !slices.Contains(stageNames, name) {
			return fmt.Errorf("invalid stage '%s', must be one of: %s", name, strings.Join(stageNames, ", "))
		}
		c.Disabled[name] = true
	}

	c.Properties = make(map[string]string, len(c.PropertyFlags))
	for _, prop := range c.PropertyFlags {
		key, value, ok := strings.Cut(prop, "=")
		if !ok || key == "" {
			return fmt.Errorf("property must be in format 'key=value', got '%s'", prop)
		}
		c.Properties[key] = value
	}

	if c.ReportJsonFile != "" {
		if err := c.validateOutputPath(c.ReportJsonFile); err != nil {
			return fmt.Errorf("invalid JSON report file path: %w", err)
		}
	}
	if c.ReportChartsFile != "" {
		switch strings.ToLower(filepath.Ext(c.ReportChartsFile)) {
		case ".png", ".jpg", ".jpeg", ".svg":
		default:
			return fmt.Errorf("charts file must be a .png, .jpg or .svg file, got '%s'", c.ReportChartsFile)
		}
		if err := c.validateOutputPath(c.ReportChartsFile); err != nil {
			return fmt.Errorf("invalid charts report file path: %w", err)
		}
	}

	c.prepared = true
	return nil
}

func splitList(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			result = append(result, part)
		}
	}
	return result
}

func parseFieldFlag(flagValue string, fieldType *TypeRef) (*FieldRef, error) {
	if flagValue == "" {
		return nil, nil
	}
	typ, name, err := ParseMemberName(flagValue)
	if err != nil {
		return nil, err
	}
	return &FieldRef{DeclaringType: typ, Name: name, FieldType: fieldType}, nil
}

// expandInputs resolves the comma separated input list, directories contribute their containers in name order.
// Repeated inputs are kept once.
func expandInputs(inputFlag string) ([]string, error) {
	var inputs []string
	for _, path := range splitList(inputFlag) {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("input does not exist or is not accessible: %w", err)
		} else if !info.IsDir() {
			inputs = append(inputs, path)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(path, "*"+ContainerExtension))
		if err != nil {
			return nil, err
		} else if len(matches) == 0 {
			return nil, fmt.Errorf("no %s containers found in %s", ContainerExtension, path)
		}
		inputs = append(inputs, matches...)
	}
	if len(inputs) == 0 {
		return nil, errors.New("input module or directory is required")
	}
	seen := make(map[string]bool, len(inputs))
	return slices.DeleteFunc(inputs, func(input string) bool {
		dup := seen[input]
		seen[input] = true
		return dup
	}), nil
}

// validateOutputPath validates that an output file path can be written to
func (c *Config) validateOutputPath(path string) error {
	dir := filepath.Dir(path)

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("cannot create output directory '%s': %w", dir, err)
		}
	}

	testFile := filepath.Join(dir, ".write_test")
	file, err := os.Create(testFile)
	if err != nil {
		return fmt.Errorf("cannot write to output directory '%s': %w", dir, err)
	}
	_ = file.Close()
	return os.Remove(testFile)
}
