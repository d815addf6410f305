package weave

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockModuleReader struct {
	build func(path string) *Module
	err   error
}

func (m *mockModuleReader) ReadModule(path string) (*Module, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.build(path), nil
}

type mockModuleWriter struct {
	mu      sync.Mutex
	written map[string]*Module
	err     error
}

func (m *mockModuleWriter) WriteModule(path string, module *Module) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	} else if m.written == nil {
		m.written = make(map[string]*Module)
	}
	m.written[path] = module
	return nil
}

type mockReportWriter struct {
	report ReportMetrics
	called bool
	err    error
}

func (m *mockReportWriter) WriteReportFiles(reportJsonFile, reportChartsFile string, report ReportMetrics) error {
	m.called = true
	m.report = report
	return m.err
}

type mockStorageProvider struct {
	storage Storage
	err     error
}

func (m *mockStorageProvider) NewStorage() (Storage, error) {
	return m.storage, m.err
}

// newEngineModule builds a module whose Log method calls Sink twice, optionally with a method that underflows.
func newEngineModule(name string, broken bool) *Module {
	sample := &Type{Namespace: "Test", Name: "Sample"}
	sample.AddMethod(newSinkMethod())
	if broken {
		sample.AddMethod(newStaticMethod("Broken", nil, nil,
			NewInstruction(OpCall, staticRef(sampleType, "Sink", nil, stringType)),
			NewInstruction(OpRet, nil),
		))
	}
	return &Module{Name: name, Types: []*Type{{Name: ModuleTypeName}, sample}}
}

// touchInputs creates empty input files so configuration validation finds them.
func touchInputs(t *testing.T, names ...string) (string, []string) {
	t.Helper()

	dir := t.TempDir()
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(paths[i], nil, 0644))
	}
	return dir, paths
}

func createTestConfig(t *testing.T) *Config {
	t.Helper()

	_, inputs := touchInputs(t, "app.ilz")
	return &Config{
		InputFlag:     inputs[0],
		RedirectFlags: []string{"Test.Sample::Sink=Test.Hooks::Sink"},
		GuardFlag:     "Test.Hooks::Enabled",
		CacheMB:       16,
		IncludeDiffs:  true,
	}
}

func TestConfig_Prepare(t *testing.T) {
	t.Parallel()

	t.Run("valid", func(t *testing.T) {
		config := createTestConfig(t)
		config.OutputDir = filepath.Join(t.TempDir(), "out")
		config.ReceiverFlag = "Test.Hooks::Instance"
		config.StripFlag = "Test.Sample::Unused, Test.Obsolete"
		config.DisableFlag = StageCensus
		config.PropertyFlags = []string{"build=42", "empty="}
		config.ReportJsonFile = filepath.Join(t.TempDir(), "reports", "weavereport.json")
		config.ReportChartsFile = filepath.Join(t.TempDir(), "weavereport.SVG")
		require.NoError(t, config.Prepare())

		assert.Equal(t, map[string]string{"Test.Sample::Sink": "Test.Hooks::Sink"}, config.Redirects)
		assert.Equal(t, &FieldRef{DeclaringType: hooksType, Name: "Instance", FieldType: objectType}, config.Receiver)
		assert.Equal(t, "System.Boolean", config.Guard.FieldType.FullName())
		assert.Equal(t, []string{"Test.Sample::Unused", "Test.Obsolete"}, config.Strip)
		assert.Equal(t, map[string]bool{StageCensus: true}, config.Disabled)
		assert.Equal(t, map[string]string{"build": "42", "empty": ""}, config.Properties)
		assert.NotNil(t, config.Logger)
		assert.DirExists(t, config.OutputDir)
		assert.DirExists(t, filepath.Dir(config.ReportJsonFile))
	})

	t.Run("directory_input", func(t *testing.T) {
		dir, paths := touchInputs(t, "b.ilz", "a.ilz", "notes.txt")
		config := &Config{InputFlag: dir + "," + paths[1], CacheMB: 1}
		require.NoError(t, config.Prepare())
		assert.Equal(t, []string{paths[1], paths[0]}, config.Inputs)
		assert.Empty(t, config.Redirects)
	})

	t.Run("already_prepared", func(t *testing.T) {
		config := createTestConfig(t)
		require.NoError(t, config.Prepare())
		assert.ErrorContains(t, config.Prepare(), "already been prepared")
	})

	t.Run("duplicate_outputs", func(t *testing.T) {
		_, first := touchInputs(t, "app.ilz")
		_, second := touchInputs(t, "app.ilz")
		config := &Config{InputFlag: first[0] + "," + second[0], OutputDir: t.TempDir(), CacheMB: 1}
		assert.ErrorContains(t, config.Prepare(), "would both be written to")
	})

	tests := []struct {
		name     string
		modify   func(t *testing.T, c *Config)
		contains string
	}{
		{
			name:     "missing_input",
			modify:   func(t *testing.T, c *Config) { c.InputFlag = " " },
			contains: "input module or directory is required",
		},
		{
			name:     "nonexistent_input",
			modify:   func(t *testing.T, c *Config) { c.InputFlag = filepath.Join(t.TempDir(), "missing.ilz") },
			contains: "input does not exist",
		},
		{
			name:     "empty_directory",
			modify:   func(t *testing.T, c *Config) { c.InputFlag = t.TempDir() },
			contains: "no .ilz containers found",
		},
		{
			name:     "cache_too_small",
			modify:   func(t *testing.T, c *Config) { c.CacheMB = 0 },
			contains: "cache size must be between 1 and 10240 MB",
		},
		{
			name:     "cache_too_large",
			modify:   func(t *testing.T, c *Config) { c.CacheMB = 10241 },
			contains: "cache size must be between 1 and 10240 MB",
		},
		{
			name:     "redirect_format",
			modify:   func(t *testing.T, c *Config) { c.RedirectFlags = []string{"Test.Sample::Sink"} },
			contains: "redirect must be in format",
		},
		{
			name:     "redirect_source",
			modify:   func(t *testing.T, c *Config) { c.RedirectFlags = []string{"Sink=Test.Hooks::Sink"} },
			contains: "invalid redirect source",
		},
		{
			name:     "redirect_target",
			modify:   func(t *testing.T, c *Config) { c.RedirectFlags = []string{"Test.Sample::Sink=Hooks"} },
			contains: "invalid redirect target",
		},
		{
			name: "redirect_duplicate",
			modify: func(t *testing.T, c *Config) {
				c.RedirectFlags = append(c.RedirectFlags, "Test.Sample::Sink=Test.Other::Sink")
			},
			contains: "duplicate redirect for Test.Sample::Sink",
		},
		{
			name:     "receiver_format",
			modify:   func(t *testing.T, c *Config) { c.ReceiverFlag = "Instance" },
			contains: "invalid receiver field",
		},
		{
			name:     "guard_without_redirect",
			modify:   func(t *testing.T, c *Config) { c.RedirectFlags = nil },
			contains: "receiver and guard fields require at least one redirect",
		},
		{
			name:     "strip_member_format",
			modify:   func(t *testing.T, c *Config) { c.StripFlag = "Test.Sample::" },
			contains: "invalid strip member",
		},
		{
			name:     "unknown_stage",
			modify:   func(t *testing.T, c *Config) { c.DisableFlag = "strip,bogus" },
			contains: "invalid stage 'bogus'",
		},
		{
			name:     "property_format",
			modify:   func(t *testing.T, c *Config) { c.PropertyFlags = []string{"=value"} },
			contains: "property must be in format 'key=value'",
		},
		{
			name:     "charts_extension",
			modify:   func(t *testing.T, c *Config) { c.ReportChartsFile = filepath.Join(t.TempDir(), "report.gif") },
			contains: "charts file must be",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := createTestConfig(t)
			tt.modify(t, config)
			err := config.Prepare()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
			assert.False(t, config.prepared)
		})
	}
}

func TestConfig_OutputPath(t *testing.T) {
	t.Parallel()

	config := &Config{}
	assert.Equal(t, filepath.Join("in", "app.ilz"), config.OutputPath(filepath.Join("in", "app.ilz")))
	config.OutputDir = "out"
	assert.Equal(t, filepath.Join("out", "app.ilz"), config.OutputPath(filepath.Join("in", "app.ilz")))
}

func TestDefaultStages(t *testing.T) {
	t.Parallel()

	enabled := func(stages []Stage) map[string]bool {
		result := make(map[string]bool, len(stages))
		for _, s := range stages {
			result[s.Name] = s.Enabled
		}
		return result
	}

	t.Run("redirects", func(t *testing.T) {
		config := createTestConfig(t)
		require.NoError(t, config.Prepare())
		stages, err := DefaultStages(config, NewCallSiteCollector(nil, nil))
		require.NoError(t, err)
		assert.Equal(t, stageNames, []string{stages[0].Name, stages[1].Name, stages[2].Name, stages[3].Name})
		assert.Equal(t, map[string]bool{StageStrip: false, StageCensus: true, StageRedirect: true, StageNops: false},
			enabled(stages))
	})

	t.Run("disabled", func(t *testing.T) {
		config := createTestConfig(t)
		config.StripFlag = "Test.Obsolete"
		config.StripNops = true
		config.DisableFlag = "census,redirect"
		require.NoError(t, config.Prepare())
		stages, err := DefaultStages(config, NewCallSiteCollector(nil, nil))
		require.NoError(t, err)
		assert.Equal(t, map[string]bool{StageStrip: true, StageCensus: false, StageRedirect: false, StageNops: true},
			enabled(stages))
	})
}

func TestNewRewriteEngine(t *testing.T) {
	t.Parallel()

	config := &Config{JournalDir: "journal", CacheMB: 32}
	engine := NewRewriteEngine(config)
	assert.Same(t, config, engine.Config)
	assert.IsType(t, DefaultModuleReader{}, engine.ModuleReader)
	assert.IsType(t, DefaultModuleWriter{}, engine.ModuleWriter)
	assert.IsType(t, DefaultReportWriter{}, engine.ReportWriter)
	assert.Equal(t, &DefaultStorageProvider{Path: "journal", CacheMB: 32}, engine.StorageProvider)
	assert.NotNil(t, engine.Stages)

	reader := &mockModuleReader{}
	engine = NewRewriteEngineWithProviders(config, reader, nil, nil, nil, nil)
	assert.Same(t, reader, engine.ModuleReader)
	assert.IsType(t, DefaultModuleWriter{}, engine.ModuleWriter)
}

func TestRewriteEngine_Run(t *testing.T) {
	t.Parallel()

	t.Run("container_files", func(t *testing.T) {
		t.Parallel()

		inDir := t.TempDir()
		require.NoError(t, WriteModuleFile(filepath.Join(inDir, "app.ilz"), newEngineModule("app", false)))
		outDir := filepath.Join(t.TempDir(), "out")
		reportFile := filepath.Join(t.TempDir(), "weavereport.json")
		var logBuf bytes.Buffer
		config := &Config{
			InputFlag:      inDir,
			OutputDir:      outDir,
			ReportJsonFile: reportFile,
			RedirectFlags:  []string{"Test.Sample::Sink=Test.Hooks::Sink"},
			GuardFlag:      "Test.Hooks::Enabled",
			PropertyFlags:  []string{"woven=true"},
			CacheMB:        16,
			IncludeDiffs:   true,
			Logger:         log.New(&logBuf, "", 0),
		}
		require.NoError(t, NewRewriteEngine(config).Run())

		rewritten, err := ReadModuleFile(filepath.Join(outDir, "app.ilz"))
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"woven": "true"}, rewritten.Properties)
		logMethod := rewritten.Types[1].Methods[0]
		assert.Equal(t, []string{
			"ldsfld", "brfalse.s", "ldstr", "call", "ldstr", "call", "ldc.i4.1", "call", "pop", "ret",
		}, opNames(logMethod.Body.Instructions))
		assert.Equal(t, "void Test.Hooks::Sink(System.String)", logMethod.Body.Instructions[3].Operand.(*MethodRef).FullName())

		raw, err := os.ReadFile(reportFile)
		require.NoError(t, err)
		var report ReportMetrics
		require.NoError(t, json.Unmarshal(raw, &report))
		require.Len(t, report.Modules, 1)
		module := report.Modules[0]
		assert.Equal(t, "app", module.Name)
		assert.Equal(t, filepath.Join(outDir, "app.ilz"), module.Output)
		assert.Equal(t, FormatVersion, module.FormatVersion)
		assert.Equal(t, 1, module.MethodCount)
		assert.Equal(t, 1, module.ChangedMethodCount)
		assert.Zero(t, module.SkippedCount)
		require.Len(t, module.Changes, 1)
		assert.Equal(t, "void Test.Sample::Log()", module.Changes[0].Method)
		assert.Contains(t, module.Changes[0].Diff, "+IL_0000: ldsfld")
		assert.Equal(t, []StageStats{
			{Name: StageStrip}, {Name: StageCensus}, {Name: StageRedirect, Edited: 1}, {Name: StageNops},
		}, report.Stages)
		assert.Empty(t, report.Diagnostics)
		assert.Contains(t, logBuf.String(), "Call census app: 2 call sites to 1 targets in 1 groups across 1 methods")
		assert.Contains(t, logBuf.String(), "Rewrite of 1 modules completed")
	})

	t.Run("recoverable_method_errors", func(t *testing.T) {
		t.Parallel()

		config := createTestConfig(t)
		reportWriter := &mockReportWriter{}
		writer := &mockModuleWriter{}
		var logBuf bytes.Buffer
		config.Logger = log.New(&logBuf, "", 0)
		engine := NewRewriteEngineWithProviders(config,
			&mockModuleReader{build: func(string) *Module { return newEngineModule("app", true) }},
			writer, nil, reportWriter, nil)
		require.NoError(t, engine.Run())

		require.True(t, reportWriter.called)
		report := reportWriter.report
		require.Len(t, report.Diagnostics, 1)
		assert.Contains(t, report.Diagnostics[0], "Broken")
		assert.Equal(t, 1, report.Modules[0].SkippedCount)
		assert.Equal(t, 2, report.Modules[0].MethodCount)
		assert.Equal(t, StageStats{Name: StageCensus, Skipped: 1}, report.Stages[1])
		assert.Equal(t, StageStats{Name: StageRedirect, Edited: 1}, report.Stages[2])
		assert.Contains(t, logBuf.String(), "WARN: 1 methods were left unchanged")

		written := writer.written[config.Inputs[0]]
		require.NotNil(t, written)
		assert.Len(t, written.Types[1].Methods[1].Body.Instructions, 2)
	})

	t.Run("shared_storage", func(t *testing.T) {
		t.Parallel()

		_, inputs := touchInputs(t, "a.ilz", "b.ilz")
		config := &Config{InputFlag: inputs[0] + "," + inputs[1], CacheMB: 4, StripNops: true}
		store := NewMemStorage()
		reportWriter := &mockReportWriter{}
		engine := NewRewriteEngineWithProviders(config,
			&mockModuleReader{build: func(path string) *Module { return newEngineModule(filepath.Base(path), false) }},
			&mockModuleWriter{}, &SingletonStorageProvider{Store: store}, reportWriter, nil)
		require.NoError(t, engine.Run())

		assert.Len(t, reportWriter.report.Modules, 2)
		assert.Equal(t, "a.ilz", reportWriter.report.Modules[0].Name)
		assert.Equal(t, "b.ilz", reportWriter.report.Modules[1].Name)
		assert.Zero(t, reportWriter.report.Modules[0].ChangedMethodCount)
		for _, input := range inputs {
			keys, err := KeyPrefixStorage(store, input).Keys("")
			require.NoError(t, err)
			assert.Len(t, keys, 1)
		}
	})

	t.Run("custom_stages", func(t *testing.T) {
		t.Parallel()

		config := createTestConfig(t)
		reportWriter := &mockReportWriter{}
		stages := func(config *Config, collector *CallSiteCollector) ([]Stage, error) {
			return []Stage{{Name: "strip_log", Enabled: true, Visitor: NewMemberStrip("Test.Sample::Log")}}, nil
		}
		engine := NewRewriteEngineWithProviders(config,
			&mockModuleReader{build: func(string) *Module { return newEngineModule("app", false) }},
			&mockModuleWriter{}, nil, reportWriter, stages)
		require.NoError(t, engine.Run())

		assert.Equal(t, []StageStats{{Name: "strip_log", Deleted: 1}}, reportWriter.report.Stages)
		changes := reportWriter.report.Modules[0].Changes
		require.Len(t, changes, 1)
		assert.True(t, changes[0].Removed)
	})

	t.Run("failed_module_writes_nothing", func(t *testing.T) {
		t.Parallel()

		_, inputs := touchInputs(t, "a.ilz", "b.ilz", "c.ilz")
		config := &Config{InputFlag: inputs[0] + "," + inputs[1] + "," + inputs[2], CacheMB: 4}
		writer := &mockModuleWriter{}
		reportWriter := &mockReportWriter{}
		engine := NewRewriteEngineWithProviders(config,
			&mockModuleReader{build: func(path string) *Module {
				m := newEngineModule(filepath.Base(path), false)
				if filepath.Base(path) == "b.ilz" {
					m.Types[1].AddMethod(newStaticMethod("Explode", nil, nil, NewInstruction(OpRet, nil)))
				}
				return m
			}},
			writer, nil, reportWriter,
			func(*Config, *CallSiteCollector) ([]Stage, error) {
				return []Stage{{Name: "explode", Enabled: true, Visitor: methodHook{fn: func(m *Method) (*Method, error) {
					if m.Name == "Explode" {
						return m, violation(m, nil, "corrupted body")
					}
					return m, nil
				}}}}, nil
			})

		err := engine.Run()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrEditingInvariant)
		assert.Contains(t, err.Error(), "stage explode failed on void Test.Sample::Explode()")
		assert.Empty(t, writer.written)
		assert.False(t, reportWriter.called)
	})

	errorTests := []struct {
		name     string
		engine   func(config *Config) *RewriteEngine
		contains string
	}{
		{
			name: "reader_error",
			engine: func(config *Config) *RewriteEngine {
				return NewRewriteEngineWithProviders(config, &mockModuleReader{err: errors.New("corrupt container")},
					nil, nil, &mockReportWriter{}, nil)
			},
			contains: "error reading module: corrupt container",
		},
		{
			name: "writer_error",
			engine: func(config *Config) *RewriteEngine {
				return NewRewriteEngineWithProviders(config,
					&mockModuleReader{build: func(string) *Module { return newEngineModule("app", false) }},
					&mockModuleWriter{err: errors.New("disk full")}, nil, &mockReportWriter{}, nil)
			},
			contains: "error writing module: disk full",
		},
		{
			name: "storage_error",
			engine: func(config *Config) *RewriteEngine {
				return NewRewriteEngineWithProviders(config, nil, nil,
					&mockStorageProvider{err: errors.New("locked")}, &mockReportWriter{}, nil)
			},
			contains: "error opening journal storage: locked",
		},
		{
			name: "report_error",
			engine: func(config *Config) *RewriteEngine {
				return NewRewriteEngineWithProviders(config,
					&mockModuleReader{build: func(string) *Module { return newEngineModule("app", false) }},
					&mockModuleWriter{}, nil, &mockReportWriter{err: errors.New("read only")}, nil)
			},
			contains: "error writing report files: read only",
		},
		{
			name: "stage_error",
			engine: func(config *Config) *RewriteEngine {
				return NewRewriteEngineWithProviders(config,
					&mockModuleReader{build: func(string) *Module { return newEngineModule("app", false) }},
					&mockModuleWriter{}, nil, &mockReportWriter{},
					func(*Config, *CallSiteCollector) ([]Stage, error) { return nil, errors.New("no stages") })
			},
			contains: "error creating stages: no stages",
		},
		{
			name: "fatal_visitor_error",
			engine: func(config *Config) *RewriteEngine {
				return NewRewriteEngineWithProviders(config,
					&mockModuleReader{build: func(string) *Module { return newEngineModule("app", false) }},
					&mockModuleWriter{}, nil, &mockReportWriter{},
					func(*Config, *CallSiteCollector) ([]Stage, error) {
						return []Stage{{Name: "leaky", Enabled: true, Visitor: methodHook{fn: func(m *Method) (*Method, error) {
							_, err := OpenBody(m)
							return m, err
						}}}}, nil
					})
			},
			contains: "stage leaky failed on void Test.Sample::Log()",
		},
	}

	for _, tt := range errorTests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			config := createTestConfig(t)
			err := tt.engine(config).Run()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}
