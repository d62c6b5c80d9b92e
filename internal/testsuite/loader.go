package testsuite

import (
	"context"
	"embed"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/llm-evalgate/internal/rules"
)

//go:embed all:testdata
var embeddedSuites embed.FS

// ErrVersionMismatch is returned when a pinned suite version is no longer
// the one on disk.
var ErrVersionMismatch = errors.New("suite version mismatch")

// Load loads a test suite by name, searching first in the external directory
// (if provided), then in the embedded test suites.
func Load(name string, externalDir string) (*TestSuite, error) {
	if externalDir != "" {
		dir, err := resolveSuiteDir(externalDir, name)
		if err != nil {
			return nil, err
		}
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return loadFromFS(os.DirFS(dir), name)
		}
	}

	// embed.FS always uses forward slashes.
	subFS, err := fs.Sub(embeddedSuites, path.Join("testdata", name))
	if err != nil {
		return nil, fmt.Errorf("test suite %q not found: %w", name, err)
	}
	return loadFromFS(subFS, name)
}

// List returns the names of all available test suites.
func List(externalDir string) ([]string, error) {
	seen := make(map[string]bool)
	var names []string

	entries, err := fs.ReadDir(embeddedSuites, "testdata")
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				seen[e.Name()] = true
				names = append(names, e.Name())
			}
		}
	}

	if externalDir != "" {
		entries, err := os.ReadDir(externalDir)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read suites directory: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() && !seen[e.Name()] {
				names = append(names, e.Name())
			}
		}
	}

	return names, nil
}

func loadFromFS(fsys fs.FS, name string) (*TestSuite, error) {
	configData, err := fs.ReadFile(fsys, "config.yaml")
	if err != nil {
		return nil, fmt.Errorf("failed to read config.yaml for suite %q: %w", name, err)
	}

	var suite TestSuite
	if err := yaml.Unmarshal(configData, &suite); err != nil {
		return nil, fmt.Errorf("failed to parse config.yaml for suite %q: %w", name, err)
	}

	suite.ID = name
	if suite.Name == "" {
		suite.Name = name
	}
	if suite.Version <= 0 {
		suite.Version = 1
	}
	if suite.SystemType == "" {
		suite.SystemType = SystemRAG
	}
	if !suite.SystemType.Valid() {
		return nil, fmt.Errorf("suite %q has unknown system_type %q", name, suite.SystemType)
	}
	if suite.CasesFile == "" {
		suite.CasesFile = "cases.csv"
	}

	cases, err := loadCasesFromFS(fsys, suite.CasesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load cases for suite %q: %w", name, err)
	}
	suite.Cases = cases

	return &suite, nil
}

func loadCasesFromFS(fsys fs.FS, filename string) ([]TestCase, error) {
	f, err := fsys.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", filename, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV header: %w", err)
	}

	colIndex := make(map[string]int)
	for i, col := range header {
		colIndex[strings.TrimSpace(col)] = i
	}

	for _, required := range []string{"ID", "Query"} {
		if _, ok := colIndex[required]; !ok {
			return nil, fmt.Errorf("missing required CSV column: %s", required)
		}
	}

	field := func(record []string, col string) string {
		idx, ok := colIndex[col]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	seen := make(map[string]bool)
	var cases []TestCase
	for lineNum := 2; ; lineNum++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read CSV row %d: %w", lineNum, err)
		}

		tc := TestCase{
			ID:             field(record, "ID"),
			Query:          field(record, "Query"),
			ExpectedOutput: field(record, "ExpectedOutput"),
			GroundTruth:    field(record, "GroundTruth"),
		}
		if tc.ID == "" || tc.Query == "" {
			return nil, fmt.Errorf("CSV row %d: ID and Query must not be empty", lineNum)
		}
		if seen[tc.ID] {
			return nil, fmt.Errorf("CSV row %d: duplicate case ID %q", lineNum, tc.ID)
		}
		seen[tc.ID] = true

		if raw := field(record, "Context"); raw != "" {
			if err := json.Unmarshal([]byte(raw), &tc.Context); err != nil {
				return nil, fmt.Errorf("CSV row %d: invalid Context JSON: %w", lineNum, err)
			}
		}
		if raw := field(record, "Rules"); raw != "" {
			list, err := rules.ParseList([]byte(raw))
			if err != nil {
				return nil, fmt.Errorf("CSV row %d: %w", lineNum, err)
			}
			tc.Rules = list
		}

		cases = append(cases, tc)
	}

	return cases, nil
}

// Source resolves suite references for the engine.
type Source interface {
	GetSuite(ctx context.Context, ref SuiteRef) (*TestSuite, error)
	ListSuites(ctx context.Context) ([]*TestSuite, error)
}

// Loader is a Source backed by the embedded suites and an optional
// external directory. Parsed suites are cached for a short time.
type Loader struct {
	externalDir string
	cache       *gocache.Cache
}

// NewLoader creates a Loader. ttl <= 0 disables caching.
func NewLoader(externalDir string, ttl time.Duration) *Loader {
	l := &Loader{externalDir: externalDir}
	if ttl > 0 {
		l.cache = gocache.New(ttl, 2*ttl)
	}
	return l
}

// GetSuite loads the suite named by ref.ID. A non-zero ref.Version must
// match the loaded version.
func (l *Loader) GetSuite(_ context.Context, ref SuiteRef) (*TestSuite, error) {
	suite, err := l.load(ref.ID)
	if err != nil {
		return nil, err
	}
	if ref.Version != 0 && suite.Version != ref.Version {
		return nil, fmt.Errorf("%w: %s is at v%d, run pinned v%d", ErrVersionMismatch, ref.ID, suite.Version, ref.Version)
	}
	return suite, nil
}

// ListSuites loads every available suite, skipping broken ones.
func (l *Loader) ListSuites(_ context.Context) ([]*TestSuite, error) {
	names, err := List(l.externalDir)
	if err != nil {
		return nil, err
	}
	suites := make([]*TestSuite, 0, len(names))
	for _, name := range names {
		s, err := l.load(name)
		if err != nil {
			continue
		}
		suites = append(suites, s)
	}
	return suites, nil
}

func (l *Loader) load(name string) (*TestSuite, error) {
	if l.cache != nil {
		if v, ok := l.cache.Get(name); ok {
			return v.(*TestSuite), nil
		}
	}
	suite, err := Load(name, l.externalDir)
	if err != nil {
		return nil, err
	}
	if l.cache != nil {
		l.cache.Set(name, suite, gocache.DefaultExpiration)
	}
	return suite, nil
}
