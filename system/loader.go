package system

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/grimoire-rpg/grimoire/template"
)

// Directory names recognized under a system root, in parse order
// (leaves first so cross-references resolve forward).
var systemDirs = []string{"sources", "models", "compendiums", "tables", "prompts", "flows"}

// Loader builds System object graphs from directories of YAML
// definitions. Loads are cached by canonical path: loading the same
// directory twice returns the identical *System.
type Loader struct {
	logger   *slog.Logger
	resolver *template.Resolver

	mu    sync.Mutex
	cache map[string]*System
}

func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		logger:   logger,
		resolver: template.New(logger),
		cache:    make(map[string]*System),
	}
}

// Load reads the system package rooted at path. All schema and
// cross-reference problems are aggregated into a single LoadError; a
// partially valid system is never returned.
func (l *Loader) Load(path string) (*System, error) {
	canonical, err := canonicalPath(path)
	if err != nil {
		return nil, notFound(path, err)
	}

	l.mu.Lock()
	if cached, ok := l.cache[canonical]; ok {
		l.mu.Unlock()
		l.logger.Debug("system served from cache", "path", canonical)
		return cached, nil
	}
	l.mu.Unlock()

	sys, err := l.load(canonical)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[canonical] = sys
	l.mu.Unlock()
	return sys, nil
}

func canonicalPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return filepath.Clean(abs), nil
}

func (l *Loader) load(root string) (*System, error) {
	raw, err := os.ReadFile(filepath.Join(root, "system.yaml"))
	if err != nil {
		return nil, notFound(root, err)
	}

	sys := &System{
		Sources:     make(map[string]*Source),
		Models:      make(map[string]*Model),
		Compendiums: make(map[string]*Compendium),
		Tables:      make(map[string]*Table),
		Flows:       make(map[string]*Flow),
		Prompts:     make(map[string]*Prompt),
	}
	if err := yaml.Unmarshal(raw, sys); err != nil {
		return nil, parseError(root, []string{fmt.Sprintf("system.yaml: %v", err)})
	}

	var problems []string
	if sys.ID == "" {
		problems = append(problems, "system.yaml: id is required")
	}
	if sys.Kind != KindSystem {
		problems = append(problems, fmt.Sprintf("system.yaml: kind must be %q, got %q", KindSystem, sys.Kind))
	}
	if sys.Name == "" {
		problems = append(problems, "system.yaml: name is required")
	}
	if len(problems) > 0 {
		return nil, validationError(root, problems)
	}

	metadata := sys.Metadata()
	var parseProblems []string
	for _, dir := range systemDirs {
		files, err := listYAML(root, dir)
		if err != nil {
			parseProblems = append(parseProblems, err.Error())
			continue
		}
		for _, file := range files {
			if err := l.loadFile(sys, root, file, metadata, &problems); err != nil {
				parseProblems = append(parseProblems, err.Error())
			}
		}
	}
	if len(parseProblems) > 0 {
		return nil, parseError(root, parseProblems)
	}

	problems = append(problems, l.resolveLoadTemplates(sys, metadata)...)
	problems = append(problems, validate(sys, l.resolver)...)
	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, validationError(root, problems)
	}

	for _, m := range sys.Models {
		m.resolveInheritance(sys.Models)
	}
	sys.indexCompendiums()
	l.warnAmbiguities(sys)

	l.logger.Info("system loaded",
		"id", sys.ID,
		"models", len(sys.Models),
		"compendiums", len(sys.Compendiums),
		"tables", len(sys.Tables),
		"flows", len(sys.Flows))
	return sys, nil
}

// listYAML enumerates *.yaml files of one subdirectory, sorted, and
// rejects entries escaping the system root through symlinks or "..".
func listYAML(root, dir string) ([]string, error) {
	full := filepath.Join(root, dir)
	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%s: %v", dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s: not a directory", dir)
	}
	matches, err := filepath.Glob(filepath.Join(full, "*.yaml"))
	if err != nil {
		return nil, fmt.Errorf("%s: %v", dir, err)
	}
	sort.Strings(matches)
	var files []string
	for _, m := range matches {
		if err := withinRoot(root, m); err != nil {
			return nil, err
		}
		files = append(files, m)
	}
	return files, nil
}

// withinRoot guards against definition files resolving outside the
// system directory.
func withinRoot(root, target string) error {
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return fmt.Errorf("%s: %v", target, err)
	}
	rel, err := filepath.Rel(root, absTarget)
	if err != nil {
		return fmt.Errorf("%s: %v", target, err)
	}
	if strings.HasPrefix(rel, "..") {
		return fmt.Errorf("%s escapes system root %s", target, root)
	}
	return nil
}

type kindHeader struct {
	Kind string `yaml:"kind"`
}

// loadFile parses one definition file. The declared kind selects the
// parser; schema problems append to problems, while a returned error
// means the YAML itself would not parse.
func (l *Loader) loadFile(sys *System, root, file string, metadata map[string]any, problems *[]string) error {
	raw, err := os.ReadFile(file)
	if err != nil {
		return fmt.Errorf("%s: %v", rel(root, file), err)
	}
	var header kindHeader
	if err := yaml.Unmarshal(raw, &header); err != nil {
		return fmt.Errorf("%s: %v", rel(root, file), err)
	}

	name := rel(root, file)
	switch header.Kind {
	case KindSource:
		var v Source
		if err := yaml.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("%s: %v", name, err)
		}
		registerDef(name, v.ID, &v, sys.Sources, problems)
	case KindModel:
		var v Model
		if err := yaml.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("%s: %v", name, err)
		}
		registerDef(name, v.ID, &v, sys.Models, problems)
	case KindCompendium:
		var v Compendium
		if err := yaml.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("%s: %v", name, err)
		}
		registerDef(name, v.ID, &v, sys.Compendiums, problems)
	case KindTable:
		var v Table
		if err := yaml.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("%s: %v", name, err)
		}
		registerDef(name, v.ID, &v, sys.Tables, problems)
	case KindPrompt:
		var v Prompt
		if err := yaml.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("%s: %v", name, err)
		}
		registerDef(name, v.ID, &v, sys.Prompts, problems)
	case KindFlow:
		var v Flow
		if err := yaml.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("%s: %v", name, err)
		}
		registerDef(name, v.ID, &v, sys.Flows, problems)
	case "":
		*problems = append(*problems, fmt.Sprintf("%s: missing kind", name))
	default:
		*problems = append(*problems, fmt.Sprintf("%s: unknown kind %q", name, header.Kind))
	}
	return nil
}

func registerDef[V any](file, id string, v V, into map[string]V, problems *[]string) {
	if id == "" {
		*problems = append(*problems, fmt.Sprintf("%s: id is required", file))
		return
	}
	if _, dup := into[id]; dup {
		*problems = append(*problems, fmt.Sprintf("%s: duplicate id %q", file, id))
		return
	}
	into[id] = v
}

func rel(root, file string) string {
	if r, err := filepath.Rel(root, file); err == nil {
		return r
	}
	return file
}

// resolveLoadTemplates renders descriptive fields against system
// metadata. Templates whose free identifiers include the run-time set
// stay verbatim for the engine; malformed syntax also stays verbatim
// and surfaces at evaluation time. A load-time template that fails to
// render is a validation problem.
//
// Step prompts get a stricter gate: they only resolve now when every
// identifier they read comes from system metadata, because a prompt may
// also reference prompt_data bindings the executor supplies at run time.
func (l *Loader) resolveLoadTemplates(sys *System, metadata map[string]any) []string {
	var problems []string
	resolve := func(where string, s *string) {
		if *s == "" || template.IsRuntime(*s) {
			return
		}
		rendered, err := l.resolver.ResolveString(*s, metadata, template.ModeLoad)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: template %q: %v", where, *s, err))
			return
		}
		*s = rendered
	}
	metadataRoots := make([]string, 0, len(metadata))
	for k := range metadata {
		metadataRoots = append(metadataRoots, k)
	}

	for id, v := range sys.Sources {
		resolve("source "+id, &v.Name)
		resolve("source "+id, &v.Description)
	}
	for id, v := range sys.Models {
		resolve("model "+id, &v.Name)
		resolve("model "+id, &v.Description)
	}
	for id, v := range sys.Compendiums {
		resolve("compendium "+id, &v.Name)
		resolve("compendium "+id, &v.Description)
	}
	for id, v := range sys.Tables {
		resolve("table "+id, &v.Name)
		resolve("table "+id, &v.Description)
	}
	for id, v := range sys.Prompts {
		resolve("prompt "+id, &v.Name)
		resolve("prompt "+id, &v.Description)
	}
	for id, f := range sys.Flows {
		resolve("flow "+id, &f.Name)
		resolve("flow "+id, &f.Description)
		for i := range f.Steps {
			step := &f.Steps[i]
			where := fmt.Sprintf("flow %s step %s", id, step.ID)
			resolve(where, &step.Name)
			if template.ReadsOnly(step.Prompt, metadataRoots...) {
				resolve(where, &step.Prompt)
			}
		}
	}
	return problems
}

// warnAmbiguities logs definition shapes that load fine but usually
// mean the author made a mistake.
func (l *Loader) warnAmbiguities(sys *System) {
	for _, id := range sys.FlowIDs() {
		f := sys.Flows[id]
		for i := range f.Steps {
			step := &f.Steps[i]
			if step.Type == StepLLMGeneration && step.Prompt != "" && step.PromptID != "" {
				l.logger.Warn("step declares both prompt and prompt_id; inline prompt wins",
					"flow", id, "step", step.ID, "prompt_id", step.PromptID)
			}
		}
	}
}

// Invalidate drops the cached system for path, forcing the next Load to
// re-read the directory.
func (l *Loader) Invalidate(path string) {
	canonical, err := canonicalPath(path)
	if err != nil {
		return
	}
	l.mu.Lock()
	delete(l.cache, canonical)
	l.mu.Unlock()
}
