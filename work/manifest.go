package work

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/planwright/task"
)

// DefaultManifest is the dependency manifest used when a task names none.
const DefaultManifest = "dependencies.yaml"

// Configure merges settings into a YAML document. Inputs: path, settings
// (object). Nested objects merge key by key; other values replace.
type Configure struct{ Fs afero.Fs }

func (h *Configure) Kind() task.Kind { return task.KindConfigure }

func (h *Configure) Execute(_ context.Context, t *task.Task) (map[string]any, error) {
	path, err := inputPath(t, "path")
	if err != nil {
		return nil, err
	}
	settings, ok := t.Inputs["settings"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("input %q must be an object", "settings")
	}

	doc, err := readYAML(h.Fs, path)
	if err != nil {
		return nil, err
	}
	merge(doc, settings)
	if err := writeYAML(h.Fs, path, doc); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(settings))
	for k := range settings {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return map[string]any{"path": path, "keys": keys}, nil
}

// InstallDependency records name@version in a YAML manifest under
// "dependencies". Inputs: name, version, manifest.
type InstallDependency struct{ Fs afero.Fs }

func (h *InstallDependency) Kind() task.Kind { return task.KindInstallDependency }

func (h *InstallDependency) Execute(_ context.Context, t *task.Task) (map[string]any, error) {
	name, err := inputString(t, "name", true)
	if err != nil {
		return nil, err
	}
	version, err := inputString(t, "version", false)
	if err != nil {
		return nil, err
	}
	if version == "" {
		version = "latest"
	}
	manifest, err := inputString(t, "manifest", false)
	if err != nil {
		return nil, err
	}
	if manifest == "" {
		manifest = DefaultManifest
	}

	doc, err := readYAML(h.Fs, manifest)
	if err != nil {
		return nil, err
	}
	deps, _ := doc["dependencies"].(map[string]any)
	if deps == nil {
		deps = map[string]any{}
	}
	previous, _ := deps[name].(string)
	deps[name] = version
	doc["dependencies"] = deps
	if err := writeYAML(h.Fs, manifest, doc); err != nil {
		return nil, err
	}
	return map[string]any{"name": name, "version": version, "manifest": manifest, "previous": previous}, nil
}

func readYAML(fs afero.Fs, path string) (map[string]any, error) {
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{}
	if !exists {
		return doc, nil
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

func writeYAML(fs afero.Fs, path string, doc map[string]any) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := ensureDir(fs, path); err != nil {
		return err
	}
	if err := afero.WriteFile(fs, path, data, 0o640); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func merge(dst, src map[string]any) {
	for k, v := range src {
		sub, ok := v.(map[string]any)
		if !ok {
			dst[k] = v
			continue
		}
		existing, ok := dst[k].(map[string]any)
		if !ok {
			existing = map[string]any{}
			dst[k] = existing
		}
		merge(existing, sub)
	}
}
