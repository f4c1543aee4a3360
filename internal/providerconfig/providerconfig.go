// Package providerconfig loads the provider registry from a TOML file
// (spec.md §6, "Configuration directory holds a TOML file enumerating
// providers") and builds the provider.Registry the worker pool dispatches
// against. Each entry names a script provider and, optionally, an
// alternate run backend (docker or kubernetes) that wraps it. The same
// file also carries the task-provider command templates run_task resolves
// against (spec.md §4.F), one `[[task_providers]]` table per task.provider
// value seen on a task row.
package providerconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/spf13/viper"

	"work/internal/provider"
	"work/internal/provider/dockerrun"
	"work/internal/provider/k8srun"
	"work/internal/provider/script"
)

// Entry describes one registered environment provider.
type Entry struct {
	Name       string `mapstructure:"name"`
	Path       string `mapstructure:"path"`
	RunBackend string `mapstructure:"run_backend"`

	DockerImage string `mapstructure:"docker_image"`

	K8sNamespace      string `mapstructure:"k8s_namespace"`
	K8sServiceAccount string `mapstructure:"k8s_service_account"`
	K8sImage          string `mapstructure:"k8s_image"`
}

// TaskEntry describes one task-provider command template, the Go
// equivalent of the original's `TaskProviderConfig::Command{command, args}`
// (original_source/src/config.rs).
type TaskEntry struct {
	Name    string   `mapstructure:"name"`
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
}

// taskDescriptionPlaceholder is the token run_task replaces with the task
// row's description in every arg template (spec.md §4.F).
const taskDescriptionPlaceholder = "{task_description}"

// TaskCommand is the resolved form of a TaskEntry, handed to Handlers so
// run_task never has to re-read the TOML file.
type TaskCommand struct {
	Command string
	Args    []string
}

// ResolveArgs substitutes taskDescriptionPlaceholder with description in
// every arg, leaving args without the placeholder untouched.
func (c TaskCommand) ResolveArgs(description string) []string {
	resolved := make([]string, len(c.Args))
	for i, a := range c.Args {
		resolved[i] = strings.ReplaceAll(a, taskDescriptionPlaceholder, description)
	}
	return resolved
}

type file struct {
	Providers     []Entry     `mapstructure:"providers"`
	TaskProviders []TaskEntry `mapstructure:"task_providers"`
}

// Load reads path (a TOML file) and builds the provider.Registry plus the
// task-provider command table. A missing file is not an error: both come
// back empty and the daemon starts with nothing configured, matching the
// teacher's preference for permissive startup over a hard failure on
// optional config.
func Load(path string) (*provider.Registry, map[string]TaskCommand, error) {
	reg := provider.NewRegistry()
	tasks := make(map[string]TaskCommand)

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok || errors.Is(err, fs.ErrNotExist) {
			return reg, tasks, nil
		}
		return nil, nil, fmt.Errorf("providerconfig: read %s: %w", path, err)
	}

	var f file
	if err := v.Unmarshal(&f); err != nil {
		return nil, nil, fmt.Errorf("providerconfig: parse %s: %w", path, err)
	}

	for _, e := range f.Providers {
		if e.Name == "" || e.Path == "" {
			return nil, nil, fmt.Errorf("providerconfig: entry missing name or path: %+v", e)
		}

		var p provider.Provider = script.New(e.Path)

		switch e.RunBackend {
		case "", "exec":
			// script provider handles Run itself.
		case "docker":
			dp, err := dockerrun.New(p, e.DockerImage)
			if err != nil {
				return nil, nil, fmt.Errorf("providerconfig: provider %s: docker backend: %w", e.Name, err)
			}
			p = dp
		case "kubernetes":
			kp, err := k8srun.New(p, k8srun.Config{
				Namespace:      e.K8sNamespace,
				ServiceAccount: e.K8sServiceAccount,
				Image:          e.K8sImage,
			})
			if err != nil {
				return nil, nil, fmt.Errorf("providerconfig: provider %s: kubernetes backend: %w", e.Name, err)
			}
			p = kp
		default:
			return nil, nil, fmt.Errorf("providerconfig: provider %s: unknown run_backend %q", e.Name, e.RunBackend)
		}

		reg.Register(e.Name, p)
	}

	for _, e := range f.TaskProviders {
		if e.Name == "" || e.Command == "" {
			return nil, nil, fmt.Errorf("providerconfig: task_providers entry missing name or command: %+v", e)
		}
		tasks[e.Name] = TaskCommand{Command: e.Command, Args: e.Args}
	}

	return reg, tasks, nil
}
