// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sandbox runs operation scripts inside a capability-restricted
// Starlark interpreter. Scripts see only the safe builtin universe, a
// fixed module allow-list, and the backend wrapper they are handed; there
// is no filesystem, process, or network surface to reach.
package sandbox

import (
	"context"
	"fmt"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/tombee/outpost/internal/operation"
	"github.com/tombee/outpost/internal/proxy"
	"github.com/tombee/outpost/pkg/errors"
)

// EntrypointName is the fixed function every script must define in its
// entry module.
const EntrypointName = "run"

// defaultMaxSteps bounds interpreter work per script run.
const defaultMaxSteps = 10_000_000

// Config tunes the sandbox policy.
type Config struct {
	// AllowedModules narrows the fixed module allow-list. Empty means
	// the default set.
	AllowedModules []string

	// MaxSteps caps Starlark execution steps per run. Zero means the
	// default cap; the cap is never disabled.
	MaxSteps uint64
}

// Engine executes scripts. It holds only policy; all run state is scoped
// to a single Execute call and discarded afterwards.
type Engine struct {
	allowed  map[string]*starlarkstruct.Module
	maxSteps uint64
}

// NewEngine creates a sandbox engine with the given policy.
func NewEngine(cfg Config) *Engine {
	names := cfg.AllowedModules
	if len(names) == 0 {
		names = DefaultAllowedModules()
	}
	allowed := make(map[string]*starlarkstruct.Module, len(names))
	for _, name := range names {
		if mod, ok := fixedModules[name]; ok {
			allowed[name] = mod
		}
	}

	maxSteps := cfg.MaxSteps
	if maxSteps == 0 {
		maxSteps = defaultMaxSteps
	}
	return &Engine{allowed: allowed, maxSteps: maxSteps}
}

// Execute runs a script's entry module and calls its entrypoint with the
// backend client, the script context, and the script's keyword arguments.
// Single-shot and synchronous; the module cache does not outlive the call.
func (e *Engine) Execute(ctx context.Context, script *operation.Script, client proxy.Client, scriptContext map[string]string) (any, error) {
	if script.EntryModule == "" {
		return nil, &errors.SandboxError{Stage: "load", Message: "entry_module is required"}
	}

	run := &scriptRun{
		engine:  e,
		script:  script,
		modules: make(map[string]*moduleEntry, len(script.Modules)),
	}
	for _, m := range script.Modules {
		run.modules[m.Name] = &moduleEntry{source: m.Source}
	}

	thread := &starlark.Thread{
		Name: "script:" + script.EntryModule,
		Load: run.load,
	}
	thread.SetMaxExecutionSteps(e.maxSteps)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-stop:
		}
	}()

	globals, err := run.load(thread, script.EntryModule)
	if err != nil {
		return nil, err
	}

	entrypoint, ok := globals[EntrypointName]
	if !ok {
		return nil, &errors.SandboxError{
			Stage:   "entrypoint",
			Message: fmt.Sprintf("entry module %q does not define %s", script.EntryModule, EntrypointName),
		}
	}

	driver := client.Driver()
	if driver == nil {
		driver = client
	}
	clientArg := newClientValue(ctx, driver, script.EntryModule)

	contextArg, err := toStarlark(scriptContext)
	if err != nil {
		return nil, &errors.SandboxError{Stage: "call", Message: "converting script context", Cause: err}
	}

	kwargs := make([]starlark.Tuple, 0, len(script.Kwargs))
	names := make([]string, 0, len(script.Kwargs))
	for name := range script.Kwargs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value, err := toStarlark(script.Kwargs[name])
		if err != nil {
			return nil, &errors.SandboxError{
				Stage:   "call",
				Message: "converting keyword argument " + name,
				Cause:   err,
			}
		}
		kwargs = append(kwargs, starlark.Tuple{starlark.String(name), value})
	}

	result, err := starlark.Call(thread, entrypoint, starlark.Tuple{clientArg, contextArg}, kwargs)
	if err != nil {
		return nil, asSandboxError("call", err)
	}

	converted, err := fromStarlark(result)
	if err != nil {
		return nil, &errors.SandboxError{Stage: "call", Message: "converting script result", Cause: err}
	}
	return converted, nil
}

// moduleEntry tracks one declared module's lazy compilation state.
type moduleEntry struct {
	source  string
	globals starlark.StringDict
	err     error
	loaded  bool
	loading bool
}

// scriptRun is the per-invocation state: the declared-module cache and
// the loader. Nothing here survives past Execute.
type scriptRun struct {
	engine  *Engine
	script  *operation.Script
	modules map[string]*moduleEntry
}

// load resolves an import: the fixed allow-list first, then the script's
// own declared modules (compiled lazily, memoized per run), otherwise a
// descriptive failure naming the module.
func (r *scriptRun) load(thread *starlark.Thread, module string) (starlark.StringDict, error) {
	if mod, ok := r.engine.allowed[module]; ok {
		return starlark.StringDict{mod.Name: mod}, nil
	}

	entry, ok := r.modules[module]
	if !ok {
		return nil, &errors.SandboxError{
			Stage:   "load",
			Message: "module not found: " + module,
		}
	}
	if entry.loaded {
		return entry.globals, entry.err
	}
	if entry.loading {
		return nil, &errors.SandboxError{
			Stage:   "load",
			Message: "import cycle through module " + module,
		}
	}

	entry.loading = true
	globals, err := starlark.ExecFile(thread, module+".star", entry.source, r.predeclared())
	entry.loading = false
	entry.loaded = true
	entry.globals = globals
	if err != nil {
		entry.err = asSandboxError("compile", err)
	}
	return entry.globals, entry.err
}

// predeclared is the namespace every module starts from, beyond the safe
// builtin universe.
func (r *scriptRun) predeclared() starlark.StringDict {
	return starlark.StringDict{
		"struct": starlark.NewBuiltin("struct", starlarkstruct.Make),
	}
}

// asSandboxError wraps interpreter failures, keeping Starlark's backtrace
// in the message.
func asSandboxError(stage string, err error) error {
	var sandboxErr *errors.SandboxError
	if errors.As(err, &sandboxErr) {
		return err
	}
	if evalErr, ok := err.(*starlark.EvalError); ok {
		return &errors.SandboxError{
			Stage:   stage,
			Message: evalErr.Backtrace(),
			Cause:   err,
		}
	}
	return &errors.SandboxError{Stage: stage, Message: err.Error(), Cause: err}
}
