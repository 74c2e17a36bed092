// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package demo

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownScenario = errors.New("unknown scenario")
	ErrInvalidScenario = errors.New("invalid scenario")
)

// HookID names one hooked function inside a scenario and tags every line
// its listener prints.
type HookID string

// ArgKind says how the first argument of a hooked function is rendered.
type ArgKind string

const (
	ArgString ArgKind = "string" // NUL-terminated string, printed quoted
	ArgInt    ArgKind = "int"    // signed 32-bit
	ArgUint   ArgKind = "uint"   // unsigned 32-bit
)

// Resolution selects how target addresses are looked up.
type Resolution string

const (
	// ResolveGlobal searches every loaded module, the main program first.
	ResolveGlobal Resolution = "global"
	// ResolveModule looks a symbol up in the named module only.
	ResolveModule Resolution = "module"
)

// Target is a function the scenario's listener is attached to.
type Target struct {
	Hook   HookID  `yaml:"hook"`
	Symbol string  `yaml:"symbol"`
	Module string  `yaml:"module,omitempty"`
	Arg    ArgKind `yaml:"arg"`
}

// Call is one invocation in a scenario round. Func is either a target's
// symbol or any other export, looked up in Module when set.
type Call struct {
	Func   string `yaml:"call"`
	Module string `yaml:"module,omitempty"`
	Args   []Arg  `yaml:"args,omitempty"`
}

// Arg is a call argument: exactly one of a string, an integer or the result
// of a nested call.
type Arg struct {
	Str *string `yaml:"str,omitempty"`
	Int *int64  `yaml:"int,omitempty"`

	Func   string `yaml:"call,omitempty"`
	Module string `yaml:"module,omitempty"`
	Args   []Arg  `yaml:"args,omitempty"`
}

// Nested returns the argument as a call, or nil.
func (a Arg) Nested() *Call {
	if a.Func == "" {
		return nil
	}
	return &Call{Func: a.Func, Module: a.Module, Args: a.Args}
}

// Scenario is one attach / observe / detach run.
type Scenario struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description,omitempty"`
	Resolution  Resolution `yaml:"resolution"`
	Targets     []Target   `yaml:"targets"`
	Round       []Call     `yaml:"round"`
}

type scenarioFile struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

func strArg(s string) Arg { return Arg{Str: &s} }
func intArg(n int64) Arg  { return Arg{Int: &n} }

// openClose is close(open(path, O_RDONLY)).
func openClose(path string) Call {
	return Call{Func: "close", Args: []Arg{{
		Func: "open",
		Args: []Arg{strArg(path), intArg(0)},
	}}}
}

// BuiltinScenarios returns the scenarios that need no configuration.
func BuiltinScenarios() []Scenario {
	const mbIconInformation = 0x40

	return []Scenario{
		{
			Name:        "posix",
			Description: "open/close resolved in the global symbol space",
			Resolution:  ResolveGlobal,
			Targets: []Target{
				{Hook: "open", Symbol: "open", Arg: ArgString},
				{Hook: "close", Symbol: "close", Arg: ArgInt},
			},
			Round: []Call{openClose("/etc/hosts"), openClose("/etc/fstab")},
		},
		{
			Name:        "windows",
			Description: "user32.dll!MessageBeep and kernel32.dll!Sleep",
			Resolution:  ResolveModule,
			Targets: []Target{
				{Hook: "MessageBeep", Symbol: "MessageBeep", Module: "user32.dll", Arg: ArgUint},
				{Hook: "Sleep", Symbol: "Sleep", Module: "kernel32.dll", Arg: ArgUint},
			},
			Round: []Call{
				{Func: "MessageBeep", Args: []Arg{intArg(mbIconInformation)}},
				{Func: "Sleep", Args: []Arg{intArg(1)}},
			},
		},
		{
			Name:        "libc-sleep",
			Description: "usleep/sleep resolved inside libc.so.6",
			Resolution:  ResolveModule,
			Targets: []Target{
				{Hook: "usleep", Symbol: "usleep", Module: "libc.so.6", Arg: ArgUint},
				{Hook: "sleep", Symbol: "sleep", Module: "libc.so.6", Arg: ArgUint},
			},
			Round: []Call{
				{Func: "usleep", Args: []Arg{intArg(1)}},
				{Func: "sleep", Args: []Arg{intArg(0)}},
			},
		},
	}
}

// LoadScenarios reads a YAML scenario file.
func LoadScenarios(path string) ([]Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenarios: %w", err)
	}
	return ParseScenarios(bytes.NewReader(data))
}

// ParseScenarios decodes and validates a YAML scenario document. Unknown
// keys are rejected.
func ParseScenarios(r io.Reader) ([]Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var f scenarioFile
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("parse scenarios: %w", err)
	}
	if len(f.Scenarios) == 0 {
		return nil, fmt.Errorf("%w: no scenarios defined", ErrInvalidScenario)
	}

	seen := make(map[string]bool)
	for i := range f.Scenarios {
		sc := &f.Scenarios[i]
		if sc.Resolution == "" {
			sc.Resolution = ResolveGlobal
		}
		if err := sc.Validate(); err != nil {
			return nil, err
		}
		if seen[sc.Name] {
			return nil, fmt.Errorf("%w: duplicate name %q", ErrInvalidScenario, sc.Name)
		}
		seen[sc.Name] = true
	}
	return f.Scenarios, nil
}

// Validate checks a scenario for structural errors.
func (s *Scenario) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w %q: %s", ErrInvalidScenario, s.Name, fmt.Sprintf(format, args...))
	}

	if s.Name == "" {
		return fmt.Errorf("%w: scenario without a name", ErrInvalidScenario)
	}
	switch s.Resolution {
	case ResolveGlobal, ResolveModule:
	default:
		return fail("resolution must be %q or %q, got %q", ResolveGlobal, ResolveModule, s.Resolution)
	}
	if len(s.Targets) == 0 {
		return fail("no targets")
	}

	hooks := make(map[HookID]bool)
	funcs := make(map[string]HookID)
	for _, t := range s.Targets {
		if t.Hook == "" || t.Symbol == "" {
			return fail("target needs both hook and symbol")
		}
		if hooks[t.Hook] {
			return fail("duplicate hook %q", t.Hook)
		}
		hooks[t.Hook] = true
		key := funcKey(t.Module, t.Symbol)
		if prev, dup := funcs[key]; dup {
			return fail("targets %q and %q both hook %s", prev, t.Hook, key)
		}
		funcs[key] = t.Hook
		if s.Resolution == ResolveModule && t.Module == "" {
			return fail("target %q needs a module under module resolution", t.Hook)
		}
		switch t.Arg {
		case ArgString, ArgInt, ArgUint:
		default:
			return fail("target %q: arg must be string, int or uint, got %q", t.Hook, t.Arg)
		}
	}

	if len(s.Round) == 0 {
		return fail("empty round")
	}
	for _, c := range s.Round {
		if err := s.validateCall(c); err != nil {
			return fail("%v", err)
		}
	}
	return nil
}

func (s *Scenario) validateCall(c Call) error {
	if c.Func == "" {
		return errors.New("call without a function")
	}
	if s.Target(c.Func) == nil && s.Resolution == ResolveModule && c.Module == "" {
		return fmt.Errorf("call %q is not a target and has no module", c.Func)
	}
	if len(c.Args) > 6 {
		return fmt.Errorf("call %q: %d arguments, at most 6", c.Func, len(c.Args))
	}
	for _, a := range c.Args {
		set := 0
		if a.Str != nil {
			set++
		}
		if a.Int != nil {
			set++
		}
		if a.Func != "" {
			set++
		}
		if set != 1 {
			return fmt.Errorf("call %q: argument must be exactly one of str, int or call", c.Func)
		}
		if nested := a.Nested(); nested != nil {
			if err := s.validateCall(*nested); err != nil {
				return err
			}
		}
	}
	return nil
}

// Target returns the target hooking symbol, or nil.
func (s *Scenario) Target(symbol string) *Target {
	for i := range s.Targets {
		if s.Targets[i].Symbol == symbol {
			return &s.Targets[i]
		}
	}
	return nil
}

// funcKey identifies a function by module and name. An empty module means
// the global symbol space.
func funcKey(module, name string) string {
	return strings.ToLower(module) + "!" + name
}

// callKey is the funcKey of the function c invokes. A call without a
// module that names a target's symbol calls that target.
func (s *Scenario) callKey(c Call) string {
	if c.Module == "" {
		if t := s.Target(c.Func); t != nil {
			return funcKey(t.Module, t.Symbol)
		}
	}
	return funcKey(c.Module, c.Func)
}

// String renders a call the way C would write it.
func (c Call) String() string {
	args := make([]string, len(c.Args))
	for i, a := range c.Args {
		switch {
		case a.Str != nil:
			args[i] = fmt.Sprintf("%q", *a.Str)
		case a.Int != nil:
			args[i] = fmt.Sprintf("%d", *a.Int)
		default:
			args[i] = a.Nested().String()
		}
	}
	return fmt.Sprintf("%s(%s)", c.Func, strings.Join(args, ", "))
}

// FindScenario returns the scenario called name.
func FindScenario(scenarios []Scenario, name string) (*Scenario, error) {
	for i := range scenarios {
		if scenarios[i].Name == name {
			return &scenarios[i], nil
		}
	}
	names := make([]string, len(scenarios))
	for i, sc := range scenarios {
		names[i] = sc.Name
	}
	sort.Strings(names)
	return nil, fmt.Errorf("%w %q (have %s)", ErrUnknownScenario, name, strings.Join(names, ", "))
}

// MergeScenarios overlays loaded scenarios on the built-ins; a loaded
// scenario replaces a built-in of the same name.
func MergeScenarios(builtin, loaded []Scenario) []Scenario {
	out := make([]Scenario, 0, len(builtin)+len(loaded))
	replaced := make(map[string]bool)
	for _, sc := range loaded {
		replaced[sc.Name] = true
	}
	for _, sc := range builtin {
		if !replaced[sc.Name] {
			out = append(out, sc)
		}
	}
	return append(out, loaded...)
}
