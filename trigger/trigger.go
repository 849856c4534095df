// Package trigger implements the rule table that fires detached subprocess
// tasks when an outgoing GCode line matches a configured pattern.
package trigger

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"sync"
	"time"
)

// RuleConfig is one entry of the `custom-triggers[]` configuration list
// (spec.md §6).
type RuleConfig struct {
	ID      string
	Type    string // only "gcode" is recognised
	Match   string // regular expression, unanchored search
	Command string // shell command template
}

// Rule is a compiled, validated trigger rule. The rule set is immutable
// after Compile.
type Rule struct {
	ID      string
	Match   *regexp.Regexp
	Command string
}

// Compile validates and compiles a rule set from configuration. A
// compilation failure aborts startup (spec.md §4.3, §7: RuleCompileError).
func Compile(configs []RuleConfig) ([]Rule, error) {
	seen := make(map[string]bool, len(configs))
	rules := make([]Rule, 0, len(configs))
	for i, c := range configs {
		if c.ID == "" {
			return nil, fmt.Errorf("trigger[%d]: id is required", i)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("trigger[%d]: duplicate id %q", i, c.ID)
		}
		seen[c.ID] = true
		if c.Type != "gcode" {
			return nil, fmt.Errorf("trigger %q: unrecognised trigger.type %q", c.ID, c.Type)
		}
		if c.Match == "" {
			return nil, fmt.Errorf("trigger %q: trigger.match is required", c.ID)
		}
		if c.Command == "" {
			return nil, fmt.Errorf("trigger %q: command is required", c.ID)
		}
		re, err := regexp.Compile(c.Match)
		if err != nil {
			return nil, fmt.Errorf("trigger %q: invalid match regex: %w", c.ID, err)
		}
		rules = append(rules, Rule{ID: c.ID, Match: re, Command: c.Command})
	}
	return rules, nil
}

// Engine holds the compiled rule set and tracks spawned subprocess tasks so
// shutdown can await them with a bounded grace period.
type Engine struct {
	rules     []Rule
	grace     time.Duration
	shellPath string
	shellFlag string
	log       *slog.Logger

	wg sync.WaitGroup
}

// NewEngine constructs a trigger engine from an already-compiled rule set.
func NewEngine(rules []Rule, grace time.Duration) *Engine {
	return &Engine{
		rules:     rules,
		grace:     grace,
		shellPath: "/bin/sh",
		shellFlag: "-c",
		log:       slog.New(newTriggerLogHandler(os.Stderr)),
	}
}

// triggerLogHandler renders trigger lifecycle records in the exact
// "LEVEL - message" form spec.md §6 fixes for operator tooling, instead of
// whatever structured format the rest of the process's default slog handler
// uses. Every trigger log call passes a single fully-formatted message and
// no attrs, so attrs/groups are not rendered.
type triggerLogHandler struct {
	mu sync.Mutex
	w  *os.File
}

func newTriggerLogHandler(w *os.File) *triggerLogHandler {
	return &triggerLogHandler{w: w}
}

func (h *triggerLogHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *triggerLogHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := fmt.Fprintf(h.w, "%s - %s\n", r.Level.String(), r.Message)
	return err
}

func (h *triggerLogHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *triggerLogHandler) WithGroups(string) slog.Handler     { return h }

// Evaluate scans all rules against line (configuration order; every
// matching rule fires, not just the first) and spawns a detached subprocess
// per match. Evaluation itself is synchronous and fast; spawning is async.
func (e *Engine) Evaluate(line string) {
	for _, rule := range e.rules {
		if rule.Match.MatchString(line) {
			e.spawn(rule)
		}
	}
}

func (e *Engine) spawn(rule Rule) {
	e.wg.Add(1)
	e.log.Info(fmt.Sprintf("Executing trigger '%s': %s", rule.ID, rule.Command))
	go func() {
		defer e.wg.Done()

		cmd := exec.Command(e.shellPath, e.shellFlag, rule.Command)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		err := cmd.Run()
		if err == nil {
			e.log.Info(fmt.Sprintf("Trigger '%s' executed successfully (exit code: 0)", rule.ID))
			return
		}

		exitCode := -1
		var exitErr *exec.ExitError
		if isExitError(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		tail := tailLines(stderr.String(), 10)
		e.log.Error(fmt.Sprintf("Trigger '%s' failed with exit code %d: %s", rule.ID, exitCode, tail))
	}()
}

func isExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

// tailLines returns at most the last n lines of s.
func tailLines(s string, n int) string {
	if s == "" {
		return ""
	}
	lines := splitLines(s)
	if len(lines) <= n {
		return s
	}
	start := len(lines) - n
	joined := ""
	for i, l := range lines[start:] {
		if i > 0 {
			joined += "\n"
		}
		joined += l
	}
	return joined
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

// Await waits for all currently-tracked subprocesses to complete, bounded
// by the engine's grace period. Subprocesses still running when the grace
// period elapses are left to the OS (spec.md §4.3, §5).
func (e *Engine) Await() {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), e.grace)
	defer cancel()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("trigger shutdown grace period elapsed with subprocesses still running")
	}
}
