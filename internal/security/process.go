package security

import (
	"log/slog"
	"os"
	"runtime"
)

// ChecklistItem is one startup hardening check.
type ChecklistItem struct {
	Name    string
	Passed  bool
	Warning string
}

// Checklist is the result of RunChecklist.
type Checklist struct {
	Items []ChecklistItem
}

// RunChecklist inspects the host process before it starts serving the UI
// surface. The host writes wherever the user points it, so running
// privileged widens what a compromised UI could touch.
func RunChecklist() *Checklist {
	c := &Checklist{}

	c.Items = append(c.Items, ChecklistItem{
		Name:    "non_root",
		Passed:  !isPrivileged(),
		Warning: "host is running with elevated privileges",
	})

	c.Items = append(c.Items, ChecklistItem{
		Name:    "no_tracer",
		Passed:  !tracerAttached(),
		Warning: "a debugger is attached to the host process",
	})

	c.Items = append(c.Items, ChecklistItem{
		Name:    "core_disabled",
		Passed:  !coreDumpsEnabled(),
		Warning: "core dumps could write open documents to disk",
	})

	return c
}

// AllPassed returns true if all checks passed.
func (c *Checklist) AllPassed() bool {
	for _, item := range c.Items {
		if !item.Passed {
			return false
		}
	}
	return true
}

// Warnings returns the warning of every failed check.
func (c *Checklist) Warnings() []string {
	var warnings []string
	for _, item := range c.Items {
		if !item.Passed && item.Warning != "" {
			warnings = append(warnings, item.Warning)
		}
	}
	return warnings
}

// Harden disables core dumps and logs the remaining checklist warnings.
func Harden(logger *slog.Logger) *Checklist {
	if err := disableCoreDumps(); err != nil {
		logger.Warn("could not disable core dumps", "error", err)
	}
	c := RunChecklist()
	for _, w := range c.Warnings() {
		logger.Warn("startup check failed", "check", w, "platform", runtime.GOOS, "pid", os.Getpid())
	}
	return c
}
