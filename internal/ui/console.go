// File: internal/ui/console.go
// Brief: Internal ui package implementation for 'dispatch console'.

// Package ui renders the live dispatch console and small terminal helpers.
package ui

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/kubekattle/apb/internal/dispatch"
)

var phaseTitleCaser = cases.Title(language.Und, cases.NoLower)

const outputTailLimit = 8

type ConsoleOptions struct {
	Enabled         bool
	Wide            bool
	Width           int
	DetailsExpanded bool
}

type Metadata struct {
	Playbook      string
	Inventory     string
	TargetServers string
	CheckMode     bool
	Tags          []string
	SkipTags      []string
	ExtraVars     []string
}

// Console repaints a compact dispatch view in place: metadata, phase chips,
// an optional warning banner, and a tail of recent ansible output. It
// consumes the dispatch event stream, so it plugs in as a stream observer.
type Console struct {
	out  io.Writer
	opts ConsoleOptions

	mu         sync.Mutex
	metadata   Metadata
	phases     map[string]phaseBadge
	tail       []string
	warning    *consoleWarning
	sections   []consoleSection
	totalLines int
	details    bool
}

type phaseBadge struct {
	Name    string
	State   string
	Message string
}

type consoleWarning struct {
	Severity string
	Message  string
	IssuedAt time.Time
}

type consoleSection struct {
	name  string
	lines []string
}

var phaseOrder = []string{
	dispatch.PhaseClassify,
	dispatch.PhaseCredentials,
	dispatch.PhaseValidate,
	dispatch.PhaseBuild,
	dispatch.PhaseExecute,
	dispatch.PhaseFinalize,
}

func NewConsole(out io.Writer, meta Metadata, opts ConsoleOptions) *Console {
	phases := make(map[string]phaseBadge, len(phaseOrder))
	for _, name := range phaseOrder {
		phases[name] = phaseBadge{Name: name, State: "pending"}
	}
	return &Console{
		out:      out,
		opts:     opts,
		metadata: meta,
		phases:   phases,
		details:  opts.DetailsExpanded,
	}
}

// HandleDispatchEvent feeds one stream event into the console.
func (c *Console) HandleDispatchEvent(ev dispatch.StreamEvent) {
	if c == nil || !c.opts.Enabled {
		return
	}
	switch ev.Kind {
	case dispatch.StreamEventRun:
		if ev.Run != nil {
			c.absorbRun(*ev.Run)
		}
	case dispatch.StreamEventPhase:
		if ev.Phase != nil {
			c.updatePhase(ev.Phase.Name, normalizePhaseState(ev.Phase.State), ev.Phase.Message)
		}
	case dispatch.StreamEventLog:
		if ev.Log != nil {
			c.observeLog(ev.Log.Level, ev.Log.Message)
		}
	case dispatch.StreamEventReport:
		// The closing summary is printed by the caller after Done.
	}
}

func (c *Console) UpdateMetadata(meta Metadata) {
	if c == nil || !c.opts.Enabled {
		return
	}
	c.mu.Lock()
	c.metadata = meta
	c.renderLocked()
	c.mu.Unlock()
}

func (c *Console) absorbRun(run dispatch.RunPayload) {
	c.mu.Lock()
	if run.Playbook != "" {
		c.metadata.Playbook = run.Playbook
	}
	if run.TargetServers != "" {
		c.metadata.TargetServers = run.TargetServers
	}
	if run.Inventory != "" {
		c.metadata.Inventory = run.Inventory
	}
	c.metadata.CheckMode = c.metadata.CheckMode || run.CheckMode
	c.renderLocked()
	c.mu.Unlock()
}

func (c *Console) observeLog(level, message string) {
	msg := strings.TrimSpace(message)
	if msg == "" {
		return
	}
	c.mu.Lock()
	if len(c.tail) == 0 || c.tail[len(c.tail)-1] != msg {
		c.tail = append(c.tail, msg)
		if len(c.tail) > outputTailLimit {
			c.tail = c.tail[len(c.tail)-outputTailLimit:]
		}
	}
	lvl := normalizeSeverity(level)
	if lvl == "warn" || lvl == "error" {
		// Warnings stay on screen until Done; ansible's info chatter
		// must not wash them away.
		c.warning = &consoleWarning{Severity: lvl, Message: msg, IssuedAt: time.Now()}
	}
	c.renderLocked()
	c.mu.Unlock()
}

// Done clears the painted region so the closing summary starts clean.
func (c *Console) Done() {
	if c == nil || !c.opts.Enabled {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.totalLines > 0 {
		fmt.Fprintf(c.out, "\x1b[%dF\x1b[J", c.totalLines)
		c.totalLines = 0
		c.sections = nil
	}
}

func (c *Console) updatePhase(name, state, message string) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return
	}
	c.mu.Lock()
	badge := c.phases[key]
	badge.Name = key
	badge.State = state
	badge.Message = strings.TrimSpace(message)
	c.phases[key] = badge
	c.renderLocked()
	c.mu.Unlock()
}

func (c *Console) renderLocked() {
	if !c.opts.Enabled || c.out == nil {
		return
	}
	newSections := c.buildSectionsLocked()
	c.applyDiffLocked(newSections)
}

func (c *Console) buildSectionsLocked() []consoleSection {
	sections := []consoleSection{
		{name: "metadata", lines: c.renderMetadataLinesLocked()},
		{name: "phases", lines: []string{formatPhases(c.phases)}},
	}
	if c.warning != nil {
		sections = append(sections, consoleSection{name: "warning", lines: []string{renderWarning(*c.warning)}})
	}
	sections = append(sections, consoleSection{name: "output", lines: c.renderTailLines()})
	return sections
}

func (c *Console) applyDiffLocked(newSections []consoleSection) {
	newTotal := countLines(newSections)
	if len(c.sections) == 0 {
		c.writeSections(newSections)
		c.sections = cloneSections(newSections)
		c.totalLines = newTotal
		return
	}
	idx := diffIndex(c.sections, newSections)
	if idx == -1 && newTotal == c.totalLines {
		return
	}
	if idx == -1 {
		idx = len(newSections)
	}
	startLine := sumLines(c.sections[:idx])
	linesBelow := c.totalLines - startLine
	if linesBelow > 0 {
		fmt.Fprintf(c.out, "\x1b[%dF", linesBelow)
	}
	fmt.Fprint(c.out, "\x1b[J")
	c.writeSections(newSections[idx:])
	c.sections = cloneSections(newSections)
	c.totalLines = newTotal
}

func (c *Console) writeSections(sections []consoleSection) {
	for _, section := range sections {
		for _, line := range section.lines {
			fmt.Fprintf(c.out, "%s\x1b[K\n", line)
		}
	}
	if len(sections) == 0 {
		fmt.Fprint(c.out, "\x1b[K\n")
	}
}

func (c *Console) renderTailLines() []string {
	if len(c.tail) == 0 {
		return []string{"Waiting for ansible output..."}
	}
	width := c.opts.Width
	if width <= 0 {
		width = 120
	}
	lines := make([]string, 0, len(c.tail))
	for _, line := range c.tail {
		lines = append(lines, clampLine("  "+line, width))
	}
	return lines
}

func (c *Console) renderMetadataLinesLocked() []string {
	lines := []string{formatMetadataSummary(c.metadata)}
	detailLines := formatMetadataDetails(c.metadata)
	if len(detailLines) == 0 {
		return lines
	}
	if c.shouldRenderDetails() {
		for _, line := range detailLines {
			lines = append(lines, "  "+line)
		}
		return lines
	}
	lines = append(lines, fmt.Sprintf("  Details ▸ %s (add --console-details to expand)", summarizeDetailCounts(c.metadata)))
	return lines
}

func (c *Console) shouldRenderDetails() bool {
	const detailWidthThreshold = 100
	return c.opts.Wide || c.details || c.opts.Width <= 0 || c.opts.Width >= detailWidthThreshold
}

func formatMetadataSummary(meta Metadata) string {
	parts := []string{}
	if meta.Playbook != "" {
		parts = append(parts, fmt.Sprintf("Playbook %s", meta.Playbook))
	}
	if meta.TargetServers != "" {
		parts = append(parts, fmt.Sprintf("targets/%s", meta.TargetServers))
	}
	if meta.Inventory != "" {
		parts = append(parts, fmt.Sprintf("Inventory %s", meta.Inventory))
	}
	if meta.CheckMode {
		parts = append(parts, "check mode")
	}
	if len(parts) == 0 {
		return "Dispatching playbook"
	}
	return strings.Join(parts, " | ")
}

func formatMetadataDetails(meta Metadata) []string {
	lines := []string{}
	if tags := sanitizeList(meta.Tags); len(tags) > 0 {
		lines = append(lines, fmt.Sprintf("Tags: %s", strings.Join(tags, ", ")))
	}
	if skip := sanitizeList(meta.SkipTags); len(skip) > 0 {
		lines = append(lines, fmt.Sprintf("Skip: %s", strings.Join(skip, ", ")))
	}
	if vars := sanitizeList(meta.ExtraVars); len(vars) > 0 {
		lines = append(lines, fmt.Sprintf("Vars: %s", strings.Join(vars, ", ")))
	}
	return lines
}

func summarizeDetailCounts(meta Metadata) string {
	counts := []string{}
	if tags := sanitizeList(meta.Tags); len(tags) > 0 {
		counts = append(counts, fmt.Sprintf("tags:%d", len(tags)))
	}
	if skip := sanitizeList(meta.SkipTags); len(skip) > 0 {
		counts = append(counts, fmt.Sprintf("skip-tags:%d", len(skip)))
	}
	if vars := sanitizeList(meta.ExtraVars); len(vars) > 0 {
		counts = append(counts, fmt.Sprintf("vars:%d", len(vars)))
	}
	if len(counts) == 0 {
		return "nothing to show"
	}
	return strings.Join(counts, ", ")
}

func sanitizeList(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{})
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			set[trimmed] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for val := range set {
		out = append(out, val)
	}
	sort.Strings(out)
	return out
}

func formatPhases(phases map[string]phaseBadge) string {
	if len(phases) == 0 {
		return "Phases: pending"
	}
	chips := make([]string, 0, len(phaseOrder))
	for _, name := range phaseOrder {
		badge, ok := phases[name]
		if !ok {
			badge = phaseBadge{Name: name, State: "pending"}
		}
		if strings.TrimSpace(badge.Name) == "" {
			badge.Name = name
		}
		chips = append(chips, renderPhaseChip(badge))
	}
	return fmt.Sprintf("Phases: %s", strings.Join(chips, "  "))
}

func renderPhaseChip(badge phaseBadge) string {
	state := strings.ToLower(strings.TrimSpace(badge.State))
	label := phaseTitleCaser.String(strings.TrimSpace(badge.Name))
	if label == "" {
		label = "Phase"
	}
	var glyph string
	painter := color.New(color.FgHiBlack)
	switch state {
	case "succeeded", "success", "skipped":
		glyph = "●"
		painter = color.New(color.FgGreen)
	case "running":
		glyph = "⟳"
		painter = color.New(color.FgYellow)
	case "failed":
		glyph = "✖"
		painter = color.New(color.FgRed)
	default:
		glyph = "○"
	}
	text := painter.Sprintf("%s %s", glyph, label)
	if badge.Message != "" && (state == "running" || state == "failed") {
		text = fmt.Sprintf("%s - %s", text, strings.TrimSpace(badge.Message))
	}
	return text
}

func renderWarning(w consoleWarning) string {
	prefix := color.New(color.FgHiYellow).Sprint("Attention")
	if w.Severity == "error" {
		prefix = color.New(color.FgHiRed).Sprint("Attention")
	}
	age := humanizeAge(time.Since(w.IssuedAt))
	return fmt.Sprintf("%s (%s): %s", prefix, age, w.Message)
}

func normalizeSeverity(level string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	switch lvl {
	case "warning":
		return "warn"
	case "err":
		return "error"
	case "warn", "error", "info":
		return lvl
	default:
		return "info"
	}
}

func normalizePhaseState(state string) string {
	s := strings.ToLower(strings.TrimSpace(state))
	switch s {
	case "running", "pending", "succeeded", "failed", "skipped":
		return s
	default:
		return "pending"
	}
}

func humanizeAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Second:
		return "-0s"
	case d < time.Minute:
		return fmt.Sprintf("-%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("-%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("-%dh", int(d.Hours()))
	}
}

func clampLine(line string, width int) string {
	if width <= 3 {
		return line
	}
	runes := []rune(line)
	if len(runes) <= width {
		return line
	}
	return string(runes[:width-1]) + "…"
}

func cloneSections(sections []consoleSection) []consoleSection {
	if len(sections) == 0 {
		return nil
	}
	out := make([]consoleSection, len(sections))
	for i, sec := range sections {
		lines := make([]string, len(sec.lines))
		copy(lines, sec.lines)
		out[i] = consoleSection{name: sec.name, lines: lines}
	}
	return out
}

func countLines(sections []consoleSection) int {
	total := 0
	for _, sec := range sections {
		total += len(sec.lines)
	}
	return total
}

func diffIndex(oldSections, newSections []consoleSection) int {
	max := len(oldSections)
	if len(newSections) < max {
		max = len(newSections)
	}
	for i := 0; i < max; i++ {
		if !equalLines(oldSections[i].lines, newSections[i].lines) {
			return i
		}
	}
	if len(oldSections) != len(newSections) {
		return max
	}
	return -1
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sumLines(sections []consoleSection) int {
	total := 0
	for _, sec := range sections {
		total += len(sec.lines)
	}
	return total
}
