// Package ui renders terminal output for the fiskalni CLI.
package ui

import (
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

var (
	mu       sync.RWMutex
	renderer = lipgloss.NewRenderer(os.Stdout)
	styles   = newStyles(renderer)
)

type styleSet struct {
	pass   lipgloss.Style
	warn   lipgloss.Style
	fail   lipgloss.Style
	accent lipgloss.Style
	muted  lipgloss.Style
	bold   lipgloss.Style
	key    lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styleSet {
	return styleSet{
		pass:   r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#1a7f37", Dark: "#3fb950"}),
		warn:   r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#9a6700", Dark: "#d29922"}),
		fail:   r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#cf222e", Dark: "#f85149"}).Bold(true),
		accent: r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#0969da", Dark: "#58a6ff"}),
		muted:  r.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "#6e7781", Dark: "#8b949e"}),
		bold:   r.NewStyle().Bold(true),
		key:    r.NewStyle().Width(16),
	}
}

// SetOutput points rendering at w. Colors follow what w supports; NO_COLOR
// disables them.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	renderer = lipgloss.NewRenderer(w)
	styles = newStyles(renderer)
}

// DisableColor turns styling off for the current output.
func DisableColor() {
	mu.Lock()
	defer mu.Unlock()
	renderer.SetColorProfile(termenv.Ascii)
	styles = newStyles(renderer)
}

func current() styleSet {
	mu.RLock()
	defer mu.RUnlock()
	return styles
}

func RenderPass(s string) string   { return current().pass.Render(s) }
func RenderWarn(s string) string   { return current().warn.Render(s) }
func RenderFail(s string) string   { return current().fail.Render(s) }
func RenderAccent(s string) string { return current().accent.Render(s) }
func RenderMuted(s string) string  { return current().muted.Render(s) }
func RenderBold(s string) string   { return current().bold.Render(s) }

// KeyValue renders one aligned "key value" line.
func KeyValue(key, value string) string {
	return current().key.Render(key) + value
}

// RenderStatus colors a sync or channel status by its health.
func RenderStatus(status string) string {
	switch status {
	case "synced", "subscribed", "online":
		return RenderPass(status)
	case "pending", "local", "connecting":
		return RenderWarn(status)
	case "error", "disconnected", "offline":
		return RenderFail(status)
	default:
		return status
	}
}

// IsTerminal reports whether f is an interactive terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
