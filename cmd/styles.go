package cmd

import "github.com/charmbracelet/lipgloss"

// Terminal styling shared by the subcommands. Adaptive colors so the
// output reads on both light and dark backgrounds.
var (
	colorPass = lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"}
	colorWarn = lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"}
	colorFail = lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"}
	colorMute = lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"}
	colorHead = lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"}

	passStyle = lipgloss.NewStyle().Foreground(colorPass)
	warnStyle = lipgloss.NewStyle().Foreground(colorWarn)
	failStyle = lipgloss.NewStyle().Foreground(colorFail)
	muteStyle = lipgloss.NewStyle().Foreground(colorMute)
	headStyle = lipgloss.NewStyle().Bold(true).Foreground(colorHead)
)

func renderPass(s string) string { return passStyle.Render(s) }
func renderWarn(s string) string { return warnStyle.Render(s) }
func renderFail(s string) string { return failStyle.Render(s) }
func renderMute(s string) string { return muteStyle.Render(s) }
func renderHead(s string) string { return headStyle.Render(s) }
