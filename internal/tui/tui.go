// Package tui provides the terminal output and prompts of the gateway CLI.
//
// DESIGN: A Terminal wraps an input reader and an output writer so the login
// flow can be driven from tests. Colors are only emitted when the output is
// a terminal and NO_COLOR is unset.
//
//   - Status lines:  Success, Info, Warn, Error, Step
//   - Prompts:       PromptString, PromptYesNo, SelectMenu (numbered)
//   - Device login:  DeviceCode box, OpenBrowser
package tui

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/term"
)

// =============================================================================
// COLORS
// =============================================================================

const (
	ColorReset  = "\033[0m"
	ColorBold   = "\033[1m"
	ColorDim    = "\033[2m"
	ColorGreen  = "\033[0;32m"
	ColorBlue   = "\033[0;34m"
	ColorCyan   = "\033[0;36m"
	ColorYellow = "\033[1;33m"
	ColorRed    = "\033[0;31m"
	ColorBrand  = "\033[38;2;124;77;255m" // Kiro purple
)

// ErrCancelled is returned when the user leaves a menu without choosing.
var ErrCancelled = errors.New("cancelled")

// Terminal reads prompts from in and writes to out.
type Terminal struct {
	in          *bufio.Reader
	out         io.Writer
	color       bool
	interactive bool
}

// New creates a terminal over arbitrary streams. It never colors output and
// is not considered interactive.
func New(in io.Reader, out io.Writer) *Terminal {
	return &Terminal{in: bufio.NewReader(in), out: out}
}

// Stdio creates a terminal over stdin and stdout.
func Stdio() *Terminal {
	return &Terminal{
		in:          bufio.NewReader(os.Stdin),
		out:         os.Stdout,
		color:       term.IsTerminal(int(os.Stdout.Fd())) && os.Getenv("NO_COLOR") == "",
		interactive: term.IsTerminal(int(os.Stdin.Fd())),
	}
}

// Interactive reports whether a user is typing on stdin.
func (t *Terminal) Interactive() bool { return t.interactive }

func (t *Terminal) paint(color, s string) string {
	if !t.color {
		return s
	}
	return color + s + ColorReset
}

// =============================================================================
// PRINT FUNCTIONS
// =============================================================================

// Banner prints the product name and version.
func (t *Terminal) Banner(version string) {
	fmt.Fprintf(t.out, "\n%s %s\n\n", t.paint(ColorBrand+ColorBold, "kiro-gateway"), t.paint(ColorDim, version))
}

// Header prints a styled section header.
func (t *Terminal) Header(title string) {
	rule := strings.Repeat("=", 40)
	fmt.Fprintf(t.out, "\n%s\n%s\n%s\n\n",
		t.paint(ColorBold+ColorCyan, rule),
		t.paint(ColorBold+ColorCyan, "       "+title),
		t.paint(ColorBold+ColorCyan, rule))
}

// Printf writes unstyled text.
func (t *Terminal) Printf(format string, args ...any) {
	fmt.Fprintf(t.out, format, args...)
}

// Success prints a message with a green [OK] prefix.
func (t *Terminal) Success(msg string) { t.status(ColorGreen, "[OK]", msg) }

// Info prints a message with a blue [INFO] prefix.
func (t *Terminal) Info(msg string) { t.status(ColorBlue, "[INFO]", msg) }

// Warn prints a message with a yellow [WARN] prefix.
func (t *Terminal) Warn(msg string) { t.status(ColorYellow, "[WARN]", msg) }

// Error prints a message with a red [ERROR] prefix.
func (t *Terminal) Error(msg string) { t.status(ColorRed, "[ERROR]", msg) }

// Step prints an action with a cyan >>> prefix.
func (t *Terminal) Step(msg string) { t.status(ColorCyan, ">>>", msg) }

func (t *Terminal) status(color, prefix, msg string) {
	fmt.Fprintf(t.out, "%s %s\n", t.paint(color, prefix), msg)
}

// DeviceCode shows the code the user confirms in the browser.
func (t *Terminal) DeviceCode(userCode, verificationURI string) {
	fmt.Fprintf(t.out, "\n  Open:  %s\n  Code:  %s\n\n",
		t.paint(ColorCyan, verificationURI),
		t.paint(ColorBold+ColorYellow, userCode))
}

// =============================================================================
// MENU SELECTION
// =============================================================================

// MenuItem is one entry of a menu.
type MenuItem struct {
	Label       string // Display label
	Description string // Optional dimmed hint
	Value       string // Return value (if different from label)
}

// SelectMenu shows a numbered menu and returns the chosen index. "0", "q"
// or end of input cancel with ErrCancelled.
func (t *Terminal) SelectMenu(prompt string, items []MenuItem) (int, error) {
	if len(items) == 0 {
		return -1, fmt.Errorf("no items to select")
	}

	fmt.Fprintf(t.out, "\n%s\n\n", t.paint(ColorBold+ColorCyan, prompt))
	for i, item := range items {
		fmt.Fprintf(t.out, "  %s %s", t.paint(ColorGreen, "["+strconv.Itoa(i+1)+"]"), item.Label)
		if item.Description != "" {
			fmt.Fprintf(t.out, " %s", t.paint(ColorDim, "- "+item.Description))
		}
		fmt.Fprintln(t.out)
	}
	fmt.Fprintf(t.out, "  %s Cancel\n\n", t.paint(ColorYellow, "[0]"))

	for {
		fmt.Fprint(t.out, "Enter number: ")
		input, err := t.in.ReadString('\n')
		input = strings.TrimSpace(input)
		if input == "0" || input == "q" || (err != nil && input == "") {
			return -1, ErrCancelled
		}
		if num, convErr := strconv.Atoi(input); convErr == nil && num >= 1 && num <= len(items) {
			return num - 1, nil
		}
		fmt.Fprintf(t.out, "Invalid choice. Enter 1-%d or 0 to cancel.\n", len(items))
		if err != nil {
			return -1, ErrCancelled
		}
	}
}

// =============================================================================
// PROMPTS
// =============================================================================

// PromptString asks for a line of input. An empty answer returns def.
func (t *Terminal) PromptString(prompt, def string) string {
	if def != "" {
		fmt.Fprintf(t.out, "%s %s: ", prompt, t.paint(ColorDim, "["+def+"]"))
	} else {
		fmt.Fprintf(t.out, "%s: ", prompt)
	}
	input, _ := t.in.ReadString('\n')
	if input = strings.TrimSpace(input); input != "" {
		return input
	}
	return def
}

// PromptYesNo asks a yes/no question. An empty answer returns defaultYes.
func (t *Terminal) PromptYesNo(prompt string, defaultYes bool) bool {
	suffix := " [y/N]: "
	if defaultYes {
		suffix = " [Y/n]: "
	}
	fmt.Fprint(t.out, prompt+suffix)

	input, _ := t.in.ReadString('\n')
	input = strings.TrimSpace(strings.ToLower(input))
	if input == "" {
		return defaultYes
	}
	return input == "y" || input == "yes"
}

// =============================================================================
// BROWSER
// =============================================================================

// OpenBrowser opens url with the platform's default handler.
func OpenBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "linux":
		cmd = exec.Command("xdg-open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", url)
	default:
		return fmt.Errorf("no browser launcher for %s", runtime.GOOS)
	}
	return cmd.Start()
}
