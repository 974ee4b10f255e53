// Package supervisor shows a task's entry script, asks for confirmation and
// runs it with the operator's console relayed to the child's stdin.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// QuitCommand ends the relay and closes the child's stdin.
const QuitCommand = ":q"

// ErrScriptMissing is returned when the entry script does not exist.
var ErrScriptMissing = errors.New("entry script not found")

// State of a supervised session.
type State int

const (
	Prepared State = iota
	Running
	Finished
	Cancelled
)

func (s State) String() string {
	switch s {
	case Prepared:
		return "prepared"
	case Running:
		return "running"
	case Finished:
		return "finished"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Result of Run. ExitCode is only meaningful when State is Finished.
type Result struct {
	State    State
	ExitCode int
	Success  bool
}

// Supervisor wires a script to a console. Zero-value fields fall back to
// the process's standard streams.
type Supervisor struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

type styles struct {
	heading lipgloss.Style
	prompt  lipgloss.Style
	ok      lipgloss.Style
	fail    lipgloss.Style
	muted   lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		heading: r.NewStyle().Bold(true).Foreground(lipgloss.Color("99")),
		prompt:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("205")),
		ok:      r.NewStyle().Foreground(lipgloss.Color("10")),
		fail:    r.NewStyle().Foreground(lipgloss.Color("9")),
		muted:   r.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

// Run prints the script, asks for confirmation and, on "y", executes it in
// the script's directory. A non-zero exit is reported in Result, not as an
// error.
func (s *Supervisor) Run(ctx context.Context, scriptPath string) (Result, error) {
	in, out, errOut := s.streams()
	st := newStyles(out)
	res := Result{State: Prepared}

	script, err := filepath.Abs(scriptPath)
	if err != nil {
		return res, err
	}
	content, err := os.ReadFile(script)
	if errors.Is(err, os.ErrNotExist) {
		return res, fmt.Errorf("%w: %s", ErrScriptMissing, scriptPath)
	}
	if err != nil {
		return res, fmt.Errorf("read script: %w", err)
	}

	con := newConsole(in)
	defer con.close()

	fmt.Fprintln(out, st.heading.Render("Script content:"))
	fmt.Fprintln(out, string(content))
	fmt.Fprintln(out, st.prompt.Render("Do you want to execute this script? (y/n)"))

	answer, err := con.next(ctx.Done())
	switch {
	case errors.Is(err, errInterrupted):
		res.State = Cancelled
		return res, ctx.Err()
	case err != nil && !errors.Is(err, io.EOF):
		res.State = Cancelled
		return res, fmt.Errorf("read answer: %w", err)
	}
	if !strings.EqualFold(strings.TrimSpace(answer), "y") {
		res.State = Cancelled
		fmt.Fprintln(out, st.muted.Render("Script execution cancelled."))
		return res, nil
	}

	name, args := commandFor(runtime.GOOS, script)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = filepath.Dir(script)
	cmd.Stdout = out
	cmd.Stderr = errOut
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return res, fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return res, fmt.Errorf("start %s: %w", filepath.Base(script), err)
	}
	res.State = Running
	fmt.Fprintln(out, st.heading.Render("Wait for input (type '"+QuitCommand+"' to quit):"))

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		relay(out, stdin, con, done)
	}()

	waitErr := cmd.Wait()
	close(done)
	wg.Wait()

	res.State = Finished
	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		res.Success = true
		fmt.Fprintln(out, st.ok.Render("Script executed successfully."))
		return res, nil
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		fmt.Fprintln(out, st.fail.Render(fmt.Sprintf("Script execution failed with status %d", res.ExitCode)))
		return res, ctx.Err()
	default:
		return res, fmt.Errorf("wait %s: %w", filepath.Base(script), waitErr)
	}
}

// streams resolves the configured streams. Non-file writers are guarded by
// one mutex since the relay and the child's output copiers share them.
func (s *Supervisor) streams() (io.Reader, io.Writer, io.Writer) {
	in := s.In
	if in == nil {
		in = os.Stdin
	}
	out, errOut := s.Out, s.Err
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	mu := &sync.Mutex{}
	return in, guard(out, mu), guard(errOut, mu)
}

func guard(w io.Writer, mu *sync.Mutex) io.Writer {
	if f, ok := w.(*os.File); ok {
		return f
	}
	return &lockedWriter{w: w, mu: mu}
}

type lockedWriter struct {
	w  io.Writer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func commandFor(goos, script string) (string, []string) {
	if goos == "windows" {
		return "cmd", []string{"/C", script}
	}
	return "sh", []string{script}
}

// relay forwards console lines to the child until the quit command, input
// EOF or child exit.
func relay(out io.Writer, stdin io.WriteCloser, con *console, done <-chan struct{}) {
	for {
		fmt.Fprint(out, "> ")
		line, err := con.next(done)
		if errors.Is(err, errInterrupted) {
			return
		}
		if err != nil || strings.EqualFold(strings.TrimSpace(line), QuitCommand) {
			stdin.Close()
			return
		}
		if _, err := io.WriteString(stdin, line+"\n"); err != nil {
			return
		}
	}
}
