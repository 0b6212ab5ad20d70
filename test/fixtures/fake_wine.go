// Package fixtures provides test helpers for integration tests.
package fixtures

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// FakeTools creates stand-in winetricks and regedit scripts that record
// every invocation instead of touching a real Wine prefix.
type FakeTools struct {
	Dir string
}

// NewFakeTools writes the fake tools into dir. exitCode is returned by both.
func NewFakeTools(dir string, exitCode int) (*FakeTools, error) {
	f := &FakeTools{Dir: dir}
	for _, name := range []string{"winetricks", "regedit"} {
		script := fmt.Sprintf(`#!/bin/sh
echo "$WINEPREFIX $*" >> %q
if [ "$1" = "/S" ]; then cat "$2" > %q; fi
echo "%s: done"
exit %d
`, f.callsPath(name), f.regPath(name), name, exitCode)
		if err := os.WriteFile(f.Path(name), []byte(script), 0755); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// Path returns the executable path of the named tool.
func (f *FakeTools) Path(name string) string {
	return filepath.Join(f.Dir, name)
}

func (f *FakeTools) callsPath(name string) string {
	return filepath.Join(f.Dir, name+".calls")
}

func (f *FakeTools) regPath(name string) string {
	return filepath.Join(f.Dir, name+".last.reg")
}

// Calls returns one "<WINEPREFIX> <args>" line per invocation of name.
func (f *FakeTools) Calls(name string) []string {
	data, err := os.ReadFile(f.callsPath(name))
	if err != nil {
		return nil
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

// LastRegistryFile returns the content of the last imported .reg file.
func (f *FakeTools) LastRegistryFile() string {
	data, _ := os.ReadFile(f.regPath("regedit"))
	return string(data)
}

// FakeWineProcess is a shell renamed to "wine" so that discovery picks it
// up, writing scripted lines to a stderr log.
type FakeWineProcess struct {
	Cmd       *exec.Cmd
	StderrLog string
	done      chan struct{}
}

// StartFakeWineProcess copies /bin/sh to <dir>/wine and runs script with
// WINEPREFIX=prefix and stderr redirected to <dir>/stderr.log.
func StartFakeWineProcess(dir, prefix, script string) (*FakeWineProcess, error) {
	shell, err := exec.LookPath("sh")
	if err != nil {
		return nil, err
	}
	wine := filepath.Join(dir, "wine")
	if err := copyExecutable(shell, wine); err != nil {
		return nil, err
	}

	logPath := filepath.Join(dir, "stderr.log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(wine, "-c", script)
	cmd.Env = append(os.Environ(), "WINEPREFIX="+prefix)
	cmd.Stderr = logFile
	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, err
	}
	logFile.Close()

	p := &FakeWineProcess{Cmd: cmd, StderrLog: logPath, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

// PID returns the process id.
func (p *FakeWineProcess) PID() int {
	return p.Cmd.Process.Pid
}

// Done is closed once the process has exited and been reaped.
func (p *FakeWineProcess) Done() <-chan struct{} {
	return p.done
}

// Stop kills the process and waits for it.
func (p *FakeWineProcess) Stop() {
	_ = p.Cmd.Process.Signal(syscall.SIGKILL)
	<-p.done
}

func copyExecutable(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
