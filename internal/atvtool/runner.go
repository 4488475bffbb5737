package atvtool

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"os/exec"
	"sync"
	"time"
)

const (
	atvscriptBin = "atvscript"
	atvremoteBin = "atvremote"

	defaultExecTimeout = 10 * time.Second
	maxOneShotOutput   = 256 << 10

	stopGracePeriod = 2 * time.Second
)

// oneShotRunner executes a bounded invocation and returns captured stdout
// and stderr. Injected so tests can fake the subprocess layer.
type oneShotRunner func(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)

// launcher spawns a long-running invocation with piped stdio.
type launcher func(name string, args ...string) (process, error)

// process is a live long-running invocation. Stdout and Stderr deliver
// complete lines and are closed on EOF; Done is closed once the process
// has exited and both streams are drained.
type process interface {
	WriteLine(line string) error
	Stdout() <-chan string
	Stderr() <-chan string
	Done() <-chan struct{}
	// ExitErr reports the exit status; valid only after Done is closed.
	ExitErr() error
	// Kill force-terminates the process. Safe on an already-dead process.
	Kill()
}

// boundedBuffer caps captured output so a chatty process cannot grow
// memory without limit.
type boundedBuffer struct {
	limit int
	buf   bytes.Buffer
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	if remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	// Report full consumption so the process never sees a write error.
	return len(p), nil
}

func (b *boundedBuffer) Bytes() []byte { return b.buf.Bytes() }

func runOneShot(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)

	stdout := &boundedBuffer{limit: maxOneShotOutput}
	stderr := &boundedBuffer{limit: maxOneShotOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

type osProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout chan string
	stderr chan string
	done   chan struct{}

	writeMu sync.Mutex

	exitMu  sync.Mutex
	exitErr error

	killOnce sync.Once
}

func startProcess(name string, args ...string) (process, error) {
	cmd := exec.Command(name, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}

	p := &osProcess{
		cmd:    cmd,
		stdin:  stdin,
		stdout: make(chan string),
		stderr: make(chan string),
		done:   make(chan struct{}),
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go p.scanLines(stdoutPipe, p.stdout, &readers)
	go p.scanLines(stderrPipe, p.stderr, &readers)

	go func() {
		readers.Wait()
		err := cmd.Wait()
		p.exitMu.Lock()
		p.exitErr = err
		p.exitMu.Unlock()
		close(p.done)
	}()

	return p, nil
}

func (p *osProcess) scanLines(r io.Reader, out chan<- string, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(out)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxOneShotOutput)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func (p *osProcess) WriteLine(line string) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err := io.WriteString(p.stdin, line+"\n")
	return err
}

func (p *osProcess) Stdout() <-chan string { return p.stdout }

func (p *osProcess) Stderr() <-chan string { return p.stderr }

func (p *osProcess) Done() <-chan struct{} { return p.done }

func (p *osProcess) ExitErr() error {
	p.exitMu.Lock()
	defer p.exitMu.Unlock()
	return p.exitErr
}

func (p *osProcess) Kill() {
	p.killOnce.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
	})
}
