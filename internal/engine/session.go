// Copyright © 2017 Microsoft <wastore@microsoft.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

// Package engine wraps the native reverse-engineering tool behind a
// request/response pipe. One Session serves exactly one orchestrator
// invocation; it is not reentrant.
package engine

import (
	"bufio"
	"context"
	"io"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/binsage/binsage/common"
)

// engineProc is the raw pipe to the native process. The real implementation
// execs the engine binary; tests substitute a scripted fake.
type engineProc interface {
	send(cmd string) error
	// recv reads one complete reply (the engine terminates replies with NUL).
	recv() ([]byte, error)
	kill() error
	done() <-chan error
}

// ProcFactory builds a pipe to the engine with the given binary loaded.
type ProcFactory func(enginePath, binaryPath string) (engineProc, error)

type execProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader
	waitCh chan error
}

func newExecProc(enginePath, binaryPath string) (engineProc, error) {
	// -q: no banner; -2: mute stderr noise. Replies arrive NUL-terminated on
	// stdout, one per command.
	cmd := exec.Command(enginePath, "-q", "-2", binaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p := &execProc{cmd: cmd, stdin: stdin, stdout: bufio.NewReader(stdout), waitCh: make(chan error, 1)}
	go func() { p.waitCh <- cmd.Wait() }()
	return p, nil
}

func (p *execProc) send(cmd string) error {
	_, err := io.WriteString(p.stdin, cmd+"\n")
	return err
}

func (p *execProc) recv() ([]byte, error) {
	raw, err := p.stdout.ReadBytes(0x00)
	if err != nil {
		return nil, err
	}
	return raw[:len(raw)-1], nil
}

func (p *execProc) kill() error {
	return p.cmd.Process.Kill()
}

func (p *execProc) done() <-chan error { return p.waitCh }

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Session drives one engine process for one binary. Invoke serialises
// commands; on timeout the process is killed and the session must be
// restarted before further use.
type Session struct {
	cfg     common.EngineConfig
	log     common.ILogger
	factory ProcFactory

	binaryPath string
	proc       engineProc
	broken     bool
}

// NewSession opens the engine against binaryPath and forces the analysis
// passes needed for function, xref, import and string enumeration.
func NewSession(cfg common.EngineConfig, log common.ILogger, binaryPath string) (*Session, error) {
	return newSessionWithFactory(cfg, log, binaryPath, newExecProc)
}

func newSessionWithFactory(cfg common.EngineConfig, log common.ILogger, binaryPath string, factory ProcFactory) (*Session, error) {
	s := &Session{cfg: cfg, log: log, factory: factory, binaryPath: binaryPath}
	if err := s.start(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) start() error {
	proc, err := s.factory(s.cfg.Path, s.binaryPath)
	if err != nil {
		return common.WrapCoded(err, common.ECodeEngineCrashed, "starting engine for %s", s.binaryPath)
	}
	s.proc = proc
	s.broken = false
	// Full analysis up front; everything else is enumeration of its results.
	if _, err := s.Invoke(context.Background(), "aaa"); err != nil {
		_ = proc.kill()
		return err
	}
	return nil
}

// Restart kills any live process and starts fresh against the same binary.
func (s *Session) Restart() error {
	if s.proc != nil {
		_ = s.proc.kill()
	}
	return s.start()
}

// Invoke sends one command and waits for its reply. Timeout kills the
// process (EngineTimeout); an unexpected exit surfaces as EngineCrashed.
// Either way the session is broken until Restart.
func (s *Session) Invoke(ctx context.Context, cmd string) ([]byte, error) {
	if s.broken || s.proc == nil {
		return nil, common.NewCodedError(common.ECodeEngineCrashed, "session is broken; restart required")
	}
	if err := s.proc.send(cmd); err != nil {
		s.broken = true
		return nil, common.WrapCoded(err, common.ECodeEngineCrashed, "sending %q", cmd)
	}

	type reply struct {
		data []byte
		err  error
	}
	replyCh := make(chan reply, 1)
	// The reader may outlive this call (timeout, cancel) while Close nils out
	// s.proc, so it must hold its own reference.
	proc := s.proc
	go func() {
		data, err := proc.recv()
		replyCh <- reply{data, err}
	}()

	timeout := s.cfg.InvokeTimeout()
	if timeout <= 0 {
		timeout = 1200 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-replyCh:
		if r.err != nil {
			s.broken = true
			return nil, common.WrapCoded(r.err, common.ECodeEngineCrashed, "reading reply to %q", cmd)
		}
		return r.data, nil
	case err := <-proc.done():
		s.broken = true
		return nil, common.WrapCoded(err, common.ECodeEngineCrashed, "engine exited during %q", cmd)
	case <-timer.C:
		s.broken = true
		_ = proc.kill()
		s.log.Warn("engine command timed out", zap.String("cmd", cmd), zap.Duration("timeout", timeout))
		return nil, common.NewCodedError(common.ECodeEngineTimeout, "engine timed out on %q after %s", cmd, timeout)
	case <-ctx.Done():
		s.broken = true
		_ = proc.kill()
		return nil, common.WrapCoded(ctx.Err(), common.ECodeCancelled, "engine invoke cancelled")
	}
}

// Close releases the native process. Safe to call twice.
func (s *Session) Close() {
	if s.proc != nil {
		_ = s.proc.kill()
		s.proc = nil
	}
	s.broken = true
}
