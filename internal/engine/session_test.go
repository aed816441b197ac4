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

package engine

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binsage/binsage/common"
)

// fakeProc scripts the engine pipe: each send queues the canned reply for
// that command; commands in hangOn queue nothing, so recv blocks.
type fakeProc struct {
	mu      sync.Mutex
	replies map[string]string
	hangOn  map[string]bool
	queue   chan string
	exit    chan error
	killed  bool
	sent    []string
}

func newFakeProc(replies map[string]string) *fakeProc {
	return &fakeProc{
		replies: replies,
		hangOn:  map[string]bool{},
		queue:   make(chan string, 64),
		exit:    make(chan error, 1),
	}
}

func (f *fakeProc) send(cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.killed {
		return errors.New("pipe closed")
	}
	f.sent = append(f.sent, cmd)
	if f.hangOn[cmd] {
		return nil
	}
	reply, ok := f.replies[cmd]
	if !ok {
		reply = "[]"
	}
	f.queue <- reply
	return nil
}

func (f *fakeProc) recv() ([]byte, error) {
	reply, ok := <-f.queue
	if !ok {
		return nil, io.EOF
	}
	return []byte(reply), nil
}

func (f *fakeProc) kill() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.killed {
		f.killed = true
		close(f.queue)
	}
	return nil
}

func (f *fakeProc) done() <-chan error { return f.exit }

func testEngineConfig() common.EngineConfig {
	return common.EngineConfig{Path: "r2", InvokeTimeoutSec: 1, MaxRestarts: 2}
}

func sessionWith(t *testing.T, proc *fakeProc) *Session {
	t.Helper()
	s, err := newSessionWithFactory(testEngineConfig(), common.NewNopLogger(), "/tmp/bin",
		func(enginePath, binaryPath string) (engineProc, error) { return proc, nil })
	require.NoError(t, err)
	return s
}

func TestInvokeRoundTrip(t *testing.T) {
	proc := newFakeProc(map[string]string{"aaa": "", "iij": `[{"name":"printf"}]`})
	s := sessionWith(t, proc)
	defer s.Close()

	out, err := s.Invoke(context.Background(), "iij")
	require.NoError(t, err)
	assert.JSONEq(t, `[{"name":"printf"}]`, string(out))
	assert.Equal(t, []string{"aaa", "iij"}, proc.sent)
}

func TestInvokeTimeoutKillsAndBreaks(t *testing.T) {
	proc := newFakeProc(map[string]string{"aaa": ""})
	proc.hangOn["pdf @ 0x0"] = true
	s := sessionWith(t, proc)
	defer s.Close()

	_, err := s.Invoke(context.Background(), "pdf @ 0x0")
	assert.Equal(t, common.ECodeEngineTimeout, common.CodeOf(err))

	// Broken until restarted.
	_, err = s.Invoke(context.Background(), "iij")
	assert.Equal(t, common.ECodeEngineCrashed, common.CodeOf(err))
}

func TestInvokeProcessExit(t *testing.T) {
	proc := newFakeProc(map[string]string{"aaa": ""})
	proc.hangOn["aflj"] = true
	s := sessionWith(t, proc)
	defer s.Close()

	proc.exit <- errors.New("exit status 139")
	_, err := s.Invoke(context.Background(), "aflj")
	assert.Equal(t, common.ECodeEngineCrashed, common.CodeOf(err))
}

func TestRestartRecovers(t *testing.T) {
	procs := 0
	factory := func(enginePath, binaryPath string) (engineProc, error) {
		procs++
		p := newFakeProc(map[string]string{"aaa": "", "iij": "[]"})
		if procs == 1 {
			p.hangOn["iij"] = true
		}
		return p, nil
	}
	s, err := newSessionWithFactory(testEngineConfig(), common.NewNopLogger(), "/tmp/bin", factory)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Invoke(context.Background(), "iij")
	require.Equal(t, common.ECodeEngineTimeout, common.CodeOf(err))

	require.NoError(t, s.Restart())
	_, err = s.Invoke(context.Background(), "iij")
	assert.NoError(t, err)
	assert.Equal(t, 2, procs)
}

func TestCloseAfterAbandonedInvoke(t *testing.T) {
	proc := newFakeProc(map[string]string{"aaa": ""})
	proc.hangOn["aflj"] = true
	s := sessionWith(t, proc)

	// An already-cancelled context returns before the reply reader has even
	// been scheduled; Close then nils the proc field. The reader holds its
	// own reference, so it must finish quietly instead of dereferencing nil.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Invoke(ctx, "aflj")
	require.Equal(t, common.ECodeCancelled, common.CodeOf(err))

	s.Close()
	time.Sleep(20 * time.Millisecond)
	proc.mu.Lock()
	defer proc.mu.Unlock()
	assert.True(t, proc.killed)
}

func TestInvokeCancellation(t *testing.T) {
	proc := newFakeProc(map[string]string{"aaa": ""})
	proc.hangOn["aflj"] = true
	s := sessionWith(t, proc)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.Invoke(ctx, "aflj")
	assert.Equal(t, common.ECodeCancelled, common.CodeOf(err))
}
