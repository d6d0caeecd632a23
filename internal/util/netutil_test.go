package util

import (
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetCloexec(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fd := w.Fd()
	require.NoError(t, SetCloexec(fd, false))
	set, err := isCloexecSet(fd)
	require.NoError(t, err)
	assert.False(t, set)

	require.NoError(t, SetCloexec(fd, true))
	set, err = isCloexecSet(fd)
	require.NoError(t, err)
	assert.True(t, set)
}

func TestSetCloexec_InvalidFD(t *testing.T) {
	err := SetCloexec(uintptr(987654), true)
	require.Error(t, err)
}

func TestCreateListener_AcceptsConnections(t *testing.T) {
	ln, err := CreateListener("127.0.0.1:0", 16)
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan error, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			_, err = c.Write([]byte("ok"))
			c.Close()
		}
		done <- err
	}()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()
	buf := make([]byte, 2)
	_, err = conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf))
	require.NoError(t, <-done)
}

func TestCreateListener_AddrInUse(t *testing.T) {
	ln, err := CreateListener("127.0.0.1:0", 0)
	require.NoError(t, err)
	defer ln.Close()

	_, err = CreateListener(ln.Addr().String(), 0)
	require.Error(t, err)
	assert.True(t, IsAddrInUse(err), "unexpected error: %v", err)
}

func TestCreateListener_BadAddress(t *testing.T) {
	_, err := CreateListener("not-an-address", 0)
	require.Error(t, err)
	assert.False(t, IsAddrInUse(err))
}

func TestNewListenerFromFD(t *testing.T) {
	ln, err := CreateListener("127.0.0.1:0", 0)
	require.NoError(t, err)
	defer ln.Close()

	f, err := ListenerFile(ln)
	require.NoError(t, err)
	defer f.Close()

	// Hand over a fresh duplicate so NewListenerFromFD can close it.
	dup, err := syscallDup(f.Fd())
	require.NoError(t, err)

	l2, err := NewListenerFromFD(uintptr(dup))
	require.NoError(t, err)
	defer l2.Close()
	assert.Equal(t, ln.Addr().String(), l2.Addr().String())

	accepted := make(chan struct{})
	go func() {
		if c, err := l2.Accept(); err == nil {
			c.Close()
		}
		close(accepted)
	}()
	c, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	c.Close()
	select {
	case <-accepted:
	case <-time.After(2 * time.Second):
		// The original listener may have won the accept race; both share one queue.
		l2.Close()
	}
}

func TestListenerFile_UnsupportedType(t *testing.T) {
	_, err := ListenerFile(fakeListener{})
	require.Error(t, err)
}

func TestParseInheritedListenerFDs(t *testing.T) {
	const key = "HTTPFS_TEST_FDS"

	t.Setenv(key, "")
	fds, err := ParseInheritedListenerFDs(key)
	require.NoError(t, err)
	assert.Nil(t, fds)

	t.Setenv(key, "3:4")
	fds, err = ParseInheritedListenerFDs(key)
	require.NoError(t, err)
	assert.Equal(t, []uintptr{3, 4}, fds)

	t.Setenv(key, "3:x")
	_, err = ParseInheritedListenerFDs(key)
	require.Error(t, err)

	t.Setenv(key, "-1")
	_, err = ParseInheritedListenerFDs(key)
	require.Error(t, err)
}

func TestInheritedListener_NotSet(t *testing.T) {
	t.Setenv(ListenFdsEnvKey, "")
	l, found, err := InheritedListener()
	require.NoError(t, err)
	assert.False(t, found)
	assert.Nil(t, l)
}

func TestPrepareExecEnv(t *testing.T) {
	env := []string{"PATH=/bin", ListenFdsEnvKey + "=9", ReadinessPipeEnvKey + "=10", "HOME=/root"}

	out := PrepareExecEnv(env, []int{FirstExtraFD}, FirstExtraFD+1)
	assert.Equal(t, []string{"PATH=/bin", "HOME=/root", "LISTEN_FDS=3", "READINESS_PIPE_FD=4"}, out)

	out = PrepareExecEnv(env, nil, -1)
	assert.Equal(t, []string{"PATH=/bin", "HOME=/root"}, out)
}

func TestGetChildWritePipeFD(t *testing.T) {
	const key = "HTTPFS_TEST_PIPE"

	t.Setenv(key, "")
	_, err := GetChildWritePipeFD(key)
	assert.True(t, errors.Is(err, ErrPipeFDEnvVarNotSet))

	t.Setenv(key, "4")
	fd, err := GetChildWritePipeFD(key)
	require.NoError(t, err)
	assert.Equal(t, uintptr(4), fd)

	t.Setenv(key, "four")
	_, err = GetChildWritePipeFD(key)
	require.Error(t, err)
}

func TestReadinessPipe_SignalledByClose(t *testing.T) {
	r, w, err := CreateReadinessPipe()
	require.NoError(t, err)
	defer r.Close()

	dup, err := syscallDup(w.Fd())
	require.NoError(t, err)
	require.NoError(t, w.Close())

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = SignalChildReadyByClosingFD(uintptr(dup))
	}()
	require.NoError(t, WaitForChildReadyPipeClose(r, 2*time.Second))
}

func TestReadinessPipe_Timeout(t *testing.T) {
	r, w, err := CreateReadinessPipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	err = WaitForChildReadyPipeClose(r, 50*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrReadinessTimeout))
}

func TestWaitForChildReadyPipeClose_Nil(t *testing.T) {
	require.Error(t, WaitForChildReadyPipeClose(nil, time.Second))
}

type fakeListener struct{}

func (fakeListener) Accept() (net.Conn, error) { return nil, errors.New("no") }
func (fakeListener) Close() error              { return nil }
func (fakeListener) Addr() net.Addr            { return &net.TCPAddr{} }
