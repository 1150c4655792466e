//go:build !windows

package supervisor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessBroadcastsStderrLines(t *testing.T) {
	script := writeScript(t, `sleep 0.2
echo "2024-05-01T12:00:00Z INF Starting metrics server on 127.0.0.1:9999/metrics" >&2
echo "2024-05-01T12:00:01Z INF Registered tunnel connection connIndex=0" >&2
exit 0`)

	process, err := SpawnQuick("http://127.0.0.1:3000", Options{BinaryPath: script}, testLogger())
	require.NoError(t, err)

	var mu sync.Mutex
	var first, second []string
	process.OnLine(func(line string) {
		mu.Lock()
		first = append(first, line)
		mu.Unlock()
	})
	process.OnLine(func(line string) {
		mu.Lock()
		second = append(second, line)
		mu.Unlock()
	})

	<-process.Done()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, first, 2)
	assert.Contains(t, first[0], "Starting metrics server")
	assert.Contains(t, first[1], "Registered tunnel connection")
	assert.Equal(t, first, second, "every subscriber sees every line")
}

func TestProcessExitCode(t *testing.T) {
	script := writeScript(t, "exit 3")
	process, err := SpawnQuick("http://127.0.0.1:3000", Options{BinaryPath: script}, testLogger())
	require.NoError(t, err)

	_, done := process.ExitCode()
	if done {
		// fast exits are possible; the code must still be right
		code, _ := process.ExitCode()
		assert.Equal(t, 3, code)
		return
	}

	<-process.Done()
	code, done := process.ExitCode()
	require.True(t, done)
	assert.Equal(t, 3, code)
}

func TestProcessCleanExit(t *testing.T) {
	script := writeScript(t, "exit 0")
	process, err := SpawnQuick("http://127.0.0.1:3000", Options{BinaryPath: script}, testLogger())
	require.NoError(t, err)

	<-process.Done()
	code, done := process.ExitCode()
	require.True(t, done)
	assert.Equal(t, 0, code)
}

func TestKillTerminatesChild(t *testing.T) {
	script := writeScript(t, "exec sleep 30")
	process, err := SpawnQuick("http://127.0.0.1:3000", Options{BinaryPath: script}, testLogger())
	require.NoError(t, err)

	start := time.Now()
	process.Kill()
	assert.Less(t, time.Since(start), 3*time.Second, "SIGTERM should end the child well inside the grace period")

	code, done := process.ExitCode()
	require.True(t, done)
	assert.Equal(t, -1, code, "signal death reports -1")
}

func TestKillIsIdempotentAndConcurrent(t *testing.T) {
	script := writeScript(t, "exec sleep 30")
	process, err := SpawnQuick("http://127.0.0.1:3000", Options{BinaryPath: script}, testLogger())
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			process.Kill()
		}()
	}
	wg.Wait()

	_, done := process.ExitCode()
	assert.True(t, done)

	// killing an exited process is a no-op
	process.Kill()
}

func TestKillAfterNaturalExit(t *testing.T) {
	script := writeScript(t, "exit 0")
	process, err := SpawnQuick("http://127.0.0.1:3000", Options{BinaryPath: script}, testLogger())
	require.NoError(t, err)

	<-process.Done()
	process.Kill()

	code, done := process.ExitCode()
	require.True(t, done)
	assert.Equal(t, 0, code)
}

func TestPIDAndStartedAt(t *testing.T) {
	script := writeScript(t, "exec sleep 30")
	process, err := SpawnQuick("http://127.0.0.1:3000", Options{BinaryPath: script}, testLogger())
	require.NoError(t, err)
	defer process.Kill()

	assert.Greater(t, process.PID(), 0)
	assert.WithinDuration(t, time.Now(), process.StartedAt(), time.Minute)
}
