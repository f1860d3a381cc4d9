package svc

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/dermavision/curator/internal/config"
	"github.com/kardianos/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgramStartStop(t *testing.T) {
	started := make(chan string, 1)
	prg := &Program{
		ConfigPath: "/etc/curator/curator.yaml",
		Run: func(ctx context.Context, configPath string) error {
			started <- configPath
			<-ctx.Done()
			return ctx.Err()
		},
	}

	require.NoError(t, prg.Start(nil))
	select {
	case path := <-started:
		assert.Equal(t, "/etc/curator/curator.yaml", path)
	case <-time.After(5 * time.Second):
		t.Fatal("run function not called")
	}
	assert.NoError(t, prg.Stop(nil), "cancellation is a clean stop")
}

func TestProgramStopReportsFailure(t *testing.T) {
	prg := &Program{Run: func(ctx context.Context, _ string) error {
		return errors.New("listen: address in use")
	}}
	require.NoError(t, prg.Start(nil))
	assert.EqualError(t, prg.Stop(nil), "listen: address in use")
}

func TestProgramWithoutRun(t *testing.T) {
	prg := &Program{}
	require.NoError(t, prg.Start(nil))
	assert.Error(t, prg.Stop(nil))
}

func TestNewServiceConfig(t *testing.T) {
	cfg := DefaultServiceConfig()
	cfg.ConfigPath = "/srv/curator.yaml"
	cfg.AuthToken = "s3cret"

	sc := NewServiceConfig(cfg)
	assert.Equal(t, "curator", sc.Name)
	assert.Equal(t, []string{"serve", "--config", "/srv/curator.yaml", "--log-json", "--service-run"}, sc.Arguments)
	assert.Equal(t, "s3cret", sc.EnvVars[config.EnvAuthToken])
	if runtime.GOOS == "linux" {
		assert.Equal(t, "on-failure", sc.Option["Restart"])
	}
}

func TestLogCommand(t *testing.T) {
	name, args, err := LogCommand("linux", LogOptions{ServiceName: "curator", Follow: true})
	require.NoError(t, err)
	assert.Equal(t, "journalctl", name)
	assert.Equal(t, []string{"-u", "curator", "-n", "50", "--no-pager", "-f"}, args)

	name, args, err = LogCommand("darwin", LogOptions{ServiceName: "curator", Lines: 10})
	require.NoError(t, err)
	assert.Equal(t, "tail", name)
	assert.Equal(t, []string{"-n", "10", "/var/log/curator.err.log", "/var/log/curator.out.log"}, args)

	name, args, err = LogCommand("windows", LogOptions{ServiceName: "curator"})
	require.NoError(t, err)
	assert.Equal(t, "powershell", name)
	assert.Contains(t, args[2], "ProviderName='curator'")

	_, _, err = LogCommand("plan9", LogOptions{ServiceName: "curator"})
	assert.Error(t, err)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "running", StatusString(service.StatusRunning))
	assert.Equal(t, "stopped", StatusString(service.StatusStopped))
	assert.Equal(t, "unknown", StatusString(service.StatusUnknown))
}
