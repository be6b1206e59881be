package cmd

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockClient implements ClientInterface.
type MockClient struct {
	mock.Mock
}

func (m *MockClient) Stop(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockClient) Reload(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockClient) Status(ctx context.Context) ([]byte, error) {
	args := m.Called(ctx)
	raw, _ := args.Get(0).([]byte)
	return raw, args.Error(1)
}

func TestRunReload_TableDriven(t *testing.T) {
	tests := []struct {
		name           string
		mockError      error
		expectedOutput string
	}{
		{name: "reloaded", expectedOutput: "✓ Configuration reloaded successfully"},
		{name: "daemon not running", mockError: errors.New("daemon is not running")},
		{name: "signal refused", mockError: errors.New("operation not permitted")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockClient := new(MockClient)
			mockClient.On("Reload", mock.Anything).Return(tt.mockError)

			var buf bytes.Buffer
			err := runReload(context.Background(), mockClient, &buf)

			if tt.mockError != nil {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), "failed to reload")
				assert.Contains(t, err.Error(), tt.mockError.Error())
				assert.Empty(t, buf.String())
			} else {
				assert.NoError(t, err)
				assert.Contains(t, buf.String(), tt.expectedOutput)
			}
			mockClient.AssertExpectations(t)
		})
	}
}

func TestRunStop(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Stop", mock.Anything).Return(nil)

	var buf bytes.Buffer
	require.NoError(t, runStop(context.Background(), mockClient, &buf))
	assert.Contains(t, buf.String(), "✓ Shutdown requested")
	mockClient.AssertExpectations(t)
}

func TestRunStatus(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Status", mock.Anything).Return([]byte(`[{"name":"eth0","flags":"RUNNING"}]`), nil).Once()
	mockClient.On("Status", mock.Anything).Return(nil, errors.New("connection refused")).Once()

	var buf bytes.Buffer
	require.NoError(t, runStatus(context.Background(), mockClient, &buf))
	assert.Contains(t, buf.String(), "\"name\": \"eth0\"")

	err := runStatus(context.Background(), mockClient, &buf)
	assert.ErrorContains(t, err, "connection refused")
	mockClient.AssertExpectations(t)
}

func TestReloadCmd_Execute(t *testing.T) {
	mockClient := new(MockClient)
	mockClient.On("Reload", mock.Anything).Return(nil)

	originalCli := GetClient()
	SetClient(mockClient)
	defer SetClient(originalCli)

	root := &cobra.Command{Use: "tern"}
	root.AddCommand(reloadCmd)

	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs([]string{"reload"})

	require.NoError(t, root.Execute())
	assert.Contains(t, buf.String(), "✓ Configuration reloaded successfully")
	mockClient.AssertExpectations(t)
}

func TestProcessClientSignalsPID(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "tern.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644))

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGHUP)
	defer signal.Stop(sigs)

	c := &processClient{pidFile: pidFile, http: http.DefaultClient}
	require.NoError(t, c.Reload(context.Background()))
	select {
	case sig := <-sigs:
		assert.Equal(t, syscall.SIGHUP, sig)
	case <-time.After(2 * time.Second):
		t.Fatal("SIGHUP not delivered")
	}

	missing := &processClient{pidFile: filepath.Join(t.TempDir(), "absent.pid")}
	assert.ErrorContains(t, missing.Stop(context.Background()), "not running")
}

func TestProcessClientStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := &processClient{statusURL: srv.URL + "/status", http: srv.Client()}
	raw, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "[]", string(raw))

	disabled := &processClient{}
	_, err = disabled.Status(context.Background())
	assert.Error(t, err)
}
