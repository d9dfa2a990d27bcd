package metrics

import (
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPullService(t *testing.T) {
	require := require.New(t)

	svc, err := New("127.0.0.1:0")
	require.NoError(err, "New")
	require.NoError(svc.Start(), "Start")
	defer func() {
		svc.Stop()
		svc.Cleanup()
	}()

	addr := svc.(*pullService).ln.Addr().String()
	rsp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
	require.NoError(err, "GET /metrics")
	defer rsp.Body.Close()
	require.Equal(http.StatusOK, rsp.StatusCode)

	body, err := io.ReadAll(rsp.Body)
	require.NoError(err, "ReadAll")
	require.Contains(string(body), "go_goroutines", "default collectors must be exported")
}

func TestStubService(t *testing.T) {
	svc, err := New("")
	require.NoError(t, err, "New")
	require.NoError(t, svc.Start(), "Start")
	svc.Stop()

	select {
	case <-svc.Quit():
	default:
		t.Fatalf("stub service must quit on Stop")
	}
}
