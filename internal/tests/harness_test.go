package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/replicate/cog-serve/internal/config"
	"github.com/replicate/cog-serve/internal/prediction"
	"github.com/replicate/cog-serve/internal/server"
	"github.com/replicate/cog-serve/internal/service"
)

// This file implements the basis for the test harness. It runs the whole
// daemon in process against a shell model that speaks the worker protocol.

const model = `
echo '[coglet] {"type":"schema","schema":{"openapi":"3.0.2","info":{"title":"Cog","version":"0.1.0"},"paths":{},"components":{"schemas":{"Input":{"type":"object","properties":{"s":{"type":"string"}}},"Output":{"type":"string"}}}}}'
canceled=0
trap 'canceled=1' USR1
while IFS= read -r line; do
  case "$line" in
    *'"type":"setup"'*)
      echo "loading model"
      if [ -n "$SETUP_FAILURE" ]; then
        echo '[coglet] {"type":"done","error":true,"error_detail":"setup failed"}'
      else
        echo '[coglet] {"type":"done"}'
      fi
      ;;
    *'"type":"predict"'*)
      s=$(printf '%s' "$line" | sed -n 's/.*"s":"\([^"]*\)".*/\1/p')
      echo "starting prediction"
      case "$s" in
        fail)
          echo "prediction failed"
          echo '[coglet] {"type":"done","error":true,"error_detail":"prediction failed"}'
          ;;
        crash)
          exit 3
          ;;
        file)
          printf 'hello' > "$OUTPUT_DIR/out.txt"
          echo "[coglet] {\"type\":\"output\",\"value\":\"file://$OUTPUT_DIR/out.txt\"}"
          echo '[coglet] {"type":"done"}'
          ;;
        slow)
          canceled=0
          echo "slow started"
          i=0
          while [ "$canceled" = 0 ] && [ "$i" -lt 200 ]; do
            sleep 0.05
            i=$((i+1))
          done
          if [ "$canceled" = 1 ]; then
            echo '[coglet] {"type":"done","canceled":true}'
          else
            echo '[coglet] {"type":"done"}'
          fi
          ;;
        *)
          echo "[coglet] {\"type\":\"output\",\"value\":\"*$s*\"}"
          echo "completed prediction"
          echo '[coglet] {"type":"done"}'
          ;;
      esac
      ;;
  esac
done
`

type webhookData struct {
	Method   string
	Path     string
	Response prediction.PredictionResponse
}

type uploadData struct {
	Method      string
	Path        string
	ContentType string
	Body        []byte
}

type testHarnessReceiver struct {
	*httptest.Server

	mu              sync.Mutex
	webhookRequests []webhookData
	uploadRequests  []uploadData

	webhookReceiverChan chan webhookData
}

func (tr *testHarnessReceiver) webhookHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Equal(t, http.MethodPost, r.Method)
		var resp prediction.PredictionResponse
		assert.NoError(t, json.Unmarshal(body, &resp))
		message := webhookData{
			Method:   r.Method,
			Path:     r.URL.Path,
			Response: resp,
		}
		tr.mu.Lock()
		tr.webhookRequests = append(tr.webhookRequests, message)
		tr.mu.Unlock()
		tr.webhookReceiverChan <- message
	}
}

func (tr *testHarnessReceiver) uploadHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.True(t, slices.Contains([]string{http.MethodPut, http.MethodPost}, r.Method))
		tr.mu.Lock()
		defer tr.mu.Unlock()
		tr.uploadRequests = append(tr.uploadRequests, uploadData{
			Method:      r.Method,
			Path:        r.URL.Path,
			ContentType: r.Header.Get("Content-Type"),
			Body:        body,
		})
	}
}

func (tr *testHarnessReceiver) uploads() []uploadData {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return slices.Clone(tr.uploadRequests)
}

// waitForCompleted collects webhooks until the terminal one arrives.
func (tr *testHarnessReceiver) waitForCompleted(t *testing.T) []webhookData {
	t.Helper()
	var got []webhookData
	timeout := time.After(10 * time.Second)
	for {
		select {
		case wh := <-tr.webhookReceiverChan:
			got = append(got, wh)
			if wh.Response.Status.IsCompleted() {
				return got
			}
		case <-timeout:
			t.Fatalf("timed out waiting for completed webhook, got %d", len(got))
			return nil
		}
	}
}

func testHarnessReceiverServer(t *testing.T) *testHarnessReceiver {
	t.Helper()
	tr := &testHarnessReceiver{}
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook", tr.webhookHandler(t))
	mux.HandleFunc("/upload/{filename}", tr.uploadHandler(t))
	// Buffered so the handler never blocks on a test that is not reading
	tr.webhookReceiverChan = make(chan webhookData, 32)
	tr.Server = httptest.NewServer(mux)
	t.Cleanup(tr.Server.Close)
	return tr
}

type cogServerConfig struct {
	explicitShutdown bool
	uploadURL        string
	envSet           map[string]string
}

type cogServer struct {
	svc  *service.Service
	url  string
	done chan error
}

func startCogServer(t *testing.T, cfg cogServerConfig) *cogServer {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	tempDir := t.TempDir()
	script := filepath.Join(tempDir, "model.sh")
	require.NoError(t, os.WriteFile(script, []byte(model), 0o600))

	envSet := map[string]string{"OUTPUT_DIR": tempDir}
	for k, v := range cfg.envSet {
		envSet[k] = v
	}
	svc := service.New(config.Config{
		Host:                      "127.0.0.1",
		Port:                      0,
		AwaitExplicitShutdown:     cfg.explicitShutdown,
		WorkingDirectory:          tempDir,
		UploadURL:                 cfg.uploadURL,
		WorkerCommand:             "sh " + script,
		RunnerShutdownGracePeriod: 5 * time.Second,
		EnvSet:                    envSet,
	}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(t.Context())
	require.NoError(t, svc.Initialize(ctx))
	cs := &cogServer{svc: svc, url: "http://" + svc.Addr().String(), done: make(chan error, 1)}
	go func() {
		cs.done <- svc.Run(ctx)
	}()
	t.Cleanup(func() {
		svc.Shutdown(ctx)
		select {
		case <-cs.done:
		case <-time.After(10 * time.Second):
			t.Error("service did not stop")
		}
		cancel()
	})
	return cs
}

func (cs *cogServer) healthCheck(t *testing.T) server.HealthCheck {
	t.Helper()
	resp, err := http.Get(cs.url + "/health-check")
	require.NoError(t, err)
	defer resp.Body.Close()
	var hc server.HealthCheck
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&hc))
	return hc
}

func (cs *cogServer) waitForSetupComplete(t *testing.T, expectedStatus server.Status, expectedSetupStatus prediction.SetupStatus) server.HealthCheck {
	t.Helper()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	timeout := time.After(10 * time.Second)

	for {
		select {
		case <-ticker.C:
			hc := cs.healthCheck(t)
			if hc.Status != server.StatusStarting.String() {
				assert.Equal(t, expectedStatus.String(), hc.Status)
				require.NotNil(t, hc.Setup)
				assert.Equal(t, expectedSetupStatus, hc.Setup.Status)
				return hc
			}
		case <-timeout:
			t.Fatal("timed out waiting for setup")
			return server.HealthCheck{}
		}
	}
}

func (cs *cogServer) predict(t *testing.T, req prediction.PredictionRequest, async bool) (int, prediction.PredictionResponse) {
	t.Helper()
	body, err := json.Marshal(req)
	require.NoError(t, err)
	r, err := http.NewRequest(http.MethodPost, cs.url+"/predictions", bytes.NewBuffer(body))
	require.NoError(t, err)
	r.Header.Set("Content-Type", "application/json")
	if async {
		r.Header.Set("Prefer", "respond-async")
	}
	resp, err := http.DefaultClient.Do(r)
	require.NoError(t, err)
	defer resp.Body.Close()
	var pr prediction.PredictionResponse
	bs, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted {
		require.NoError(t, json.Unmarshal(bs, &pr), string(bs))
	}
	return resp.StatusCode, pr
}

func (cs *cogServer) post(t *testing.T, path string) int {
	t.Helper()
	resp, err := http.Post(cs.url+path, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}
