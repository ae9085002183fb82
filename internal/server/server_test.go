package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/WangQiHao-Charlie/actiond/internal/config"
	"github.com/WangQiHao-Charlie/actiond/internal/service"
)

func lookupOrSkip(t *testing.T, name string) string {
	t.Helper()
	p, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not found in PATH; skipping", name)
	}
	if !filepath.IsAbs(p) {
		t.Skipf("%s resolved to non-absolute path %q; skipping", name, p)
	}
	return p
}

const definitionsYAML = `actions:
  echo_test:
    attributes:
      executable: %ECHO%
    parameters:
      - name: msg
        type: string
        required: true
`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	lookupOrSkip(t, "sh")
	echo := lookupOrSkip(t, "echo")

	defsDir := t.TempDir()
	content := strings.ReplaceAll(definitionsYAML, "%ECHO%", echo)
	if err := os.WriteFile(filepath.Join(defsDir, "echo.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	filesRoot := t.TempDir()
	return config.Config{
		FilesRoot:        filesRoot,
		ActionDirs:       []string{defsDir},
		Workers:          2,
		TerminationGrace: 200 * time.Millisecond,
		TailBytes:        4096,
		HistoryDB:        filepath.Join(filesRoot, "history.db"),
		WatchInterval:    50 * time.Millisecond,
		CacheMaxAge:      time.Hour,
		JanitorHour:      3,
	}
}

func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	srv, err := New(cfg, Options{Events: &bytes.Buffer{}, Logf: t.Logf})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestServeGRPCAndHTTP(t *testing.T) {
	cfg := testConfig(t)
	srv := newTestServer(t, cfg)

	grpcLis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	httpLis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx, grpcLis, httpLis) }()

	conn, err := grpc.NewClient(grpcLis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	client := service.NewActionServiceClient(conn)

	callCtx, callCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer callCancel()
	in, _ := structpb.NewStruct(map[string]any{"action": "echo_test", "msg": "hello", "stdout": true})
	out, err := client.Perform(callCtx, in)
	if err != nil {
		t.Fatalf("perform: %v", err)
	}
	m := out.AsMap()
	if status, _ := m["status"].(string); !strings.HasPrefix(status, "OK") || m["stdout"] != "hello\n" {
		t.Fatalf("response = %v", m)
	}

	hc, err := healthpb.NewHealthClient(conn).Check(callCtx, &healthpb.HealthCheckRequest{Service: service.ServiceName})
	if err != nil || hc.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("health = %v, %v", hc, err)
	}

	res, err := http.Get("http://" + httpLis.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	var body map[string]any
	err = json.NewDecoder(res.Body).Decode(&body)
	res.Body.Close()
	if err != nil || body["status"] != "ok" || body["actions"] != float64(1) {
		t.Fatalf("healthz = %v, %v", body, err)
	}

	hist, err := client.Perform(callCtx, mustStruct(t, map[string]any{"manage": "history"}))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	records, _ := hist.AsMap()["history"].([]any)
	if len(records) != 1 {
		t.Fatalf("history = %v", hist.AsMap())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestInitialLoadExportsCatalog(t *testing.T) {
	cfg := testConfig(t)
	srv := newTestServer(t, cfg)

	if _, err := os.Stat(filepath.Join(cfg.FilesRoot, "actions.json")); err != nil {
		t.Fatalf("actions.json not exported: %v", err)
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/actions", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "echo_test") {
		t.Fatalf("GET /actions = %d %s", rec.Code, rec.Body)
	}
}

func TestHistoryOff(t *testing.T) {
	cfg := testConfig(t)
	cfg.HistoryDB = config.HistoryDisabled
	srv := newTestServer(t, cfg)

	resp := srv.Scheduler().Perform(context.Background(), map[string]any{"manage": "history"})
	if resp.Code != "INTERNAL" {
		t.Fatalf("history without store = %+v", resp)
	}
	if _, err := os.Stat(filepath.Join(cfg.FilesRoot, "off")); !os.IsNotExist(err) {
		t.Fatalf("unexpected history file: %v", err)
	}
}

func TestListenUnixSocket(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "run", "actiond.sock")
	if err := os.MkdirAll(filepath.Dir(sock), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(sock, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	l, err := Listen(config.Config{Socket: sock})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()
	if l.Addr().Network() != "unix" {
		t.Fatalf("network = %s", l.Addr().Network())
	}
}

func mustStruct(t *testing.T, m map[string]any) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(m)
	if err != nil {
		t.Fatal(err)
	}
	return s
}
