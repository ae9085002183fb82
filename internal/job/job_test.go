package job

import (
	"testing"
	"time"
)

func TestFromMapSplitsReservedFields(t *testing.T) {
	req := FromMap(map[string]any{
		"action":           "echo_test",
		"handle":           "h-1",
		"output_directory": "cache/",
		"force_update":     "true",
		"stdout":           true,
		"msg":              "hi",
		"width":            float64(3),
	})
	if req.Action != "echo_test" || req.Handle != "h-1" || req.OutputDirectory != "cache/" {
		t.Fatalf("reserved fields = %+v", req)
	}
	if !req.ForceUpdate || !req.Stdout {
		t.Fatalf("flags not parsed: %+v", req)
	}
	if len(req.Params) != 2 || req.Params["msg"] != "hi" || req.Params["width"] != float64(3) {
		t.Fatalf("params = %v", req.Params)
	}

	payload := req.Payload()
	if payload["action"] != "echo_test" || payload["msg"] != "hi" || payload["force_update"] != true {
		t.Fatalf("payload = %v", payload)
	}
}

func TestOKStatus(t *testing.T) {
	if got := OKStatus(1500 * time.Millisecond); got != "OK (1.5s)" {
		t.Fatalf("OKStatus = %q", got)
	}
	if got := OKStatus(12 * time.Millisecond); got != "OK (0.012s)" {
		t.Fatalf("OKStatus = %q", got)
	}
	if !IsOK(OKStatus(0)) || IsOK(StatusCached) {
		t.Fatal("IsOK mismatch")
	}
}

func TestResponseAsMap(t *testing.T) {
	m, err := Response{Status: StatusCached, Handle: "h", MTime: -1}.AsMap()
	if err != nil {
		t.Fatalf("as map: %v", err)
	}
	if m["status"] != "CACHED" || m["handle"] != "h" || m["MTime"] != float64(-1) {
		t.Fatalf("map = %v", m)
	}
	if _, ok := m["stdout"]; ok {
		t.Fatal("empty stdout should be omitted")
	}
}
