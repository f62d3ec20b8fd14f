package out

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ggonzalez94/defi-keeper/internal/model"
)

func TestRenderJSONSelectResultsOnly(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Success: true,
		Data:    []map[string]any{{"account_id": "a", "automation_enabled": true}},
		Meta:    model.EnvelopeMeta{Timestamp: time.Now()},
	}
	var buf bytes.Buffer
	if err := Render(&buf, env, Options{Mode: "json", SelectFields: []string{"account_id"}, ResultsOnly: true}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var out []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(out) != 1 || out[0]["account_id"] != "a" {
		t.Fatalf("unexpected output: %s", buf.String())
	}
	if _, ok := out[0]["automation_enabled"]; ok {
		t.Fatalf("field projection failed: %s", buf.String())
	}
}

func TestRenderJSONEnvelope(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Error:   &model.ErrorBody{Code: 20, Type: "scope_violation", Message: "target not allowed"},
		Meta:    model.EnvelopeMeta{Command: "op execute"},
	}
	var buf bytes.Buffer
	if err := Render(&buf, env, Options{Mode: "json"}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var decoded model.Envelope
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if decoded.Success || decoded.Error == nil || decoded.Error.Type != "scope_violation" {
		t.Fatalf("unexpected envelope: %s", buf.String())
	}
}

func TestRenderPlainFlattensNestedFields(t *testing.T) {
	env := model.Envelope{
		Success: true,
		Data:    map[string]any{"processed": 2, "action": map[string]any{"act": false}},
		Meta:    model.EnvelopeMeta{Command: "keeper run-once"},
	}
	var buf bytes.Buffer
	if err := Render(&buf, env, Options{Mode: "plain"}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	line := buf.String()
	for _, want := range []string{"data.processed=2", "data.action.act=false", "meta.command=keeper run-once", "success=true"} {
		if !strings.Contains(line, want) {
			t.Fatalf("expected %q in %s", want, line)
		}
	}
}

func TestRenderPlainList(t *testing.T) {
	env := model.Envelope{Data: []map[string]any{{"kind": "Rebalance"}, {"kind": "stake_magma"}}}
	var buf bytes.Buffer
	if err := Render(&buf, env, Options{Mode: "plain", ResultsOnly: true}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || lines[0] != "kind=Rebalance" {
		t.Fatalf("unexpected plain output: %q", buf.String())
	}

	buf.Reset()
	if err := Render(&buf, model.Envelope{Data: []string{}}, Options{Mode: "plain", ResultsOnly: true}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "[]" {
		t.Fatalf("expected [], got %q", buf.String())
	}
}
