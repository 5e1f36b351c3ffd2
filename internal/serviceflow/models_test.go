package serviceflow

import (
	"testing"
	"time"
)

func TestStepPayloadScanAndValue(t *testing.T) {
	var p StepPayload
	if err := p.Scan([]byte(`{"sendLoaner":true,"loanerModel":"X200"}`)); err != nil {
		t.Fatalf("Scan []byte 失败: %v", err)
	}
	if p["loanerModel"] != "X200" {
		t.Fatalf("载荷解析不正确: %+v", p)
	}

	// sqlite 驱动返回 string 而不是 []byte
	var q StepPayload
	if err := q.Scan(`{"quoteAmount":129.9}`); err != nil {
		t.Fatalf("Scan string 失败: %v", err)
	}
	if q["quoteAmount"] != 129.9 {
		t.Fatalf("载荷解析不正确: %+v", q)
	}

	var empty StepPayload
	if err := empty.Scan(nil); err != nil {
		t.Fatalf("Scan nil 失败: %v", err)
	}

	v, err := q.Value()
	if err != nil || v == nil {
		t.Fatalf("Value 失败: %v", err)
	}
}

func TestStepPayloadClone(t *testing.T) {
	orig := StepPayload{"a": 1}
	clone := orig.Clone()
	clone["b"] = 2

	if _, ok := orig["b"]; ok {
		t.Fatalf("Clone 应返回独立副本")
	}

	var nilPayload StepPayload
	if c := nilPayload.Clone(); c == nil {
		t.Fatalf("nil 载荷 Clone 应返回可写的空 map")
	}
}

func TestWorkflowIsTerminal(t *testing.T) {
	now := time.Now()
	cases := []struct {
		status WorkflowStatus
		want   bool
	}{
		{WorkflowStatusInProgress, false},
		{WorkflowStatusCompleted, true},
		{WorkflowStatusCancelled, true},
	}
	for _, c := range cases {
		wf := &ServiceWorkflow{Status: c.status, InitiatedAt: now}
		if wf.IsTerminal() != c.want {
			t.Fatalf("IsTerminal(%s) = %v, 期望 %v", c.status, !c.want, c.want)
		}
	}
}
