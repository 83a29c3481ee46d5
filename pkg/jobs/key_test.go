package jobs

import "testing"

func TestComputeKeyIgnoresParamOrder(t *testing.T) {
	a, err := ComputeKey("train", "ws", "p", map[string]interface{}{
		"task_id": "t1",
		"nested":  map[string]interface{}{"b": 2, "a": 1},
	})
	if err != nil {
		t.Fatalf("compute key: %v", err)
	}
	b, err := ComputeKey("train", "ws", "p", map[string]interface{}{
		"nested":  map[string]interface{}{"a": 1, "b": 2},
		"task_id": "t1",
	})
	if err != nil {
		t.Fatalf("compute key: %v", err)
	}
	if a != b {
		t.Fatalf("expected equal keys, got %s and %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected a hex sha256, got %q", a)
	}
}

func TestComputeKeyDistinguishesScope(t *testing.T) {
	params := map[string]interface{}{"task_id": "t1"}
	base, _ := ComputeKey("train", "ws", "p", params)
	for _, other := range []struct{ typ, ws, project string }{
		{"test", "ws", "p"},
		{"train", "ws-2", "p"},
		{"train", "ws", "p-2"},
	} {
		k, _ := ComputeKey(other.typ, other.ws, other.project, params)
		if k == base {
			t.Fatalf("expected a different key for %+v", other)
		}
	}
}
