package protocol

import (
	"encoding/json"
	"testing"
)

func TestGroupListDecodesNumericArrays(t *testing.T) {
	var req ChangeGroupsRequest
	if err := json.Unmarshal([]byte(`{"add":[7,9],"remove":null}`), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(req.Add) != 2 || req.Add[0] != 7 || req.Add[1] != 9 {
		t.Fatalf("expected add [7 9], got %v", req.Add)
	}
	if req.Remove != nil {
		t.Fatalf("null must stay nil, got %v", req.Remove)
	}
}

func TestGroupListKeepsEmptyDistinctFromNil(t *testing.T) {
	var req ChangeGroupsRequest
	if err := json.Unmarshal([]byte(`{"add":[]}`), &req); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if req.Add == nil || len(req.Add) != 0 {
		t.Fatalf("expected empty non-nil add, got %v", req.Add)
	}
	if req.Remove != nil {
		t.Fatalf("absent field must stay nil, got %v", req.Remove)
	}
}

func TestGroupListRoundTrip(t *testing.T) {
	out, err := json.Marshal(ChangeGroupsRequest{Add: GroupList{7, 255}, Remove: GroupList{}})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"add":[7,255],"remove":[]}`
	if string(out) != want {
		t.Fatalf("expected %s, got %s", want, out)
	}
}

func TestGroupListRejectsOutOfRangeGroups(t *testing.T) {
	var req ChangeGroupsRequest
	if err := json.Unmarshal([]byte(`{"add":[300]}`), &req); err == nil {
		t.Fatal("expected an error for a group above 255")
	}
}
