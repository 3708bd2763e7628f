package engine

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestEngineErrorKinds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
		is   func(error) bool
	}{
		{"configuration", NewConfigurationError("unknown task kind", nil), ErrorKindConfiguration, IsConfiguration},
		{"transition", NewInvalidTransitionError("COMPLETED", ""), ErrorKindInvalidTransition, IsInvalidTransition},
		{"framework", NewFrameworkError("run failed", errors.New("boom")), ErrorKindFramework, IsFramework},
		{"store", NewStoreError("store unavailable", errors.New("disk")), ErrorKindStore, IsStore},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tt.err)
			if got := KindOf(wrapped); got != tt.kind {
				t.Errorf("KindOf() = %s, want %s", got, tt.kind)
			}
			if !tt.is(wrapped) {
				t.Errorf("predicate did not match wrapped %s error", tt.kind)
			}
		})
	}

	if KindOf(errors.New("plain")) != "" {
		t.Error("foreign errors should have no kind")
	}
}

func TestInvalidTransitionMessage(t *testing.T) {
	err := NewInvalidTransitionError("COMPLETED", "").WithEvent("RUN").WithEntity("run-1")
	msg := err.Error()

	for _, want := range []string{"COMPLETED -> ?", "event=RUN", "entity=run-1"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error() = %q, missing %q", msg, want)
		}
	}
}

func TestEngineErrorIs(t *testing.T) {
	err := fmt.Errorf("wrap: %w", NewStoreError("get", nil).WithCode(ErrCodeNotFound))

	if !errors.Is(err, &EngineError{Kind: ErrorKindStore, Code: ErrCodeNotFound}) {
		t.Error("errors.Is should match kind and code")
	}
	if errors.Is(err, &EngineError{Kind: ErrorKindFramework, Code: ErrCodeNotFound}) {
		t.Error("errors.Is should not match a different kind")
	}
	if !IsNotFound(err) {
		t.Error("IsNotFound should match")
	}
}

func TestNewRunnableError(t *testing.T) {
	if NewRunnableError(nil) != nil {
		t.Fatal("nil error should produce nil payload")
	}

	re := NewRunnableError(NewFrameworkError("run failed", errors.New("exit 1")).WithDetail("exit_code", 1))
	if re.Kind != ErrorKindFramework || re.Code != ErrCodeFrameworkFailed {
		t.Errorf("unexpected payload %+v", re)
	}
	if re.Cause["exit_code"] != 1 {
		t.Errorf("cause not carried: %+v", re.Cause)
	}

	plain := NewRunnableError(errors.New("timeout"))
	if plain.Kind != ErrorKindFramework || plain.Message != "timeout" {
		t.Errorf("foreign errors should be reported as framework errors, got %+v", plain)
	}
}

func TestRunnableCloneIsDeep(t *testing.T) {
	r := &Runnable{
		ID:    "run-1",
		State: StateReady,
		Args:  []string{"a"},
		Envs:  map[string]string{"K": "V"},
		Spec:  map[string]interface{}{"nested": map[string]interface{}{"x": 1}},
	}
	c := r.Clone()
	c.Args[0] = "b"
	c.Envs["K"] = "changed"
	c.Spec["nested"].(map[string]interface{})["x"] = 2

	if r.Args[0] != "a" || r.Envs["K"] != "V" || r.Spec["nested"].(map[string]interface{})["x"] != 1 {
		t.Errorf("clone shares state with original: %+v", r)
	}
}

func TestActionFor(t *testing.T) {
	cases := map[State]Action{
		StateReady:     ActionRun,
		StateStop:      ActionStop,
		StateDeleting:  ActionDelete,
		StateRunning:   ActionNone,
		StateDeleted:   ActionNone,
		StateCompleted: ActionNone,
	}
	for s, want := range cases {
		if got := ActionFor(s); got != want {
			t.Errorf("ActionFor(%s) = %s, want %s", s, got, want)
		}
	}
}

func TestParseState(t *testing.T) {
	s, err := ParseState(" running ")
	if err != nil || s != StateRunning {
		t.Fatalf("ParseState() = %s, %v", s, err)
	}
	if _, err := ParseState("bogus"); err == nil {
		t.Error("expected error for unknown state")
	}
}
