package migrate

import (
	"errors"
	"testing"
)

func TestChainEmptyPassesThrough(t *testing.T) {
	var chain Chain

	payload := map[string]any{"foo": "bar"}
	got, err := chain.Run("settings", payload)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got.(map[string]any)["foo"] != "bar" {
		t.Fatalf("expected payload to pass through, got %#v", got)
	}
}

func TestChainSkipsNonMapCandidates(t *testing.T) {
	chain := Chain{func(string, map[string]any) (map[string]any, error) {
		t.Fatal("hook should not run for non-map candidates")
		return nil, nil
	}}

	got, err := chain.Run("counter", 42)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got != 42 {
		t.Fatalf("expected candidate unchanged, got %#v", got)
	}
}

func TestChainRunsHooksInOrder(t *testing.T) {
	chain := Chain{
		func(_ string, payload map[string]any) (map[string]any, error) {
			payload["version"] = 2
			return payload, nil
		},
		func(_ string, payload map[string]any) (map[string]any, error) {
			if payload["version"] != 2 {
				return nil, errors.New("expected version 2")
			}
			payload["renamed"] = payload["legacy"]
			delete(payload, "legacy")
			return payload, nil
		},
	}

	original := map[string]any{"legacy": "kept"}
	got, err := chain.Run("settings", original)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	result := got.(map[string]any)
	if result["renamed"] != "kept" {
		t.Fatalf("expected renamed field, got %#v", result)
	}
	if _, ok := result["legacy"]; ok {
		t.Fatalf("expected legacy field removed, got %#v", result)
	}
	if _, ok := original["renamed"]; ok {
		t.Fatal("expected original payload untouched")
	}
}

func TestChainWrapsHookErrors(t *testing.T) {
	boom := errors.New("boom")
	chain := Chain{func(string, map[string]any) (map[string]any, error) {
		return nil, boom
	}}

	_, err := chain.Run("settings", map[string]any{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped hook error, got %v", err)
	}
}
