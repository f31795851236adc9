package router

import "testing"

func TestMatchTriggerMatches(t *testing.T) {
	ok, err := matchTrigger(`(?i)^hey bot`, "Hey Bot, what's up?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected pattern to match")
	}
}

func TestMatchTriggerNoMatch(t *testing.T) {
	ok, err := matchTrigger(`^hey bot`, "just chatting")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected no match")
	}
}

func TestMatchTriggerInvalidPattern(t *testing.T) {
	_, err := matchTrigger(`(unclosed`, "anything")
	if err == nil {
		t.Fatal("expected compile error for invalid pattern")
	}
}

func TestMatchTriggerCachesCompiledPattern(t *testing.T) {
	pattern := `^cached`
	if _, err := matchTrigger(pattern, "cached hit"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := triggerCache[pattern]; !ok {
		t.Fatal("expected compiled pattern to be cached")
	}
}

func TestAnyMatchesTriggerEmptyPatternAlwaysMatches(t *testing.T) {
	if !anyMatchesTrigger(nil, "") {
		t.Fatal("empty trigger pattern should mean every message is processed")
	}
}
