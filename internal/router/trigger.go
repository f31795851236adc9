package router

import (
	"regexp"
	"sync"
)

var (
	triggerMu    sync.Mutex
	triggerCache = map[string]*regexp.Regexp{}
)

// matchTrigger reports whether content matches pattern, compiling and
// caching the regular expression on first use. A pattern that fails to
// compile is not cached and never matches: matchTrigger returns false with
// the compile error, so a trigger-gated group using it processes nothing.
func matchTrigger(pattern, content string) (bool, error) {
	triggerMu.Lock()
	re, ok := triggerCache[pattern]
	triggerMu.Unlock()

	if !ok {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return false, err
		}
		triggerMu.Lock()
		triggerCache[pattern] = compiled
		triggerMu.Unlock()
		re = compiled
	}
	return re.MatchString(content), nil
}
