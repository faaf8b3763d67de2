package nitro

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/jmespath/go-jmespath"
)

// Document paths
const (
	pathResults = "nitro.results.items"
	pathNext    = "nitro.pagination.next.href"
	pathTotal   = "nitro.results.total"
)

// evaluator compiles JMESPath expressions once and searches decoded JSON with them
type evaluator struct {
	cache map[string]*jmespath.JMESPath
	mu    sync.RWMutex
}

func newEvaluator() *evaluator {
	return &evaluator{cache: make(map[string]*jmespath.JMESPath)}
}

// paths is shared by every client; expressions are constants
var paths = newEvaluator()

func (e *evaluator) search(expression string, data any) (any, error) {
	compiled, err := e.getOrCompile(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", expression, err)
	}

	result, err := compiled.Search(data)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression %q: %w", expression, err)
	}
	return result, nil
}

// str returns the string at expression, or "" when absent or not a scalar
func (e *evaluator) str(expression string, data any) string {
	result, err := e.search(expression, data)
	if err != nil || result == nil {
		return ""
	}
	switch v := result.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// intPtr returns the number at expression, or nil when absent
func (e *evaluator) intPtr(expression string, data any) *int {
	result, err := e.search(expression, data)
	if err != nil || result == nil {
		return nil
	}
	switch v := result.(type) {
	case float64:
		n := int(v)
		return &n
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return &n
		}
	}
	return nil
}

// slice returns the list at expression. A single value is wrapped.
func (e *evaluator) slice(expression string, data any) []any {
	result, err := e.search(expression, data)
	if err != nil || result == nil {
		return nil
	}
	if s, ok := result.([]any); ok {
		return s
	}
	return []any{result}
}

// strings returns the non-empty strings of the list at expression
func (e *evaluator) strings(expression string, data any) []string {
	var out []string
	for _, v := range e.slice(expression, data) {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (e *evaluator) getOrCompile(expression string) (*jmespath.JMESPath, error) {
	e.mu.RLock()
	if compiled, ok := e.cache[expression]; ok {
		e.mu.RUnlock()
		return compiled, nil
	}
	e.mu.RUnlock()

	compiled, err := jmespath.Compile(expression)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[expression] = compiled
	e.mu.Unlock()

	return compiled, nil
}
