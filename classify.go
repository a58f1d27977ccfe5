package bulkq

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Classify maps err to an ErrorInfo. The message is taken from the innermost
// cause; the category comes from ordered checks on the error chain.
func Classify(err error, at time.Time) ErrorInfo {
	return ErrorInfo{
		Message:   innermost(err).Error(),
		Category:  Categorize(err),
		Timestamp: at,
	}
}

// Categorize returns the category label for err. Postgres errors and
// deadlines are recognized anywhere in the chain; the keyword checks read
// the innermost cause only.
func Categorize(err error) string {
	if err == nil {
		return ""
	}
	cause := innermost(err)
	msg := strings.ToLower(cause.Error())

	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr), containsAny(msg, "database", "sql"):
		return CategoryDatabase
	case containsAny(msg, "duplicate", "unique", "constraint"):
		return CategoryDuplicateEntry
	case containsAny(msg, "validation", "invalid"):
		return CategoryValidation
	case errors.Is(err, context.DeadlineExceeded), containsAny(msg, "timeout", "timed out"):
		return CategoryTimeout
	case containsAny(msg, "not found", "null", "reference"):
		return CategoryReference
	}
	return typeName(cause)
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// innermost follows the wrap chain to its last error. Joined errors are
// followed through their first member.
func innermost(err error) error {
	for {
		var next error
		switch u := err.(type) {
		case interface{ Unwrap() error }:
			next = u.Unwrap()
		case interface{ Unwrap() []error }:
			if errs := u.Unwrap(); len(errs) > 0 {
				next = errs[0]
			}
		}
		if next == nil {
			return err
		}
		err = next
	}
}

func typeName(err error) string {
	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Name() == "" {
		return "UnknownError"
	}
	return t.Name()
}

// categoryCounts is the running per-category failure count.
type categoryCounts struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCategoryCounts() *categoryCounts {
	return &categoryCounts{counts: make(map[string]int)}
}

func (c *categoryCounts) add(category string, n int) {
	c.mu.Lock()
	c.counts[category] += n
	c.mu.Unlock()
}

func (c *categoryCounts) snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

func (c *categoryCounts) reset() {
	c.mu.Lock()
	c.counts = make(map[string]int)
	c.mu.Unlock()
}
