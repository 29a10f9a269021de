package physical

import (
	"fmt"
	"slices"
	"strings"
)

// QuoteIdentifier quotes a SQL identifier, dropping anything after a NUL.
func QuoteIdentifier(name string) string {
	end := strings.IndexRune(name, 0)
	if end > -1 {
		name = name[:end]
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// Unavailable marks err as a transient backend failure.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// PermitPool bounds the number of concurrent backend operations.
type PermitPool struct {
	sem chan struct{}
}

const DefaultParallelOperations = 128

func NewPermitPool(permits int) *PermitPool {
	if permits < 1 {
		permits = DefaultParallelOperations
	}
	return &PermitPool{sem: make(chan struct{}, permits)}
}

func (c *PermitPool) Acquire() {
	c.sem <- struct{}{}
}

func (c *PermitPool) Release() {
	<-c.sem
}

// CurrentPermits returns the number of permits in use.
func (c *PermitPool) CurrentPermits() int {
	return len(c.sem)
}

// FilterKeys applies the List contract to an unordered key set.
func FilterKeys(keys []string, prefix, after string, limit int) []string {
	var out []string
	for _, k := range keys {
		if strings.HasPrefix(k, prefix) && k > after {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
