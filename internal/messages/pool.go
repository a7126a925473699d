// Package messages holds the fixed pool of texts the relay picks from.
package messages

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
)

var ErrEmptyPool = errors.New("messages: pool is empty")

var defaultMessages = []string{
	"El gatito Pumito comió🐈🍲🇪🇸",
	"Der Kater Puma hat gefressen🐈🍲🇩🇪",
	"Кот Пума съел🐈🍲🇷🇺",
	"The demon (our cat), after not being fed for many years (a couple of hours), has finally claimed his terrible meal (a boul of wet food and dry food)🐈🍲😈",
}

// Default returns a copy of the messages used when the configuration does
// not override the pool.
func Default() []string {
	return append([]string(nil), defaultMessages...)
}

// Pool is an immutable ordered list of candidate messages.
type Pool struct {
	items []string
}

// New copies items into a pool. Blank entries are rejected.
func New(items []string) (Pool, error) {
	if len(items) == 0 {
		return Pool{}, ErrEmptyPool
	}
	for i, s := range items {
		if strings.TrimSpace(s) == "" {
			return Pool{}, fmt.Errorf("messages: entry %d is blank", i)
		}
	}
	return Pool{items: append([]string(nil), items...)}, nil
}

// Pick returns a uniformly random member of the pool.
func (p Pool) Pick() string {
	return lo.Sample(p.items)
}

func (p Pool) Len() int { return len(p.items) }

func (p Pool) Contains(s string) bool {
	return lo.Contains(p.items, s)
}

// Items returns a copy of the pool contents.
func (p Pool) Items() []string {
	return append([]string(nil), p.items...)
}
