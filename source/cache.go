package source

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/medprepa/tally/record"
)

// QuestionCache memoizes question lookups. Planning a stat or bookmark
// entry resolves the question's taxonomy, and replays hit the same hot
// questions over and over.
type QuestionCache struct {
	st    *Store
	cache *lru.Cache[record.ID, *record.Question]
}

func NewQuestionCache(st *Store, size int) (*QuestionCache, error) {
	cache, err := lru.New[record.ID, *record.Question](size)
	if err != nil {
		return nil, err
	}
	return &QuestionCache{st: st, cache: cache}, nil
}

func (c *QuestionCache) Question(id record.ID) (*record.Question, error) {
	if q, ok := c.cache.Get(id); ok {
		return q, nil
	}
	q, err := c.st.Question(id)
	if err != nil {
		return nil, err
	}
	c.cache.Add(id, q)
	return q, nil
}

// Forget drops a question when its row is removed.
func (c *QuestionCache) Forget(id record.ID) {
	c.cache.Remove(id)
}
