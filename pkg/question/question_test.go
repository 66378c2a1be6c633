package question

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckSingle(t *testing.T) {
	q := &Question{Type: TypeSingle, Answer: "2"}
	assert.True(t, q.Check("2"))
	assert.True(t, q.Check(" 2 "))
	assert.False(t, q.Check("3"))
	assert.False(t, q.Check(""))
}

func TestCheckMultiRequiresExactSet(t *testing.T) {
	q := &Question{Type: TypeMulti, Answer: "0,2,3"}
	assert.True(t, q.Check("0,2,3"))
	assert.True(t, q.Check("3, 0, 2"))
	assert.False(t, q.Check("0,2"))
	assert.False(t, q.Check("0,2,3,4"))
	assert.False(t, q.Check("0,2,x"))
	assert.False(t, q.Check(""))
}

func TestCheckBoolean(t *testing.T) {
	q := &Question{Type: TypeBoolean, Answer: "true"}
	assert.True(t, q.Check("true"))
	assert.True(t, q.Check("TRUE"))
	assert.True(t, q.Check("O"))
	assert.False(t, q.Check("false"))
	assert.False(t, q.Check("x"))
	assert.False(t, q.Check("yes"))
}

func TestCheckTextAcceptsAlternatives(t *testing.T) {
	q := &Question{Type: TypeText, Answer: "Seoul|서울"}
	assert.True(t, q.Check("seoul"))
	assert.True(t, q.Check("  SEOUL "))
	assert.True(t, q.Check("서울"))
	assert.False(t, q.Check("busan"))
}

func TestCheckTextNormalizesWhitespace(t *testing.T) {
	q := &Question{Type: TypeText, Answer: "big bang"}
	assert.True(t, q.Check("Big   Bang"))
	assert.True(t, q.Check(" big bang\n"))
	assert.False(t, q.Check("bigbang"))
}

func TestInMemoryStorePickForPool(t *testing.T) {
	ctx := context.Background()
	s := NewInMemoryStore()
	for _, q := range []*Question{
		{ID: "q1", PoolID: "cs101", Type: TypeSingle, Answer: "0"},
		{ID: "q2", PoolID: "cs101", Type: TypeSingle, Answer: "1"},
		{ID: "q3", PoolID: "cs101", Type: TypeSingle, Answer: "2"},
		{ID: "q4", PoolID: "math", Type: TypeSingle, Answer: "0"},
	} {
		assert.NoError(t, s.AddQuestion(ctx, q))
	}

	qs, err := s.PickForPool(ctx, "cs101", 2)
	assert.NoError(t, err)
	assert.Len(t, qs, 2)
	assert.NotEqual(t, qs[0].ID, qs[1].ID)
	for _, q := range qs {
		assert.Equal(t, "cs101", q.PoolID)
	}

	_, err = s.PickForPool(ctx, "math", 2)
	assert.Equal(t, ErrPoolExhausted, err)

	_, err = s.GetQuestion(ctx, "nope")
	assert.Equal(t, ErrQuestionNotFound, err)
}

func TestLoadCatalog(t *testing.T) {
	qs, err := LoadCatalog("testdata/questions.yaml")
	assert.NoError(t, err)
	assert.Len(t, qs, 4)
	assert.Equal(t, "cs101-capital", qs[0].ID)
	assert.Equal(t, TypeSingle, qs[0].Type)
	assert.Len(t, qs[0].Choices, 4)

	s, err := NewStoreFromCatalog("testdata/questions.yaml")
	assert.NoError(t, err)
	got, err := s.GetQuestion(context.Background(), "cs101-tokki")
	assert.NoError(t, err)
	assert.True(t, got.Check("rabbit"))
	assert.True(t, got.Check("bunny"))
}
