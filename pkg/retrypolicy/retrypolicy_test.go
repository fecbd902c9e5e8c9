package retrypolicy

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyHeuristics(t *testing.T) {
	cases := map[string]ErrorClass{
		"connection reset by peer":      ClassTransient,
		"rate limit exceeded, retry":    ClassRateLimit,
		"schema validation failed":      ClassSchema,
		"model hallucinated an API":     ClassHallucination,
		"tool executor crashed":         ClassToolInfra,
		"something totally unexpected": ClassUnknown,
	}
	for msg, want := range cases {
		got := Classify(errors.New(msg))
		assert.Equal(t, want, got, msg)
	}
}

type classifiableErr struct{ class ErrorClass }

func (e classifiableErr) Error() string        { return "custom" }
func (e classifiableErr) RetryClass() ErrorClass { return e.class }

func TestClassifyPrefersExplicitOverride(t *testing.T) {
	err := classifiableErr{class: ClassRateLimit}
	assert.Equal(t, ClassRateLimit, Classify(err))
}

func TestDelayRespectsMaxDelay(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 5 * time.Second, Backoff: BackoffExponential, Jitter: 0}
	rng := rand.New(rand.NewSource(1))
	d := p.Delay(10, rng) // 2^10s would blow past MaxDelay
	assert.LessOrEqual(t, d, 5*time.Second)
}

func TestDelayConstantIgnoresAttempt(t *testing.T) {
	p := Policy{BaseDelay: 2 * time.Second, Backoff: BackoffConstant, Jitter: 0}
	rng := rand.New(rand.NewSource(1))
	assert.Equal(t, 2*time.Second, p.Delay(0, rng))
	assert.Equal(t, 2*time.Second, p.Delay(5, rng))
}

func TestPolicyForFallsBackToUnknown(t *testing.T) {
	table := DefaultTable()
	delete(table, ClassSchema)
	p := table.PolicyFor(ClassSchema)
	assert.Equal(t, table[ClassUnknown], p)
}
