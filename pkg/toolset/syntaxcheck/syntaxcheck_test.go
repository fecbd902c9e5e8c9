package syntaxcheck

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestrator-core/orchestrator/pkg/domain"
)

func TestValidateValidGoSource(t *testing.T) {
	v := New()
	defer v.Close()

	src := []byte("package main\n\nfunc main() {}\n")
	res, err := v.Validate(context.Background(), LangGo, src)
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, 0, res.ErrorCount)
}

func TestValidateInvalidGoSourceReportsErrors(t *testing.T) {
	v := New()
	defer v.Close()

	src := []byte("package main\n\nfunc main( {{{\n")
	res, err := v.Validate(context.Background(), LangGo, src)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Greater(t, res.ErrorCount, 0)
}

func TestValidateUnsupportedLanguage(t *testing.T) {
	v := New()
	defer v.Close()

	_, err := v.Validate(context.Background(), Language("cobol"), []byte("x"))
	require.Error(t, err)
}

func TestAsToolRejectsWrongInputType(t *testing.T) {
	v := New()
	defer v.Close()

	tool := v.AsTool("syntaxcheck-v1", "1.0.0")
	_, err := tool.Invoke(domain.Context{}, "not an Input")
	require.Error(t, err)
}
