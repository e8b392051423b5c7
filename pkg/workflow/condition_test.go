// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
package workflow

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateCondition(t *testing.T) {
	state := map[string]string{
		"verdict": "approve",
		"score":   "7",
		"retries": "0",
		"done":    "true",
	}

	tests := []struct {
		expr string
		want bool
	}{
		{`verdict == 'approve'`, true},
		{`verdict != 'approve'`, false},
		{`score > 5`, true},
		{`score >= 7`, true},
		{`score < 5`, false},
		{`score <= 6`, false},
		{`retries == 0`, true},
		{`done`, true},
		{`!done`, false},
		{`missing`, false},
		{`!missing`, true},
		{`score > 5 && verdict == 'approve'`, true},
		{`score > 9 || verdict == 'approve'`, true},
		{`score > 9 && verdict == 'approve'`, false},
		{`(score > 9 || score < 8) && done`, true},
		// && binds tighter than ||: parsed as a || (b && c).
		{`done || score > 9 && missing`, true},
		// ! binds tighter than comparison operands it prefixes.
		{`!missing && verdict == "approve"`, true},
		{`score == 7.0`, true},
		// numeric comparison, not lexicographic: "10" > "9".
		{`10 > 9`, true},
	}
	for _, tt := range tests {
		got, err := EvaluateCondition(tt.expr, state)
		require.NoError(t, err, tt.expr)
		require.Equal(t, tt.want, got, tt.expr)
	}
}

func TestEvaluateConditionErrors(t *testing.T) {
	for _, expr := range []string{
		`(score > 5`,
		`score >`,
		`)`,
		``,
	} {
		_, err := EvaluateCondition(expr, nil)
		require.Error(t, err, expr)
	}
}
