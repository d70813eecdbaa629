package expr

import (
	"strings"
	"testing"
)

func TestEvaluateBasicArithmetic(t *testing.T) {
	cases := []struct {
		input string
		want  float64
	}{
		{"18", 18},
		{"  20 ", 20},
		{"1+2", 3},
		{"2*3+4", 10},
		{"2+3*4", 14},
		{"(2+3)*4", 20},
		{"10/4", 2.5},
		{"-5", -5},
		{"-(2+3)", -5},
		{"--4", 4},
		{"1.5*2", 3},
		{"7-2-1", 4}, // left associative
		{"8/2/2", 2},
	}
	for _, c := range cases {
		got, err := Evaluate(c.input)
		if err != nil {
			t.Errorf("Evaluate(%q): unexpected error: %v", c.input, err)
			continue
		}
		if got != c.want {
			t.Errorf("Evaluate(%q) = %v, want %v", c.input, got, c.want)
		}
	}
}

func TestEvaluateErrors(t *testing.T) {
	cases := []struct {
		input   string
		wantErr string
	}{
		{"", "empty expression"},
		{"   ", "empty expression"},
		{"abc", "unexpected character"},
		{"1+", "unexpected end of expression"},
		{"(1+2", "missing closing parenthesis"},
		{"1+2)", "unexpected trailing input"},
		{"4/0", "division by zero"},
		{"1..2", "invalid number"},
		{"1 2", "unexpected trailing input"},
	}
	for _, c := range cases {
		_, err := Evaluate(c.input)
		if err == nil {
			t.Errorf("Evaluate(%q): expected error, got none", c.input)
			continue
		}
		if !strings.Contains(err.Error(), c.wantErr) {
			t.Errorf("Evaluate(%q): error %q does not contain %q", c.input, err, c.wantErr)
		}
	}
}

func TestEvaluateDeterministic(t *testing.T) {
	// Same input must always yield the same result.
	for i := 0; i < 10; i++ {
		got, err := Evaluate("(1+2)*3-4/2")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got != 7 {
			t.Fatalf("expected 7, got %v", got)
		}
	}
}

func TestFormat(t *testing.T) {
	cases := []struct {
		in   float64
		want string
	}{
		{20, "20"},
		{2.5, "2.5"},
		{-3, "-3"},
	}
	for _, c := range cases {
		if got := Format(c.in); got != c.want {
			t.Errorf("Format(%v) = %q, want %q", c.in, got, c.want)
		}
	}
}
