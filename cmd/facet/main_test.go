package main

import "testing"

func TestInt64OrDash(t *testing.T) {
	if got := int64OrDash(nil); got != "-" {
		t.Fatalf("nil: got %v, want -", got)
	}
	v := int64(42)
	if got := int64OrDash(&v); got != int64(42) {
		t.Fatalf("value: got %v, want 42", got)
	}
}
