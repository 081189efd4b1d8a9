package ormerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorMessages(t *testing.T) {
	cases := []struct {
		err  error
		want []string
	}{
		{
			NoJoinConditionError{Owner: "User", Relationship: "addresses", Target: "Address"},
			[]string{"User", "addresses", "Address"},
		},
		{
			AmbiguousJoinConditionError{Owner: "Address", Relationship: "user", Target: "User", Candidates: []string{"fk_a", "fk_b"}},
			[]string{"Address", "fk_a", "fk_b"},
		},
		{
			ConfigError{Entity: "User", Detail: "unknown attribute age"},
			[]string{"User", "unknown attribute age"},
		},
		{
			StaleDataError{Entity: "User", Key: "User(1)", Table: "users", Expected: 1, Affected: 0},
			[]string{"User(1)", "users", "expected 1"},
		},
		{
			UnresolvableCycleError{Entities: []string{"A", "B"}},
			[]string{"A -> B", "nullable"},
		},
		{
			DetachedInstanceError{Entity: "User", Relationship: "addresses"},
			[]string{"detached", "addresses"},
		},
		{
			TransientInstanceError{Entity: "User", Operation: "delete"},
			[]string{"no identity", "delete"},
		},
	}
	for _, c := range cases {
		msg := c.err.Error()
		for _, frag := range c.want {
			if !strings.Contains(msg, frag) {
				t.Fatalf("%T message %q missing %q", c.err, msg, frag)
			}
		}
	}
}

func TestStatementErrorUnwrap(t *testing.T) {
	cause := fmt.Errorf("constraint violated")
	err := StatementError{Entity: "User", Table: "users", Kind: "insert", Err: cause}
	if !errors.Is(err, cause) {
		t.Fatal("StatementError should unwrap to its cause")
	}
	if !strings.Contains(err.Error(), "users") {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestWarningString(t *testing.T) {
	w := OverlappingForeignKeys("Order", []string{"customer", "billing_customer"}, []string{"customer_id"})
	s := w.String()
	for _, frag := range []string{WarnOverlappingForeignKeys, "Order", "customer,billing_customer", "customer_id"} {
		if !strings.Contains(s, frag) {
			t.Fatalf("warning %q missing %q", s, frag)
		}
	}

	w = OneToOneMultipleRows("User", "profile", 3)
	if !strings.Contains(w.String(), "3 rows") {
		t.Fatalf("warning = %q", w.String())
	}
}

func TestCollectingSinkRetainsOrder(t *testing.T) {
	sink := &CollectingSink{}
	sink.Warn(Warning{Code: "first"})
	sink.Warn(Warning{Code: "second"})
	got := sink.Warnings()
	if len(got) != 2 || got[0].Code != "first" || got[1].Code != "second" {
		t.Fatalf("warnings = %v", got)
	}
	// returned slice is a copy
	got[0].Code = "mutated"
	if sink.Warnings()[0].Code != "first" {
		t.Fatal("Warnings should return a copy")
	}
}

func TestDiscardSink(t *testing.T) {
	DiscardSink{}.Warn(Warning{Code: "dropped"})
}
