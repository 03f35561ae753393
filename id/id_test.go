package id_test

import (
	"strings"
	"testing"

	"github.com/ledgerline/backlog/id"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		newFn  func() id.ID
		prefix string
	}{
		{"JobID", id.NewJobID, "job_"},
		{"RuleID", id.NewRuleID, "rule_"},
		{"WorkerID", id.NewWorkerID, "wkr_"},
		{"AuditID", id.NewAuditID, "adt_"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.newFn().String()
			if !strings.HasPrefix(got, tt.prefix) {
				t.Errorf("expected prefix %q, got %q", tt.prefix, got)
			}
		})
	}
}

func TestNew(t *testing.T) {
	i := id.New(id.PrefixJob)
	if i.IsNil() {
		t.Fatal("expected non-nil ID")
	}
	if i.Prefix() != id.PrefixJob {
		t.Errorf("expected prefix %q, got %q", id.PrefixJob, i.Prefix())
	}
}

func TestParseRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		newFn   func() id.ID
		parseFn func(string) (id.ID, error)
	}{
		{"JobID", id.NewJobID, id.ParseJobID},
		{"RuleID", id.NewRuleID, id.ParseRuleID},
		{"WorkerID", id.NewWorkerID, id.ParseWorkerID},
		{"AuditID", id.NewAuditID, id.ParseAuditID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig := tt.newFn()
			parsed, err := tt.parseFn(orig.String())
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			if parsed.String() != orig.String() {
				t.Errorf("round trip mismatch: %q != %q", parsed.String(), orig.String())
			}
		})
	}
}

func TestParseWithPrefix_WrongPrefix(t *testing.T) {
	jobID := id.NewJobID()
	if _, err := id.ParseRuleID(jobID.String()); err == nil {
		t.Error("expected error parsing job ID as rule ID")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []string{"", "not-a-typeid", "job_!!!"}
	for _, s := range tests {
		if _, err := id.Parse(s); err == nil {
			t.Errorf("Parse(%q) expected error", s)
		}
	}
}

func TestNil(t *testing.T) {
	if !id.Nil.IsNil() {
		t.Error("Nil should report IsNil")
	}
	if id.Nil.String() != "" {
		t.Errorf("Nil.String() = %q, want empty", id.Nil.String())
	}
}

func TestTextMarshalRoundTrip(t *testing.T) {
	orig := id.NewJobID()
	data, err := orig.MarshalText()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded id.ID
	if err := decoded.UnmarshalText(data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.String() != orig.String() {
		t.Errorf("round trip mismatch: %q != %q", decoded.String(), orig.String())
	}
}

func TestScan(t *testing.T) {
	orig := id.NewJobID()

	tests := []struct {
		name string
		src  any
		want string
	}{
		{"string", orig.String(), orig.String()},
		{"bytes", []byte(orig.String()), orig.String()},
		{"nil", nil, ""},
		{"empty string", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var i id.ID
			if err := i.Scan(tt.src); err != nil {
				t.Fatalf("scan: %v", err)
			}
			if i.String() != tt.want {
				t.Errorf("got %q, want %q", i.String(), tt.want)
			}
		})
	}
}
