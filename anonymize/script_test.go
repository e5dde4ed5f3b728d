package anonymize

import (
	"testing"

	"github.com/mrjamesdickson/xnat-dicom-router-sub003/core"
)

func TestParseScriptAssignmentAndBareCall(t *testing.T) {
	src := "" +
		"// strip patient name\n" +
		"(0010,0010) := \"ANON\"\n" +
		"blankValues[(0010,0020)]\n"
	script, err := ParseScript(src)
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}
	if len(script.Statements) != 2 {
		t.Fatalf("got %d statements, want 2", len(script.Statements))
	}

	assign := script.Statements[0]
	if assign.Target == nil || *assign.Target != (core.Tag{Group: 0x0010, Element: 0x0010}) {
		t.Fatalf("unexpected assignment target: %+v", assign.Target)
	}
	if assign.Expr.Literal != "ANON" {
		t.Fatalf("unexpected literal: %q", assign.Expr.Literal)
	}

	call := script.Statements[1]
	if call.Target != nil {
		t.Fatalf("bare call parsed a target: %+v", call.Target)
	}
	if call.Expr.Call == nil || call.Expr.Call.Name != "blankValues" {
		t.Fatalf("unexpected bare call: %+v", call.Expr.Call)
	}
}

func TestParseScriptIgnoresCommentInsideQuotes(t *testing.T) {
	src := `(0010,0010) := "not // a comment"` + "\n"
	script, err := ParseScript(src)
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}
	if got := script.Statements[0].Expr.Literal; got != "not // a comment" {
		t.Fatalf("literal = %q, want the full quoted string preserved", got)
	}
}

func TestParseScriptCallWithTagArgument(t *testing.T) {
	src := `(0020,000D) := hashUID[(0020,000D)]` + "\n"
	script, err := ParseScript(src)
	if err != nil {
		t.Fatalf("ParseScript: %v", err)
	}
	call := script.Statements[0].Expr.Call
	if call == nil || call.Name != "hashUID" || len(call.Args) != 1 {
		t.Fatalf("unexpected parse: %+v", call)
	}
	if call.Args[0].Tag == nil || *call.Args[0].Tag != (core.Tag{Group: 0x0020, Element: 0x000D}) {
		t.Fatalf("unexpected call argument: %+v", call.Args[0])
	}
}

func TestParseScriptRejectsMalformedTag(t *testing.T) {
	_, err := ParseScript("(bad) := \"x\"\n")
	if err == nil {
		t.Fatalf("expected a parse error for a malformed tag")
	}
}

func TestParseScriptRejectsBareLiteral(t *testing.T) {
	_, err := ParseScript("\"just a string\"\n")
	if err == nil {
		t.Fatalf("expected a parse error for a statement that is neither assignment nor call")
	}
}
