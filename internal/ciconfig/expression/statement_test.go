package expression

import "testing"

func TestEvaluate(t *testing.T) {
	vars := Variables{
		"CI_COMMIT_BRANCH":    "main",
		"CI_PIPELINE_SOURCE":  "push",
		"CI_COMMIT_MESSAGE":   "Fix build [deploy]",
		"EMPTY":               "",
		"RELEASE_PATTERN":     "/^release-.*$/",
		"CI_COMMIT_REF_NAME":  "release-1.2",
		"CI_DEFAULT_BRANCH":   "main",
		"CI_MERGE_REQUEST_ID": "",
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{name: "defined variable", expr: "$CI_COMMIT_BRANCH", want: true},
		{name: "braced variable", expr: "${CI_COMMIT_BRANCH}", want: true},
		{name: "empty variable is falsy", expr: "$EMPTY", want: false},
		{name: "undefined variable is falsy", expr: "$MISSING", want: false},
		{name: "string equality", expr: `$CI_COMMIT_BRANCH == "main"`, want: true},
		{name: "single quoted string", expr: `$CI_COMMIT_BRANCH == 'main'`, want: true},
		{name: "inequality", expr: `$CI_COMMIT_BRANCH != "main"`, want: false},
		{name: "variable to variable", expr: `$CI_COMMIT_BRANCH == $CI_DEFAULT_BRANCH`, want: true},
		{name: "undefined equals null", expr: `$MISSING == null`, want: true},
		{name: "empty is not null", expr: `$EMPTY == null`, want: false},
		{name: "undefined is not empty string", expr: `$MISSING == ""`, want: false},
		{name: "pattern match", expr: `$CI_COMMIT_MESSAGE =~ /\[deploy\]/`, want: true},
		{name: "case insensitive pattern", expr: `$CI_COMMIT_BRANCH =~ /MAIN/i`, want: true},
		{name: "pattern mismatch", expr: `$CI_COMMIT_BRANCH !~ /^feature/`, want: true},
		{name: "null never matches", expr: `$MISSING =~ /.*/`, want: false},
		{name: "pattern from variable", expr: `$CI_COMMIT_REF_NAME =~ $RELEASE_PATTERN`, want: true},
		{name: "and", expr: `$CI_COMMIT_BRANCH == "main" && $CI_PIPELINE_SOURCE == "push"`, want: true},
		{name: "or", expr: `$CI_PIPELINE_SOURCE == "web" || $CI_PIPELINE_SOURCE == "push"`, want: true},
		{name: "and binds tighter than or", expr: `$CI_PIPELINE_SOURCE == "web" && $MISSING || $CI_COMMIT_BRANCH`, want: true},
		{name: "parentheses", expr: `$CI_PIPELINE_SOURCE == "web" && ($MISSING || $CI_COMMIT_BRANCH)`, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Evaluate(tt.expr, vars)
			if err != nil {
				t.Fatalf("Evaluate(%q) error = %v", tt.expr, err)
			}
			if got != tt.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tt.expr, got, tt.want)
			}
		})
	}
}

func TestParseErrors(t *testing.T) {
	invalid := []string{
		"",
		"$",
		`$A == "unterminated`,
		`$A =~ /unterminated`,
		`$A ==`,
		`($A == "b"`,
		`$A == "b")`,
		`$A = "b"`,
		`$A =~ /[/`,
	}
	for _, src := range invalid {
		if Valid(src) {
			t.Errorf("Valid(%q) = true, want false", src)
		}
	}
}

func TestMatchAgainstNonPattern(t *testing.T) {
	if _, err := Evaluate(`$A =~ "plain"`, Variables{"A": "plain"}); err == nil {
		t.Error("expected error matching against a non-pattern string")
	}
}
