// Package condition implements the small boolean expression language used by
// workflow quality gates. Expressions compare scoring payload fields,
// run variables (vars.<path>) and artifact presence (has("name")) using
// ==, !=, >, >=, <, <=, &&, || and !.
//
//	score >= 70
//	tests_passed == true && !vars.skip_review
//	has("review_report") || review.verdict == "approve"
package condition
