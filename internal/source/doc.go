// Package source reads the parse stage's output: one structured question
// file per group under <output>/<subject>/questions_structured, plus the
// textbook excerpt each group's prompts quote as context.
package source
