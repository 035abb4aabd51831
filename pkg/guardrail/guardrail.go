// Copyright 2025 Datalens AI
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package guardrail screens user input and model output. Checks are
// heuristic and fail open: a guardrail that cannot run never blocks a turn.
package guardrail

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
)

// Verdict is the outcome of a check.
type Verdict struct {
	// Allowed is false when the input must be rejected.
	Allowed bool

	// Reason explains a rejection, suitable for the user.
	Reason string

	// Sanitized is the input with PII redacted. Equal to the original when
	// nothing matched.
	Sanitized string

	// Redactions counts PII replacements made.
	Redactions int
}

// Guardrail runs input and output checks.
type Guardrail struct {
	redactPII       bool
	blockInjection  bool
	injectionChecks []*regexp.Regexp
	piiChecks       []piiPattern
	logger          *slog.Logger
}

type piiPattern struct {
	re          *regexp.Regexp
	replacement string
}

// Option configures a Guardrail.
type Option func(*Guardrail)

// WithPIIRedaction toggles PII redaction (default on).
func WithPIIRedaction(enabled bool) Option {
	return func(g *Guardrail) { g.redactPII = enabled }
}

// WithInjectionBlocking toggles prompt-injection screening (default on).
func WithInjectionBlocking(enabled bool) Option {
	return func(g *Guardrail) { g.blockInjection = enabled }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guardrail) { g.logger = logger }
}

// New creates a Guardrail with the built-in heuristics.
func New(opts ...Option) *Guardrail {
	g := &Guardrail{
		redactPII:      true,
		blockInjection: true,
		logger:         slog.Default(),
		injectionChecks: []*regexp.Regexp{
			regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`),
			regexp.MustCompile(`(?i)disregard\s+(your|the)\s+(system\s+)?(prompt|instructions)`),
			regexp.MustCompile(`(?i)you\s+are\s+now\s+(in\s+)?(developer|jailbreak|dan)\s+mode`),
			regexp.MustCompile(`(?i)reveal\s+(your|the)\s+system\s+prompt`),
			regexp.MustCompile(`(?i)print\s+(your|the)\s+(full\s+)?system\s+(prompt|instructions)`),
		},
		piiChecks: []piiPattern{
			{regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), "[EMAIL]"},
			{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[SSN]"},
			{regexp.MustCompile(`\b(?:\d[ \-]?){13,16}\b`), "[CARD]"},
			{regexp.MustCompile(`\b\+?\d{1,3}[ \-.]?\(?\d{3}\)?[ \-.]?\d{3}[ \-.]?\d{4}\b`), "[PHONE]"},
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CheckInput screens a user query before execution. Never returns an error:
// internal failures are logged and the input passes through unchanged.
func (g *Guardrail) CheckInput(ctx context.Context, input string) Verdict {
	verdict := Verdict{Allowed: true, Sanitized: input}

	func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Warn("Guardrail check panicked, failing open", "panic", r)
				verdict = Verdict{Allowed: true, Sanitized: input}
			}
		}()

		if g.blockInjection {
			for _, re := range g.injectionChecks {
				if re.MatchString(input) {
					verdict.Allowed = false
					verdict.Reason = "The request looks like an attempt to override the assistant's instructions."
					return
				}
			}
		}

		if g.redactPII {
			sanitized, n := g.redact(input)
			verdict.Sanitized = sanitized
			verdict.Redactions = n
			if n > 0 {
				g.logger.Info("Redacted PII from input", "redactions", n)
			}
		}
	}()

	return verdict
}

// CheckOutput screens the final assistant text before it is sent. PII the
// user themselves provided may legitimately appear, so output is only
// redacted, never blocked.
func (g *Guardrail) CheckOutput(ctx context.Context, output string) Verdict {
	verdict := Verdict{Allowed: true, Sanitized: output}
	if !g.redactPII {
		return verdict
	}

	defer func() {
		if r := recover(); r != nil {
			g.logger.Warn("Guardrail output check panicked, failing open", "panic", r)
		}
	}()

	sanitized, n := g.redact(output)
	verdict.Sanitized = sanitized
	verdict.Redactions = n
	return verdict
}

func (g *Guardrail) redact(text string) (string, int) {
	count := 0
	for _, p := range g.piiChecks {
		text = p.re.ReplaceAllStringFunc(text, func(match string) string {
			// Long digit runs inside normal numbers (row counts, IDs in
			// prose) are left alone unless they look like card numbers.
			if p.replacement == "[CARD]" && !looksLikeCard(match) {
				return match
			}
			count++
			return p.replacement
		})
	}
	return text, count
}

// looksLikeCard applies the Luhn checksum to a candidate digit run.
func looksLikeCard(s string) bool {
	var digits []int
	for _, r := range s {
		if r >= '0' && r <= '9' {
			digits = append(digits, int(r-'0'))
		}
	}
	if len(digits) < 13 || len(digits) > 16 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		d := digits[i]
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// Strictness reports the enabled checks, for logging at startup.
func (g *Guardrail) Strictness() string {
	var parts []string
	if g.blockInjection {
		parts = append(parts, "injection")
	}
	if g.redactPII {
		parts = append(parts, "pii")
	}
	if len(parts) == 0 {
		return "disabled"
	}
	return strings.Join(parts, "+")
}
